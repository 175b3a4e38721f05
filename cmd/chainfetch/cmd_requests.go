package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/correlate"
	"github.com/spf13/cobra"
)

var (
	requestTimeout time.Duration
	rangeStart     string
	rangeEnd       string
)

var stateCmd = &cobra.Command{
	Use:   "state <account>",
	Short: "Show the stored fetch state of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app) error {
			st, err := a.engine.GetState(ctx, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Account:   %s\n", st.ID)
			fmt.Fprintf(out, "Forward:   runs=%d every %s last %s\n", st.Forward.NumRuns, st.Forward.Frequency, formatTime(st.Forward.LastRun))
			fmt.Fprintf(out, "Backward:  runs=%d complete=%t last %s\n", st.Backward.NumRuns, st.Backward.Complete, formatTime(st.Backward.LastRun))
			if st.Failure != nil {
				fmt.Fprintf(out, "Failure:   %s %s (%s) x%d at %s\n", st.Failure.Direction, st.Failure.Message, st.Failure.Class, st.Failure.Count, formatTime(st.Failure.At))
			}
			return nil
		})
	},
}

var fetchIDsCmd = &cobra.Command{
	Use:   "fetch-ids <id>...",
	Short: "Fetch entities by id and wait for the result",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			nonce, ch, err := a.engine.FetchByIDs(ctx, args)
			if err != nil {
				return err
			}
			return awaitResult(ctx, cmd.OutOrStdout(), nonce, ch)
		})
	},
}

var fetchRangeCmd = &cobra.Command{
	Use:   "fetch-range <account>",
	Short: "Fetch the entities of an account within a time range",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := parseRange(rangeStart, rangeEnd, time.Now())
		if err != nil {
			return err
		}
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			nonce, ch, err := a.engine.FetchByDateRange(ctx, args[0], start, end)
			if err != nil {
				return err
			}
			return awaitResult(ctx, cmd.OutOrStdout(), nonce, ch)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{fetchIDsCmd, fetchRangeCmd} {
		c.Flags().DurationVar(&requestTimeout, "timeout", 5*time.Minute, "give up waiting after this long")
	}
	fetchRangeCmd.Flags().StringVar(&rangeStart, "start", "", "range start, RFC 3339 or a duration before now such as 24h")
	fetchRangeCmd.Flags().StringVar(&rangeEnd, "end", "", "range end, RFC 3339 or a duration before now (default now)")
	_ = fetchRangeCmd.MarkFlagRequired("start")

	rootCmd.AddCommand(stateCmd, fetchIDsCmd, fetchRangeCmd)
}

// withApp wires the application for one command. With start set the engine
// runs for the duration of fn, bounded by --timeout.
func withApp(cmd *cobra.Command, start bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if start {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if start {
		if err := a.engine.Start(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, a)
}

func awaitResult(ctx context.Context, w io.Writer, nonce uint64, ch <-chan correlate.Result) error {
	select {
	case res, ok := <-ch:
		if !ok {
			return fmt.Errorf("request %d: engine stopped before the result arrived", nonce)
		}
		if err := printResult(w, res); err != nil {
			return err
		}
		return res.Err()
	case <-ctx.Done():
		return fmt.Errorf("request %d: %w", nonce, ctx.Err())
	}
}

func printResult(w io.Writer, res correlate.Result) error {
	if outputJSON {
		return printJSON(w, res)
	}
	fmt.Fprintf(w, "Request %d: %d entities, %d errors\n", res.Nonce, len(res.Entities), len(res.Errors))
	for _, e := range res.Entities {
		fmt.Fprintf(w, "  %s  %-20s  %s\n", e.Timestamp.UTC().Format(time.RFC3339), e.Account, e.ID)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  error %s: %s (%s)\n", e.ID, e.Message, e.Class)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

// parseRange accepts RFC 3339 timestamps or durations measured back from
// now. An empty end is now.
func parseRange(start, end string, now time.Time) (time.Time, time.Time, error) {
	s, err := parseInstant(start, now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--start: %w", err)
	}
	e := now
	if end != "" {
		if e, err = parseInstant(end, now); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--end: %w", err)
		}
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end %s is before start %s", correlate.ErrInvalidRange, e.Format(time.RFC3339), s.Format(time.RFC3339))
	}
	return s, e, nil
}

func parseInstant(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor a duration", v)
	}
	return now.Add(-d), nil
}
