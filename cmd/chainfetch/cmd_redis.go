package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/cache"
	"github.com/Sternrassler/chainfetch/pkg/config"
	"github.com/Sternrassler/chainfetch/pkg/correlate"
	"github.com/Sternrassler/chainfetch/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	watchAll   bool
	resultKeep time.Duration
)

var resultCmd = &cobra.Command{
	Use:   "result <nonce>",
	Short: "Print a finished response from the shared cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nonce, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid nonce %q", args[0])
		}
		cfg, rc, err := redisClient(cmd)
		if err != nil {
			return err
		}
		defer rc.Close()

		return showResult(cmd.Context(), cmd.OutOrStdout(), cache.NewManager(rc, cfg.Cache), nonce, resultKeep)
	},
}

// showResult prints the cached response for nonce. A positive keep extends
// its lifetime to keep from now.
func showResult(ctx context.Context, w io.Writer, m *cache.Manager, nonce uint64, keep time.Duration) error {
	res, err := m.Get(ctx, nonce)
	if errors.Is(err, cache.ErrCacheMiss) {
		return fmt.Errorf("no cached response for request %d", nonce)
	}
	if err != nil {
		return err
	}
	if keep > 0 {
		if err := m.Touch(ctx, nonce, keep); err != nil {
			return fmt.Errorf("extend cached response: %w", err)
		}
	}
	return printResult(w, *res)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream request completion events from every engine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, rc, err := redisClient(cmd)
		if err != nil {
			return err
		}
		defer rc.Close()

		n := correlate.NewRedisNotifier(rc, cfg.Redis.Channel, logging.NewLogger("notifier"))
		events, err := n.Subscribe(cmd.Context(), false)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for ev := range events {
			if !watchAll && ev.Expired {
				continue
			}
			if outputJSON {
				if err := printJSON(out, ev); err != nil {
					return err
				}
				continue
			}
			status := "complete"
			if ev.Expired {
				status = "expired"
			}
			fmt.Fprintf(out, "%s  request %d %s: %d entities, %d errors (origin %s)\n",
				ev.At.UTC().Format(time.RFC3339), ev.Nonce, status, ev.Entities, ev.Errors, ev.Origin)
		}
		return nil
	},
}

func init() {
	resultCmd.Flags().DurationVar(&resultKeep, "keep", 0, "keep the response cached this long from now")
	watchCmd.Flags().BoolVar(&watchAll, "all", true, "include expired requests")
	rootCmd.AddCommand(resultCmd, watchCmd)
}

// redisClient loads the configuration and connects to Redis without opening
// the store, so it works next to a running engine.
func redisClient(cmd *cobra.Command) (*config.Config, *redis.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Redis.Enabled() {
		return nil, nil, fmt.Errorf("%s requires redis.addr", cmd.Name())
	}
	rc, err := connectRedis(cmd.Context(), cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return cfg, rc, nil
}
