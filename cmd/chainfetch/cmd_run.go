package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/config"
	"github.com/Sternrassler/chainfetch/pkg/engine"
	"github.com/spf13/cobra"
)

var shutdownTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the fetch engine and the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runEngine,
}

func init() {
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "graceful HTTP shutdown timeout")
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if err := addAccounts(ctx, a, cfg.Accounts); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newServer(a.engine, a.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info().
			Str("addr", cfg.HTTP.Addr).
			Int("shard", cfg.Shard.Index).
			Int("shards", cfg.Shard.Count).
			Msg("Serving HTTP")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	engineErr := make(chan error, 1)
	go func() { engineErr <- a.engine.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("Shutting down")
	case err := <-serveErr:
		runErr = err
	case err := <-engineErr:
		// The engine stops on its own only after a storage failure.
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	return runErr
}

// addAccounts adds the configured accounts this shard owns.
func addAccounts(ctx context.Context, a *app, entries []string) error {
	for _, entry := range entries {
		acct, err := config.ParseAccount(entry)
		if err != nil {
			return err
		}
		var opts []engine.AccountOption[uint64]
		if acct.StopCursor != nil {
			opts = append(opts, engine.WithStopCursor(*acct.StopCursor))
		}
		err = a.engine.AddAccount(ctx, acct.ID, opts...)
		switch {
		case errors.Is(err, engine.ErrNotOwned):
			a.logger.Debug().Str("account", acct.ID).Msg("Account served by another shard")
		case err != nil:
			return err
		}
	}
	return nil
}
