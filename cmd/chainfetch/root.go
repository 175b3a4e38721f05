package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Sternrassler/chainfetch/pkg/config"
	"github.com/Sternrassler/chainfetch/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	configPath string
	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "chainfetch",
	Short: "Index account histories from a chain data provider",
	Long: "chainfetch keeps a local index of account histories fetched from a remote " +
		"chain data provider and answers date range and id requests from it.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the configuration file (default ./chainfetch.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "human readable log output")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print results as JSON")
}

// loadConfig reads the configuration, applies the logging flags and sets up
// the global logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v, err := config.New(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Root().PersistentFlags()
	if f := flags.Lookup("log-level"); f.Changed {
		v.Set("logging.level", f.Value.String())
	}
	if err := v.BindPFlag("logging.pretty", flags.Lookup("pretty")); err != nil {
		return nil, err
	}

	cfg, err := config.Decode(v)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Logging)
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
