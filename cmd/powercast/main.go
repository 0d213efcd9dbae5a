// Package main is the entry point for powercast, the 72-hour electricity
// price forecasting service. Three subcommands cover the full surface:
// run (one synchronous cycle), schedule (daily trigger loop) and serve
// (read-only query API).
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aristath/powercast/internal/config"
	"github.com/aristath/powercast/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "powercast",
		Short:         "Probabilistic 72-hour electricity price forecasting",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configFile, "config_file", "", "path to an env file loaded before configuration")

	root.AddCommand(
		newRunCmd(&configFile),
		newScheduleCmd(&configFile),
		newServeCmd(&configFile),
	)
	return root
}

// loadConfig loads the optional env file, then configuration, then swaps
// in the configured logger.
func loadConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		if err := godotenv.Load(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configFile, err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.Environment == config.EnvDevelopment,
	})
	logger.SetGlobalLogger(log)
	return cfg, nil
}
