package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/emperorhan/deposit-reconciler/internal/config"
	"github.com/spf13/cobra"
)

// rootOptions holds global flags and the state loaded before every command.
type rootOptions struct {
	EnvFile string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "reconciler",
		Short:         "Deposit reconciler",
		Long:          "Scans order deposit addresses for sweeps into the platform account and credits each sweep exactly once.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.EnvFile != "" {
				if err := os.Setenv("ENV_FILE", opts.EnvFile); err != nil {
					return fmt.Errorf("set ENV_FILE: %w", err)
				}
			}
			cfg, err := config.Load()
			if err != nil {
				slog.Error("failed to load config", "error", err)
				return err
			}
			opts.cfg = cfg
			opts.logger = newLogger(cfg.Log.Level, os.Stdout)
			slog.SetDefault(opts.logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file to load (default .env, or ENV_FILE)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newScanCommand(opts))
	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

func newLogger(level string, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel}))
}
