package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cwbudde/bistroopt/internal/config"
	"github.com/cwbudde/bistroopt/internal/store"
)

var (
	logLevel   string
	configPath string
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bistroopt",
	Short: "Transportation policy optimization on top of BEAM",
	Long: `bistroopt searches road pricing, mode incentive and transit fare policies
for the BISTRO benchmark. Each candidate is written as simulator inputs, run in
the BEAM container and scored from its KPIs, either by a weighted sum or by the
hypervolume of a Pareto frontier.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var level slog.Level
		switch logLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		opts := &slog.HandlerOptions{Level: level}
		handler := slog.NewJSONHandler(os.Stderr, opts)
		logger = slog.New(handler)
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "bistro.yaml", "Study settings file")
}

// loadConfig reads and validates the file named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", configPath, err)
	}
	return cfg, nil
}

func openTrials(cfg *config.Config) (*store.TrialDB, error) {
	trials, err := store.OpenTrialDB(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open trial database: %w", err)
	}
	return trials, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
