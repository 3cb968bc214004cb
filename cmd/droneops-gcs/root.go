package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"droneops-gcs/internal/config"
	"droneops-gcs/internal/logging"
)

var (
	configPath string
	logLevel   string
	cfg        *config.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "droneops-gcs",
	Short: "DroneOps ground control station",
	Long:  "droneops-gcs flies waypoint missions on a MAVLink vehicle, records each flight and serves live telemetry.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger = logging.New(os.Stderr, logging.ParseLevel(cfg.Log.Level))
		slog.SetDefault(logger)
		return nil
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration YAML (defaults only when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(flightsCmd)
	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(tokenCmd)
}
