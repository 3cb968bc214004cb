package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"droneops-gcs/internal/storage"
	"droneops-gcs/internal/telemetry"
)

var (
	replayInput     string
	replaySpeed     float64
	replayFlightID  int64
	replayPrintOnly bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a raw protocol log",
	Long:  "replay decodes a raw JSONL message log into telemetry rows and writes them to GreptimeDB or STDOUT.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayInput == "" {
			return fmt.Errorf("input file required")
		}
		writer, err := replayWriter(replayPrintOnly)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		n, err := telemetry.ReplayLogFile(ctx, replayInput, replayFlightID, writer, replaySpeed)
		log.Printf("[Main] Replayed %d rows from %s", n, replayInput)
		return err
	},
}

// replayWriter writes to GreptimeDB when an endpoint is configured, else STDOUT.
func replayWriter(printOnly bool) (telemetry.RowWriter, error) {
	if printOnly || cfg.Storage.GreptimeEndpoint == "" {
		return storage.NewJSONStdoutWriter(), nil
	}
	return storage.NewGreptimeDBWriter(cfg.Storage.GreptimeEndpoint, cfg.Storage.GreptimeDatabase)
}

func init() {
	replayCmd.Flags().StringVar(&replayInput, "input", "", "Path to raw JSONL log")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "Playback speed multiplier, 0 replays without delay")
	replayCmd.Flags().Int64Var(&replayFlightID, "flight", 0, "Flight id stamped on the replayed rows")
	replayCmd.Flags().BoolVar(&replayPrintOnly, "print-only", false, "Print telemetry to STDOUT instead of writing to DB")
	replayCmd.MarkFlagRequired("input")
}
