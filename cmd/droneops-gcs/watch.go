package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"droneops-gcs/internal/telemetry"
	"droneops-gcs/internal/tui"
	"droneops-gcs/internal/vehicle"
)

var watchSimulate bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Show live vehicle telemetry",
	Long:  "watch runs the telemetry pipeline and renders it in a terminal UI, or as JSON lines when STDOUT is not a terminal.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		link, src, err := newLink(cfg, watchSimulate, logger)
		if err != nil {
			return err
		}
		defer link.Close()
		if s, ok := link.(*vehicle.Sim); ok {
			if err := s.Connect(ctx); err != nil {
				return err
			}
		}

		feed := telemetry.NewBroadcaster(telemetry.WithQueueSize(cfg.Telemetry.QueueSize), telemetry.WithBroadcastLogger(logger))
		defer feed.Close()
		p := telemetry.NewPipeline(src, feed, telemetry.WithPipelineConfig(pipelineConfig(cfg)), telemetry.WithPipelineLogger(logger))

		if !term.IsTerminal(int(os.Stdout.Fd())) {
			log.Println("[Main] STDOUT is not a terminal, writing JSON frames")
			_, unregister := feed.Register(telemetry.NewJSONConsumer(os.Stdout))
			defer unregister()
			p.Start(ctx)
			<-ctx.Done()
			p.Stop()
			return nil
		}

		ui := tui.NewConsumer("DroneOps " + cfg.Vehicle.Connection)
		_, unregister := feed.Register(ui)
		defer unregister()
		p.Start(ctx)
		ui.Logf("pipeline started on %s", cfg.Vehicle.Connection)

		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				p.Stop()
				return ui.Close()
			case <-t.C:
				ui.SetLink(p.Running(), p.Reconnects())
			}
		}
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchSimulate, "sim", false, "Watch the built-in simulated vehicle")
}
