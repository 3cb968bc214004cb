package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"droneops-gcs/internal/admin"
	"droneops-gcs/internal/mission"
)

var (
	serveSimulate bool
	serveAddr     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ground station API",
	Long:  "serve keeps the telemetry pipeline running and accepts missions over HTTP, one at a time.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := newStation(ctx, cfg, serveSimulate, false, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		st.pipeline.Start(ctx)
		tracker := mission.NewTracker(ctx, st.orch, logger.With("component", "tracker"))

		srv := admin.NewServer(admin.WithSecret(cfg.API.JWTSecret), admin.WithLogger(logger.With("component", "api")))
		srv.Missions = tracker
		srv.Preflight = st.orch
		srv.Flights = st.store
		srv.Telemetry = st.pipeline
		srv.Feed = st.feed

		addr := cfg.API.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		log.Printf("[Main] API listening on %s", addr)
		if err := srv.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		stop()
		tracker.Wait()
		log.Println("[Main] Ground station stopped.")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveSimulate, "sim", false, "Serve the built-in simulated vehicle instead of the configured connection")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Override the configured API listen address")
}
