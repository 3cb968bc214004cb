package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"droneops-gcs/internal/plan"
	"droneops-gcs/internal/storage"
)

var (
	runPlanPath  string
	runSimulate  bool
	runPrintOnly bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fly one mission plan and exit",
	Long:  "run connects to the vehicle, flies the waypoints of a plan file, returns home and records the flight.",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := plan.Load(runPlanPath)
		if err != nil {
			return err
		}
		cruiseAlt := p.CruiseAlt
		if cruiseAlt <= 0 {
			cruiseAlt = cfg.Mission.CruiseAlt
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := newStation(ctx, cfg, runSimulate, runPrintOnly, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		log.Printf("[Main] Flying plan %q: %d waypoints at %.0f m", p.Name, len(p.Waypoints), cruiseAlt)
		out, err := st.orch.Run(ctx, p.Route(), cruiseAlt)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(out); encErr != nil {
			return encErr
		}
		if err != nil {
			return fmt.Errorf("mission %s: %w", out.Status, err)
		}
		if out.Status != storage.StatusCompleted {
			return fmt.Errorf("mission %s: %s", out.Status, out.Note)
		}
		log.Printf("[Main] Flight %d completed", out.FlightID)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runPlanPath, "plan", "", "Path to mission plan YAML")
	runCmd.Flags().BoolVar(&runSimulate, "sim", false, "Fly the built-in simulated vehicle instead of the configured connection")
	runCmd.Flags().BoolVar(&runPrintOnly, "print-only", false, "Mirror telemetry and raw events to STDOUT")
	runCmd.MarkFlagRequired("plan")
}
