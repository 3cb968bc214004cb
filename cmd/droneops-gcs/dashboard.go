package main

import (
	"log"

	"github.com/spf13/cobra"

	"droneops-gcs/internal/dashboard"
)

var dashboardOut string

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Render Grafana dashboards",
	Long:  "dashboard renders the flight telemetry and history dashboards. Datasource ids come from GREPTIMEDB_DATASOURCE_UID and SQLITE_DATASOURCE_UID.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := dashboard.Render(dashboardOut); err != nil {
			return err
		}
		log.Printf("[Main] Dashboards written to %s", dashboardOut)
		return nil
	},
}

func init() {
	dashboardCmd.Flags().StringVar(&dashboardOut, "out", "build", "Output directory")
}
