package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"droneops-gcs/internal/storage"
)

var flightsID int64

var flightsCmd = &cobra.Command{
	Use:   "flights",
	Short: "List recorded flights",
	Long:  "flights lists the recorded flights, or the event timeline of one flight with --id.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storage.NewSqliteStore(cfg.Storage.DBPath)
		defer store.Close()
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if flightsID > 0 {
			return printEvents(ctx, os.Stdout, store, flightsID, time.Now())
		}
		return printFlights(ctx, os.Stdout, store, time.Now())
	},
}

type flightReader interface {
	Flight(ctx context.Context, id int64) (*storage.Flight, error)
	Flights(ctx context.Context) ([]storage.Flight, error)
	Events(ctx context.Context, flightID int64) ([]storage.FlightEvent, error)
}

func printFlights(ctx context.Context, w io.Writer, store flightReader, now time.Time) error {
	flights, err := store.Flights(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tSTATUS\tNOTE")
	for _, f := range flights {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			f.ID, humanize.RelTime(f.StartedAt, now, "ago", "from now"), duration(f, now), f.Status, f.Note)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s flights\n", humanize.Comma(int64(len(flights))))
	return err
}

func printEvents(ctx context.Context, w io.Writer, store flightReader, id int64, now time.Time) error {
	f, err := store.Flight(ctx, id)
	if err != nil {
		return fmt.Errorf("flight %d: %w", id, err)
	}
	events, err := store.Events(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Flight %d %s, started %s, %s\n", f.ID, f.Status, humanize.RelTime(f.StartedAt, now, "ago", "from now"), duration(*f, now))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tEVENT\tDATA")
	for _, ev := range events {
		fmt.Fprintf(tw, "+%s\t%s\t%s\n", ev.CreatedAt.Sub(f.StartedAt).Truncate(time.Millisecond), ev.Type, ev.Data)
	}
	return tw.Flush()
}

func duration(f storage.Flight, now time.Time) string {
	if f.EndedAt == nil {
		return "running " + humanize.RelTime(f.StartedAt, now, "", "")
	}
	return f.EndedAt.Sub(f.StartedAt).Truncate(time.Second).String()
}

func init() {
	flightsCmd.Flags().Int64Var(&flightsID, "id", 0, "Show the event timeline of one flight")
}
