package storage

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"

	"droneops-gcs/internal/telemetry"
)

const (
	defaultGreptimePort  = 4001
	greptimeWriteTimeout = 5 * time.Second
)

// greptimeClient is the part of the ingester client the writer uses.
type greptimeClient interface {
	Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error)
}

// GreptimeDBWriter writes recorded flight telemetry to GreptimeDB via the ingester
// client. The table is created by the first write.
type GreptimeDBWriter struct {
	client greptimeClient
	table  string
}

// NewGreptimeDBWriter connects to endpoint ("host" or "host:port") and database.
func NewGreptimeDBWriter(endpoint, database string) (*GreptimeDBWriter, error) {
	host, port := endpoint, defaultGreptimePort
	if h, p, err := net.SplitHostPort(endpoint); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("greptime endpoint %q: %w", endpoint, err)
		}
		host, port = h, n
	}
	cfg := greptime.NewConfig(host).WithPort(port).WithDatabase(database)
	client, err := greptime.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("greptime client: %w", err)
	}
	return &GreptimeDBWriter{client: client, table: telemetry.TelemetryTableName}, nil
}

// Write inserts a single telemetry row.
func (w *GreptimeDBWriter) Write(row telemetry.TelemetryRow) error {
	return w.WriteBatch([]telemetry.TelemetryRow{row})
}

// WriteBatch inserts multiple telemetry rows.
func (w *GreptimeDBWriter) WriteBatch(rows []telemetry.TelemetryRow) error {
	if len(rows) == 0 {
		return nil
	}

	tbl, err := w.newTable()
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := tbl.AddRow(
			strconv.FormatInt(r.FlightID, 10),
			r.FrameID,
			r.Lat,
			r.Lon,
			r.Alt,
			r.RelativeAlt,
			r.Heading,
			r.Groundspeed,
			r.BatteryVoltage,
			r.BatteryCurrent,
			int64(r.BatteryRemaining),
			r.Mode,
			r.Armed,
			r.Timestamp,
		); err != nil {
			return fmt.Errorf("greptime row: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), greptimeWriteTimeout)
	defer cancel()
	if _, err := w.client.Write(ctx, tbl); err != nil {
		log.Printf("[GreptimeDBWriter] Write failed: %v", err)
		return err
	}

	log.Printf("[GreptimeDBWriter] wrote %d rows", len(rows))
	return nil
}

func (w *GreptimeDBWriter) newTable() (*table.Table, error) {
	tbl, err := table.New(w.table)
	if err != nil {
		return nil, fmt.Errorf("greptime table: %w", err)
	}
	columns := []struct {
		name string
		typ  types.ColumnType
		tag  bool
	}{
		{"flight_id", types.STRING, true},
		{"frame_id", types.INT64, false},
		{"lat", types.FLOAT64, false},
		{"lon", types.FLOAT64, false},
		{"alt", types.FLOAT64, false},
		{"relative_alt", types.FLOAT64, false},
		{"heading", types.FLOAT64, false},
		{"groundspeed", types.FLOAT64, false},
		{"battery_voltage", types.FLOAT64, false},
		{"battery_current", types.FLOAT64, false},
		{"battery_remaining", types.INT64, false},
		{"mode", types.STRING, false},
		{"armed", types.BOOLEAN, false},
	}
	for _, c := range columns {
		var err error
		if c.tag {
			err = tbl.AddTagColumn(c.name, c.typ)
		} else {
			err = tbl.AddFieldColumn(c.name, c.typ)
		}
		if err != nil {
			return nil, fmt.Errorf("greptime column %s: %w", c.name, err)
		}
	}
	if err := tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND); err != nil {
		return nil, fmt.Errorf("greptime time index: %w", err)
	}
	return tbl, nil
}
