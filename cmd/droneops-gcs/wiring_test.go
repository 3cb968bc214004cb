package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"droneops-gcs/internal/config"
	"droneops-gcs/internal/logging"
	"droneops-gcs/internal/messaging"
	"droneops-gcs/internal/storage"
	"droneops-gcs/internal/telemetry"
	"droneops-gcs/internal/vehicle"
)

func TestNewWritersPrintOnly(t *testing.T) {
	tw, rw, cleanup, err := newWriters(config.Default(), true)
	if err != nil {
		t.Fatalf("newWriters returned error: %v", err)
	}
	cleanup()
	mw, ok := tw.(*storage.MultiWriter)
	if !ok {
		t.Fatalf("expected *storage.MultiWriter, got %T", tw)
	}
	if mw.Len() != 1 {
		t.Fatalf("expected 1 telemetry writer, got %d", mw.Len())
	}
	if rw == nil {
		t.Fatal("expected raw writer in print-only mode")
	}
}

func TestNewWritersNothingConfigured(t *testing.T) {
	tw, rw, cleanup, err := newWriters(config.Default(), false)
	if err != nil {
		t.Fatalf("newWriters returned error: %v", err)
	}
	cleanup()
	if tw != nil || rw != nil {
		t.Fatalf("expected no mirrors, got %T %T", tw, rw)
	}
}

func TestNewWritersLogFiles(t *testing.T) {
	dir := t.TempDir()
	c := config.Default()
	c.Storage.TelemetryLog = filepath.Join(dir, "telemetry.jsonl")
	c.Ingest.RawLog = filepath.Join(dir, "raw.jsonl")
	tw, rw, cleanup, err := newWriters(c, false)
	if err != nil {
		t.Fatalf("newWriters returned error: %v", err)
	}
	if err := tw.Write(telemetry.TelemetryRow{FlightID: 1, FrameID: 1, Timestamp: time.Now()}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := rw.WriteRaw(storage.RawEvent{FlightID: 1, MsgType: "HEARTBEAT", Payload: []byte(`{"mavpackettype":"HEARTBEAT"}`)}); err != nil {
		t.Fatalf("write raw failed: %v", err)
	}
	cleanup()
	for _, p := range []string{c.Storage.TelemetryLog, c.Ingest.RawLog} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat failed: %v", err)
		}
		if info.Size() == 0 {
			t.Fatalf("expected %s to be non-empty", p)
		}
	}
}

func TestNewWritersRawLogOnly(t *testing.T) {
	c := config.Default()
	c.Ingest.RawLog = filepath.Join(t.TempDir(), "raw.jsonl")
	_, rw, cleanup, err := newWriters(c, false)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	if rw == nil {
		t.Fatal("expected raw writer")
	}
	if _, err := os.Stat(c.Ingest.RawLog + ".telemetry"); err != nil {
		t.Fatalf("telemetry companion log missing: %v", err)
	}
}

func TestMissionConfigFromFile(t *testing.T) {
	c := config.Default()
	c.Mission.EnforcePreflightRange = true
	c.Mission.InterpolateSteps = 3
	c.Battery.CapacityWh = 100
	c.Ingest.EnqueueTimeoutMs = 20
	m := missionConfig(c)
	if !m.EnforcePreflightRange || m.InterpolateSteps != 3 || m.Range.CapacityWh != 100 {
		t.Fatalf("unexpected mission config %+v", m)
	}
	if m.Ingest.EnqueueTimeout != 20*time.Millisecond || m.Ingest.QueueSize != 2000 {
		t.Fatalf("unexpected ingest config %+v", m.Ingest)
	}
	if m.Timing.DisarmTimeout != 900*time.Second || m.Timing.HeartbeatInterval != 2*time.Second {
		t.Fatalf("unexpected timing %+v", m.Timing)
	}
	if m.TelemetryTopic != messaging.TopicTelemetry {
		t.Fatalf("telemetry topic = %q", m.TelemetryTopic)
	}
}

func TestNewLinkSim(t *testing.T) {
	link, src, err := newLink(config.Default(), true, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer link.Close()
	if _, ok := link.(*vehicle.Sim); !ok {
		t.Fatalf("expected *vehicle.Sim, got %T", link)
	}
	if _, ok := src.(*vehicle.SimSource); !ok {
		t.Fatalf("expected *vehicle.SimSource, got %T", src)
	}
}

func TestNewLinkRejectsBadConnection(t *testing.T) {
	c := config.Default()
	c.Vehicle.Connection = "carrier-pigeon"
	if _, _, err := newLink(c, false, logging.Discard()); err == nil {
		t.Fatal("expected error for unknown connection")
	}
}

func TestNewLinkUsesTelemetryConnection(t *testing.T) {
	c := config.Default()
	c.Vehicle.Connection = "serial:/dev/ttyACM0:57600"
	link, src, err := newLink(c, false, logging.Discard())
	if err != nil {
		t.Fatalf("fallback to connection: %v", err)
	}
	if _, ok := link.(*vehicle.MAVLink); !ok {
		t.Fatalf("expected *vehicle.MAVLink, got %T", link)
	}
	if _, ok := src.(*vehicle.MAVLinkSource); !ok {
		t.Fatalf("expected *vehicle.MAVLinkSource, got %T", src)
	}

	c.Vehicle.TelemetryConnection = "carrier-pigeon"
	_, _, err = newLink(c, false, logging.Discard())
	if err == nil || !strings.Contains(err.Error(), "telemetry source") {
		t.Fatalf("telemetry connection not used for the source: %v", err)
	}
}

func TestNewBusLocal(t *testing.T) {
	bus, err := newBus(context.Background(), config.Default(), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()
	if _, ok := bus.(*messaging.LocalBus); !ok {
		t.Fatalf("expected *messaging.LocalBus, got %T", bus)
	}
}

func TestPrintFlights(t *testing.T) {
	store := storage.NewSqliteStore(filepath.Join(t.TempDir(), "gcs.db"))
	defer store.Close()
	ctx := context.Background()
	id, err := store.CreateFlight(ctx, home(config.Default()), home(config.Default()))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AddEvent(ctx, id, "takeoff", map[string]any{"alt": 20}); err != nil {
		t.Fatal(err)
	}
	if err := store.FinishFlight(ctx, id, storage.StatusCompleted, "done"); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := printFlights(ctx, &buf, store, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "completed") || !strings.Contains(out, "1 hour ago") || !strings.Contains(out, "1 flights") {
		t.Fatalf("unexpected listing:\n%s", out)
	}

	buf.Reset()
	if err := printEvents(ctx, &buf, store, id, time.Now()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "takeoff") || !strings.Contains(buf.String(), `"alt":20`) {
		t.Fatalf("unexpected events:\n%s", buf.String())
	}
	if err := printEvents(ctx, &buf, store, 99, time.Now()); err == nil {
		t.Fatal("expected error for unknown flight")
	}
}
