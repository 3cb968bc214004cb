package mission

import (
	"context"
	"errors"
	"time"

	"droneops-gcs/internal/geo"
	"droneops-gcs/internal/ingest"
	"droneops-gcs/internal/messaging"
	"droneops-gcs/internal/rangemodel"
	"droneops-gcs/internal/telemetry"
	"droneops-gcs/internal/vehicle"
)

func (f *flight) startTasks() {
	o := f.o
	f.tasks = newTaskGroup(f.ctx, o.log)

	f.tasks.Go("heartbeat", f.heartbeat)
	f.tasks.Go("emergency", f.emergency)
	f.tasks.Go("telemetry-recorder", f.recordTelemetry)

	if o.pipeline != nil {
		if o.pipeline.Start(f.tasks.ctx) {
			f.tasks.Go("telemetry-pipeline", func(ctx context.Context) error {
				<-ctx.Done()
				o.pipeline.Stop()
				return nil
			})
		} else {
			o.log.Debug("telemetry pipeline already running")
		}
	}

	f.batcher = ingest.NewBatcher(o.store,
		ingest.WithConfig(o.cfg.Ingest),
		ingest.WithLogger(o.log),
		ingest.WithMirror(o.rawMirror),
	)
	f.tasks.Go("raw-ingest", f.batcher.Run)
	if o.sub != nil {
		sub := ingest.NewSubscriber(o.sub, o.cfg.TelemetryTopic, o.FlightID, f.batcher, o.log)
		f.tasks.Go("protocol-subscriber", sub.Run)
	}

	if o.video != nil {
		f.tasks.Go("video-health", f.videoHealth)
	}
	if o.cfg.InflightRangeGuard {
		f.tasks.Go("range-guard", f.rangeGuard)
	}
}

// every calls fn immediately and then on each tick until ctx ends or fn returns
// false.
func every(ctx context.Context, d time.Duration, fn func() bool) error {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		if !fn() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (f *flight) heartbeat(ctx context.Context) error {
	o := f.o
	return every(ctx, o.cfg.Timing.HeartbeatInterval, func() bool {
		if err := o.link.SendHeartbeat(ctx); err != nil {
			if ctx.Err() == nil {
				o.log.Warn("heartbeat failed", "err", err)
			}
			return true
		}
		o.publish(ctx, messaging.TopicHeartbeat, map[string]any{"status": "alive", "flight_id": f.id})
		return true
	})
}

// emergency watches the dead-man's switch and stops the mission once it fired.
func (f *flight) emergency(ctx context.Context) error {
	o := f.o
	return every(ctx, o.cfg.Timing.EmergencyInterval, func() bool {
		wd := o.link.Watchdog()
		if wd == nil || wd.State() != vehicle.WatchdogTriggered {
			return true
		}
		o.log.Error("dead man's switch triggered, stopping mission", "flight_id", f.id,
			"last_liveness", wd.LastLiveness())
		payload := map[string]any{
			"type":          EventDeadMansSwitch,
			"flight_id":     f.id,
			"last_liveness": float64(wd.LastLiveness().UnixMicro()) / 1e6,
			"action":        vehicle.ModeRTL,
		}
		o.publish(ctx, messaging.TopicEmergency, payload)
		f.event(context.WithoutCancel(ctx), EventDeadMansSwitch, map[string]any{
			"timeout_sec": wd.Timeout().Seconds(),
		})
		f.cancel(ErrDeadMansSwitch)
		return false
	})
}

// snapshot returns the pipeline state, or a state built from the link when no
// pipeline is attached.
func (f *flight) snapshot() telemetry.Snapshot {
	if p := f.o.pipeline; p != nil && p.Running() {
		return p.Snapshot()
	}
	return snapshotFromState(f.o.link.Telemetry())
}

func snapshotFromState(st vehicle.State) telemetry.Snapshot {
	s := telemetry.DefaultSnapshot()
	if st.UpdatedAt.IsZero() {
		return s
	}
	s.Position = telemetry.Position{Lat: st.Position.Lat, Lon: st.Position.Lon, RelativeAlt: st.Position.Alt}
	s.Status.Heading = st.Heading
	s.Status.Groundspeed = st.Groundspeed
	s.Mode = st.Mode
	s.Armed = st.Armed
	s.GPS.FixType = st.GPSFix
	s.Battery.Remaining = -1
	if st.BatteryRemaining != nil {
		s.Battery.Remaining = int(*st.BatteryRemaining + 0.5)
	}
	if st.BatteryVoltage != nil {
		s.Battery.Voltage = *st.BatteryVoltage
	}
	if st.BatteryCurrent != nil {
		s.Battery.Current = *st.BatteryCurrent
	}
	s.Timestamp = float64(st.UpdatedAt.UnixMicro()) / 1e6
	return s
}

// recordTelemetry samples the snapshot into telemetry rows.
func (f *flight) recordTelemetry(ctx context.Context) error {
	o := f.o
	var frameID int64
	var lastTS float64
	sample := func(ctx context.Context) {
		snap := f.snapshot()
		if snap.Timestamp <= 0 || snap.Timestamp == lastTS {
			return
		}
		lastTS = snap.Timestamp
		frameID++
		row := telemetry.RowFromSnapshot(f.id, frameID, snap)
		if err := o.store.AddTelemetryMany(ctx, f.id, []telemetry.TelemetryRow{row}); err != nil {
			o.log.Warn("record telemetry", "flight_id", f.id, "frame_id", frameID, "err", err)
		}
		if o.teleMirror != nil {
			if err := o.teleMirror.Write(row); err != nil {
				o.log.Warn("mirror telemetry", "err", err)
			}
		}
	}
	err := every(ctx, o.cfg.Timing.TelemetryLogInterval, func() bool {
		if ctx.Err() == nil {
			sample(ctx)
		}
		return true
	})
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	sample(fctx)
	return err
}

func (f *flight) videoHealth(ctx context.Context) error {
	o := f.o
	return every(ctx, o.cfg.Timing.VideoInterval, func() bool {
		st := o.video.Check(ctx)
		if ctx.Err() != nil {
			return false
		}
		o.publish(ctx, messaging.TopicVideoStatus, map[string]any{
			"source":      st.Source,
			"healthy":     st.Healthy,
			"frame_count": st.FrameCount,
			"fps":         st.FPS,
			"resolution":  st.Resolution,
			"latency_ms":  st.LatencyMs,
			"flight_id":   f.id,
		})
		if !st.Healthy {
			o.publish(ctx, messaging.TopicWarnings, map[string]any{
				"type":      "video_stream_unhealthy",
				"flight_id": f.id,
				"error":     st.Error,
				"failures":  st.Failures,
			})
		}
		return true
	})
}

// remainingRoute is the path still to fly from the vehicle's position.
func (f *flight) remainingRoute(pos geo.Coordinate) []geo.Coordinate {
	home := f.route[len(f.route)-1]
	if f.reached.Load() {
		return []geo.Coordinate{pos, home}
	}
	return []geo.Coordinate{pos, f.route[len(f.route)-2], home}
}

// rangeGuard warns once each time the remaining route becomes infeasible.
func (f *flight) rangeGuard(ctx context.Context) error {
	o := f.o
	if len(f.route) < 2 {
		return errors.New("range guard started without a route")
	}
	warned := false
	return every(ctx, o.cfg.Timing.RangeGuardInterval, func() bool {
		st := o.link.Telemetry()
		if st.UpdatedAt.IsZero() {
			return true
		}
		route := f.remainingRoute(st.Position)
		est := rangemodel.Check(o.model, o.cfg.Range, geo.RouteDistanceKM(route), st.BatteryRemaining)
		switch {
		case !est.Feasible && !warned:
			warned = true
			o.log.Warn("remaining route exceeds estimated range", "flight_id", f.id, "reason", est.Reason)
			o.publish(ctx, messaging.TopicWarnings, map[string]any{
				"type":        "insufficient_range",
				"flight_id":   f.id,
				"distance_km": est.DistanceKM,
				"range_km":    est.EstimatedRangeKM,
				"reason":      est.Reason,
			})
		case est.Feasible:
			warned = false
		}
		return true
	})
}
