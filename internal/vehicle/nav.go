package vehicle

import (
	"context"
	"fmt"
	"time"

	"droneops-gcs/internal/geo"
)

// pilot is the subset of Link the shared navigation loops need.
type pilot interface {
	Goto(ctx context.Context, c geo.Coordinate) error
	Telemetry() State
	// keepAlive refreshes the watchdog if the vehicle is still heard from.
	keepAlive()
}

// followWaypoints sends the vehicle to each point and waits for arrival within the
// configured radius. A point that is not reached in time is logged and skipped.
func followWaypoints(ctx context.Context, p pilot, path []geo.Coordinate, o Options) error {
	for i, wp := range path {
		p.keepAlive()
		if err := p.Goto(ctx, wp); err != nil {
			return fmt.Errorf("goto waypoint %d: %w", i, err)
		}
		reached, err := waitArrival(ctx, p, wp, o)
		if err != nil {
			return err
		}
		if !reached {
			o.Logger.Warn("waypoint not reached in time", "index", i, "lat", wp.Lat, "lon", wp.Lon, "timeout", o.WaypointTimeout)
		}
	}
	return nil
}

func waitArrival(ctx context.Context, p pilot, wp geo.Coordinate, o Options) (bool, error) {
	deadline := time.NewTimer(o.WaypointTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(o.PollInterval)
	defer poll.Stop()
	for {
		p.keepAlive()
		if geo.DistanceMeters(p.Telemetry().Position, wp) < o.ArrivalRadiusM {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-poll.C:
		}
	}
}

// waitAltitude blocks until the relative altitude reaches ratio*alt.
func waitAltitude(ctx context.Context, p pilot, alt float64, o Options) error {
	poll := time.NewTicker(o.PollInterval)
	defer poll.Stop()
	for {
		p.keepAlive()
		if p.Telemetry().Position.Alt >= alt*o.TakeoffRatio {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("climb to %.1fm: %w", alt, ctx.Err())
		case <-poll.C:
		}
	}
}

// waitDisarmed blocks until the vehicle reports disarmed or timeout elapses.
func waitDisarmed(ctx context.Context, p pilot, timeout time.Duration, o Options) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	poll := time.NewTicker(o.PollInterval)
	defer poll.Stop()
	for {
		if !p.Telemetry().Armed {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for disarm: %w", ctx.Err())
		case <-poll.C:
		}
	}
}

// waitCondition polls cond until it holds or ctx ends.
func waitCondition(ctx context.Context, every time.Duration, what string, cond func() bool) error {
	poll := time.NewTicker(every)
	defer poll.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", what, ctx.Err())
		case <-poll.C:
		}
	}
}
