package mission

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"droneops-gcs/internal/geo"
	"droneops-gcs/internal/ingest"
	"droneops-gcs/internal/storage"
	"droneops-gcs/internal/vehicle"
)

// flight is the state of one Run.
type flight struct {
	o      *Orchestrator
	parent context.Context
	ctx    context.Context
	cancel context.CancelCauseFunc

	id      int64
	route   []geo.Coordinate
	tasks   *taskGroup
	batcher *ingest.Batcher
	aborted bool
	reached atomic.Bool
	out     Outcome
}

// Run flies waypoints at cruiseAlt and blocks until the vehicle is back on the ground
// or the mission failed. The flight record is finalized in every case.
func (o *Orchestrator) Run(ctx context.Context, waypoints []geo.Waypoint, cruiseAlt float64) (Outcome, error) {
	if err := validate(waypoints, cruiseAlt); err != nil {
		return Outcome{}, err
	}
	if !o.busy.CompareAndSwap(false, true) {
		return Outcome{}, ErrMissionRunning
	}
	defer o.busy.Store(false)
	o.setEnding("")

	mctx, cancel := context.WithCancelCause(ctx)
	f := &flight{o: o, parent: ctx, ctx: mctx, cancel: cancel}
	f.out.StartedAt = o.now()
	o.running.Store(true)
	o.log.Info("mission started", "waypoints", len(waypoints), "cruise_alt", cruiseAlt)

	err := f.safeExecute(waypoints, cruiseAlt)
	return f.teardown(err)
}

func (f *flight) safeExecute(waypoints []geo.Waypoint, cruiseAlt float64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.o.log.Error("mission panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("mission panicked: %v", r)
		}
	}()
	return f.execute(waypoints, cruiseAlt)
}

func (f *flight) execute(waypoints []geo.Waypoint, cruiseAlt float64) error {
	o := f.o
	ctx := f.ctx

	o.setPhase(PhaseConnecting)
	if err := o.link.Connect(ctx); err != nil {
		return fmt.Errorf("connect vehicle: %w", err)
	}
	home, err := o.link.Home()
	if err != nil {
		return fmt.Errorf("home location: %w", err)
	}
	f.route = BuildRoute(home, waypoints, cruiseAlt)
	f.out.Route = f.route
	start, dest := f.route[0], f.route[len(f.route)-2]

	id, err := o.store.CreateFlight(ctx, start, dest)
	if err != nil {
		return fmt.Errorf("create flight: %w", err)
	}
	f.id = id
	f.out.FlightID = id
	o.setFlight(id)
	o.setPhase(PhaseRecordCreated)
	o.log.Info("flight created", "flight_id", id)

	f.event(ctx, EventMissionCreated, map[string]any{"alt": cruiseAlt, "waypoints": len(waypoints)})
	f.event(ctx, EventConnected, map[string]any{"home": home})

	o.setPhase(PhaseTasksStarting)
	f.startTasks()

	o.setPhase(PhaseExecuting)
	est := o.checkRange(f.route)
	f.out.Range = &est
	o.log.Info("range check", "distance_km", est.DistanceKM, "feasible", est.Feasible, "reason", est.Reason)
	if !est.Feasible {
		if o.cfg.EnforcePreflightRange {
			f.aborted = true
			return fmt.Errorf("%w: %s", ErrRangeInsufficient, est.Reason)
		}
		o.log.Warn("route exceeds estimated range, continuing", "reason", est.Reason)
	}

	if err := o.link.ArmAndTakeoff(ctx, cruiseAlt); err != nil {
		return fmt.Errorf("arm and takeoff: %w", err)
	}
	f.event(ctx, EventTakeoff, map[string]any{"alt": cruiseAlt})

	path := FlightPath(f.route, o.cfg.InterpolateSteps)
	o.log.Info("following route", "anchors", len(f.route), "points", len(path), "distance_km", est.DistanceKM)
	if err := o.link.FollowWaypoints(ctx, path); err != nil {
		return fmt.Errorf("follow waypoints: %w", err)
	}
	f.reached.Store(true)
	f.event(ctx, EventReachedDestination, map[string]any{"lat": dest.Lat, "lon": dest.Lon})

	if err := o.link.SetMode(ctx, vehicle.ModeRTL); err != nil {
		return fmt.Errorf("set RTL: %w", err)
	}
	f.event(ctx, EventRTLInitiated, nil)

	if err := o.link.WaitUntilDisarmed(ctx, o.cfg.Timing.DisarmTimeout); err != nil {
		return fmt.Errorf("wait for landing: %w", err)
	}
	f.event(ctx, EventLandedHome, nil)
	return nil
}

// teardown cancels the mission context, stops the background tasks, stops the
// watchdog, releases the link and finalizes the flight, in that order.
func (f *flight) teardown(execErr error) (Outcome, error) {
	o := f.o
	status, note, err := f.classify(execErr)
	o.setEnding(status)
	switch status {
	case storage.StatusCompleted:
		o.setPhase(PhaseCompleted)
	case storage.StatusAborted:
		o.setPhase(PhaseAborted)
	default:
		o.setPhase(PhaseFailed)
	}
	o.setPhase(PhaseShuttingDown)

	o.running.Store(false)
	f.cancel(errTeardown)

	if f.tasks != nil {
		f.tasks.Stop(o.cfg.Timing.TaskGrace)
	}
	if wd := o.link.Watchdog(); wd != nil {
		wd.Stop()
	}
	if cerr := o.link.Close(); cerr != nil {
		o.log.Warn("close vehicle link", "err", cerr)
	}
	if o.video != nil {
		if cerr := o.video.Close(); cerr != nil {
			o.log.Warn("close video monitor", "err", cerr)
		}
	}

	if f.id > 0 {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(f.parent), o.cfg.Timing.FinalizeTimeout)
		switch status {
		case storage.StatusFailed:
			f.event(fctx, EventMissionFailed, map[string]any{"reason": note})
		case storage.StatusAborted:
			f.event(fctx, EventMissionAborted, map[string]any{"reason": note})
		}
		if ferr := o.store.FinishFlight(fctx, f.id, status, note); ferr != nil {
			o.log.Error("finalize flight", "flight_id", f.id, "err", ferr)
		}
		cancel()
	}

	f.out.Status = status
	f.out.Note = note
	f.out.FinishedAt = o.now()
	o.setFlight(0)
	o.setPhase(PhaseIdle)
	o.log.Info("mission finished", "flight_id", f.id, "status", string(status), "note", note)
	return f.out, err
}

// classify maps the execution result to the flight's terminal status.
func (f *flight) classify(execErr error) (storage.FlightStatus, string, error) {
	if execErr == nil {
		return storage.StatusCompleted, "Mission completed and returned home", nil
	}
	if cause := context.Cause(f.ctx); errors.Is(cause, ErrDeadMansSwitch) {
		return storage.StatusFailed, ErrDeadMansSwitch.Error(), fmt.Errorf("%w: %v", ErrDeadMansSwitch, execErr)
	}
	if f.aborted {
		return storage.StatusAborted, execErr.Error(), execErr
	}
	if perr := f.parent.Err(); perr != nil {
		return storage.StatusAborted, "mission cancelled: " + perr.Error(), execErr
	}
	return storage.StatusFailed, execErr.Error(), execErr
}

// event records a flight event. Failures are logged only.
func (f *flight) event(ctx context.Context, kind string, data any) {
	if f.id <= 0 {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	if err := f.o.store.AddEvent(ctx, f.id, kind, data); err != nil {
		f.o.log.Warn("record flight event", "flight_id", f.id, "event", kind, "err", err)
	}
}
