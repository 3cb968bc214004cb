package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"droneops-gcs/internal/geo"
	"droneops-gcs/internal/storage"
)

// ErrUnknownMission is returned for tracking ids the tracker never issued.
var ErrUnknownMission = errors.New("unknown mission")

// Submission statuses reported by the tracker.
const (
	StatusInitializing  = "initializing"
	StatusFlightCreated = "flight_created"
	StatusExecuting     = "executing"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusAborted       = "aborted"
)

// Submission is the tracked state of an asynchronously submitted mission.
type Submission struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Phase       Phase      `json:"phase"`
	FlightID    int64      `json:"flight_id,omitempty"`
	Waypoints   int        `json:"waypoints"`
	Altitude    float64    `json:"altitude"`
	Error       string     `json:"error,omitempty"`
	Outcome     *Outcome   `json:"outcome,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Tracker runs submitted missions in the background, one at a time.
type Tracker struct {
	ctx  context.Context
	orch *Orchestrator
	log  *slog.Logger

	mu       sync.Mutex
	missions map[string]*Submission
	active   string
	wg       sync.WaitGroup
}

// NewTracker creates a tracker. Missions are cancelled when ctx ends.
func NewTracker(ctx context.Context, orch *Orchestrator, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{ctx: ctx, orch: orch, log: log, missions: make(map[string]*Submission)}
}

// Submit validates the mission and starts it. It returns the tracking id.
func (t *Tracker) Submit(waypoints []geo.Waypoint, alt float64) (string, error) {
	if err := validate(waypoints, alt); err != nil {
		return "", err
	}
	t.mu.Lock()
	if t.active != "" || t.orch.Busy() {
		t.mu.Unlock()
		return "", ErrMissionRunning
	}
	id := uuid.NewString()
	t.missions[id] = &Submission{
		ID:          id,
		Status:      StatusInitializing,
		Phase:       PhaseIdle,
		Waypoints:   len(waypoints),
		Altitude:    alt,
		SubmittedAt: time.Now().UTC(),
	}
	t.active = id
	t.wg.Add(1)
	t.mu.Unlock()

	wps := append([]geo.Waypoint(nil), waypoints...)
	go t.run(id, wps, alt)
	t.log.Info("mission submitted", "id", id, "waypoints", len(waypoints), "alt", alt)
	return id, nil
}

func (t *Tracker) run(id string, waypoints []geo.Waypoint, alt float64) {
	defer t.wg.Done()
	out, err := t.orch.Run(t.ctx, waypoints, alt)

	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.missions[id]
	now := time.Now().UTC()
	s.FinishedAt = &now
	s.Phase = PhaseIdle
	s.FlightID = out.FlightID
	if out.Status != "" {
		s.Outcome = &out
	}
	switch {
	case err == nil:
		s.Status = StatusCompleted
	case out.Status == storage.StatusAborted:
		s.Status = StatusAborted
	default:
		s.Status = StatusFailed
	}
	if err != nil {
		s.Error = err.Error()
		t.log.Warn("mission ended with error", "id", id, "err", err)
	}
	if t.active == id {
		t.active = ""
	}
}

// Status returns the tracked state of mission id. The active mission reports the
// live orchestrator phase.
func (t *Tracker) Status(id string) (Submission, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.missions[id]
	if !ok {
		return Submission{}, fmt.Errorf("%w: %s", ErrUnknownMission, id)
	}
	out := *s
	if t.active == id {
		cur := t.orch.Current()
		out.Phase = cur.Phase
		if cur.FlightID > 0 {
			out.FlightID = cur.FlightID
		}
		out.Status = liveStatus(cur)
	}
	return out, nil
}

// Active returns the id of the running mission, if any.
func (t *Tracker) Active() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active, t.active != ""
}

// Wait blocks until every submitted mission returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func liveStatus(cur Current) string {
	if cur.Ending != "" {
		return string(cur.Ending)
	}
	switch cur.Phase {
	case PhaseRecordCreated, PhaseTasksStarting:
		return StatusFlightCreated
	case PhaseExecuting:
		return StatusExecuting
	default:
		return StatusInitializing
	}
}
