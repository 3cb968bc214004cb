// Package admin serves the ground station HTTP API: mission submission and
// tracking, preflight range checks, flight history and the live telemetry feed.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"droneops-gcs/internal/geo"
	"droneops-gcs/internal/mission"
	"droneops-gcs/internal/rangemodel"
	"droneops-gcs/internal/storage"
	"droneops-gcs/internal/telemetry"
)

// Missions submits and tracks missions.
type Missions interface {
	Submit(waypoints []geo.Waypoint, alt float64) (string, error)
	Status(id string) (mission.Submission, error)
}

// Preflighter evaluates a route against the vehicle's range.
type Preflighter interface {
	Preflight(ctx context.Context, waypoints []geo.Waypoint, cruiseAlt float64) (rangemodel.Estimate, error)
}

// Flights reads the flight history.
type Flights interface {
	Flight(ctx context.Context, id int64) (*storage.Flight, error)
	Flights(ctx context.Context) ([]storage.Flight, error)
	Events(ctx context.Context, flightID int64) ([]storage.FlightEvent, error)
}

// Snapshotter returns the live telemetry state.
type Snapshotter interface {
	Snapshot() telemetry.Snapshot
}

// MissionRequest is the body of POST /missions and POST /preflight.
type MissionRequest struct {
	Waypoints []geo.Waypoint `json:"waypoints"`
	Alt       float64        `json:"alt"`
}

// Server is the HTTP API. Nil dependencies disable their endpoints with 503.
type Server struct {
	Missions  Missions
	Preflight Preflighter
	Flights   Flights
	Telemetry Snapshotter
	Feed      *telemetry.Broadcaster

	secret []byte
	log    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSecret requires HS256 bearer tokens signed with secret on every endpoint but
// /healthz. An empty secret disables authentication.
func WithSecret(secret string) Option {
	return func(s *Server) { s.secret = []byte(secret) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer creates a server. Dependencies are assigned on the returned value.
func NewServer(opts ...Option) *Server {
	s := &Server{log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /missions", s.handleSubmit)
	mux.HandleFunc("GET /missions/{id}", s.handleMission)
	mux.HandleFunc("POST /preflight", s.handlePreflight)
	mux.HandleFunc("GET /telemetry", s.handleTelemetry)
	mux.HandleFunc("GET /telemetry/stream", s.handleStream)
	mux.HandleFunc("GET /flights", s.handleFlights)
	mux.HandleFunc("GET /flights/{id}", s.handleFlight)
	mux.HandleFunc("GET /flights/{id}/events", s.handleEvents)
	return Auth(s.secret, s.log)(mux)
}

// Start serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("api listening", "addr", addr, "auth", len(s.secret) > 0)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.Missions == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("mission control unavailable"))
		return
	}
	req, ok := decodeMission(w, r)
	if !ok {
		return
	}
	id, err := s.Missions.Submit(req.Waypoints, req.Alt)
	switch {
	case errors.Is(err, mission.ErrInvalidMission):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, mission.ErrMissionRunning):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("mission submitted", "id", id, "waypoints", len(req.Waypoints), "alt", req.Alt)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": mission.StatusInitializing})
}

func (s *Server) handleMission(w http.ResponseWriter, r *http.Request) {
	if s.Missions == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("mission control unavailable"))
		return
	}
	sub, err := s.Missions.Status(r.PathValue("id"))
	if errors.Is(err, mission.ErrUnknownMission) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	if s.Preflight == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("preflight unavailable"))
		return
	}
	req, ok := decodeMission(w, r)
	if !ok {
		return
	}
	est, err := s.Preflight.Preflight(r.Context(), req.Waypoints, req.Alt)
	if errors.Is(err, mission.ErrInvalidMission) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.Telemetry == nil {
		writeJSON(w, http.StatusOK, telemetry.DefaultSnapshot())
		return
	}
	writeJSON(w, http.StatusOK, s.Telemetry.Snapshot())
}

func (s *Server) handleFlights(w http.ResponseWriter, r *http.Request) {
	if s.Flights == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("flight store unavailable"))
		return
	}
	flights, err := s.Flights.Flights(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if flights == nil {
		flights = []storage.Flight{}
	}
	writeJSON(w, http.StatusOK, flights)
}

func (s *Server) handleFlight(w http.ResponseWriter, r *http.Request) {
	id, ok := s.flightID(w, r)
	if !ok {
		return
	}
	f, err := s.Flights.Flight(r.Context(), id)
	if !s.checkStoreErr(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.flightID(w, r)
	if !ok {
		return
	}
	if _, err := s.Flights.Flight(r.Context(), id); !s.checkStoreErr(w, err) {
		return
	}
	events, err := s.Flights.Events(r.Context(), id)
	if !s.checkStoreErr(w, err) {
		return
	}
	if events == nil {
		events = []storage.FlightEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) flightID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if s.Flights == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("flight store unavailable"))
		return 0, false
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid flight id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func (s *Server) checkStoreErr(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		s.log.Error("flight store query failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
	}
	return false
}

func decodeMission(w http.ResponseWriter, r *http.Request) (MissionRequest, bool) {
	var req MissionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode mission: %w", err))
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
