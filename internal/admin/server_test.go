package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"droneops-gcs/internal/geo"
	"droneops-gcs/internal/logging"
	"droneops-gcs/internal/mission"
	"droneops-gcs/internal/rangemodel"
	"droneops-gcs/internal/storage"
	"droneops-gcs/internal/telemetry"
)

type fakeMissions struct {
	submitted [][]geo.Waypoint
	err       error
	subs      map[string]mission.Submission
}

func (m *fakeMissions) Submit(wps []geo.Waypoint, alt float64) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.submitted = append(m.submitted, wps)
	return "m-1", nil
}

func (m *fakeMissions) Status(id string) (mission.Submission, error) {
	s, ok := m.subs[id]
	if !ok {
		return mission.Submission{}, fmt.Errorf("%w: %s", mission.ErrUnknownMission, id)
	}
	return s, nil
}

type fakePreflight struct{ err error }

func (p fakePreflight) Preflight(_ context.Context, wps []geo.Waypoint, alt float64) (rangemodel.Estimate, error) {
	if p.err != nil {
		return rangemodel.Estimate{}, p.err
	}
	r := 9.856
	return rangemodel.Estimate{DistanceKM: 1.2, EstimatedRangeKM: &r, Feasible: true, Reason: rangemodel.ReasonOK}, nil
}

type fakeFlights struct {
	flights []storage.Flight
	events  map[int64][]storage.FlightEvent
}

func (f *fakeFlights) Flight(_ context.Context, id int64) (*storage.Flight, error) {
	for i := range f.flights {
		if f.flights[i].ID == id {
			return &f.flights[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeFlights) Flights(context.Context) ([]storage.Flight, error) { return f.flights, nil }

func (f *fakeFlights) Events(_ context.Context, id int64) ([]storage.FlightEvent, error) {
	return f.events[id], nil
}

type staticSnapshot struct{ s telemetry.Snapshot }

func (s staticSnapshot) Snapshot() telemetry.Snapshot { return s.s }

func newTestServer(opts ...Option) (*Server, *fakeMissions) {
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	srv := NewServer(opts...)
	m := &fakeMissions{subs: map[string]mission.Submission{
		"m-1": {ID: "m-1", Status: mission.StatusExecuting, FlightID: 3},
	}}
	srv.Missions = m
	srv.Preflight = fakePreflight{}
	srv.Flights = &fakeFlights{
		flights: []storage.Flight{{ID: 3, Status: storage.StatusCompleted}},
		events: map[int64][]storage.FlightEvent{
			3: {{ID: 1, FlightID: 3, Type: mission.EventMissionCreated}, {ID: 2, FlightID: 3, Type: mission.EventLandedHome}},
		},
	}
	return srv, m
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const validMission = `{"alt": 20, "waypoints": [{"lat": 47.398, "lon": 8.546}, {"lat": 47.399, "lon": 8.547, "alt": 30}]}`

func TestSubmitMission(t *testing.T) {
	srv, m := newTestServer()
	w := do(t, srv.Handler(), http.MethodPost, "/missions", validMission)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", w.Code, w.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["id"] != "m-1" || resp["status"] != mission.StatusInitializing {
		t.Fatalf("unexpected response %v", resp)
	}
	if len(m.submitted) != 1 || len(m.submitted[0]) != 2 || m.submitted[0][1].Alt == nil {
		t.Fatalf("submitted %+v", m.submitted)
	}
}

func TestSubmitMissionErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"malformed body", `{"alt":`, nil, http.StatusBadRequest},
		{"unknown field", `{"alt": 20, "speed": 3}`, nil, http.StatusBadRequest},
		{"invalid mission", validMission, fmt.Errorf("%w: need two waypoints", mission.ErrInvalidMission), http.StatusBadRequest},
		{"busy", validMission, mission.ErrMissionRunning, http.StatusConflict},
		{"internal", validMission, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, m := newTestServer()
			m.err = tt.err
			w := do(t, srv.Handler(), http.MethodPost, "/missions", tt.body)
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.code, w.Body)
			}
		})
	}
}

func TestMissionStatus(t *testing.T) {
	srv, _ := newTestServer()
	h := srv.Handler()

	w := do(t, h, http.MethodGet, "/missions/m-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var sub mission.Submission
	if err := json.Unmarshal(w.Body.Bytes(), &sub); err != nil {
		t.Fatal(err)
	}
	if sub.Status != mission.StatusExecuting || sub.FlightID != 3 {
		t.Fatalf("unexpected submission %+v", sub)
	}

	if w := do(t, h, http.MethodGet, "/missions/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown mission status = %d", w.Code)
	}
}

func TestPreflight(t *testing.T) {
	srv, _ := newTestServer()
	w := do(t, srv.Handler(), http.MethodPost, "/preflight", validMission)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var est rangemodel.Estimate
	if err := json.Unmarshal(w.Body.Bytes(), &est); err != nil {
		t.Fatal(err)
	}
	if !est.Feasible || est.Reason != rangemodel.ReasonOK {
		t.Fatalf("unexpected estimate %+v", est)
	}

	srv.Preflight = fakePreflight{err: errors.New("preflight: no home")}
	if w := do(t, srv.Handler(), http.MethodPost, "/preflight", validMission); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status without home = %d", w.Code)
	}
}

func TestFlightEndpoints(t *testing.T) {
	srv, _ := newTestServer()
	h := srv.Handler()

	w := do(t, h, http.MethodGet, "/flights", "")
	var flights []storage.Flight
	if err := json.Unmarshal(w.Body.Bytes(), &flights); err != nil || len(flights) != 1 {
		t.Fatalf("flights = %s (%v)", w.Body, err)
	}

	w = do(t, h, http.MethodGet, "/flights/3/events", "")
	var events []storage.FlightEvent
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].Type != mission.EventLandedHome {
		t.Fatalf("events = %+v", events)
	}

	for path, code := range map[string]int{
		"/flights/3":        http.StatusOK,
		"/flights/9":        http.StatusNotFound,
		"/flights/9/events": http.StatusNotFound,
		"/flights/abc":      http.StatusBadRequest,
	} {
		if w := do(t, h, http.MethodGet, path, ""); w.Code != code {
			t.Errorf("%s status = %d, want %d", path, w.Code, code)
		}
	}
}

func TestTelemetrySnapshot(t *testing.T) {
	srv, _ := newTestServer()
	h := srv.Handler()

	w := do(t, h, http.MethodGet, "/telemetry", "")
	var snap telemetry.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Mode != "DISCONNECTED" {
		t.Fatalf("default mode = %q", snap.Mode)
	}

	live := telemetry.DefaultSnapshot()
	live.Mode = "GUIDED"
	live.Armed = true
	srv.Telemetry = staticSnapshot{live}
	w = do(t, srv.Handler(), http.MethodGet, "/telemetry", "")
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Mode != "GUIDED" || !snap.Armed {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestTelemetryStream(t *testing.T) {
	srv, _ := newTestServer()
	bc := telemetry.NewBroadcaster(telemetry.WithBroadcastLogger(logging.Discard()))
	defer bc.Close()
	srv.Feed = bc

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/telemetry/stream", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	snap := telemetry.DefaultSnapshot()
	snap.Mode = "RTL"
	snap.Timestamp = 1700000000
	bc.Submit(telemetry.NewFrame(snap))

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var f telemetry.Frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			t.Fatal(err)
		}
		if f.Type != "telemetry" || f.Data.Mode != "RTL" {
			t.Fatalf("frame = %+v", f)
		}
		return
	}
	t.Fatalf("stream ended without a frame: %v", sc.Err())
}

func TestUnavailableDependencies(t *testing.T) {
	srv := NewServer(WithLogger(logging.Discard()))
	h := srv.Handler()
	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPost, "/missions", validMission},
		{http.MethodPost, "/preflight", validMission},
		{http.MethodGet, "/flights", ""},
		{http.MethodGet, "/telemetry/stream", ""},
	} {
		if w := do(t, h, tc.method, tc.path, tc.body); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s status = %d", tc.method, tc.path, w.Code)
		}
	}
	if w := do(t, h, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
}
