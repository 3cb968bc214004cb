package plan

import (
	"errors"
	"math"
	"testing"

	"droneops-gcs/internal/geo"
)

var home = geo.Coordinate{Lat: 47.397742, Lon: 8.545594}

func TestLoadPlan(t *testing.T) {
	p, err := Load("testdata/simple.yaml")
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	if p.Name != "example" {
		t.Fatalf("unexpected name %s", p.Name)
	}
	if p.CruiseAlt != 25 {
		t.Fatalf("unexpected cruise alt %v", p.CruiseAlt)
	}
	if len(p.Waypoints) != 3 {
		t.Fatalf("expected 3 waypoints, got %d", len(p.Waypoints))
	}
	if p.Waypoints[0].Alt != nil {
		t.Fatalf("first waypoint should inherit cruise altitude")
	}
	if p.Waypoints[1].Alt == nil || *p.Waypoints[1].Alt != 40 {
		t.Fatalf("second waypoint alt = %v", p.Waypoints[1].Alt)
	}
	route := p.Route()
	route[0].Lat = 0
	if p.Waypoints[0].Lat == 0 {
		t.Fatal("Route must return a copy")
	}
}

func TestParseRejectsInvalidPlans(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"single waypoint", "cruise_alt: 20\nwaypoints:\n  - {lat: 1, lon: 1}\n"},
		{"missing cruise alt", "waypoints:\n  - {lat: 1, lon: 1}\n  - {lat: 2, lon: 2}\n"},
		{"latitude out of range", "cruise_alt: 20\nwaypoints:\n  - {lat: 91, lon: 1}\n  - {lat: 2, lon: 2}\n"},
		{"negative waypoint alt", "cruise_alt: 20\nwaypoints:\n  - {lat: 1, lon: 1, alt: -5}\n  - {lat: 2, lon: 2}\n"},
		{"unknown field", "cruise_alt: 20\nspeed: 3\nwaypoints:\n  - {lat: 1, lon: 1}\n  - {lat: 2, lon: 2}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse("plan.yaml", []byte(tt.body)); !errors.Is(err, ErrInvalidPlan) {
				t.Fatalf("expected ErrInvalidPlan, got %v", err)
			}
		})
	}
}

func TestBuiltInPlans(t *testing.T) {
	plans := BuiltIn(home, 200)
	for _, name := range []string{"out-and-back", "box", "survey"} {
		p, ok := plans[name]
		if !ok {
			t.Fatalf("plan %s not found", name)
		}
		if p.Description == "" {
			t.Fatalf("plan %s missing description", name)
		}
		if len(p.Waypoints) < 2 || p.CruiseAlt <= 0 {
			t.Fatalf("plan %s is not flyable: %+v", name, p)
		}
	}
	if n := len(plans["survey"].Waypoints); n != 8 {
		t.Fatalf("survey waypoints = %d, want 8", n)
	}
	// box legs are 200 m each
	if d := plans["box"].DistanceKM(); math.Abs(d-0.4) > 0.005 {
		t.Fatalf("box distance = %.4f km, want ~0.4", d)
	}
}

func TestOffset(t *testing.T) {
	w := offset(home, 100, 0)
	got := geo.DistanceMeters(home, geo.Coordinate{Lat: w.Lat, Lon: w.Lon})
	if math.Abs(got-100) > 0.5 {
		t.Fatalf("north offset = %.2f m", got)
	}
	w = offset(home, 0, 100)
	got = geo.DistanceMeters(home, geo.Coordinate{Lat: w.Lat, Lon: w.Lon})
	if math.Abs(got-100) > 0.5 {
		t.Fatalf("east offset = %.2f m", got)
	}
}
