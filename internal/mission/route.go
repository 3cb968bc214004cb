package mission

import (
	"context"
	"fmt"
	"math"

	"droneops-gcs/internal/geo"
	"droneops-gcs/internal/rangemodel"
)

// BuildRoute returns home, the waypoints with missing altitudes set to cruiseAlt, and
// home again. Home is flown at cruise altitude.
func BuildRoute(home geo.Coordinate, waypoints []geo.Waypoint, cruiseAlt float64) []geo.Coordinate {
	h := geo.Coordinate{Lat: home.Lat, Lon: home.Lon, Alt: cruiseAlt}
	route := make([]geo.Coordinate, 0, len(waypoints)+2)
	route = append(route, h)
	for _, w := range waypoints {
		route = append(route, w.Resolve(cruiseAlt))
	}
	return append(route, h)
}

// FlightPath interpolates steps points per route segment. The first anchor is
// dropped since the vehicle is already there after takeoff.
func FlightPath(route []geo.Coordinate, steps int) []geo.Coordinate {
	path := geo.Densify(route, steps)
	if len(path) <= 1 {
		return nil
	}
	return path[1:]
}

func validate(waypoints []geo.Waypoint, cruiseAlt float64) error {
	if len(waypoints) < 2 {
		return fmt.Errorf("%w: need at least 2 waypoints, got %d", ErrInvalidMission, len(waypoints))
	}
	if cruiseAlt <= 0 || math.IsNaN(cruiseAlt) {
		return fmt.Errorf("%w: cruise altitude must be positive, got %v", ErrInvalidMission, cruiseAlt)
	}
	for i, w := range waypoints {
		if w.Lat < -90 || w.Lat > 90 || w.Lon < -180 || w.Lon > 180 {
			return fmt.Errorf("%w: waypoint %d out of range (%v, %v)", ErrInvalidMission, i, w.Lat, w.Lon)
		}
		if w.Alt != nil && *w.Alt <= 0 {
			return fmt.Errorf("%w: waypoint %d altitude must be positive", ErrInvalidMission, i)
		}
	}
	return nil
}

// Validate checks a mission without flying it.
func Validate(waypoints []geo.Waypoint, cruiseAlt float64) error {
	return validate(waypoints, cruiseAlt)
}

// checkRange estimates whether the vehicle's current charge covers route.
func (o *Orchestrator) checkRange(route []geo.Coordinate) rangemodel.Estimate {
	st := o.link.Telemetry()
	return rangemodel.Check(o.model, o.cfg.Range, geo.RouteDistanceKM(route), st.BatteryRemaining)
}

// Preflight evaluates the range of a mission from the connected vehicle's home
// without flying it.
func (o *Orchestrator) Preflight(ctx context.Context, waypoints []geo.Waypoint, cruiseAlt float64) (rangemodel.Estimate, error) {
	if err := validate(waypoints, cruiseAlt); err != nil {
		return rangemodel.Estimate{}, err
	}
	if err := ctx.Err(); err != nil {
		return rangemodel.Estimate{}, err
	}
	home, err := o.link.Home()
	if err != nil {
		return rangemodel.Estimate{}, fmt.Errorf("preflight: %w", err)
	}
	return o.checkRange(BuildRoute(home, waypoints, cruiseAlt)), nil
}
