package plan

import (
	"math"

	"droneops-gcs/internal/geo"
)

const metersPerDegree = 111320.0

// offset moves c by north and east meters.
func offset(c geo.Coordinate, north, east float64) geo.Waypoint {
	dLat := north / metersPerDegree
	dLon := east / (metersPerDegree * math.Cos(c.Lat*math.Pi/180))
	return geo.Waypoint{Lat: c.Lat + dLat, Lon: c.Lon + dLon}
}

// BuiltIn returns predefined plans laid out around home with legs of legM meters.
func BuiltIn(home geo.Coordinate, legM float64) map[string]Plan {
	return map[string]Plan{
		"out-and-back": {
			Name:        "Out and back",
			Description: "Fly north to a single turn point and return.",
			CruiseAlt:   30,
			Waypoints: []geo.Waypoint{
				offset(home, legM/2, 0),
				offset(home, legM, 0),
			},
		},
		"box": {
			Name:        "Box",
			Description: "Square pattern north east of home.",
			CruiseAlt:   30,
			Waypoints: []geo.Waypoint{
				offset(home, legM, 0),
				offset(home, legM, legM),
				offset(home, 0, legM),
			},
		},
		"survey": {
			Name:        "Survey",
			Description: "Lawnmower sweep over a square area with four passes.",
			CruiseAlt:   40,
			Waypoints:   survey(home, legM, 4),
		},
	}
}

func survey(home geo.Coordinate, legM float64, passes int) []geo.Waypoint {
	spacing := legM / float64(passes-1)
	out := make([]geo.Waypoint, 0, passes*2)
	for i := range passes {
		east := float64(i) * spacing
		if i%2 == 0 {
			out = append(out, offset(home, 0, east), offset(home, legM, east))
		} else {
			out = append(out, offset(home, legM, east), offset(home, 0, east))
		}
	}
	return out
}
