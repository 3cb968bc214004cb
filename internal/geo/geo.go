// Package geo holds coordinates and great-circle helpers used for route planning.
package geo

import "math"

// EarthRadiusKM is the mean earth radius used for haversine distances.
const EarthRadiusKM = 6371.0088

// Coordinate is a WGS84 position with altitude in meters relative to home.
type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
	Alt float64 `json:"alt" yaml:"alt"`
}

// Waypoint is a user supplied route point. A nil Alt takes the mission cruise altitude.
type Waypoint struct {
	Lat float64  `json:"lat" yaml:"lat"`
	Lon float64  `json:"lon" yaml:"lon"`
	Alt *float64 `json:"alt,omitempty" yaml:"alt,omitempty"`
}

// Resolve returns the waypoint as a coordinate, filling a missing altitude with cruiseAlt.
func (w Waypoint) Resolve(cruiseAlt float64) Coordinate {
	alt := cruiseAlt
	if w.Alt != nil {
		alt = *w.Alt
	}
	return Coordinate{Lat: w.Lat, Lon: w.Lon, Alt: alt}
}

// HaversineKM returns the great-circle distance between two points in kilometers.
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1, rlon1 := lat1*math.Pi/180, lon1*math.Pi/180
	rlat2, rlon2 := lat2*math.Pi/180, lon2*math.Pi/180
	dLat, dLon := rlat2-rlat1, rlon2-rlon1
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKM * c
}

// DistanceMeters returns the horizontal distance between a and b in meters.
func DistanceMeters(a, b Coordinate) float64 {
	return HaversineKM(a.Lat, a.Lon, b.Lat, b.Lon) * 1000
}

// RouteDistanceKM sums the segment lengths of route in order.
func RouteDistanceKM(route []Coordinate) float64 {
	var total float64
	for i := 1; i < len(route); i++ {
		total += HaversineKM(route[i-1].Lat, route[i-1].Lon, route[i].Lat, route[i].Lon)
	}
	return total
}

// Between linearly interpolates steps points from a (exclusive) to b (inclusive).
// The altitude of every generated point is b's altitude.
func Between(a, b Coordinate, steps int) []Coordinate {
	if steps < 1 {
		return []Coordinate{b}
	}
	dLat := (b.Lat - a.Lat) / float64(steps)
	dLon := (b.Lon - a.Lon) / float64(steps)
	out := make([]Coordinate, 0, steps)
	for i := 1; i <= steps; i++ {
		out = append(out, Coordinate{Lat: a.Lat + dLat*float64(i), Lon: a.Lon + dLon*float64(i), Alt: b.Alt})
	}
	out[steps-1] = b
	return out
}

// Densify stitches the interpolated segments of route into one path. The path starts
// with route[0] and never repeats a point at a segment join.
func Densify(route []Coordinate, steps int) []Coordinate {
	if len(route) == 0 {
		return nil
	}
	path := []Coordinate{route[0]}
	for i := 1; i < len(route); i++ {
		for _, c := range Between(route[i-1], route[i], steps) {
			if c == path[len(path)-1] {
				continue
			}
			path = append(path, c)
		}
	}
	return path
}
