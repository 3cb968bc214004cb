// Package rangemodel estimates battery range and checks route feasibility.
package rangemodel

import (
	"fmt"
	"math"
)

// Reasons reported by Check.
const (
	ReasonOK        = "OK"
	ReasonNoBattery = "No battery level reading; cannot estimate range"
)

// Model estimates remaining range in kilometers. A nil level means the battery state
// is unknown and the result must be nil.
type Model interface {
	EstimateRangeKM(capacityWh float64, level *float64, cruisePowerW, cruiseSpeedMps, reserveFrac float64) *float64
}

// SimpleWhPerKM derives energy per kilometer from cruise power and speed.
type SimpleWhPerKM struct{}

// EstimateRangeKM implements Model.
func (SimpleWhPerKM) EstimateRangeKM(capacityWh float64, level *float64, cruisePowerW, cruiseSpeedMps, reserveFrac float64) *float64 {
	if level == nil {
		return nil
	}
	whPerKM := WhPerKM(cruisePowerW, cruiseSpeedMps)
	usable := UsableWh(capacityWh, *level, reserveFrac)
	r := 0.0
	if usable > 0 && whPerKM > 0 {
		r = usable / whPerKM
	}
	return &r
}

// WhPerKM returns the energy spent per kilometer at cruise. Speed is floored at 0.1 km/h.
func WhPerKM(cruisePowerW, cruiseSpeedMps float64) float64 {
	vKmh := math.Max(0.1, cruiseSpeedMps*3.6)
	return cruisePowerW / vKmh
}

// UsableWh returns the energy available above the reserve, never negative.
func UsableWh(capacityWh, level, reserveFrac float64) float64 {
	return math.Max(0, capacityWh*math.Max(0, level-reserveFrac))
}

// Params describes the vehicle energy budget.
type Params struct {
	CapacityWh     float64
	CruisePowerW   float64
	CruiseSpeedMps float64
	ReserveFrac    float64
}

// DefaultParams returns the budget of the reference airframe.
func DefaultParams() Params {
	return Params{CapacityWh: 77, CruisePowerW: 180, CruiseSpeedMps: 8, ReserveFrac: 0.2}
}

// Estimate is the outcome of a feasibility check for one route.
type Estimate struct {
	DistanceKM       float64  `json:"distance_km"`
	EstimatedRangeKM *float64 `json:"estimated_range_km"`
	AvailableWh      *float64 `json:"available_wh"`
	RequiredWh       float64  `json:"required_wh"`
	Feasible         bool     `json:"feasible"`
	Reason           string   `json:"reason"`
}

// LevelFrac converts a battery remaining percentage into a 0..1 fraction.
func LevelFrac(remainingPercent *float64) *float64 {
	if remainingPercent == nil {
		return nil
	}
	f := math.Max(0, math.Min(1, *remainingPercent/100))
	return &f
}

// Check evaluates whether the estimated range covers distanceKM.
func Check(m Model, p Params, distanceKM float64, remainingPercent *float64) Estimate {
	if m == nil {
		m = SimpleWhPerKM{}
	}
	level := LevelFrac(remainingPercent)
	est := Estimate{
		DistanceKM: distanceKM,
		RequiredWh: distanceKM * WhPerKM(p.CruisePowerW, p.CruiseSpeedMps),
	}
	if level != nil {
		avail := UsableWh(p.CapacityWh, *level, p.ReserveFrac)
		est.AvailableWh = &avail
	}
	est.EstimatedRangeKM = m.EstimateRangeKM(p.CapacityWh, level, p.CruisePowerW, p.CruiseSpeedMps, p.ReserveFrac)
	est.Feasible = est.EstimatedRangeKM != nil && *est.EstimatedRangeKM >= distanceKM

	switch {
	case est.EstimatedRangeKM == nil:
		est.Reason = ReasonNoBattery
	case !est.Feasible:
		est.Reason = fmt.Sprintf("Insufficient range. Need ~%.2f km, est range %.2f km.", distanceKM, *est.EstimatedRangeKM)
	default:
		est.Reason = ReasonOK
	}
	return est
}
