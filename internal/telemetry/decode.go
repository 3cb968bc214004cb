package telemetry

import (
	"encoding/json"
	"math"
	"strconv"

	"droneops-gcs/internal/vehicle"
)

// Kinds lists the message types Decode understands.
var Kinds = []string{
	"GLOBAL_POSITION_INT",
	"VFR_HUD",
	"BATTERY_STATUS",
	"ATTITUDE",
	"HEARTBEAT",
	"GPS_RAW_INT",
	"SYS_STATUS",
}

// Decode maps one protocol message onto the snapshot groups it updates. ok is false
// for messages that carry nothing for the snapshot.
func Decode(m vehicle.Message) (Partial, bool) {
	f := m.Fields
	var p Partial
	switch m.Type {
	case "GLOBAL_POSITION_INT":
		lat, lon := Float(f, "lat"), Float(f, "lon")
		if lat == 0 && lon == 0 {
			return p, false
		}
		p.Position = &Position{
			Lat:         lat / 1e7,
			Lon:         lon / 1e7,
			Alt:         Float(f, "alt") / 1e3,
			RelativeAlt: Float(f, "relative_alt") / 1e3,
		}
	case "VFR_HUD":
		p.Status = &Status{
			Groundspeed: Float(f, "groundspeed"),
			Airspeed:    Float(f, "airspeed"),
			Heading:     Float(f, "heading"),
			Throttle:    Float(f, "throttle"),
			Alt:         Float(f, "alt"),
			Climb:       Float(f, "climb"),
		}
	case "BATTERY_STATUS":
		voltage := 0.0
		if v := Floats(f, "voltages"); len(v) > 0 && v[0] > 0 && v[0] != math.MaxUint16 {
			voltage = v[0] / 1000
		}
		p.Battery = &Battery{
			Voltage:     voltage,
			Current:     Float(f, "current_battery") / 100,
			Remaining:   int(Float(f, "battery_remaining")),
			Temperature: Float(f, "temperature"),
		}
	case "ATTITUDE":
		p.Attitude = &Attitude{
			Roll:       Float(f, "roll"),
			Pitch:      Float(f, "pitch"),
			Yaw:        Float(f, "yaw"),
			RollSpeed:  Float(f, "rollspeed"),
			PitchSpeed: Float(f, "pitchspeed"),
			YawSpeed:   Float(f, "yawspeed"),
		}
	case "HEARTBEAT":
		mode := vehicle.ModeName(uint32(Float(f, "custom_mode")))
		armed := uint32(Float(f, "base_mode"))&vehicle.ArmedFlag != 0
		p.Mode, p.Armed = &mode, &armed
	case "GPS_RAW_INT":
		p.GPS = &GPS{
			FixType:           int(Float(f, "fix_type")),
			SatellitesVisible: int(Float(f, "satellites_visible")),
			EPH:               Float(f, "eph"),
		}
	case "SYS_STATUS":
		p.Link = &LinkStats{
			DropRateComm: Float(f, "drop_rate_comm"),
			ErrorsComm:   Float(f, "errors_comm"),
		}
	default:
		return p, false
	}
	return p, true
}

// Float reads a numeric field, 0 when missing or not a number.
func Float(f map[string]any, key string) float64 {
	v, _ := Number(f[key])
	return v
}

// Floats reads a numeric array field.
func Floats(f map[string]any, key string) []float64 {
	switch v := f[key].(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for _, e := range v {
			n, ok := Number(e)
			if !ok {
				return nil
			}
			out = append(out, n)
		}
		return out
	}
	return nil
}

// Number coerces the numeric kinds produced by JSON decoding and by the protocol
// converters into a float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
