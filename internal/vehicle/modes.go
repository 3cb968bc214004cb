package vehicle

// Flight mode names reported by the telemetry pipeline.
const (
	ModeDisconnected = "DISCONNECTED"
	ModeUnknown      = "UNKNOWN"
	ModeGuided       = "GUIDED"
	ModeRTL          = "RTL"
	ModeLand         = "LAND"
)

// copterModes maps ArduCopter custom_mode numbers to names.
var copterModes = map[uint32]string{
	0:  "STABILIZE",
	1:  "ACRO",
	2:  "ALT_HOLD",
	3:  "AUTO",
	4:  "GUIDED",
	5:  "LOITER",
	6:  "RTL",
	7:  "CIRCLE",
	8:  "POSITION",
	9:  "LAND",
	10: "OF_LOITER",
	11: "DRIFT",
	13: "SPORT",
	14: "FLIP",
	15: "AUTOTUNE",
	16: "POSHOLD",
	17: "BRAKE",
	18: "THROW",
	19: "AVOID_ADSB",
	20: "GUIDED_NOGPS",
	21: "SMART_RTL",
}

// ModeName returns the ArduCopter mode name for custom_mode, or UNKNOWN.
func ModeName(custom uint32) string {
	if n, ok := copterModes[custom]; ok {
		return n
	}
	return ModeUnknown
}

// ModeNumber returns the custom_mode number for a mode name.
func ModeNumber(name string) (uint32, bool) {
	for k, v := range copterModes {
		if v == name {
			return k, true
		}
	}
	return 0, false
}

// ArmedFlag is the MAV_MODE_FLAG_SAFETY_ARMED bit of base_mode.
const ArmedFlag = 0x80
