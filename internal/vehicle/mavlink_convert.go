package vehicle

import (
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// toMessage converts the telemetry messages the pipeline and the raw event log use
// into dictionary form. Other messages report ok=false.
func toMessage(m message.Message) (Message, bool) {
	f := map[string]any{}
	var kind string
	switch msg := m.(type) {
	case *ardupilotmega.MessageHeartbeat:
		kind = "HEARTBEAT"
		f["type"] = float64(msg.Type)
		f["autopilot"] = float64(msg.Autopilot)
		f["base_mode"] = float64(msg.BaseMode)
		f["custom_mode"] = float64(msg.CustomMode)
		f["system_status"] = float64(msg.SystemStatus)
	case *ardupilotmega.MessageGlobalPositionInt:
		kind = "GLOBAL_POSITION_INT"
		f["time_boot_ms"] = float64(msg.TimeBootMs)
		f["lat"] = float64(msg.Lat)
		f["lon"] = float64(msg.Lon)
		f["alt"] = float64(msg.Alt)
		f["relative_alt"] = float64(msg.RelativeAlt)
		f["vx"] = float64(msg.Vx)
		f["vy"] = float64(msg.Vy)
		f["vz"] = float64(msg.Vz)
		f["hdg"] = float64(msg.Hdg)
	case *ardupilotmega.MessageVfrHud:
		kind = "VFR_HUD"
		f["airspeed"] = float64(msg.Airspeed)
		f["groundspeed"] = float64(msg.Groundspeed)
		f["heading"] = float64(msg.Heading)
		f["throttle"] = float64(msg.Throttle)
		f["alt"] = float64(msg.Alt)
		f["climb"] = float64(msg.Climb)
	case *ardupilotmega.MessageAttitude:
		kind = "ATTITUDE"
		f["time_boot_ms"] = float64(msg.TimeBootMs)
		f["roll"] = float64(msg.Roll)
		f["pitch"] = float64(msg.Pitch)
		f["yaw"] = float64(msg.Yaw)
		f["rollspeed"] = float64(msg.Rollspeed)
		f["pitchspeed"] = float64(msg.Pitchspeed)
		f["yawspeed"] = float64(msg.Yawspeed)
	case *ardupilotmega.MessageBatteryStatus:
		kind = "BATTERY_STATUS"
		volts := make([]float64, 0, len(msg.Voltages))
		for _, v := range msg.Voltages {
			volts = append(volts, float64(v))
		}
		f["voltages"] = volts
		f["current_battery"] = float64(msg.CurrentBattery)
		f["battery_remaining"] = float64(msg.BatteryRemaining)
		f["temperature"] = float64(msg.Temperature)
	case *ardupilotmega.MessageGpsRawInt:
		kind = "GPS_RAW_INT"
		f["time_usec"] = float64(msg.TimeUsec)
		f["fix_type"] = float64(msg.FixType)
		f["satellites_visible"] = float64(msg.SatellitesVisible)
		f["eph"] = float64(msg.Eph)
		f["lat"] = float64(msg.Lat)
		f["lon"] = float64(msg.Lon)
	case *ardupilotmega.MessageSysStatus:
		kind = "SYS_STATUS"
		f["voltage_battery"] = float64(msg.VoltageBattery)
		f["current_battery"] = float64(msg.CurrentBattery)
		f["battery_remaining"] = float64(msg.BatteryRemaining)
		f["drop_rate_comm"] = float64(msg.DropRateComm)
		f["errors_comm"] = float64(msg.ErrorsComm)
	case *ardupilotmega.MessageSystemTime:
		kind = "SYSTEM_TIME"
		f["time_unix_usec"] = float64(msg.TimeUnixUsec)
		f["time_boot_ms"] = float64(msg.TimeBootMs)
	default:
		return Message{}, false
	}
	return Message{Type: kind, Fields: f}, true
}
