package vehicle

import (
	"testing"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
)

func heartbeat(typ ardupilotmega.MAV_TYPE, ap ardupilotmega.MAV_AUTOPILOT, customMode uint32, armed bool) *ardupilotmega.MessageHeartbeat {
	hb := &ardupilotmega.MessageHeartbeat{Type: typ, Autopilot: ap, CustomMode: customMode}
	if armed {
		hb.BaseMode = ArmedFlag
	}
	return hb
}

func TestMAVLinkHeartbeatFromAutopilotOnly(t *testing.T) {
	l, err := NewMAVLink("tcp:127.0.0.1:5760", fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	const (
		guided = 4
		rtl    = 6
	)

	// A gimbal talking before the autopilot must not be latched.
	l.handle(1, 154, heartbeat(ardupilotmega.MAV_TYPE_GIMBAL, ardupilotmega.MAV_AUTOPILOT_INVALID, 0, false))
	if st := l.Telemetry(); st.Mode != ModeDisconnected {
		t.Fatalf("mode after gimbal heartbeat = %q", st.Mode)
	}

	l.handle(1, 1, heartbeat(ardupilotmega.MAV_TYPE_QUADROTOR, ardupilotmega.MAV_AUTOPILOT_ARDUPILOTMEGA, guided, true))
	if st := l.Telemetry(); st.Mode != ModeGuided || !st.Armed {
		t.Fatalf("autopilot heartbeat not applied: %+v", st)
	}

	// A camera on the same system reporting a different mode is ignored.
	l.handle(1, 100, heartbeat(ardupilotmega.MAV_TYPE_CAMERA, ardupilotmega.MAV_AUTOPILOT_ARDUPILOTMEGA, rtl, false))
	// So is a second vehicle on the link.
	l.handle(2, 1, heartbeat(ardupilotmega.MAV_TYPE_QUADROTOR, ardupilotmega.MAV_AUTOPILOT_ARDUPILOTMEGA, rtl, false))
	// And a ground station.
	l.handle(255, 190, heartbeat(ardupilotmega.MAV_TYPE_GCS, ardupilotmega.MAV_AUTOPILOT_INVALID, rtl, false))
	if st := l.Telemetry(); st.Mode != ModeGuided || !st.Armed {
		t.Fatalf("foreign heartbeat changed state: %+v", st)
	}

	l.handle(1, 1, heartbeat(ardupilotmega.MAV_TYPE_QUADROTOR, ardupilotmega.MAV_AUTOPILOT_ARDUPILOTMEGA, rtl, false))
	if st := l.Telemetry(); st.Mode != ModeRTL || st.Armed {
		t.Fatalf("later autopilot heartbeat not applied: %+v", st)
	}
}
