package vehicle

import (
	"context"
	"math"
	"sync"
	"time"
)

var simMessageKinds = []string{
	"HEARTBEAT",
	"GLOBAL_POSITION_INT",
	"VFR_HUD",
	"ATTITUDE",
	"BATTERY_STATUS",
	"GPS_RAW_INT",
	"SYS_STATUS",
	"SYSTEM_TIME",
}

// SimSource streams MAVLink-shaped messages describing a Sim vehicle.
type SimSource struct {
	sim *Sim

	mu     sync.Mutex
	open   bool
	silent bool
	next   int
	opens  int
}

// Source returns a telemetry source reading from the simulated vehicle.
func (s *Sim) Source() *SimSource {
	return &SimSource{sim: s}
}

// Open starts the stream.
func (src *SimSource) Open(ctx context.Context) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.open = true
	src.opens++
	return nil
}

// Recv returns the next message, or ErrNoMessage when none arrives within timeout.
func (src *SimSource) Recv(ctx context.Context, timeout time.Duration) (Message, error) {
	src.mu.Lock()
	quiet := src.silent || !src.open
	src.mu.Unlock()

	interval := src.sim.cfg.MessageInterval
	if quiet || interval > timeout {
		if err := sleepCtx(ctx, timeout); err != nil {
			return Message{}, err
		}
		return Message{}, ErrNoMessage
	}
	if err := sleepCtx(ctx, interval); err != nil {
		return Message{}, err
	}

	src.mu.Lock()
	kind := simMessageKinds[src.next%len(simMessageKinds)]
	src.next++
	src.mu.Unlock()
	return src.sim.message(kind), nil
}

// Probe fails while the source is silenced.
func (src *SimSource) Probe(ctx context.Context) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.silent || !src.open {
		return ErrLinkDown
	}
	return nil
}

// Close stops the stream.
func (src *SimSource) Close() error {
	src.mu.Lock()
	src.open = false
	src.mu.Unlock()
	return nil
}

// SetSilent stops or resumes message delivery.
func (src *SimSource) SetSilent(silent bool) {
	src.mu.Lock()
	src.silent = silent
	src.mu.Unlock()
}

// Opens returns how many times Open was called.
func (src *SimSource) Opens() int {
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.opens
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Sim) message(kind string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	bootMs := float64(now.Sub(s.booted).Milliseconds())
	f := map[string]any{}
	switch kind {
	case "HEARTBEAT":
		custom, _ := ModeNumber(s.mode)
		base := 1.0 // custom mode enabled
		if s.armed {
			base += ArmedFlag
		}
		f["type"] = 2.0
		f["autopilot"] = 3.0
		f["base_mode"] = base
		f["custom_mode"] = float64(custom)
		f["system_status"] = 4.0
	case "GLOBAL_POSITION_INT":
		f["time_boot_ms"] = bootMs
		f["lat"] = math.Round(s.pos.Lat * 1e7)
		f["lon"] = math.Round(s.pos.Lon * 1e7)
		f["alt"] = math.Round((s.cfg.Home.Alt + s.pos.Alt) * 1000)
		f["relative_alt"] = math.Round(s.pos.Alt * 1000)
		f["hdg"] = math.Round(s.heading * 100)
	case "VFR_HUD":
		throttle := 0.0
		if s.armed {
			throttle = 45
		}
		f["airspeed"] = s.speed
		f["groundspeed"] = s.speed
		f["heading"] = math.Round(s.heading)
		f["throttle"] = throttle
		f["alt"] = s.cfg.Home.Alt + s.pos.Alt
		f["climb"] = s.climb
	case "ATTITUDE":
		f["time_boot_ms"] = bootMs
		f["roll"] = 0.0
		f["pitch"] = 0.0
		f["yaw"] = s.heading * math.Pi / 180
		f["rollspeed"] = 0.0
		f["pitchspeed"] = 0.0
		f["yawspeed"] = 0.0
	case "BATTERY_STATUS":
		remaining := -1.0
		voltage := 0.0
		if s.battery >= 0 {
			remaining = math.Round(s.battery)
			voltage = 12.6 * (0.8 + 0.2*s.battery/100)
		}
		current := 0.0
		if s.armed {
			current = 1500
		}
		f["voltages"] = []float64{math.Round(voltage * 1000)}
		f["current_battery"] = current
		f["battery_remaining"] = remaining
		f["temperature"] = 2500.0
	case "GPS_RAW_INT":
		f["time_usec"] = float64(now.UnixMicro())
		f["fix_type"] = 3.0
		f["satellites_visible"] = 12.0
		f["eph"] = 90.0
	case "SYS_STATUS":
		f["drop_rate_comm"] = 0.0
		f["errors_comm"] = 0.0
	case "SYSTEM_TIME":
		f["time_unix_usec"] = float64(now.UnixMicro())
		f["time_boot_ms"] = bootMs
	}
	return Message{Type: kind, Fields: f}
}
