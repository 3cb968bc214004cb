package vehicle

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"droneops-gcs/internal/geo"
)

// SimConfig describes the simulated airframe.
type SimConfig struct {
	Home      geo.Coordinate
	SpeedMps  float64
	ClimbMps  float64
	Step      time.Duration
	TimeScale float64 // simulated seconds per wall second
	// BatteryPercent is the starting charge. A negative value reports no reading.
	BatteryPercent float64
	DrainPerKM     float64
	// MessageInterval paces the telemetry source.
	MessageInterval time.Duration
}

// DefaultSimConfig returns a small quadcopter parked at home.
func DefaultSimConfig(home geo.Coordinate) SimConfig {
	return SimConfig{
		Home:            home,
		SpeedMps:        8,
		ClimbMps:        2.5,
		Step:            100 * time.Millisecond,
		TimeScale:       1,
		BatteryPercent:  100,
		DrainPerKM:      8,
		MessageInterval: 20 * time.Millisecond,
	}
}

// Sim is an in-process vehicle that follows commands with simple kinematics.
// It implements Link and provides a telemetry source through Source.
type Sim struct {
	cfg  SimConfig
	opts Options
	wd   *Watchdog

	// ConnectErr and ArmErr make Connect and ArmAndTakeoff fail when set.
	ConnectErr error
	ArmErr     error

	mu        sync.Mutex
	connected bool
	linkDown  bool
	pos       geo.Coordinate
	target    *geo.Coordinate
	mode      string
	armed     bool
	heading   float64
	speed     float64
	climb     float64
	battery   float64
	booted    time.Time
	commands  []string
	stop      chan struct{}
	done      chan struct{}
}

var _ Link = (*Sim)(nil)

// NewSim creates a disconnected simulated vehicle.
func NewSim(cfg SimConfig, opts Options) *Sim {
	opts = opts.withDefaults()
	if cfg.Step <= 0 {
		cfg.Step = 100 * time.Millisecond
	}
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = 1
	}
	if cfg.MessageInterval <= 0 {
		cfg.MessageInterval = 20 * time.Millisecond
	}
	s := &Sim{
		cfg:     cfg,
		opts:    opts,
		pos:     geo.Coordinate{Lat: cfg.Home.Lat, Lon: cfg.Home.Lon},
		mode:    "STABILIZE",
		battery: cfg.BatteryPercent,
		booted:  time.Now(),
	}
	s.wd = NewWatchdog(opts.HeartbeatTimeout, s.SetMode,
		WithWatchdogTick(opts.WatchdogTick),
		WithWatchdogLogger(opts.Logger),
	)
	return s
}

// Connect starts the physics loop and arms the watchdog.
func (s *Sim) Connect(ctx context.Context) error {
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	s.mu.Lock()
	if !s.connected {
		s.connected = true
		s.linkDown = false
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.run(s.stop, s.done)
	}
	s.mu.Unlock()

	s.wd.Stop()
	if err := s.wd.Arm(); err != nil {
		return fmt.Errorf("arm watchdog: %w", err)
	}
	s.opts.Logger.Info("sim vehicle connected", "home_lat", s.cfg.Home.Lat, "home_lon", s.cfg.Home.Lon)
	return nil
}

// Home returns the launch position.
func (s *Sim) Home() (geo.Coordinate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return geo.Coordinate{}, ErrNoHome
	}
	return s.cfg.Home, nil
}

// ArmAndTakeoff arms in GUIDED and climbs to alt.
func (s *Sim) ArmAndTakeoff(ctx context.Context, alt float64) error {
	if err := s.command("arm_and_takeoff"); err != nil {
		return err
	}
	if s.ArmErr != nil {
		return s.ArmErr
	}
	s.mu.Lock()
	s.mode = ModeGuided
	s.armed = true
	s.target = &geo.Coordinate{Lat: s.pos.Lat, Lon: s.pos.Lon, Alt: alt}
	s.mu.Unlock()
	return waitAltitude(ctx, s, alt, s.opts)
}

// Goto sets a GUIDED target.
func (s *Sim) Goto(ctx context.Context, c geo.Coordinate) error {
	if err := s.command("goto"); err != nil {
		return err
	}
	s.mu.Lock()
	s.target = &c
	s.mu.Unlock()
	return nil
}

// FollowWaypoints flies path in order.
func (s *Sim) FollowWaypoints(ctx context.Context, path []geo.Coordinate) error {
	return followWaypoints(ctx, s, path, s.opts)
}

// SetMode switches the flight mode. RTL and LAND take over navigation.
func (s *Sim) SetMode(ctx context.Context, mode string) error {
	if _, ok := ModeNumber(mode); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	if err := s.command("mode:" + mode); err != nil {
		return err
	}
	s.mu.Lock()
	s.mode = mode
	if mode == ModeRTL {
		s.target = &geo.Coordinate{Lat: s.cfg.Home.Lat, Lon: s.cfg.Home.Lon, Alt: s.pos.Alt}
	}
	s.mu.Unlock()
	return nil
}

// Telemetry returns the current vehicle state.
func (s *Sim) Telemetry() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Position:    s.pos,
		Heading:     s.heading,
		Groundspeed: s.speed,
		Armed:       s.armed,
		Mode:        s.mode,
		GPSFix:      3,
		UpdatedAt:   time.Now(),
	}
	if s.battery >= 0 {
		b := s.battery
		v := 12.6 * (0.8 + 0.2*b/100)
		c := 0.0
		if s.armed {
			c = 15
		}
		st.BatteryRemaining, st.BatteryVoltage, st.BatteryCurrent = &b, &v, &c
	}
	return st
}

// WaitUntilDisarmed blocks until the vehicle lands and disarms.
func (s *Sim) WaitUntilDisarmed(ctx context.Context, timeout time.Duration) error {
	return waitDisarmed(ctx, s, timeout, s.opts)
}

// SendHeartbeat refreshes the watchdog unless the link was cut with DropLink.
func (s *Sim) SendHeartbeat(ctx context.Context) error {
	s.mu.Lock()
	down, connected := s.linkDown, s.connected
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if down {
		return ErrLinkDown
	}
	s.wd.Refresh()
	return nil
}

func (s *Sim) keepAlive() {
	s.mu.Lock()
	down := s.linkDown
	s.mu.Unlock()
	if !down {
		s.wd.Refresh()
	}
}

// Watchdog returns the link's dead-man's switch.
func (s *Sim) Watchdog() *Watchdog { return s.wd }

// Close stops the watchdog and the physics loop.
func (s *Sim) Close() error {
	s.wd.Stop()
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.connected = false
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

// DropLink makes every later command and heartbeat fail, as if the radio died.
func (s *Sim) DropLink() {
	s.mu.Lock()
	s.linkDown = true
	s.mu.Unlock()
}

// SetBattery overrides the charge. A negative value reports no reading.
func (s *Sim) SetBattery(percent float64) {
	s.mu.Lock()
	s.battery = percent
	s.mu.Unlock()
}

// Commands returns the commands received so far.
func (s *Sim) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// command records a command. The watchdog's own RTL bypasses the link-down check,
// the autopilot is assumed to act on its failsafe locally.
func (s *Sim) command(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if s.linkDown && name != "mode:"+ModeRTL && name != "mode:"+ModeLand {
		return ErrLinkDown
	}
	s.commands = append(s.commands, name)
	return nil
}

func (s *Sim) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(s.cfg.Step)
	defer t.Stop()
	dt := s.cfg.Step.Seconds() * s.cfg.TimeScale
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.step(dt)
		}
	}
}

func (s *Sim) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speed, s.climb = 0, 0
	if !s.armed {
		return
	}
	switch s.mode {
	case ModeLand:
		s.descend(dt)
		return
	case ModeRTL:
		if s.target != nil && geo.DistanceMeters(s.pos, *s.target) < 0.5 {
			s.mode = ModeLand
			s.target = nil
			return
		}
	}
	if s.target == nil {
		return
	}
	s.moveToward(*s.target, dt)
}

func (s *Sim) moveToward(tgt geo.Coordinate, dt float64) {
	dist := geo.DistanceMeters(s.pos, tgt)
	step := s.cfg.SpeedMps * dt
	if dist > 0 {
		moved := math.Min(step, dist)
		frac := moved / dist
		s.heading = math.Mod(math.Atan2(tgt.Lon-s.pos.Lon, tgt.Lat-s.pos.Lat)*180/math.Pi+360, 360)
		s.pos.Lat += (tgt.Lat - s.pos.Lat) * frac
		s.pos.Lon += (tgt.Lon - s.pos.Lon) * frac
		if moved >= dist {
			s.pos.Lat, s.pos.Lon = tgt.Lat, tgt.Lon
		}
		s.speed = moved / dt
		if s.battery > 0 {
			s.battery = math.Max(0, s.battery-s.cfg.DrainPerKM*moved/1000)
		}
	}
	dAlt := tgt.Alt - s.pos.Alt
	climb := s.cfg.ClimbMps * dt
	if math.Abs(dAlt) <= climb {
		s.pos.Alt = tgt.Alt
	} else {
		s.pos.Alt += math.Copysign(climb, dAlt)
	}
	s.climb = math.Copysign(math.Min(math.Abs(dAlt), climb), dAlt) / dt
}

func (s *Sim) descend(dt float64) {
	s.pos.Alt -= s.cfg.ClimbMps * dt
	s.climb = -s.cfg.ClimbMps
	if s.pos.Alt <= 0.1 {
		s.pos.Alt = 0
		s.armed = false
		s.climb = 0
	}
}
