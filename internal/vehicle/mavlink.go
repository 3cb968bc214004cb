package vehicle

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"droneops-gcs/internal/geo"
)

const (
	gcsSystemID         = 255
	mavTypeGCS          = 6
	mavAutopilotInvalid = 8
	customModeFlag      = 1 // MAV_MODE_FLAG_CUSTOM_MODE_ENABLED
	typeMaskPosOnly     = 0x0FF8
	streamRateHz        = 10
)

func newNode(ep Endpoint) (*gomavlib.Node, error) {
	return gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:              []gomavlib.EndpointConf{ep.conf()},
		Dialect:                ardupilotmega.Dialect,
		OutVersion:             gomavlib.V2,
		OutSystemID:            gcsSystemID,
		StreamRequestEnable:    true,
		StreamRequestFrequency: streamRateHz,
	})
}

// MAVLink is a Link to an ArduPilot autopilot.
type MAVLink struct {
	endpoint Endpoint
	opts     Options
	wd       *Watchdog

	mu       sync.Mutex
	node     *gomavlib.Node
	done     chan struct{}
	state    State
	home     *geo.Coordinate
	sysID    byte
	compID   byte
	lastRecv time.Time
}

var _ Link = (*MAVLink)(nil)

// NewMAVLink prepares a link for conn, e.g. "tcp:127.0.0.1:5760". Nothing is opened
// until Connect.
func NewMAVLink(conn string, opts Options) (*MAVLink, error) {
	ep, err := ParseEndpoint(conn)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	l := &MAVLink{endpoint: ep, opts: opts, state: State{Mode: ModeDisconnected}}
	l.wd = NewWatchdog(opts.HeartbeatTimeout, l.SetMode,
		WithWatchdogTick(opts.WatchdogTick),
		WithWatchdogLogger(opts.Logger),
	)
	return l, nil
}

// Connect opens the endpoint, waits for a home position and arms the watchdog.
func (l *MAVLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.node == nil {
		node, err := newNode(l.endpoint)
		if err != nil {
			l.mu.Unlock()
			return fmt.Errorf("open %s: %w", l.endpoint, err)
		}
		l.node = node
		l.done = make(chan struct{})
		go l.readLoop(node, l.done)
	}
	l.mu.Unlock()

	l.opts.Logger.Info("waiting for home location", "endpoint", l.endpoint.String())
	wctx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()
	err := waitCondition(wctx, 200*time.Millisecond, "home location", func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.home != nil
	})
	if err != nil {
		_ = l.Close()
		return fmt.Errorf("%w: %v", ErrNoHome, err)
	}

	l.wd.Stop()
	if err := l.wd.Arm(); err != nil {
		return fmt.Errorf("arm watchdog: %w", err)
	}
	home, _ := l.Home()
	l.opts.Logger.Info("vehicle connected", "home_lat", home.Lat, "home_lon", home.Lon, "home_alt", home.Alt)
	return nil
}

func (l *MAVLink) readLoop(node *gomavlib.Node, done chan<- struct{}) {
	defer close(done)
	for evt := range node.Events() {
		frm, ok := evt.(*gomavlib.EventFrame)
		if !ok {
			continue
		}
		l.handle(frm.SystemID(), frm.ComponentID(), frm.Message())
	}
}

func (l *MAVLink) handle(sys, comp byte, m message.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	switch msg := m.(type) {
	case *ardupilotmega.MessageHeartbeat:
		if !l.fromAutopilot(sys, comp, msg) {
			return
		}
		if l.sysID == 0 {
			l.sysID, l.compID = sys, comp
		}
		l.state.Mode = ModeName(uint32(msg.CustomMode))
		l.state.Armed = uint64(msg.BaseMode)&ArmedFlag != 0
	case *ardupilotmega.MessageGlobalPositionInt:
		if msg.Lat == 0 && msg.Lon == 0 {
			break
		}
		l.state.Position = geo.Coordinate{
			Lat: float64(msg.Lat) / 1e7,
			Lon: float64(msg.Lon) / 1e7,
			Alt: float64(msg.RelativeAlt) / 1e3,
		}
		if l.home == nil {
			l.home = &geo.Coordinate{Lat: l.state.Position.Lat, Lon: l.state.Position.Lon, Alt: float64(msg.Alt) / 1e3}
		}
	case *ardupilotmega.MessageHomePosition:
		l.home = &geo.Coordinate{Lat: float64(msg.Latitude) / 1e7, Lon: float64(msg.Longitude) / 1e7, Alt: float64(msg.Altitude) / 1e3}
	case *ardupilotmega.MessageVfrHud:
		l.state.Groundspeed = float64(msg.Groundspeed)
		l.state.Heading = float64(msg.Heading)
	case *ardupilotmega.MessageBatteryStatus:
		if msg.BatteryRemaining >= 0 {
			r := float64(msg.BatteryRemaining)
			l.state.BatteryRemaining = &r
		}
		if msg.Voltages[0] > 0 && msg.Voltages[0] != math.MaxUint16 {
			v := float64(msg.Voltages[0]) / 1000
			l.state.BatteryVoltage = &v
		}
		if msg.CurrentBattery >= 0 {
			c := float64(msg.CurrentBattery) / 100
			l.state.BatteryCurrent = &c
		}
	case *ardupilotmega.MessageSysStatus:
		if l.state.BatteryRemaining == nil && msg.BatteryRemaining >= 0 {
			r := float64(msg.BatteryRemaining)
			l.state.BatteryRemaining = &r
		}
	case *ardupilotmega.MessageGpsRawInt:
		l.state.GPSFix = int(msg.FixType)
	default:
		l.lastRecv = now
		return
	}
	l.lastRecv = now
	l.state.UpdatedAt = now
}

// fromAutopilot reports whether hb comes from the flight controller. The first
// autopilot heartbeat latches the system and component ids; later heartbeats from
// other components such as gimbals or cameras are ignored.
func (l *MAVLink) fromAutopilot(sys, comp byte, hb *ardupilotmega.MessageHeartbeat) bool {
	if uint64(hb.Type) == mavTypeGCS || uint64(hb.Autopilot) == mavAutopilotInvalid {
		return false
	}
	return l.sysID == 0 || (sys == l.sysID && comp == l.compID)
}

// Home returns the launch position reported by the autopilot.
func (l *MAVLink) Home() (geo.Coordinate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.home == nil {
		return geo.Coordinate{}, ErrNoHome
	}
	return *l.home, nil
}

// ArmAndTakeoff waits for a 3D fix, arms in GUIDED and climbs to alt.
func (l *MAVLink) ArmAndTakeoff(ctx context.Context, alt float64) error {
	actx, cancel := context.WithTimeout(ctx, l.opts.ArmTimeout)
	defer cancel()
	if err := waitCondition(actx, l.opts.PollInterval, "armable", func() bool {
		l.keepAlive()
		return l.Telemetry().GPSFix >= 3
	}); err != nil {
		return err
	}
	if err := l.SetMode(ctx, ModeGuided); err != nil {
		return err
	}
	if err := l.commandLong(ardupilotmega.MAV_CMD_COMPONENT_ARM_DISARM, 1, 0, 0, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("arm: %w", err)
	}
	if err := waitCondition(actx, l.opts.PollInterval, "armed", func() bool {
		l.keepAlive()
		return l.Telemetry().Armed
	}); err != nil {
		return err
	}
	if err := l.commandLong(ardupilotmega.MAV_CMD_NAV_TAKEOFF, 0, 0, 0, 0, 0, 0, float32(alt)); err != nil {
		return fmt.Errorf("takeoff: %w", err)
	}
	return waitAltitude(ctx, l, alt, l.opts)
}

// Goto sends a GUIDED position target at relative altitude.
func (l *MAVLink) Goto(ctx context.Context, c geo.Coordinate) error {
	sys, comp := l.target()
	return l.write(&ardupilotmega.MessageSetPositionTargetGlobalInt{
		TargetSystem:    sys,
		TargetComponent: comp,
		CoordinateFrame: ardupilotmega.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT,
		TypeMask:        ardupilotmega.POSITION_TARGET_TYPEMASK(typeMaskPosOnly),
		LatInt:          int32(math.Round(c.Lat * 1e7)),
		LonInt:          int32(math.Round(c.Lon * 1e7)),
		Alt:             float32(c.Alt),
	})
}

// FollowWaypoints flies path in order.
func (l *MAVLink) FollowWaypoints(ctx context.Context, path []geo.Coordinate) error {
	return followWaypoints(ctx, l, path, l.opts)
}

// SetMode switches the ArduCopter flight mode.
func (l *MAVLink) SetMode(ctx context.Context, mode string) error {
	n, ok := ModeNumber(mode)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	return l.commandLong(ardupilotmega.MAV_CMD_DO_SET_MODE, customModeFlag, float32(n), 0, 0, 0, 0, 0)
}

// Telemetry returns the latest command-side state.
func (l *MAVLink) Telemetry() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// WaitUntilDisarmed blocks until the vehicle disarms.
func (l *MAVLink) WaitUntilDisarmed(ctx context.Context, timeout time.Duration) error {
	return waitDisarmed(ctx, l, timeout, l.opts)
}

// SendHeartbeat refreshes the watchdog while the autopilot keeps talking to us.
// The node itself emits the GCS heartbeat frames.
func (l *MAVLink) SendHeartbeat(ctx context.Context) error {
	l.mu.Lock()
	node, last := l.node, l.lastRecv
	l.mu.Unlock()
	if node == nil {
		return ErrNotConnected
	}
	if time.Since(last) > l.opts.HeartbeatTimeout {
		return fmt.Errorf("%w: silent for %s", ErrLinkDown, time.Since(last).Round(time.Second))
	}
	l.wd.Refresh()
	return nil
}

func (l *MAVLink) keepAlive() {
	l.mu.Lock()
	last := l.lastRecv
	l.mu.Unlock()
	if time.Since(last) <= l.opts.HeartbeatTimeout {
		l.wd.Refresh()
	}
}

// Watchdog returns the link's dead-man's switch.
func (l *MAVLink) Watchdog() *Watchdog { return l.wd }

// Close stops the watchdog and the node.
func (l *MAVLink) Close() error {
	l.wd.Stop()
	l.mu.Lock()
	node, done := l.node, l.done
	l.node, l.done = nil, nil
	l.mu.Unlock()
	if node == nil {
		return nil
	}
	node.Close()
	<-done
	return nil
}

func (l *MAVLink) target() (byte, byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sys, comp := l.sysID, l.compID
	if sys == 0 {
		sys = 1
	}
	if comp == 0 {
		comp = 1
	}
	return sys, comp
}

func (l *MAVLink) commandLong(cmd ardupilotmega.MAV_CMD, p1, p2, p3, p4, p5, p6, p7 float32) error {
	sys, comp := l.target()
	return l.write(&ardupilotmega.MessageCommandLong{
		TargetSystem:    sys,
		TargetComponent: comp,
		Command:         cmd,
		Param1:          p1,
		Param2:          p2,
		Param3:          p3,
		Param4:          p4,
		Param5:          p5,
		Param6:          p6,
		Param7:          p7,
	})
}

func (l *MAVLink) write(m message.Message) error {
	l.mu.Lock()
	node := l.node
	l.mu.Unlock()
	if node == nil {
		return ErrNotConnected
	}
	node.WriteMessageAll(m)
	return nil
}

// MAVLinkSource is a dedicated telemetry connection for the pipeline.
type MAVLinkSource struct {
	endpoint Endpoint

	mu   sync.Mutex
	node *gomavlib.Node
}

// NewMAVLinkSource prepares a telemetry source for conn.
func NewMAVLinkSource(conn string) (*MAVLinkSource, error) {
	ep, err := ParseEndpoint(conn)
	if err != nil {
		return nil, err
	}
	return &MAVLinkSource{endpoint: ep}, nil
}

// Open connects the source.
func (s *MAVLinkSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.node != nil {
		return nil
	}
	node, err := newNode(s.endpoint)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.endpoint, err)
	}
	s.node = node
	return nil
}

// Recv waits up to timeout for the next telemetry message.
func (s *MAVLinkSource) Recv(ctx context.Context, timeout time.Duration) (Message, error) {
	s.mu.Lock()
	node := s.node
	s.mu.Unlock()
	if node == nil {
		return Message{}, ErrNotConnected
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-t.C:
			return Message{}, ErrNoMessage
		case evt, ok := <-node.Events():
			if !ok {
				return Message{}, ErrLinkDown
			}
			frm, isFrame := evt.(*gomavlib.EventFrame)
			if !isFrame {
				continue
			}
			if msg, known := toMessage(frm.Message()); known {
				return msg, nil
			}
		}
	}
}

// Probe waits for any frame until ctx ends.
func (s *MAVLinkSource) Probe(ctx context.Context) error {
	s.mu.Lock()
	node := s.node
	s.mu.Unlock()
	if node == nil {
		return ErrNotConnected
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrLinkDown, ctx.Err())
		case evt, ok := <-node.Events():
			if !ok {
				return ErrLinkDown
			}
			if _, isFrame := evt.(*gomavlib.EventFrame); isFrame {
				return nil
			}
		}
	}
}

// Close disconnects the source.
func (s *MAVLinkSource) Close() error {
	s.mu.Lock()
	node := s.node
	s.node = nil
	s.mu.Unlock()
	if node != nil {
		node.Close()
	}
	return nil
}
