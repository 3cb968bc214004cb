package vehicle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bluenviron/gomavlib/v3"
)

// EndpointKind selects the transport of a MAVLink connection.
type EndpointKind string

const (
	EndpointTCPClient EndpointKind = "tcp"
	EndpointTCPServer EndpointKind = "tcpin"
	EndpointUDPServer EndpointKind = "udpin"
	EndpointUDPClient EndpointKind = "udpout"
	EndpointSerial    EndpointKind = "serial"
)

// Endpoint is a parsed connection string such as "tcp:127.0.0.1:5760",
// "udpin:0.0.0.0:14550" or "serial:/dev/ttyUSB0:57600".
type Endpoint struct {
	Kind    EndpointKind
	Address string
	Baud    int
}

// ParseEndpoint parses a connection string such as "tcp:127.0.0.1:5760". "udp:" is an alias of "udpin:".
func ParseEndpoint(s string) (Endpoint, error) {
	kind, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || rest == "" {
		return Endpoint{}, fmt.Errorf("invalid connection string %q", s)
	}
	switch EndpointKind(kind) {
	case EndpointTCPClient, EndpointTCPServer, EndpointUDPServer, EndpointUDPClient:
		return Endpoint{Kind: EndpointKind(kind), Address: rest}, nil
	case "udp":
		return Endpoint{Kind: EndpointUDPServer, Address: rest}, nil
	case EndpointSerial:
		dev, baud := rest, 57600
		if i := strings.LastIndex(rest, ":"); i > 0 {
			b, err := strconv.Atoi(rest[i+1:])
			if err != nil {
				return Endpoint{}, fmt.Errorf("invalid baud rate in %q: %w", s, err)
			}
			dev, baud = rest[:i], b
		}
		return Endpoint{Kind: EndpointSerial, Address: dev, Baud: baud}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported transport %q in %q", kind, s)
	}
}

func (e Endpoint) String() string {
	if e.Kind == EndpointSerial {
		return fmt.Sprintf("%s:%s:%d", e.Kind, e.Address, e.Baud)
	}
	return fmt.Sprintf("%s:%s", e.Kind, e.Address)
}

func (e Endpoint) conf() gomavlib.EndpointConf {
	switch e.Kind {
	case EndpointTCPServer:
		return gomavlib.EndpointTCPServer{Address: e.Address}
	case EndpointUDPServer:
		return gomavlib.EndpointUDPServer{Address: e.Address}
	case EndpointUDPClient:
		return gomavlib.EndpointUDPClient{Address: e.Address}
	case EndpointSerial:
		return gomavlib.EndpointSerial{Device: e.Address, Baud: e.Baud}
	default:
		return gomavlib.EndpointTCPClient{Address: e.Address}
	}
}
