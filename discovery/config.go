package discovery

import (
	"errors"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"lanlink/logging"
	"lanlink/models"
)

const (
	// DefaultPort is the well-known UDP discovery port.
	DefaultPort = 1716
	// DefaultBroadcastInterval is how often the local identity is announced.
	DefaultBroadcastInterval = 5 * time.Second
	// DefaultReceiveTimeout bounds each blocking read so Stop returns promptly.
	DefaultReceiveTimeout = 500 * time.Millisecond
	// MaxDatagramSize is the largest datagram the receive loop accepts.
	MaxDatagramSize = 64 * 1024
)

// DefaultBroadcastAddr is the IPv4 limited broadcast address.
var DefaultBroadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Sink receives identities learned from the network.
type Sink interface {
	Observe(identity models.DeviceIdentity, addr netip.AddrPort)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(identity models.DeviceIdentity, addr netip.AddrPort)

// Observe calls f.
func (f SinkFunc) Observe(identity models.DeviceIdentity, addr netip.AddrPort) {
	f(identity, addr)
}

// Config controls the discovery listener and announcer.
type Config struct {
	// Identity is announced every BroadcastInterval.
	Identity models.DeviceIdentity
	Sink     Sink
	Logger   *zap.Logger

	// BindAddress is the local IP to bind. Empty binds all interfaces.
	BindAddress string
	// Port is the UDP port to bind. 0 picks an ephemeral port.
	Port int
	// BroadcastAddrs are the announcement targets. A target with port 0 uses
	// the bound port.
	BroadcastAddrs []netip.AddrPort

	BroadcastInterval time.Duration
	ReceiveTimeout    time.Duration

	// DisableAnnounce runs the receive loop only.
	DisableAnnounce bool
}

func (c Config) withDefaults() Config {
	out := c
	out.Logger = logging.OrNop(out.Logger)
	if out.BroadcastInterval <= 0 {
		out.BroadcastInterval = DefaultBroadcastInterval
	}
	if out.ReceiveTimeout <= 0 {
		out.ReceiveTimeout = DefaultReceiveTimeout
	}
	if len(out.BroadcastAddrs) == 0 {
		out.BroadcastAddrs = []netip.AddrPort{netip.AddrPortFrom(DefaultBroadcastAddr, 0)}
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Identity.DeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if c.Sink == nil {
		return errors.New("discovery sink is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.New("discovery port out of range")
	}
	return nil
}
