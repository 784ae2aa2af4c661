package registry

import (
	"net/netip"
	"time"

	"lanlink/models"
)

// TrustState is the pairing relationship with a remote device.
type TrustState int

const (
	TrustUnknown TrustState = iota
	TrustPairRequested
	TrustPaired
	TrustRejected
)

func (s TrustState) String() string {
	switch s {
	case TrustUnknown:
		return "unknown"
	case TrustPairRequested:
		return "pair_requested"
	case TrustPaired:
		return "paired"
	case TrustRejected:
		return "rejected"
	default:
		return "invalid"
	}
}

// PairDirection records which side asked to pair while TrustPairRequested.
type PairDirection int

const (
	PairNone PairDirection = iota
	// PairOutgoing means the local device sent the request.
	PairOutgoing
	// PairIncoming means the remote device sent the request.
	PairIncoming
)

func (d PairDirection) String() string {
	switch d {
	case PairOutgoing:
		return "outgoing"
	case PairIncoming:
		return "incoming"
	default:
		return "none"
	}
}

// ConnectionState is the lifecycle of the single logical connection to a device.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Identifying
	AwaitingPairDecision
	Paired
	Active
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Identifying:
		return "identifying"
	case AwaitingPairDecision:
		return "awaiting_pair_decision"
	case Paired:
		return "paired"
	case Active:
		return "active"
	default:
		return "invalid"
	}
}

// Record is a copy of one registry entry. Mutating it has no effect on the registry.
type Record struct {
	Identity      models.DeviceIdentity
	Address       netip.AddrPort
	Trust         TrustState
	PairDirection PairDirection
	Connection    ConnectionState
	Fingerprint   string
	LastSeen      time.Time
	// Handshaking is true while a handshake token is outstanding.
	Handshaking bool
}

// DeviceID is shorthand for r.Identity.DeviceID.
func (r Record) DeviceID() string {
	return r.Identity.DeviceID
}

// DialAddress is where a TCP connection to the device should go: the sighted
// IP with the announced TCP port, or the sighted address when no port was announced.
func (r Record) DialAddress() netip.AddrPort {
	if !r.Address.IsValid() {
		return netip.AddrPort{}
	}
	if r.Identity.TCPPort > 0 {
		return netip.AddrPortFrom(r.Address.Addr(), uint16(r.Identity.TCPPort))
	}
	return r.Address
}

// EventKind classifies registry change notifications.
type EventKind int

const (
	EventAdded EventKind = iota + 1
	EventUpdated
	EventConnectionChanged
	EventTrustChanged
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventConnectionChanged:
		return "connection_changed"
	case EventTrustChanged:
		return "trust_changed"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is a state change notification carrying the record after the change.
type Event struct {
	Kind   EventKind
	Record Record
}

// Outcome is the result of a handshake attempt passed to CompleteHandshake.
type Outcome struct {
	// Err is nil when the connection is paired and ready to become Active.
	Err error
	// Fingerprint is the verified peer certificate fingerprint on success.
	Fingerprint string
	// Rejected marks a failure caused by a pairing rejection.
	Rejected bool
}
