package packet

import (
	"fmt"
	"strings"
	"time"

	"lanlink/models"
)

// PairBody is the body of a pair control packet.
type PairBody struct {
	Pair      bool  `json:"pair"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

type pairWire struct {
	Pair      *bool `json:"pair"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// NewIdentity builds an identity packet for the given device.
func NewIdentity(identity models.DeviceIdentity) *Packet {
	return New(TypeIdentity, identity)
}

// NewPair builds a pair request/accept (true) or reject/unpair (false) packet.
func NewPair(pair bool) *Packet {
	return New(TypePair, PairBody{Pair: pair, Timestamp: time.Now().Unix()})
}

// AsIdentity decodes and validates an identity body.
func (p *Packet) AsIdentity() (models.DeviceIdentity, error) {
	if p.typ != TypeIdentity {
		return models.DeviceIdentity{}, fmt.Errorf("%w: want %q, got %q", ErrUnexpectedType, TypeIdentity, p.typ)
	}

	var identity models.DeviceIdentity
	if err := p.DecodeBody(&identity); err != nil {
		return models.DeviceIdentity{}, &ParseError{Kind: ParseInvalidBody, Field: "body", Err: err}
	}
	if err := ValidateIdentity(identity); err != nil {
		return models.DeviceIdentity{}, err
	}
	return identity, nil
}

// AsPair decodes a pair body. The "pair" field is required.
func (p *Packet) AsPair() (PairBody, error) {
	if p.typ != TypePair {
		return PairBody{}, fmt.Errorf("%w: want %q, got %q", ErrUnexpectedType, TypePair, p.typ)
	}

	var wire pairWire
	if err := p.DecodeBody(&wire); err != nil {
		return PairBody{}, &ParseError{Kind: ParseInvalidBody, Field: "body", Err: err}
	}
	if wire.Pair == nil {
		return PairBody{}, &ParseError{Kind: ParseMissingField, Field: "pair"}
	}
	return PairBody{Pair: *wire.Pair, Timestamp: wire.Timestamp}, nil
}

// ValidateIdentity checks the values the protocol core relies on.
func ValidateIdentity(identity models.DeviceIdentity) error {
	if strings.TrimSpace(identity.DeviceID) == "" {
		return fmt.Errorf("%w: deviceId is required", ErrInvalidIdentity)
	}
	if len(identity.DeviceID) > 128 {
		return fmt.Errorf("%w: deviceId too long", ErrInvalidIdentity)
	}
	if identity.ProtocolVersion <= 0 {
		return fmt.Errorf("%w: protocolVersion is required", ErrInvalidIdentity)
	}
	if identity.TCPPort < 0 || identity.TCPPort > 65535 {
		return fmt.Errorf("%w: tcpPort %d out of range", ErrInvalidIdentity, identity.TCPPort)
	}
	return nil
}
