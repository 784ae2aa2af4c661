// Package packet implements the newline-delimited JSON packet format shared by
// discovery datagrams and device connections.
package packet

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	// ProtocolVersion is the protocol version announced in identity packets.
	ProtocolVersion = 7
	// MaxPacketSize bounds one encoded record, newline included (10 MB).
	MaxPacketSize = 10 * 1024 * 1024
)

const (
	TypeIdentity = "kdeconnect.identity"
	TypePair     = "kdeconnect.pair"
)

// Generic spellings of the control types, accepted on input and mapped onto
// the wire tags above.
const (
	AliasIdentity = "protocol.identity"
	AliasPair     = "protocol.pair"
)

var controlAliases = map[string]string{
	AliasIdentity: TypeIdentity,
	AliasPair:     TypePair,
}

// lastID is the most recently assigned packet id.
var lastID atomic.Int64

// nextID returns the current time in milliseconds, or one more than the
// previous id when the clock has not moved past it, so ids never repeat
// within a process.
var nextID = func() int64 {
	for {
		prev := lastID.Load()
		id := time.Now().UnixMilli()
		if id <= prev {
			id = prev + 1
		}
		if lastID.CompareAndSwap(prev, id) {
			return id
		}
	}
}

// Packet is one typed protocol record.
//
// A decoded packet keeps its body as raw JSON until a consumer asks for it
// with DecodeBody. A locally built packet keeps the Go value until encoding.
type Packet struct {
	id  int64
	typ string

	raw   json.RawMessage
	value any
}

// New builds an outgoing packet. The id is assigned when the packet is encoded.
func New(packetType string, body any) *Packet {
	return &Packet{typ: packetType, value: body}
}

// NewWithID builds an outgoing packet with an explicit id.
func NewWithID(packetType string, id int64, body any) *Packet {
	return &Packet{id: id, typ: packetType, value: body}
}

// Type returns the packet type tag.
func (p *Packet) Type() string {
	return p.typ
}

// ID returns the packet id, zero when it has not been assigned yet.
func (p *Packet) ID() int64 {
	return p.id
}

// IsParsed reports whether the body is held as a Go value rather than raw JSON.
func (p *Packet) IsParsed() bool {
	return p.raw == nil
}

// RawBody returns the body as JSON text.
func (p *Packet) RawBody() (json.RawMessage, error) {
	if p.raw != nil {
		return p.raw, nil
	}
	return marshalBody(p.typ, p.value)
}

// DecodeBody unmarshals the body into v.
func (p *Packet) DecodeBody(v any) error {
	raw, err := p.RawBody()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s body: %w", p.typ, err)
	}
	return nil
}

// String renders a short description for logs; the body is not included.
func (p *Packet) String() string {
	return fmt.Sprintf("packet{type=%s id=%d}", p.typ, p.id)
}

func marshalBody(packetType string, value any) (json.RawMessage, error) {
	if value == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, &EncodingError{Type: packetType, Err: fmt.Errorf("raw body is not valid JSON")}
		}
		return raw, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, &EncodingError{Type: packetType, Err: err}
	}
	return raw, nil
}
