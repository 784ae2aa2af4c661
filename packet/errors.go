package packet

import (
	"errors"
	"fmt"
)

var (
	// ErrPacketTooLarge indicates a record exceeds MaxPacketSize.
	ErrPacketTooLarge = errors.New("packet: record exceeds max size")
	// ErrUnexpectedType indicates a control body was requested from the wrong packet type.
	ErrUnexpectedType = errors.New("packet: unexpected packet type")
	// ErrInvalidIdentity indicates an identity body is missing required values.
	ErrInvalidIdentity = errors.New("packet: invalid identity")
)

// ParseErrorKind classifies decode failures.
type ParseErrorKind int

const (
	// ParseInvalidJSON means the record is not a JSON object.
	ParseInvalidJSON ParseErrorKind = iota + 1
	// ParseMissingField means "type" or "id" is absent or has the wrong shape.
	ParseMissingField
	// ParseInvalidBody means "body" is absent or not a JSON value.
	ParseInvalidBody
)

func (k ParseErrorKind) String() string {
	switch k {
	case ParseInvalidJSON:
		return "invalid json"
	case ParseMissingField:
		return "missing field"
	case ParseInvalidBody:
		return "invalid body"
	default:
		return "unknown"
	}
}

// ParseError is returned for records that cannot be decoded into a Packet.
type ParseError struct {
	Kind  ParseErrorKind
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	msg := "packet: " + e.Kind.String()
	if e.Field != "" {
		msg += fmt.Sprintf(" %q", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// EncodingError is returned when a packet cannot be serialized.
type EncodingError struct {
	Type string
	Err  error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("packet: encode %q: %v", e.Type, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is a ParseError of the given kind.
// A zero kind matches any ParseError.
func IsParseError(err error, kind ParseErrorKind) bool {
	var perr *ParseError
	if !errors.As(err, &perr) {
		return false
	}
	return kind == 0 || perr.Kind == kind
}
