package network

import (
	"errors"
	"fmt"

	"lanlink/registry"
)

var (
	// ErrNotConnected is returned when sending to a device without an active connection.
	ErrNotConnected = errors.New("network: not connected")
	// ErrNotAccepted is returned when the peer declared incoming capabilities
	// that do not include the packet type.
	ErrNotAccepted = errors.New("network: packet type not accepted by peer")
	// ErrNoDialAddress is returned when a device has never been sighted.
	ErrNoDialAddress = errors.New("network: no known address for device")
	// ErrNoPendingRequest is returned when resolving a pairing nobody asked for.
	ErrNoPendingRequest = errors.New("network: no pending pairing request")
	// ErrManagerStopped is returned by operations on a stopped manager.
	ErrManagerStopped = errors.New("network: manager stopped")
	// ErrSuperseded is returned by a dial that lost a simultaneous connect to
	// the peer's attempt. It matches registry.ErrBusy.
	ErrSuperseded = fmt.Errorf("network: handshake superseded by the peer's attempt: %w", registry.ErrBusy)
)

// HandshakeErrorKind identifies why a handshake attempt failed.
type HandshakeErrorKind int

const (
	IdentityTimeout HandshakeErrorKind = iota + 1
	IdentityInvalid
	IdentityMismatch
	VersionMismatch
	PairRejected
	PairTimeout
	Transport
	Persist
)

func (k HandshakeErrorKind) String() string {
	switch k {
	case IdentityTimeout:
		return "identity timeout"
	case IdentityInvalid:
		return "identity invalid"
	case IdentityMismatch:
		return "identity mismatch"
	case VersionMismatch:
		return "version mismatch"
	case PairRejected:
		return "pair rejected"
	case PairTimeout:
		return "pair timeout"
	case Transport:
		return "transport"
	case Persist:
		return "persist"
	default:
		return "unknown"
	}
}

// ErrorClass is the coarse failure taxonomy used for reporting.
type ErrorClass int

const (
	ClassTransport ErrorClass = iota + 1
	ClassProtocol
	ClassSecurity
	ClassTimeout
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransport:
		return "transport"
	case ClassProtocol:
		return "protocol"
	case ClassSecurity:
		return "security"
	case ClassTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// HandshakeError is returned by every failed connect or accept attempt.
type HandshakeError struct {
	Kind     HandshakeErrorKind
	DeviceID string
	Err      error
}

func (e *HandshakeError) Error() string {
	prefix := "network: handshake " + e.Kind.String()
	if e.DeviceID != "" {
		prefix += fmt.Sprintf(" (device %s)", e.DeviceID)
	}
	if e.Err == nil {
		return prefix
	}
	return prefix + ": " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Class maps the kind onto the error taxonomy.
func (e *HandshakeError) Class() ErrorClass {
	switch e.Kind {
	case IdentityTimeout, PairTimeout:
		return ClassTimeout
	case IdentityMismatch, VersionMismatch:
		return ClassSecurity
	case IdentityInvalid, PairRejected:
		return ClassProtocol
	default:
		return ClassTransport
	}
}

// IsSecurityError reports whether err is a handshake security failure.
func IsSecurityError(err error) bool {
	return hasClass(err, ClassSecurity)
}

// IsTimeoutError reports whether err is a handshake timeout.
func IsTimeoutError(err error) bool {
	return hasClass(err, ClassTimeout)
}

// IsHandshakeKind reports whether err is a HandshakeError of the given kind.
func IsHandshakeKind(err error, kind HandshakeErrorKind) bool {
	var hsErr *HandshakeError
	return errors.As(err, &hsErr) && hsErr.Kind == kind
}

func hasClass(err error, class ErrorClass) bool {
	var hsErr *HandshakeError
	return errors.As(err, &hsErr) && hsErr.Class() == class
}

func handshakeError(kind HandshakeErrorKind, deviceID string, err error) *HandshakeError {
	return &HandshakeError{Kind: kind, DeviceID: deviceID, Err: err}
}
