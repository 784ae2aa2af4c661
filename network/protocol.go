package network

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"lanlink/models"
	"lanlink/storage"
)

const (
	// DefaultPortRangeStart is the first TCP port tried for the listener.
	DefaultPortRangeStart = 1716
	// DefaultPortRangeEnd is the last TCP port tried for the listener.
	DefaultPortRangeEnd = 1764

	DefaultDialTimeout     = 5 * time.Second
	DefaultIdentityTimeout = 10 * time.Second
	DefaultPairTimeout     = 30 * time.Second
	DefaultStaleAfter      = 2 * time.Minute
)

// LocalIdentity is the local device identity plus its TLS key material.
type LocalIdentity struct {
	Identity    models.DeviceIdentity
	Certificate tls.Certificate
}

func (l LocalIdentity) validate() error {
	if strings.TrimSpace(l.Identity.DeviceID) == "" {
		return errors.New("identity.device_id is required")
	}
	if l.Identity.ProtocolVersion <= 0 {
		return errors.New("identity.protocol_version is required")
	}
	if len(l.Certificate.Certificate) == 0 || l.Certificate.PrivateKey == nil {
		return errors.New("identity certificate is required")
	}
	return nil
}

// TrustStore persists paired devices. A pairing is only reported as
// successful once SaveTrusted returned nil.
type TrustStore interface {
	LoadTrusted() ([]storage.TrustedDevice, error)
	SaveTrusted(device storage.TrustedDevice) error
	RemoveTrusted(deviceID string) error
}

// SecurityJournal records security-relevant handshake events.
type SecurityJournal interface {
	RecordSecurityEvent(eventType, deviceID, severity string, details map[string]any) error
}

// PairRequest is presented to the user-facing approval surface.
type PairRequest struct {
	DeviceID    string
	DeviceName  string
	Fingerprint string
}

// Approver decides incoming pair requests. Implementations must honor ctx;
// a cancelled or expired ctx counts as rejection.
type Approver interface {
	ApprovePairing(ctx context.Context, request PairRequest) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, request PairRequest) (bool, error)

// ApprovePairing calls f.
func (f ApproverFunc) ApprovePairing(ctx context.Context, request PairRequest) (bool, error) {
	return f(ctx, request)
}

// RejectAll is an Approver that declines every request.
var RejectAll = ApproverFunc(func(context.Context, PairRequest) (bool, error) {
	return false, nil
})
