package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Security event types written by the pairing handshake.
const (
	EventFingerprintMismatch = "fingerprint_mismatch"
	EventCertificateMismatch = "certificate_device_mismatch"
	EventVersionMismatch     = "protocol_version_mismatch"
	EventPairAccepted        = "pair_accepted"
	EventPairRejected        = "pair_rejected"
	EventUnpaired            = "unpaired"
)

// TrustedDevice is a paired remote device and the certificate fingerprint
// captured when it was paired.
type TrustedDevice struct {
	DeviceID          string
	DeviceName        string
	DeviceType        string
	Fingerprint       string
	PairedTimestamp   int64
	LastSeenTimestamp *int64
	LastKnownIP       *string
	LastKnownPort     *int
}

const (
	defaultSecurityEventLimit = 100
	maxSecurityEventLimit     = 1000
)

// SecurityEvent is one security journal entry: a certificate or fingerprint
// mismatch, a protocol version mismatch, or a pairing decision.
type SecurityEvent struct {
	ID           int64
	EventType    string
	PeerDeviceID *string
	// Details is a JSON object with event specific fields.
	Details   string
	Severity  string
	Timestamp int64
}

// Time returns when the event was recorded.
func (e SecurityEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// DeviceID returns the device the event concerns, or "".
func (e SecurityEvent) DeviceID() string {
	if e.PeerDeviceID == nil {
		return ""
	}
	return *e.PeerDeviceID
}

// SecurityEventFilter narrows SecurityEvents results. Zero fields match all.
type SecurityEventFilter struct {
	EventType string
	DeviceID  string
	Severity  string
	Since     time.Time
	// Limit caps the result size; 0 means 100, at most 1000.
	Limit int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nullInt64FromInt(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
