package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// securityEventPruneInterval limits how often appends trigger retention pruning.
const securityEventPruneInterval = time.Hour

// SetSecurityEventRetention sets how long journal entries are kept and prunes
// older entries right away. A non-positive retention restores the default.
func (s *Store) SetSecurityEventRetention(retention time.Duration) error {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.journalRetention.Store(int64(retention))
	_, err := s.PruneSecurityEvents(time.Now().Add(-retention))
	return err
}

// SecurityEventRetention returns the current journal retention.
func (s *Store) SecurityEventRetention() time.Duration {
	return time.Duration(s.journalRetention.Load())
}

// RecordSecurityEvent journals an event about deviceID. details are stored as
// a JSON object; deviceID may be empty for events not tied to a device.
func (s *Store) RecordSecurityEvent(eventType, deviceID, severity string, details map[string]any) error {
	event := SecurityEvent{
		EventType: eventType,
		Severity:  severity,
		Details:   "{}",
	}
	if len(details) > 0 {
		encoded, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal security event details: %w", err)
		}
		event.Details = string(encoded)
	}
	if deviceID = strings.TrimSpace(deviceID); deviceID != "" {
		event.PeerDeviceID = &deviceID
	}
	return s.AppendSecurityEvent(event)
}

// AppendSecurityEvent validates and inserts a prepared journal entry.
func (s *Store) AppendSecurityEvent(event SecurityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return fmt.Errorf("security event %q: details are not valid JSON", event.EventType)
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	if _, err := s.db.Exec(
		`INSERT INTO security_events (event_type, peer_device_id, details, severity, timestamp) VALUES (?, ?, ?, ?, ?)`,
		event.EventType, nullString(event.PeerDeviceID), event.Details, event.Severity, event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}
	return s.maybePruneSecurityEvents()
}

// SecurityEvents returns journal entries matching filter, newest first.
func (s *Store) SecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	where, args, err := filter.where()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, event_type, peer_device_id, details, severity, timestamp FROM security_events`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, filter.limit())

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var (
			event    SecurityEvent
			deviceID sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.EventType, &deviceID, &event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		event.PeerDeviceID = stringPtr(deviceID)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}
	return events, nil
}

// PruneSecurityEvents deletes journal entries recorded before cutoff and
// returns how many were removed.
func (s *Store) PruneSecurityEvents(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("prune cutoff is required")
	}
	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	s.journalPrunedAt.Store(time.Now().UnixMilli())

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return removed, nil
}

func (s *Store) maybePruneSecurityEvents() error {
	retention := s.SecurityEventRetention()
	if retention <= 0 {
		return nil
	}
	last := time.UnixMilli(s.journalPrunedAt.Load())
	if time.Since(last) < securityEventPruneInterval {
		return nil
	}
	_, err := s.PruneSecurityEvents(time.Now().Add(-retention))
	return err
}

func (f SecurityEventFilter) where() (string, []any, error) {
	var (
		clauses []string
		args    []any
	)
	if f.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.DeviceID != "" {
		clauses = append(clauses, "peer_device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.Severity != "" {
		if err := validateSecuritySeverity(f.Severity); err != nil {
			return "", nil, err
		}
		clauses = append(clauses, "severity = ?")
		args = append(args, f.Severity)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	return strings.Join(clauses, " AND "), args, nil
}

func (f SecurityEventFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultSecurityEventLimit
	case f.Limit > maxSecurityEventLimit:
		return maxSecurityEventLimit
	default:
		return f.Limit
	}
}
