package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SaveTrustedDevice inserts or replaces the trust record for a device.
// Re-pairing an existing device keeps its original paired timestamp unless
// the fingerprint changed.
func (s *Store) SaveTrustedDevice(device TrustedDevice) error {
	if strings.TrimSpace(device.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(device.Fingerprint) == "" {
		return errors.New("fingerprint is required")
	}
	if device.PairedTimestamp == 0 {
		device.PairedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO trusted_devices (
			device_id,
			device_name,
			device_type,
			fingerprint,
			paired_timestamp,
			last_seen_timestamp,
			last_known_ip,
			last_known_port
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			device_type = excluded.device_type,
			paired_timestamp = CASE
				WHEN trusted_devices.fingerprint = excluded.fingerprint THEN trusted_devices.paired_timestamp
				ELSE excluded.paired_timestamp
			END,
			fingerprint = excluded.fingerprint,
			last_seen_timestamp = COALESCE(excluded.last_seen_timestamp, trusted_devices.last_seen_timestamp),
			last_known_ip = COALESCE(excluded.last_known_ip, trusted_devices.last_known_ip),
			last_known_port = COALESCE(excluded.last_known_port, trusted_devices.last_known_port)`,
		device.DeviceID,
		device.DeviceName,
		device.DeviceType,
		device.Fingerprint,
		device.PairedTimestamp,
		nullInt64(device.LastSeenTimestamp),
		nullString(device.LastKnownIP),
		nullInt64FromInt(device.LastKnownPort),
	)
	if err != nil {
		return fmt.Errorf("save trusted device %q: %w", device.DeviceID, err)
	}

	return nil
}

// GetTrustedDevice fetches a trusted device by id.
func (s *Store) GetTrustedDevice(deviceID string) (*TrustedDevice, error) {
	row := s.db.QueryRow(
		`SELECT
			device_id,
			device_name,
			device_type,
			fingerprint,
			paired_timestamp,
			last_seen_timestamp,
			last_known_ip,
			last_known_port
		FROM trusted_devices
		WHERE device_id = ?`,
		deviceID,
	)

	device, err := scanTrustedDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trusted device %q: %w", deviceID, err)
	}

	return device, nil
}

// ListTrustedDevices returns every trusted device ordered by name.
func (s *Store) ListTrustedDevices() ([]TrustedDevice, error) {
	rows, err := s.db.Query(
		`SELECT
			device_id,
			device_name,
			device_type,
			fingerprint,
			paired_timestamp,
			last_seen_timestamp,
			last_known_ip,
			last_known_port
		FROM trusted_devices
		ORDER BY device_name COLLATE NOCASE, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trusted devices: %w", err)
	}
	defer rows.Close()

	devices := make([]TrustedDevice, 0)
	for rows.Next() {
		device, err := scanTrustedDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trusted device row: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted device rows: %w", err)
	}

	return devices, nil
}

// RemoveTrustedDevice deletes a trust record. Missing rows yield ErrNotFound.
func (s *Store) RemoveTrustedDevice(deviceID string) error {
	res, err := s.db.Exec(`DELETE FROM trusted_devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove trusted device %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for trusted device remove: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateTrustedEndpoint records where a trusted device was last reachable.
func (s *Store) UpdateTrustedEndpoint(deviceID, ip string, port int, lastSeenTimestamp int64) error {
	if lastSeenTimestamp == 0 {
		lastSeenTimestamp = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE trusted_devices
		SET last_known_ip = ?, last_known_port = ?, last_seen_timestamp = ?
		WHERE device_id = ?`,
		ip,
		port,
		lastSeenTimestamp,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update trusted endpoint %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for trusted endpoint update: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// LoadTrusted returns the trusted (device id, fingerprint) set used to seed
// the device registry at startup.
func (s *Store) LoadTrusted() ([]TrustedDevice, error) {
	return s.ListTrustedDevices()
}

// SaveTrusted persists a newly paired device.
func (s *Store) SaveTrusted(device TrustedDevice) error {
	return s.SaveTrustedDevice(device)
}

// RemoveTrusted forgets a device. Removing an unknown device is not an error.
func (s *Store) RemoveTrusted(deviceID string) error {
	if err := s.RemoveTrustedDevice(deviceID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func scanTrustedDevice(row scanner) (*TrustedDevice, error) {
	var (
		device        TrustedDevice
		lastSeen      sql.NullInt64
		lastKnownIP   sql.NullString
		lastKnownPort sql.NullInt64
	)

	if err := row.Scan(
		&device.DeviceID,
		&device.DeviceName,
		&device.DeviceType,
		&device.Fingerprint,
		&device.PairedTimestamp,
		&lastSeen,
		&lastKnownIP,
		&lastKnownPort,
	); err != nil {
		return nil, err
	}

	device.LastSeenTimestamp = int64Ptr(lastSeen)
	device.LastKnownIP = stringPtr(lastKnownIP)
	device.LastKnownPort = intPtrFromNullInt64(lastKnownPort)

	return &device, nil
}
