package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Device is a paired (or pairable) mobile device identity.
type Device struct {
	ID          int64
	UUID        string
	Name        string
	PairingCode string // empty once redeemed
	CreatedAt   time.Time
}

// CreateDevice registers a device with a fresh one-shot pairing code.
func (s *SQLiteStore) CreateDevice(ctx context.Context, uuid, name, pairingCode string) (*Device, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (uuid, name, pairing_code, created_at) VALUES (?, ?, ?, ?)
	`, uuid, name, pairingCode, timestamp(now))
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}
	return &Device{ID: id, UUID: uuid, Name: name, PairingCode: pairingCode, CreatedAt: now}, nil
}

// ListDevices returns all registered devices.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uuid, name, COALESCE(pairing_code, ''), created_at FROM devices ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var createdAt string
		if err := rows.Scan(&d.ID, &d.UUID, &d.Name, &d.PairingCode, &createdAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if t, err := parseTimestamp(createdAt); err == nil {
			d.CreatedAt = t
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// SetPairingCode issues a fresh one-shot code for an existing device,
// returning it to the pairable state.
func (s *SQLiteStore) SetPairingCode(ctx context.Context, deviceID int64, code string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE devices SET pairing_code = ? WHERE id = ?
	`, code, deviceID)
	if err != nil {
		return fmt.Errorf("set pairing code: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("device %d: %w", deviceID, ErrNotFound)
	}
	return nil
}

// ClearPairingCodeTx atomically consumes a one-shot pairing code. The
// conditional UPDATE guarantees that of two concurrent redemptions of the
// same code exactly one observes a row change.
func ClearPairingCodeTx(ctx context.Context, tx *sql.Tx, code string) (int64, error) {
	var deviceID int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM devices WHERE pairing_code = ?
	`, code).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrPairingCode
	}
	if err != nil {
		return 0, fmt.Errorf("find pairing code: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE devices SET pairing_code = NULL WHERE id = ? AND pairing_code = ?
	`, deviceID, code)
	if err != nil {
		return 0, fmt.Errorf("clear pairing code: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		// Lost the race to a concurrent redemption.
		return 0, ErrPairingCode
	}
	return deviceID, nil
}

// RevokeTokensTx invalidates every previously issued token for a device.
func RevokeTokensTx(ctx context.Context, tx *sql.Tx, deviceID int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE device_tokens SET revoked = 1 WHERE device_id = ? AND revoked = 0
	`, deviceID); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}
	return nil
}

// InsertTokenTx records a freshly issued token digest.
func InsertTokenTx(ctx context.Context, tx *sql.Tx, deviceID int64, tokenHash string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO device_tokens (token_hash, device_id, issued_at, revoked) VALUES (?, ?, ?, 0)
	`, tokenHash, deviceID, timestamp(time.Now())); err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// DeviceByTokenHash resolves an unrevoked token digest to its device.
func (s *SQLiteStore) DeviceByTokenHash(ctx context.Context, tokenHash string) (*Device, error) {
	var d Device
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.uuid, d.name, d.created_at
		FROM device_tokens t
		JOIN devices d ON d.id = t.device_id
		WHERE t.token_hash = ? AND t.revoked = 0
	`, tokenHash).Scan(&d.ID, &d.UUID, &d.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("device by token: %w", err)
	}
	if t, err := parseTimestamp(createdAt); err == nil {
		d.CreatedAt = t
	}
	return &d, nil
}

// RecordIncident stores a diagnosable sync failure keyed by content
// identifier, outside any push transaction so it survives the rollback.
func (s *SQLiteStore) RecordIncident(ctx context.Context, incidentType, contentID string, deviceID int64, details string) error {
	var device any
	if deviceID != 0 {
		device = deviceID
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_incidents (incident_type, content_identifier, device_id, details, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, incidentType, contentID, device, details, timestamp(time.Now())); err != nil {
		return fmt.Errorf("record incident: %w", err)
	}
	return nil
}

// CountIncidents returns the number of recorded incidents, optionally
// filtered by type. Used by tests and operational tooling.
func (s *SQLiteStore) CountIncidents(ctx context.Context, incidentType string) (int64, error) {
	var count int64
	var err error
	if incidentType == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_incidents`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM sync_incidents WHERE incident_type = ?
		`, incidentType).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count incidents: %w", err)
	}
	return count, nil
}
