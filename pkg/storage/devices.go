package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeviceRecord is the persisted view of one connection
type DeviceRecord struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Handshake   string    `json:"handshake"`
	Fingerprint string    `json:"fingerprint"`
	Online      bool      `json:"online"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// UpsertDevice inserts the device or updates its mutable fields. The
// original connection time is kept.
func (db *DeviceDB) UpsertDevice(d *DeviceRecord) error {
	query := `
		INSERT INTO devices (id, address, name, state, handshake, fingerprint, online, connected_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			address = excluded.address,
			name = excluded.name,
			state = excluded.state,
			handshake = excluded.handshake,
			fingerprint = excluded.fingerprint,
			online = excluded.online,
			last_seen = excluded.last_seen
	`

	_, err := db.db.Exec(query,
		d.ID, d.Address, d.Name, d.State, d.Handshake, d.Fingerprint,
		boolToInt(d.Online), toMillis(d.ConnectedAt), toMillis(d.LastSeen))
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.ID, err)
	}
	return nil
}

// MarkOffline flags a device as gone
func (db *DeviceDB) MarkOffline(id string, at time.Time) error {
	res, err := db.db.Exec(`UPDATE devices SET online = 0, last_seen = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark device %s offline: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDevice returns one device by connection ID
func (db *DeviceDB) GetDevice(id string) (*DeviceRecord, error) {
	row := db.db.QueryRow(`
		SELECT id, address, name, state, handshake, fingerprint, online, connected_at, last_seen
		FROM devices WHERE id = ?
	`, id)

	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ListDevices returns devices oldest connection first
func (db *DeviceDB) ListDevices(onlineOnly bool) ([]*DeviceRecord, error) {
	query := `
		SELECT id, address, name, state, handshake, fingerprint, online, connected_at, last_seen
		FROM devices
	`
	if onlineOnly {
		query += " WHERE online = 1"
	}
	query += " ORDER BY connected_at ASC, id ASC"

	rows, err := db.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*DeviceRecord
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// PurgeOffline removes devices that went offline before cutoff
func (db *DeviceDB) PurgeOffline(cutoff time.Time) (int64, error) {
	res, err := db.db.Exec(`DELETE FROM devices WHERE online = 0 AND last_seen < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge devices: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*DeviceRecord, error) {
	var (
		d                     DeviceRecord
		online                int
		connectedAt, lastSeen int64
	)
	if err := s.Scan(&d.ID, &d.Address, &d.Name, &d.State, &d.Handshake, &d.Fingerprint,
		&online, &connectedAt, &lastSeen); err != nil {
		return nil, err
	}
	d.Online = intToBool(online)
	d.ConnectedAt = fromMillis(connectedAt)
	d.LastSeen = fromMillis(lastSeen)
	return &d, nil
}
