package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

// DefaultMaxLogEntries is how many log entries are kept
const DefaultMaxLogEntries = 100

// DeviceDB persists the device registry and the host's event log
type DeviceDB struct {
	db            *sql.DB
	maxLogEntries int
}

// NewDeviceDB opens (or creates) the SQLite database at dbPath.
// maxLogEntries <= 0 selects DefaultMaxLogEntries.
func NewDeviceDB(dbPath string, maxLogEntries int) (*DeviceDB, error) {
	if maxLogEntries <= 0 {
		maxLogEntries = DefaultMaxLogEntries
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// connection callbacks write concurrently; a single connection keeps
	// sqlite from returning SQLITE_BUSY
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	ddb := &DeviceDB{
		db:            db,
		maxLogEntries: maxLogEntries,
	}

	if err := ddb.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return ddb, nil
}

// initSchema creates database tables
func (db *DeviceDB) initSchema() error {
	schema := `
	-- Devices table, one row per connection
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		handshake TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		online INTEGER NOT NULL DEFAULT 1,
		connected_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);

	-- Log entries table, capped by the host
	CREATE TABLE IF NOT EXISTS log_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		severity TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_devices_connected_at ON devices(connected_at);
	CREATE INDEX IF NOT EXISTS idx_devices_name ON devices(name);
	`

	if _, err := db.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DeviceDB) Close() error {
	return db.db.Close()
}
