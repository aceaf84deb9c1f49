package storage

import (
	"fmt"
	"time"
)

// Severity of a log entry
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// LogEntry is one line of the host's event log
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	DeviceID  string    `json:"device_id,omitempty"`
	Message   string    `json:"message"`
}

// AppendLog stores e and drops the oldest entries beyond the cap
func (db *DeviceDB) AppendLog(e *LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	tx, err := db.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO log_entries (timestamp, severity, device_id, message)
		VALUES (?, ?, ?, ?)
	`, toMillis(e.Timestamp), string(e.Severity), e.DeviceID, e.Message)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read log entry id: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM log_entries
		WHERE id NOT IN (SELECT id FROM log_entries ORDER BY id DESC LIMIT ?)
	`, db.maxLogEntries); err != nil {
		return fmt.Errorf("failed to prune log entries: %w", err)
	}

	return tx.Commit()
}

// RecentLogs returns up to limit entries, newest first. limit <= 0 returns
// everything kept.
func (db *DeviceDB) RecentLogs(limit int) ([]*LogEntry, error) {
	if limit <= 0 || limit > db.maxLogEntries {
		limit = db.maxLogEntries
	}

	rows, err := db.db.Query(`
		SELECT id, timestamp, severity, device_id, message
		FROM log_entries
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var (
			e        LogEntry
			ts       int64
			severity string
		)
		if err := rows.Scan(&e.ID, &ts, &severity, &e.DeviceID, &e.Message); err != nil {
			return nil, err
		}
		e.Timestamp = fromMillis(ts)
		e.Severity = Severity(severity)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
