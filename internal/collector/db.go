package collector

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nacorga/tracelog-lib-sub006/internal/tracelog"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

// DB stores ingested event batches flattened into per-event rows.
type DB struct {
	db *sql.DB
}

func OpenDB(databasePath string) (*DB, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS events(
	  id         INTEGER PRIMARY KEY,
	  user_id    TEXT    NOT NULL,
	  session_id TEXT    NOT NULL,
	  device     TEXT,
	  type       TEXT    NOT NULL,
	  ts_utc     INTEGER NOT NULL,
	  page_url   TEXT,
	  data_json  TEXT    NOT NULL CHECK (json_valid(data_json))
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_ts      ON events(ts_utc);
	CREATE INDEX IF NOT EXISTS idx_events_type    ON events(type);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// InsertBatch writes every event of the batch in one transaction so a
// partially stored batch never survives a failure.
func (d *DB) InsertBatch(batch tracelog.QueueBatch) error {
	if batch.SessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	transaction, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.Prepare(`INSERT INTO events(user_id, session_id, device, type, ts_utc, page_url, data_json) VALUES(?,?,?,?,?,?,json(?))`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, event := range batch.Events {
		if event.Type == "" || event.Timestamp <= 0 {
			_ = transaction.Rollback()
			return fmt.Errorf("invalid event: type and timestamp are required")
		}
		jsonData, err := json.Marshal(event)
		if err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if _, err := statement.Exec(batch.UserID, batch.SessionID, batch.Device, string(event.Type), event.Timestamp, event.PageURL, string(jsonData)); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type StoredEvent struct {
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Device    string `json:"device,omitempty"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	PageURL   string `json:"page_url,omitempty"`
	Data      string `json:"data"`
}

// SessionEvents returns the stored events of one session in timestamp
// order, capped at limit.
func (d *DB) SessionEvents(sessionID string, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := d.db.Query(`SELECT id, user_id, session_id, device, type, ts_utc, page_url, data_json FROM events WHERE session_id = ? ORDER BY ts_utc, id LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []StoredEvent{}
	for rows.Next() {
		var event StoredEvent
		var device, pageURL sql.NullString
		if err := rows.Scan(&event.ID, &event.UserID, &event.SessionID, &device, &event.Type, &event.Timestamp, &pageURL, &event.Data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Device = device.String
		event.PageURL = pageURL.String
		events = append(events, event)
	}
	return events, rows.Err()
}

// EventCount reports the total number of stored events.
func (d *DB) EventCount() (int64, error) {
	var count int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
