// Package statedb persists the channel-to-session mapping in SQLite so the
// bridge survives its own restarts. Each entry's live state is re-derived
// from the process host at startup, never trusted from disk.
package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database for channel mapping persistence.
// Thread-safe for concurrent use from multiple goroutines within one
// process. Multiple OS processes can safely read/write via WAL mode +
// busy timeout (the CLI status/list commands open it read-mostly while
// a bridge daemon is running).
type StateDB struct {
	db *sql.DB
}

// ChannelRow represents one channel mapping in the database.
type ChannelRow struct {
	ChannelID      string
	SessionName    string
	Ordinal        int
	State          string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and
// busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Migrate creates tables if they don't exist and runs any pending
// migrations.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS channels (
			channel_id       TEXT PRIMARY KEY,
			session_name     TEXT NOT NULL UNIQUE,
			ordinal          INTEGER NOT NULL,
			state            TEXT NOT NULL DEFAULT 'active',
			created_at       INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("statedb: create channels: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO metadata (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// SaveChannel inserts or replaces a channel mapping.
func (s *StateDB) SaveChannel(row *ChannelRow) error {
	_, err := s.db.Exec(`
		INSERT INTO channels (channel_id, session_name, ordinal, state, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			session_name=excluded.session_name,
			ordinal=excluded.ordinal,
			state=excluded.state,
			last_activity_at=excluded.last_activity_at`,
		row.ChannelID, row.SessionName, row.Ordinal, row.State,
		row.CreatedAt.Unix(), row.LastActivityAt.Unix())
	if err != nil {
		return fmt.Errorf("statedb: save channel %s: %w", row.ChannelID, err)
	}
	return nil
}

// LoadChannels returns all channel mappings in registration (ordinal)
// order.
func (s *StateDB) LoadChannels() ([]*ChannelRow, error) {
	rows, err := s.db.Query(`
		SELECT channel_id, session_name, ordinal, state, created_at, last_activity_at
		FROM channels ORDER BY ordinal ASC`)
	if err != nil {
		return nil, fmt.Errorf("statedb: load channels: %w", err)
	}
	defer rows.Close()

	var out []*ChannelRow
	for rows.Next() {
		var r ChannelRow
		var created, activity int64
		if err := rows.Scan(&r.ChannelID, &r.SessionName, &r.Ordinal, &r.State, &created, &activity); err != nil {
			return nil, fmt.Errorf("statedb: scan channel: %w", err)
		}
		r.CreatedAt = time.Unix(created, 0)
		r.LastActivityAt = time.Unix(activity, 0)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteChannel removes a channel mapping. Deleting an absent row is not
// an error; the registry is the authority on registration.
func (s *StateDB) DeleteChannel(channelID string) error {
	if _, err := s.db.Exec(`DELETE FROM channels WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("statedb: delete channel %s: %w", channelID, err)
	}
	return nil
}

// UpdateState persists a state transition for a channel.
func (s *StateDB) UpdateState(channelID, state string) error {
	if _, err := s.db.Exec(`UPDATE channels SET state = ? WHERE channel_id = ?`, state, channelID); err != nil {
		return fmt.Errorf("statedb: update state %s: %w", channelID, err)
	}
	return nil
}

// TouchActivity updates the last-activity timestamp for a channel.
func (s *StateDB) TouchActivity(channelID string, at time.Time) error {
	if _, err := s.db.Exec(`UPDATE channels SET last_activity_at = ? WHERE channel_id = ?`, at.Unix(), channelID); err != nil {
		return fmt.Errorf("statedb: touch activity %s: %w", channelID, err)
	}
	return nil
}

// MaxOrdinal returns the highest ordinal in use, or 0 when empty.
func (s *StateDB) MaxOrdinal() (int, error) {
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(ordinal) FROM channels`).Scan(&max); err != nil {
		return 0, fmt.Errorf("statedb: max ordinal: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}
