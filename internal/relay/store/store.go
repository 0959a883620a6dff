// Package store persists relay rooms in an embedded SQLite database so a
// relay restart does not destroy rooms before their TTL. The in-memory
// registry stays authoritative; this store is a write-behind key-value
// backing keyed by room fingerprint.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/behnamkhorsandian/DNSCloak/internal/relay"
)

var migrations = []string{
	// v1 — rooms keyed by fingerprint, JSON-encoded state
	`CREATE TABLE IF NOT EXISTS rooms (
		room_hash  TEXT PRIMARY KEY,
		expires_at REAL NOT NULL,
		data       TEXT NOT NULL
	)`,
	// v2 — index for expiry purges
	`CREATE INDEX IF NOT EXISTS idx_rooms_expires ON rooms(expires_at)`,
	// v3 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and implements relay.Store.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Verify the relay contract at compile time.
var _ relay.Store = (*Store)(nil)

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("busy_timeout pragma", "err", err)
	}

	s := &Store{db: db, log: slog.Default()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.log.Debug("applied migration", "version", v)
	}
	return nil
}

// Save upserts a room under its fingerprint.
func (s *Store) Save(room *relay.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO rooms(room_hash, expires_at, data) VALUES(?, ?, ?)
		 ON CONFLICT(room_hash) DO UPDATE SET
		   expires_at = excluded.expires_at,
		   data       = excluded.data`,
		room.RoomHash, room.ExpiresAt, string(data),
	)
	return err
}

// Delete removes a room record. Deleting an absent room is not an error.
func (s *Store) Delete(roomHash string) error {
	_, err := s.db.Exec(`DELETE FROM rooms WHERE room_hash = ?`, roomHash)
	return err
}

// LoadAll returns every persisted room, including expired ones — the
// registry decides what to evict. A row that fails to decode is skipped
// and logged rather than aborting the restore.
func (s *Store) LoadAll() ([]*relay.Room, error) {
	rows, err := s.db.Query(`SELECT room_hash, data FROM rooms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*relay.Room
	for rows.Next() {
		var hash, data string
		if err := rows.Scan(&hash, &data); err != nil {
			return nil, err
		}
		var room relay.Room
		if err := json.Unmarshal([]byte(data), &room); err != nil {
			s.log.Warn("skipping undecodable room record", "room", hash, "err", err)
			continue
		}
		rooms = append(rooms, &room)
	}
	return rooms, rows.Err()
}

// PurgeExpired deletes every room whose expiry precedes now. Returns the
// number of rows removed.
func (s *Store) PurgeExpired(now float64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM rooms WHERE expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RoomCount returns the number of persisted rooms.
func (s *Store) RoomCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM rooms`).Scan(&n)
	return n, err
}
