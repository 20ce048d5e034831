// Package db persists the uplink's delivery history in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DefaultBusyTimeout is how long a statement waits on a locked database
// before failing with SQLITE_BUSY.
const DefaultBusyTimeout = 5 * time.Second

// store is a single-writer SQLite handle. Bus handlers record from many
// goroutines at once, so writes are serialized here and SQLite itself waits
// out locks held by other processes through busy_timeout.
type store struct {
	writeMu sync.Mutex
	db      *sql.DB
}

// openStore opens or creates the database file and applies migrations in
// order. migrations[i] brings the schema to user_version i+1.
func openStore(dbPath string, busyTimeout time.Duration, migrations []string) (*store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}

	db, err := sql.Open("sqlite", storeDSN(dbPath, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	s := &store{db: db}
	version, err := s.migrate(migrations)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("path", dbPath).
		Int("schema_version", version).
		Dur("busy_timeout", busyTimeout).
		Msg("history database opened")
	return s, nil
}

// storeDSN sets the pragmas through the modernc DSN so every pooled
// connection gets them, not only the first.
func storeDSN(dbPath string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + dbPath + "?" + q.Encode()
}

// migrate runs every migration above the stored user_version, each in its
// own transaction, and returns the resulting version.
func (s *store) migrate(migrations []string) (int, error) {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	for v := current; v < len(migrations); v++ {
		next := v + 1
		err := s.tx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(migrations[v]); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters.
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", next))
			return err
		})
		if err != nil {
			return current, fmt.Errorf("migration to schema version %d failed: %w", next, err)
		}
		log.Debug().Int("version", next).Msg("applied history migration")
		current = next
	}
	return current, nil
}

func (s *store) exec(query string, args ...interface{}) (sql.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Exec(query, args...)
}

func (s *store) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(query, args...)
}

func (s *store) tx(fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *store) close() error {
	return s.db.Close()
}
