package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/statlink-project/statlink/internal/events"
)

// Entry kinds recorded in the history table.
const (
	KindDelivered     = "delivered"
	KindDropped       = "dropped"
	KindRejected      = "rejected"
	KindConnected     = "connected"
	KindDisconnected  = "disconnected"
	KindConnectFailed = "connect_failed"
	KindServerError   = "server_error"
)

// Entry is one row of delivery or connection history.
type Entry struct {
	ID     int64     `json:"id"`
	Kind   string    `json:"kind"`
	Event  string    `json:"event,omitempty"`
	Bytes  int       `json:"bytes"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// historyMigrations are applied in order; append, never edit.
var historyMigrations = []string{
	`CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		event TEXT DEFAULT '',
		bytes INTEGER DEFAULT 0,
		reason TEXT DEFAULT '',
		at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_at ON history(at_ms);
	CREATE INDEX IF NOT EXISTS idx_history_kind ON history(kind);`,
}

// HistoryStore records what happened to submitted events and to the
// connection.
type HistoryStore struct {
	db *store
}

// NewHistoryStore opens the database at dbPath with the default busy
// timeout and brings its schema up to date.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	return OpenHistoryStore(dbPath, DefaultBusyTimeout)
}

// OpenHistoryStore is NewHistoryStore with an explicit busy timeout.
func OpenHistoryStore(dbPath string, busyTimeout time.Duration) (*HistoryStore, error) {
	s, err := openStore(dbPath, busyTimeout, historyMigrations)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	return &HistoryStore{db: s}, nil
}

// Record inserts an entry. A zero At is stamped with the current time.
func (hs *HistoryStore) Record(e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := hs.db.exec(
		"INSERT INTO history (kind, event, bytes, reason, at_ms) VALUES (?, ?, ?, ?, ?)",
		e.Kind, e.Event, e.Bytes, e.Reason, e.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", e.Kind, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (hs *HistoryStore) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := hs.db.query(
		"SELECT id, kind, event, bytes, reason, at_ms FROM history ORDER BY at_ms DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var atMs int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.Event, &e.Bytes, &e.Reason, &atMs); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(atMs)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Counts returns the number of entries per kind.
func (hs *HistoryStore) Counts() (map[string]int, error) {
	rows, err := hs.db.query("SELECT kind, COUNT(*) FROM history GROUP BY kind")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// Cleanup removes entries older than the retention window.
func (hs *HistoryStore) Cleanup(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()

	var removed int64
	err := hs.db.tx(func(tx *sql.Tx) error {
		result, err := tx.Exec("DELETE FROM history WHERE at_ms < ?", cutoff)
		if err != nil {
			return err
		}
		removed, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean history: %w", err)
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Msg("cleaned old history entries")
	}
	return removed, nil
}

// Attach records delivery and connection events from the bus.
func (hs *HistoryStore) Attach(bus *events.EventBus) {
	bus.Subscribe("history", hs.onEvent,
		events.EventDelivered,
		events.EventDropped,
		events.EventRejected,
		events.EventConnected,
		events.EventDisconnected,
		events.EventConnectFailed,
		events.EventServerError,
	)
}

func (hs *HistoryStore) onEvent(ctx context.Context, event events.Event) error {
	e := Entry{Kind: string(event.Type)}
	switch p := event.Payload.(type) {
	case events.DeliveryPayload:
		e.Event = p.Event
		e.Bytes = p.Bytes
		e.Reason = p.Reason
		e.At = p.At
	case events.ConnectFailedPayload:
		e.Reason = p.Error
	case events.ServerMessagePayload:
		e.Reason = p.Message
	}
	return hs.Record(e)
}

// Close closes the underlying database.
func (hs *HistoryStore) Close() error {
	return hs.db.close()
}
