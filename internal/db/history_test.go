package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statlink-project/statlink/internal/events"
)

func newTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	hs, err := NewHistoryStore(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { hs.Close() })
	return hs
}

func TestRecordAndRecent(t *testing.T) {
	hs := newTestStore(t)
	base := time.Now().Add(-time.Minute)

	require.NoError(t, hs.Record(Entry{Kind: KindDelivered, Event: "updateStats", Bytes: 120, At: base}))
	require.NoError(t, hs.Record(Entry{Kind: KindRejected, Event: "updateStats", Reason: "too_large", At: base.Add(time.Second)}))
	require.NoError(t, hs.Record(Entry{Kind: KindConnected}))

	entries, err := hs.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, KindConnected, entries[0].Kind)
	assert.Equal(t, KindRejected, entries[1].Kind)
	assert.Equal(t, "too_large", entries[1].Reason)
	assert.Equal(t, KindDelivered, entries[2].Kind)
	assert.Equal(t, 120, entries[2].Bytes)
	assert.Equal(t, base.UnixMilli(), entries[2].At.UnixMilli())

	limited, err := hs.Recent(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCounts(t *testing.T) {
	hs := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, hs.Record(Entry{Kind: KindDelivered}))
	}
	require.NoError(t, hs.Record(Entry{Kind: KindDropped}))

	counts, err := hs.Counts()
	require.NoError(t, err)
	assert.Equal(t, 3, counts[KindDelivered])
	assert.Equal(t, 1, counts[KindDropped])
	assert.Zero(t, counts[KindRejected])
}

func TestCleanupRemovesOldEntries(t *testing.T) {
	hs := newTestStore(t)
	require.NoError(t, hs.Record(Entry{Kind: KindDelivered, At: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, hs.Record(Entry{Kind: KindDelivered, At: time.Now().Add(-2 * time.Hour)}))
	require.NoError(t, hs.Record(Entry{Kind: KindDelivered}))

	removed, err := hs.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	entries, err := hs.Recent(10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAttachRecordsBusEvents(t *testing.T) {
	hs := newTestStore(t)
	bus := events.NewEventBus()
	hs.Attach(bus)

	ctx := context.Background()
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventDelivered,
		Payload: events.DeliveryPayload{Event: "joinRoom", Bytes: 30, At: time.Now()},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventConnectFailed,
		Payload: events.ConnectFailedPayload{Failures: 2, Error: "connection refused"},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventServerError,
		Payload: events.ServerMessagePayload{Message: "unauthorized"},
	}))

	entries, err := hs.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byKind := make(map[string]Entry)
	for _, e := range entries {
		byKind[e.Kind] = e
	}
	assert.Equal(t, "joinRoom", byKind[KindDelivered].Event)
	assert.Equal(t, 30, byKind[KindDelivered].Bytes)
	assert.Equal(t, "connection refused", byKind[KindConnectFailed].Reason)
	assert.Equal(t, "unauthorized", byKind[KindServerError].Reason)
}

func TestOpenAppliesSchemaOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	hs, err := OpenHistoryStore(path, 1500*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, hs.Record(Entry{Kind: KindDelivered, Event: "kept"}))

	var version, busy int
	require.NoError(t, hs.db.db.QueryRow("PRAGMA user_version").Scan(&version))
	require.NoError(t, hs.db.db.QueryRow("PRAGMA busy_timeout").Scan(&busy))
	assert.Equal(t, len(historyMigrations), version)
	assert.Equal(t, 1500, busy)
	require.NoError(t, hs.Close())

	reopened, err := NewHistoryStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Event)
	require.NoError(t, reopened.db.db.QueryRow("PRAGMA busy_timeout").Scan(&busy))
	assert.Equal(t, int(DefaultBusyTimeout.Milliseconds()), busy)
}

func TestConcurrentRecords(t *testing.T) {
	hs := newTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- hs.Record(Entry{Kind: KindDelivered, Event: "burst"})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	counts, err := hs.Counts()
	require.NoError(t, err)
	assert.Equal(t, 40, counts[KindDelivered])
}
