package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/socialpilot/dbopen"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"

	_ "modernc.org/sqlite"
)

func setup(t *testing.T) (*store.Store, string) {
	t.Helper()
	s := store.NewStore(dbopen.OpenMemory(t))
	require.NoError(t, s.Init(context.Background()))
	ws, err := s.CreateWorkspace(context.Background(), "w")
	require.NoError(t, err)
	return s, ws.ID
}

func TestLogAsyncFlushedOnClose(t *testing.T) {
	s, ws := setup(t)
	r := New(s, 10, nil)
	for i := 0; i < 5; i++ {
		r.LogAsync(Event(ws, "", "run.trigger", "run", "r1", map[string]any{"i": i}))
	}
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	entries, err := s.ListAudit(context.Background(), ws, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestLogAsyncFullBufferFallsBack(t *testing.T) {
	// WHAT: Entries beyond the buffer are written synchronously.
	// WHY: Audit entries are never dropped.
	s, ws := setup(t)
	r := New(s, 1, nil)
	for i := 0; i < 20; i++ {
		r.LogAsync(Event(ws, "", "run.trigger", "run", "r", nil))
	}
	require.NoError(t, r.Close())

	entries, err := s.ListAudit(context.Background(), ws, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestLogAfterCloseStillWrites(t *testing.T) {
	s, ws := setup(t)
	r := New(s, 4, nil)
	require.NoError(t, r.Close())
	r.LogAsync(Event(ws, "", "late", "run", "r", nil))
	require.NoError(t, r.Log(context.Background(), Event(ws, "", "sync", "run", "r", nil)))

	entries, err := s.ListAudit(context.Background(), ws, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAddUsageIdempotent(t *testing.T) {
	// WHAT: Recording the same action twice counts its seconds once.
	// WHY: Retried recording calls must not inflate runtime usage.
	s, ws := setup(t)
	r := New(s, 4, nil)
	defer r.Close()
	at := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	applied, err := r.AddUsage(ctx, ws, "act1", at, 1500*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = r.AddUsage(ctx, ws, "act1", at, 1500*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, applied)

	u, err := s.GetUsage(ctx, ws, store.Period(at))
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.AutomationRuntimeSeconds)
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, int64(0), Seconds(0))
	assert.Equal(t, int64(1), Seconds(time.Millisecond))
	assert.Equal(t, int64(3), Seconds(2100*time.Millisecond))
}
