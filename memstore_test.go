package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertEntry(tick Tick, collection, key, body string) *LogEntry {
	return &LogEntry{Tick: tick, Database: "db", Collection: collection, Kind: OpInsert, Key: key, Payload: json.RawMessage(body)}
}

func TestInMemoryStorage_ApplyEntry_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()

	applied, err := s.ApplyEntry(ctx, "db", insertEntry(1, "docs", "a", `{"v":1}`), true)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyEntry(ctx, "db", insertEntry(2, "docs", "a", `{"v":2}`), true)
	require.NoError(t, err)
	assert.True(t, applied)

	// replaying an older entry must not roll the document back
	applied, err = s.ApplyEntry(ctx, "db", insertEntry(1, "docs", "a", `{"v":1}`), true)
	require.NoError(t, err)
	assert.False(t, applied)

	docs, err := s.ListDocuments(ctx, "db", "docs")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.JSONEq(t, `{"v":2}`, string(docs[0].Data))

	st, err := s.LoadState(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, Tick(2), st.LastAppliedTick)
}

func TestInMemoryStorage_ApplyEntry_FailureKeepsTick(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()

	_, err := s.ApplyEntry(ctx, "db", insertEntry(1, "docs", "a", `{}`), true)
	require.NoError(t, err)

	bad := &LogEntry{Tick: 2, Database: "db", Collection: "docs", Kind: OpInsert, Key: "b"}
	_, err = s.ApplyEntry(ctx, "db", bad, true)
	assert.ErrorIs(t, err, ErrApply)

	st, err := s.LoadState(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, Tick(1), st.LastAppliedTick)
}

func TestInMemoryStorage_Collections(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()

	require.NoError(t, s.Execute(&LogEntry{Tick: 1, Database: "db", Collection: "docs", Kind: OpCreateCollection}))
	for i := range 3 {
		require.NoError(t, s.Execute(insertEntry(Tick(i+2), "docs", fmt.Sprintf("k%d", i), `{}`)))
	}
	require.NoError(t, s.Execute(&LogEntry{Tick: 5, Database: "db", Collection: "docs", Kind: OpRemove, Key: "k1"}))
	require.NoError(t, s.Execute(&LogEntry{Tick: 6, Database: "db", Collection: "docs", Kind: OpRemove, Key: "missing"}))

	docs, err := s.ListDocuments(ctx, "db", "docs")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "k0", docs[0].Key)
	assert.Equal(t, "k2", docs[1].Key)

	require.NoError(t, s.Execute(&LogEntry{Tick: 7, Database: "db", Collection: "docs", Kind: OpTruncate}))
	docs, err = s.ListDocuments(ctx, "db", "docs")
	require.NoError(t, err)
	assert.Empty(t, docs)

	colls, err := s.ListCollections(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs"}, colls)

	require.NoError(t, s.Execute(&LogEntry{Tick: 8, Database: "db", Collection: "docs", Kind: OpDropCollection}))
	colls, err = s.ListCollections(ctx, "db")
	require.NoError(t, err)
	assert.Empty(t, colls)
}

func TestInMemoryStorage_ConfigAndForget(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()

	_, err := s.LoadConfig(ctx, "db")
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := ApplierConfig{Endpoint: "http://leader", IncludeSystem: true}
	require.NoError(t, s.SaveConfig(ctx, "db", cfg))
	require.NoError(t, s.SaveState(ctx, "db", PersistedState{
		Phase:           PhaseStopped,
		LastAppliedTick: 9,
		HasStartingTick: true,
		LastError:       NewLastError(ErrDataGone, time.Now()),
	}))

	got, err := s.LoadConfig(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	targets, err := s.ListTargets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, targets)

	require.NoError(t, s.Forget(ctx, "db"))
	_, err = s.LoadConfig(ctx, "db")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LoadState(ctx, "db")
	assert.ErrorIs(t, err, ErrNotFound)
}
