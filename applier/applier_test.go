package applier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goedderz/go-replication"
	"github.com/goedderz/go-replication/leader"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testLeader struct {
	log *leader.Log
	url string
}

func newTestLeader(t *testing.T, retain int) *testLeader {
	t.Helper()
	l := leader.NewLog(retain, "test")
	ts := httptest.NewServer(leader.NewServer(l, "", testLogger()).Handler())
	t.Cleanup(ts.Close)
	return &testLeader{log: l, url: ts.URL}
}

// connTracker remembers every connection a test server accepted, hijacked
// websocket connections included, so a test can cut them all at once.
type connTracker struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func (c *connTracker) track(conn net.Conn, state http.ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch state {
	case http.StateNew:
		c.conns[conn] = struct{}{}
	case http.StateClosed:
		delete(c.conns, conn)
	}
}

func (c *connTracker) closeAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.conns)
	for conn := range c.conns {
		conn.Close()
		delete(c.conns, conn)
	}
	return n
}

// newCuttableTestLeader is newTestLeader whose connections can be cut with
// the returned function, which reports how many were open.
func newCuttableTestLeader(t *testing.T) (*testLeader, func() int) {
	t.Helper()
	l := leader.NewLog(0, "test")
	tracker := &connTracker{conns: make(map[net.Conn]struct{})}
	ts := httptest.NewUnstartedServer(leader.NewServer(l, "", testLogger()).Handler())
	ts.Config.ConnState = tracker.track
	ts.Start()
	t.Cleanup(func() {
		tracker.closeAll()
		ts.Close()
	})
	return &testLeader{log: l, url: ts.URL}, tracker.closeAll
}

func (l *testLeader) insert(t *testing.T, db, coll, key string) replication.LogEntry {
	t.Helper()
	e, err := l.log.Append(db, coll, replication.OpInsert, key, json.RawMessage(`{"k":"`+key+`"}`))
	require.NoError(t, err)
	return e
}

func (l *testLeader) request() replication.ConfigRequest {
	return replication.ConfigRequest{
		Endpoint:         l.url,
		BarrierTTL:       3 * time.Second,
		RequestTimeout:   5 * time.Second,
		InitialRetryWait: 10 * time.Millisecond,
		MaxRetryWait:     50 * time.Millisecond,
		MaxReconnects:    3,
	}
}

func (l *testLeader) config(t *testing.T, d replication.Defaults) replication.ApplierConfig {
	t.Helper()
	cfg, err := replication.ResolveConfig(l.request(), d)
	require.NoError(t, err)
	return cfg
}

func newTestRegistry(t *testing.T, store replication.Storage) *Registry {
	t.Helper()
	r := NewRegistry(store, testLogger())
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r
}

// recordingStore records every tick ApplyEntry actually applied.
type recordingStore struct {
	*replication.InMemoryStorage

	mu      sync.Mutex
	applied []replication.Tick
}

func newRecordingStore() *recordingStore {
	return &recordingStore{InMemoryStorage: replication.NewInMemoryStorage()}
}

func (s *recordingStore) ApplyEntry(ctx context.Context, target string, entry *replication.LogEntry, execute bool) (bool, error) {
	ok, err := s.InMemoryStorage.ApplyEntry(ctx, target, entry, execute)
	if ok {
		s.mu.Lock()
		s.applied = append(s.applied, entry.Tick)
		s.mu.Unlock()
	}
	return ok, err
}

func (s *recordingStore) ticks() []replication.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]replication.Tick(nil), s.applied...)
}

func waitForTick(t *testing.T, a *Applier, tick replication.Tick) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.State().LastAppliedTick == tick
	}, 5*time.Second, 10*time.Millisecond, "applier did not reach tick %d", tick)
}

func docKeys(t *testing.T, store replication.Storage, db, coll string) []string {
	t.Helper()
	docs, err := store.ListDocuments(context.Background(), db, coll)
	require.NoError(t, err)
	keys := []string{}
	for _, d := range docs {
		keys = append(keys, d.Key)
	}
	return keys
}

func TestSetupReplication_RunningAtSnapshotTick(t *testing.T) {
	ctx := context.Background()
	l := newTestLeader(t, 0)
	l.insert(t, "db", "docs", "a")
	l.insert(t, "db", "docs", "b")
	last := l.insert(t, "db", "docs", "c")

	store := replication.NewInMemoryStorage()
	reg := newTestRegistry(t, store)

	st, err := reg.SetupReplication(ctx, GlobalTarget, l.request())
	require.NoError(t, err)
	assert.Equal(t, replication.PhaseRunning, st.Phase)
	assert.Equal(t, last.Tick, st.LastAppliedTick)
	assert.True(t, st.HasStartingTick)
	assert.NotEmpty(t, st.BarrierID)
	assert.Nil(t, st.LastError)
	assert.Equal(t, []string{"a", "b", "c"}, docKeys(t, store, "db", "docs"))

	a, err := reg.Get(ctx, GlobalTarget)
	require.NoError(t, err)
	cfg, err := a.Properties()
	require.NoError(t, err)
	assert.True(t, cfg.AutoStart)
	assert.True(t, cfg.KeepBarrier)
	assert.True(t, cfg.IncludeSystem)
	assert.False(t, cfg.Verbose)

	next := l.insert(t, "db", "docs", "d")
	waitForTick(t, a, next.Tick)
	assert.Equal(t, []string{"a", "b", "c", "d"}, docKeys(t, store, "db", "docs"))

	// the barrier of the initial sync goes once tailing has passed it
	require.Eventually(t, func() bool {
		return l.log.Barriers().Len() == 0 && a.State().BarrierID == ""
	}, 5*time.Second, 10*time.Millisecond)
}

func TestApplier_ResumeAfterStop(t *testing.T) {
	ctx := context.Background()
	l := newTestLeader(t, 0)
	for _, k := range []string{"a", "b", "c"} {
		l.insert(t, "db", "docs", k)
	}

	store := newRecordingStore()
	reg := newTestRegistry(t, store)
	_, err := reg.SetupReplication(ctx, GlobalTarget, l.request())
	require.NoError(t, err)
	a, err := reg.Get(ctx, GlobalTarget)
	require.NoError(t, err)

	l.insert(t, "db", "docs", "d")
	e5 := l.insert(t, "db", "docs", "e")
	waitForTick(t, a, e5.Tick)

	st, err := a.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, replication.PhaseStopped, st.Phase)
	assert.Equal(t, replication.PhaseStopped, a.State().Phase)
	assert.Equal(t, e5.Tick, st.LastAppliedTick)

	l.insert(t, "db", "docs", "f")
	e7 := l.insert(t, "db", "docs", "g")

	st, err = a.Start(ctx, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, replication.PhaseRunning, st.Phase)
	assert.Equal(t, e5.Tick, st.LastAppliedTick)

	waitForTick(t, a, e7.Tick)
	assert.Equal(t, []replication.Tick{4, 5, 6, 7}, store.ticks())
	assert.Len(t, docKeys(t, store, "db", "docs"), 7)
}

func TestApplier_StopThenStateIsStopped(t *testing.T) {
	ctx := context.Background()
	l := newTestLeader(t, 0)
	l.insert(t, "db", "docs", "a")

	reg := newTestRegistry(t, replication.NewInMemoryStorage())
	_, err := reg.SetupReplication(ctx, GlobalTarget, l.request())
	require.NoError(t, err)
	a, err := reg.Get(ctx, GlobalTarget)
	require.NoError(t, err)

	_, err = a.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, replication.PhaseStopped, a.State().Phase)

	// stopping again is a no-op
	st, err := a.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, replication.PhaseStopped, st.Phase)
}

func TestApplier_ForgetWhileRunning(t *testing.T) {
	ctx := context.Background()
	l := newTestLeader(t, 0)
	l.insert(t, "db", "docs", "a")

	store := replication.NewInMemoryStorage()
	reg := newTestRegistry(t, store)
	_, err := reg.SetupReplication(ctx, GlobalTarget, l.request())
	require.NoError(t, err)
	a, err := reg.Get(ctx, GlobalTarget)
	require.NoError(t, err)
	before := a.State()

	err = a.Forget(ctx)
	require.ErrorIs(t, err, replication.ErrStillRunning)
	assert.Equal(t, "StillRunning", replication.ErrorKind(err))

	after := a.State()
	assert.Equal(t, replication.PhaseRunning, after.Phase)
	assert.Equal(t, before.LastAppliedTick, after.LastAppliedTick)
	_, err = a.Properties()
	assert.NoError(t, err)
	_, err = store.LoadConfig(ctx, GlobalTarget)
	assert.NoError(t, err)

	_, err = a.Stop(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Forget(ctx))
	assert.Equal(t, replication.PhaseForgotten, a.State().Phase)
	assert.False(t, a.State().HasStartingTick)
	_, err = a.Properties()
	assert.ErrorIs(t, err, replication.ErrNotConfigured)
	_, err = store.LoadConfig(ctx, GlobalTarget)
	assert.ErrorIs(t, err, replication.ErrNotFound)

	// replicated data stays
	assert.Equal(t, []string{"a"}, docKeys(t, store, "db", "docs"))
}

func TestApplier_StartRequiresConfigAndStartingPoint(t *testing.T) {
	ctx := context.Background()
	l := newTestLeader(t, 0)
	a := NewApplier(GlobalTarget, replication.NewInMemoryStorage(), testLogger())

	_, err := a.Start(ctx, StartOptions{})
	assert.ErrorIs(t, err, replication.ErrNotConfigured)

	require.NoError(t, a.Configure(ctx, l.config(t, replication.SyncDefaults)))
	_, err = a.Start(ctx, StartOptions{})
	assert.ErrorIs(t, err, replication.ErrNoStartingPoint)
	assert.Equal(t, "NoStartingPoint", replication.ErrorKind(err))
	assert.Equal(t, replication.PhaseStopped, a.State().Phase)
}

func TestApplier_DoubleStart(t *testing.T) {
	ctx := context.Background()
	l := newTestLeader(t, 0)
	a := NewApplier(GlobalTarget, replication.NewInMemoryStorage(), testLogger())
	t.Cleanup(func() { a.Stop(context.Background()) })

	cfg := l.config(t, replication.SyncDefaults)
	require.NoError(t, a.Configure(ctx, cfg))
	tick := replication.Tick(0)
	_, err := a.Start(ctx, StartOptions{InitialTick: &tick})
	require.NoError(t, err)

	_, err = a.Start(ctx, StartOptions{InitialTick: &tick})
	assert.ErrorIs(t, err, replication.ErrAlreadyRunning)
	assert.ErrorIs(t, a.Configure(ctx, cfg), replication.ErrAlreadyRunning)
	_, err = a.Sync(ctx, cfg)
	assert.ErrorIs(t, err, replication.ErrAlreadyRunning)
	assert.Equal(t, replication.PhaseRunning, a.State().Phase)
}

func TestApplier_DataGoneIsFatal(t *testing.T) {
	ctx := context.Background()
	l := newTestLeader(t, 50)
	for i := 0; i < 200; i++ {
		l.insert(t, "db", "docs", "k")
	}
	require.Greater(t, l.log.FirstTick(), replication.Tick(101))

	store := replication.NewInMemoryStorage()
	a := NewApplier(GlobalTarget, store, testLogger())
	require.NoError(t, a.Configure(ctx, l.config(t, replication.SyncDefaults)))

	tick := replication.Tick(100)
	_, err := a.Start(ctx, StartOptions{InitialTick: &tick, BarrierID: "b1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.State().Phase == replication.PhaseStopped
	}, 5*time.Second, 10*time.Millisecond)

	st := a.State()
	require.NotNil(t, st.LastError)
	assert.Equal(t, "DataGoneError", st.LastError.Kind)
	assert.Equal(t, tick, st.LastAppliedTick)

	persisted, err := store.LoadState(ctx, GlobalTarget)
	require.NoError(t, err)
	assert.Equal(t, replication.PhaseStopped, persisted.Phase)
	require.NotNil(t, persisted.LastError)
	assert.Equal(t, "DataGoneError", persisted.LastError.Kind)
}

func TestApplier_GivesUpAfterMaxReconnects(t *testing.T) {
	ctx := context.Background()
	cfg, err := replication.ResolveConfig(replication.ConfigRequest{
		Endpoint:         "http://127.0.0.1:1",
		RequestTimeout:   time.Second,
		InitialRetryWait: 5 * time.Millisecond,
		MaxRetryWait:     20 * time.Millisecond,
		MaxReconnects:    3,
	}, replication.SyncDefaults)
	require.NoError(t, err)

	a := NewApplier(GlobalTarget, replication.NewInMemoryStorage(), testLogger())
	require.NoError(t, a.Configure(ctx, cfg))
	tick := replication.Tick(0)
	_, err = a.Start(ctx, StartOptions{InitialTick: &tick})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.State().Phase == replication.PhaseStopped
	}, 5*time.Second, 10*time.Millisecond)

	st := a.State()
	require.NotNil(t, st.LastError)
	assert.Equal(t, "ReconnectsExhausted", st.LastError.Kind)
	assert.Contains(t, st.LastError.Message, "remote endpoint unavailable")
	assert.Equal(t, int64(4), st.Counters.FailedConnects)
}

func TestApplier_ReconnectsAfterConnectionLoss(t *testing.T) {
	ctx := context.Background()
	l, cut := newCuttableTestLeader(t)
	l.insert(t, "db", "docs", "a")

	store := newRecordingStore()
	reg := newTestRegistry(t, store)
	_, err := reg.SetupReplication(ctx, GlobalTarget, l.request())
	require.NoError(t, err)
	a, err := reg.Get(ctx, GlobalTarget)
	require.NoError(t, err)

	for i, key := range []string{"b", "c", "d"} {
		e := l.insert(t, "db", "docs", key)
		waitForTick(t, a, e.Tick)
		require.Positive(t, cut())
		require.Eventually(t, func() bool {
			return a.State().Counters.FailedConnects >= int64(i+1)
		}, 5*time.Second, 10*time.Millisecond)
	}
	l.insert(t, "db", "docs", "e")
	last := l.insert(t, "db", "docs", "f")
	waitForTick(t, a, last.Tick)

	st := a.State()
	assert.Equal(t, replication.PhaseRunning, st.Phase)
	assert.GreaterOrEqual(t, st.Counters.FailedConnects, int64(3))
	require.NotNil(t, st.LastError)
	assert.Equal(t, "ConnectionLost", st.LastError.Kind)
	assert.Equal(t, []replication.Tick{2, 3, 4, 5, 6}, store.ticks())
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, docKeys(t, store, "db", "docs"))
}

// failingStateStore rejects every SaveState once failSave is set.
type failingStateStore struct {
	*replication.InMemoryStorage
	failSave bool
}

func (s *failingStateStore) SaveState(ctx context.Context, target string, st replication.PersistedState) error {
	if s.failSave {
		return errors.New("disk full")
	}
	return s.InMemoryStorage.SaveState(ctx, target, st)
}

func TestApplier_StartKeepsStateWhenPersistFails(t *testing.T) {
	ctx := context.Background()
	store := &failingStateStore{InMemoryStorage: replication.NewInMemoryStorage()}
	cfg, err := replication.ResolveConfig(replication.ConfigRequest{Endpoint: "http://leader:8529"}, replication.SyncDefaults)
	require.NoError(t, err)
	require.NoError(t, store.SaveConfig(ctx, "db1", cfg))
	require.NoError(t, store.SaveState(ctx, "db1", replication.PersistedState{
		Phase:           replication.PhaseStopped,
		LastAppliedTick: 7,
		HasStartingTick: true,
		BarrierID:       "b1",
	}))

	a := NewApplier("db1", store, testLogger())
	require.NoError(t, a.Load(ctx))
	store.failSave = true

	tick := replication.Tick(42)
	_, err = a.Start(ctx, StartOptions{InitialTick: &tick, BarrierID: "b2"})
	require.ErrorContains(t, err, "disk full")

	st := a.State()
	assert.Equal(t, replication.PhaseStopped, st.Phase)
	assert.Equal(t, replication.Tick(7), st.LastAppliedTick)
	assert.Equal(t, "b1", st.BarrierID)
	assert.True(t, st.StartTime.IsZero())
}

func TestApplier_LoadResumesAsStopped(t *testing.T) {
	ctx := context.Background()
	store := replication.NewInMemoryStorage()
	cfg, err := replication.ResolveConfig(replication.ConfigRequest{Endpoint: "http://leader:8529"}, replication.SyncDefaults)
	require.NoError(t, err)
	require.NoError(t, store.SaveConfig(ctx, "db1", cfg))
	require.NoError(t, store.SaveState(ctx, "db1", replication.PersistedState{
		Phase:           replication.PhaseRunning,
		LastAppliedTick: 7,
		HasStartingTick: true,
		BarrierID:       "b1",
	}))

	a := NewApplier("db1", store, testLogger())
	require.NoError(t, a.Load(ctx))
	st := a.State()
	assert.Equal(t, replication.PhaseStopped, st.Phase)
	assert.Equal(t, replication.Tick(7), st.LastAppliedTick)
	assert.True(t, st.HasStartingTick)
	assert.Equal(t, "b1", st.BarrierID)

	props, err := a.Properties()
	require.NoError(t, err)
	assert.Equal(t, "http://leader:8529", props.Endpoint)
}

func TestApplier_ConfigureForcesTargetDatabase(t *testing.T) {
	ctx := context.Background()
	cfg, err := replication.ResolveConfig(replication.ConfigRequest{Endpoint: "http://leader:8529", Database: "other"}, replication.SyncDefaults)
	require.NoError(t, err)

	a := NewApplier("db1", replication.NewInMemoryStorage(), testLogger())
	require.NoError(t, a.Configure(ctx, cfg))
	props, err := a.Properties()
	require.NoError(t, err)
	assert.Equal(t, "db1", props.Database)

	g := NewApplier(GlobalTarget, replication.NewInMemoryStorage(), testLogger())
	require.NoError(t, g.Configure(ctx, cfg))
	props, err = g.Properties()
	require.NoError(t, err)
	assert.Equal(t, "", props.Database)
}

func TestApplier_SyncRecordsStartingPoint(t *testing.T) {
	ctx := context.Background()
	l := newTestLeader(t, 0)
	l.insert(t, "db", "docs", "a")
	last := l.insert(t, "db", "docs", "b")

	store := replication.NewInMemoryStorage()
	a := NewApplier(GlobalTarget, store, testLogger())
	res, err := a.Sync(ctx, l.config(t, replication.SyncDefaults))
	require.NoError(t, err)
	assert.Equal(t, last.Tick, res.LastLogTick)
	assert.Empty(t, res.BarrierID)
	assert.Equal(t, int64(2), res.Documents)

	st := a.State()
	assert.Equal(t, replication.PhaseStopped, st.Phase)
	assert.True(t, st.HasStartingTick)
	assert.Equal(t, last.Tick, st.LastAppliedTick)
	assert.Equal(t, int64(2), st.Counters.TotalDocuments)
	assert.Positive(t, st.Counters.TotalRequests)
	assert.Equal(t, 0, l.log.Barriers().Len())

	persisted, err := store.LoadState(ctx, GlobalTarget)
	require.NoError(t, err)
	assert.Equal(t, last.Tick, persisted.LastAppliedTick)
}
