package leader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/google/uuid"

	"github.com/goedderz/go-replication"
)

func tickComparator(a, b interface{}) int {
	aTick := a.(replication.Tick)
	bTick := b.(replication.Tick)
	if aTick < bTick {
		return -1
	} else if aTick > bTick {
		return 1
	}
	return 0
}

// LoggerState is the response of the logger-state endpoint.
type LoggerState struct {
	State struct {
		Running     bool             `json:"running"`
		LastLogTick replication.Tick `json:"lastLogTick"`
		TotalEvents int64            `json:"totalEvents"`
		Time        time.Time        `json:"time"`
	} `json:"state"`
	Server struct {
		ServerID string `json:"serverId"`
		Version  string `json:"version"`
	} `json:"server"`
}

// InventoryCollection names a collection present on the leader.
type InventoryCollection struct {
	Database string `json:"database"`
	Name     string `json:"name"`
}

/*

Log is an append-only, tick-indexed operation log with bounded retention.

- Ticks are assigned by Append, strictly increasing.
- Every appended entry is also executed against the leader's dataset, under
  the same lock, so a dump and the tick it reports are consistent.
- Retention drops the oldest entries beyond `retain`, but never an entry
  after the lowest live barrier tick.

*/
type Log struct {
	mu          sync.RWMutex
	entries     *treemap.Map // Tick -> replication.LogEntry
	lastTick    replication.Tick
	purgedUpTo  replication.Tick // highest tick ever dropped
	totalEvents int64
	retain      int
	notify      chan struct{} // closed and replaced on every append

	data     *replication.InMemoryStorage
	barriers *Barriers
	serverID string
	version  string
}

// NewLog creates a log keeping at most retain entries (0 = unbounded).
func NewLog(retain int, version string) *Log {
	return &Log{
		entries:  treemap.NewWith(tickComparator),
		retain:   retain,
		notify:   make(chan struct{}),
		data:     replication.NewInMemoryStorage(),
		barriers: NewBarriers(),
		serverID: uuid.NewString(),
		version:  version,
	}
}

func (l *Log) Barriers() *Barriers {
	return l.barriers
}

// Append assigns the next tick to a new entry, executes it against the
// dataset and records it. Entries that fail to execute are not logged.
func (l *Log) Append(database, collection string, kind replication.OpKind, key string, payload json.RawMessage) (replication.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := replication.LogEntry{
		Tick:       l.lastTick + 1,
		Database:   database,
		Collection: collection,
		Kind:       kind,
		Key:        key,
		Payload:    payload,
	}
	if err := entry.Validate(); err != nil {
		return replication.LogEntry{}, err
	}
	if err := l.data.Execute(&entry); err != nil {
		return replication.LogEntry{}, err
	}

	l.lastTick = entry.Tick
	l.entries.Put(entry.Tick, entry)
	l.totalEvents++

	close(l.notify)
	l.notify = make(chan struct{})

	if l.retain > 0 && l.entries.Size() > l.retain {
		l.purgeLocked(l.lastTick, l.entries.Size()-l.retain)
	}
	return entry, nil
}

// PurgeUpTo drops retained entries with tick <= upTo, as far as barriers
// allow. Returns the number of entries dropped.
func (l *Log) PurgeUpTo(upTo replication.Tick) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.purgeLocked(upTo, l.entries.Size())
}

func (l *Log) purgeLocked(upTo replication.Tick, max int) int {
	if barrierTick, held := l.barriers.MinTick(); held && barrierTick < upTo {
		upTo = barrierTick
	}
	dropped := 0
	for dropped < max && !l.entries.Empty() {
		k, _ := l.entries.Min()
		tick := k.(replication.Tick)
		if tick > upTo {
			break
		}
		l.entries.Remove(tick)
		l.purgedUpTo = tick
		dropped++
	}
	return dropped
}

// FirstTick is the smallest tick from which a tail can still deliver every
// later entry.
func (l *Log) FirstTick() replication.Tick {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.purgedUpTo + 1
}

func (l *Log) LastTick() replication.Tick {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastTick
}

// TickRanges returns the ticks currently retained. The in-memory log holds a
// single contiguous range.
func (l *Log) TickRanges() []replication.TickRange {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.entries.Empty() {
		return []replication.TickRange{}
	}
	minKey, _ := l.entries.Min()
	maxKey, _ := l.entries.Max()
	return []replication.TickRange{{
		TickMin: minKey.(replication.Tick),
		TickMax: maxKey.(replication.Tick),
	}}
}

func (l *Log) State() LoggerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var st LoggerState
	st.State.Running = true
	st.State.LastLogTick = l.lastTick
	st.State.TotalEvents = l.totalEvents
	st.State.Time = time.Now().UTC()
	st.Server.ServerID = l.serverID
	st.Server.Version = l.version
	return st
}

// TailResult is one chunk of a tail read.
type TailResult struct {
	Entries      []replication.LogEntry
	FirstTick    replication.Tick
	LastIncluded replication.Tick
	CheckMore    bool
}

// Tail returns up to chunkSize entries with tick > from, in tick order.
func (l *Log) Tail(from replication.Tick, chunkSize int) TailResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	res := TailResult{FirstTick: l.purgedUpTo + 1}
	next := from + 1
	for {
		k, v := l.entries.Ceiling(next)
		if k == nil {
			break
		}
		if chunkSize > 0 && len(res.Entries) >= chunkSize {
			res.CheckMore = true
			break
		}
		tick := k.(replication.Tick)
		res.Entries = append(res.Entries, v.(replication.LogEntry))
		res.LastIncluded = tick
		next = tick + 1
	}
	return res
}

// WaitAfter blocks until the log holds a tick greater than after.
func (l *Log) WaitAfter(ctx context.Context, after replication.Tick) error {
	for {
		l.mu.RLock()
		last := l.lastTick
		ch := l.notify
		l.mu.RUnlock()
		if last > after {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Inventory lists the collections of database (or of all databases when
// empty) along with the current last tick.
func (l *Log) Inventory(ctx context.Context, database string, includeSystem bool) ([]InventoryCollection, replication.Tick, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	databases := []string{database}
	if database == "" {
		var err error
		databases, err = l.data.ListDatabases(ctx)
		if err != nil {
			return nil, 0, err
		}
	}

	out := []InventoryCollection{}
	for _, db := range databases {
		names, err := l.data.ListCollections(ctx, db)
		if err != nil {
			return nil, 0, err
		}
		for _, name := range names {
			if !includeSystem && replication.IsSystemCollection(name) {
				continue
			}
			out = append(out, InventoryCollection{Database: db, Name: name})
		}
	}
	return out, l.lastTick, nil
}

// Dump returns every document of a collection together with the tick the
// copy corresponds to.
func (l *Log) Dump(ctx context.Context, database, collection string) ([]replication.Document, replication.Tick, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	colls, err := l.data.ListCollections(ctx, database)
	if err != nil {
		return nil, 0, err
	}
	found := false
	for _, c := range colls {
		if c == collection {
			found = true
			break
		}
	}
	if !found {
		return nil, 0, fmt.Errorf("collection %s/%s not found", database, collection)
	}

	docs, err := l.data.ListDocuments(ctx, database, collection)
	if err != nil {
		return nil, 0, err
	}
	return docs, l.lastTick, nil
}
