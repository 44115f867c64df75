package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

type memCollection map[string]json.RawMessage

// InMemoryStorage implements Storage with plain maps. It backs the reference
// leader's dataset and is handy in tests.
type InMemoryStorage struct {
	mu      sync.RWMutex
	data    map[string]map[string]memCollection
	configs map[string]ApplierConfig
	states  map[string]PersistedState
}

var _ Storage = (*InMemoryStorage)(nil)

func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		data:    make(map[string]map[string]memCollection),
		configs: make(map[string]ApplierConfig),
		states:  make(map[string]PersistedState),
	}
}

func (s *InMemoryStorage) collection(database, name string, create bool) memCollection {
	db, ok := s.data[database]
	if !ok {
		if !create {
			return nil
		}
		db = make(map[string]memCollection)
		s.data[database] = db
	}
	c, ok := db[name]
	if !ok && create {
		c = make(memCollection)
		db[name] = c
	}
	return c
}

// Execute runs entry against the dataset without any tick bookkeeping.
func (s *InMemoryStorage) Execute(entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execute(entry)
}

func (s *InMemoryStorage) execute(entry *LogEntry) error {
	switch entry.Kind {
	case OpInsert:
		if len(entry.Payload) == 0 {
			return fmt.Errorf("%w: insert of %s/%s without payload", ErrApply, entry.Collection, entry.Key)
		}
		s.collection(entry.Database, entry.Collection, true)[entry.Key] = slices.Clone(entry.Payload)
	case OpRemove:
		if c := s.collection(entry.Database, entry.Collection, false); c != nil {
			delete(c, entry.Key)
		}
	case OpCreateCollection:
		s.collection(entry.Database, entry.Collection, true)
	case OpDropCollection:
		if db, ok := s.data[entry.Database]; ok {
			delete(db, entry.Collection)
		}
	case OpTruncate:
		if db, ok := s.data[entry.Database]; ok {
			if _, ok := db[entry.Collection]; ok {
				db[entry.Collection] = make(memCollection)
			}
		}
	case OpBegin, OpCommit, OpAbort:
	default:
		return fmt.Errorf("%w: unsupported operation %q", ErrApply, entry.Kind)
	}
	return nil
}

func (s *InMemoryStorage) ApplyEntry(ctx context.Context, target string, entry *LogEntry, execute bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[target]
	if st.HasStartingTick && entry.Tick <= st.LastAppliedTick {
		return false, nil
	}
	if execute {
		if err := s.execute(entry); err != nil {
			return false, err
		}
	}
	st.LastAppliedTick = entry.Tick
	st.HasStartingTick = true
	s.states[target] = st
	return true, nil
}

func (s *InMemoryStorage) TruncateCollection(ctx context.Context, database, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collection(database, collection, true)
	s.data[database][collection] = make(memCollection)
	return nil
}

func (s *InMemoryStorage) InsertDocuments(ctx context.Context, database, collection string, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collection(database, collection, true)
	for _, d := range docs {
		c[d.Key] = slices.Clone(d.Data)
	}
	return nil
}

func (s *InMemoryStorage) DropDatabase(ctx context.Context, database string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, database)
	return nil
}

func (s *InMemoryStorage) ListDatabases(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for name := range s.data {
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}

func (s *InMemoryStorage) ListCollections(ctx context.Context, database string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data[database]))
	for name := range s.data[database] {
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}

func (s *InMemoryStorage) ListDocuments(ctx context.Context, database, collection string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.collection(database, collection, false)
	out := make([]Document, 0, len(c))
	for key, data := range c {
		out = append(out, Document{Key: key, Data: slices.Clone(data)})
	}
	slices.SortFunc(out, func(a, b Document) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *InMemoryStorage) LoadConfig(ctx context.Context, target string) (ApplierConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[target]
	if !ok {
		return ApplierConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (s *InMemoryStorage) SaveConfig(ctx context.Context, target string, cfg ApplierConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[target] = cfg
	return nil
}

func (s *InMemoryStorage) LoadState(ctx context.Context, target string) (PersistedState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[target]
	if !ok {
		return PersistedState{}, ErrNotFound
	}
	return st, nil
}

func (s *InMemoryStorage) SaveState(ctx context.Context, target string, st PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[target] = st
	return nil
}

func (s *InMemoryStorage) ListTargets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.configs))
	for t := range s.configs {
		out = append(out, t)
	}
	slices.Sort(out)
	return out, nil
}

func (s *InMemoryStorage) Forget(ctx context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, target)
	delete(s.states, target)
	return nil
}
