package leader

import (
	"errors"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/hashmap"
	"github.com/google/uuid"

	"github.com/goedderz/go-replication"
)

var ErrUnknownBarrier = errors.New("unknown or expired barrier")

// Barrier is a retention lease: while it is held, the log keeps every entry
// after Tick.
type Barrier struct {
	ID      string           `json:"id"`
	Tick    replication.Tick `json:"tick"`
	Expires time.Time        `json:"expires"`
}

// Barriers is the leader's barrier registry. Expired barriers are dropped
// lazily, whenever the registry is consulted.
type Barriers struct {
	mu  sync.Mutex
	m   *hashmap.Map // id -> Barrier
	now func() time.Time
}

func NewBarriers() *Barriers {
	return &Barriers{
		m:   hashmap.New(),
		now: time.Now,
	}
}

func (b *Barriers) expire() {
	now := b.now()
	for _, k := range b.m.Keys() {
		v, _ := b.m.Get(k)
		if !v.(Barrier).Expires.After(now) {
			b.m.Remove(k)
		}
	}
}

func (b *Barriers) Create(tick replication.Tick, ttl time.Duration) Barrier {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()

	bar := Barrier{
		ID:      uuid.NewString(),
		Tick:    tick,
		Expires: b.now().Add(ttl),
	}
	b.m.Put(bar.ID, bar)
	return bar
}

// Extend pushes the expiry of a live barrier to now+ttl.
func (b *Barriers) Extend(id string, ttl time.Duration) (Barrier, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()

	v, found := b.m.Get(id)
	if !found {
		return Barrier{}, ErrUnknownBarrier
	}
	bar := v.(Barrier)
	bar.Expires = b.now().Add(ttl)
	b.m.Put(id, bar)
	return bar, nil
}

// Remove releases a barrier. Returns false if it was not held.
func (b *Barriers) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, found := b.m.Get(id); !found {
		return false
	}
	b.m.Remove(id)
	return true
}

func (b *Barriers) Get(id string) (Barrier, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()

	v, found := b.m.Get(id)
	if !found {
		return Barrier{}, false
	}
	return v.(Barrier), true
}

// MinTick returns the lowest tick protected by a live barrier.
func (b *Barriers) MinTick() (replication.Tick, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()

	var min replication.Tick
	found := false
	for _, v := range b.m.Values() {
		bar := v.(Barrier)
		if !found || bar.Tick < min {
			min = bar.Tick
			found = true
		}
	}
	return min, found
}

func (b *Barriers) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()
	return b.m.Size()
}
