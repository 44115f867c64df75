package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goedderz/go-replication"
)

// BarrierKeeper keeps a leader barrier alive on a timer.
//
// Until MarkTailing is called the barrier is essential: an explicit expiry
// from the leader, or going a full TTL without a successful renewal, is
// returned as ErrBarrierExpired. Afterwards renewal failures are only logged.
type BarrierKeeper struct {
	client   *LeaderClient
	id       string
	ttl      time.Duration
	interval time.Duration
	tailing  atomic.Bool
	logger   *slog.Logger

	mu          sync.Mutex
	lastRenewed time.Time
}

func NewBarrierKeeper(client *LeaderClient, id string, ttl time.Duration, logger *slog.Logger) *BarrierKeeper {
	return &BarrierKeeper{
		client:      client,
		id:          id,
		ttl:         ttl,
		interval:    ttl / 3,
		logger:      logger.With("component", "barrier", "barrier_id", id),
		lastRenewed: time.Now(),
	}
}

func (k *BarrierKeeper) ID() string {
	return k.id
}

// MarkTailing records that continuous tailing has started and the barrier
// is no longer load-bearing.
func (k *BarrierKeeper) MarkTailing() {
	k.tailing.Store(true)
}

// Extend renews the barrier once.
func (k *BarrierKeeper) Extend(ctx context.Context) error {
	_, err := k.client.ExtendBarrier(ctx, k.id, k.ttl)
	if err == nil {
		k.mu.Lock()
		k.lastRenewed = time.Now()
		k.mu.Unlock()
		k.logger.Debug("renewed barrier")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if k.tailing.Load() {
		k.logger.Warn("failed to renew barrier", "error", err)
		return nil
	}
	if errors.Is(err, replication.ErrBarrierExpired) {
		return err
	}

	k.mu.Lock()
	since := time.Since(k.lastRenewed)
	k.mu.Unlock()
	if since >= k.ttl {
		return fmt.Errorf("%w: %s not renewed for %s: %v", replication.ErrBarrierExpired, k.id, since.Round(time.Millisecond), err)
	}
	k.logger.Warn("failed to renew barrier, will retry", "error", err)
	return nil
}

// Run renews the barrier every third of its TTL until ctx is cancelled.
func (k *BarrierKeeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := k.Extend(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Release removes the barrier from the leader. Releasing twice is fine.
func (k *BarrierKeeper) Release(ctx context.Context) error {
	if err := k.client.RemoveBarrier(ctx, k.id); err != nil {
		return err
	}
	k.logger.Debug("released barrier")
	return nil
}
