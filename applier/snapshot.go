package applier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goedderz/go-replication"
	"github.com/goedderz/go-replication/leader"
)

// barrierReleaseTimeout bounds the best-effort barrier release after a
// failed or finished transfer.
const barrierReleaseTimeout = 10 * time.Second

// SyncResult describes a finished initial sync.
type SyncResult struct {
	// LastLogTick is the tick continuous replication must resume after.
	LastLogTick replication.Tick `json:"lastLogTick"`
	// BarrierID is set when the barrier was kept for a following start.
	BarrierID   string                       `json:"barrierId,omitempty"`
	Collections []leader.InventoryCollection `json:"collections"`
	Documents   int64                        `json:"documents"`
}

// SnapshotTransfer copies the leader's current data into local storage.
type SnapshotTransfer struct {
	client   *LeaderClient
	store    replication.Storage
	cfg      replication.ApplierConfig
	target   string
	progress func(string)
	logger   *slog.Logger
}

func NewSnapshotTransfer(client *LeaderClient, store replication.Storage, target string, cfg replication.ApplierConfig, logger *slog.Logger) *SnapshotTransfer {
	return &SnapshotTransfer{
		client:   client,
		store:    store,
		cfg:      cfg,
		target:   target,
		progress: func(string) {},
		logger:   logger.With("component", "snapshot", "target", target),
	}
}

// OnProgress registers a callback receiving human readable progress.
func (s *SnapshotTransfer) OnProgress(fn func(string)) {
	s.progress = fn
}

func (s *SnapshotTransfer) setProgress(msg string) {
	s.progress(msg)
	if s.cfg.Verbose {
		s.logger.Info(msg)
	} else {
		s.logger.Debug(msg)
	}
}

// Run performs the transfer.
//
// Failing to reach the leader before anything was touched locally returns
// the transport error as is (ErrRemoteUnavailable). Failures after that are
// wrapped in ErrSnapshotTransfer.
func (s *SnapshotTransfer) Run(ctx context.Context) (SyncResult, error) {
	s.setProgress("fetching leader state")
	state, err := s.client.LoggerState(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	s.setProgress(fmt.Sprintf("creating barrier at tick %d", state.State.LastLogTick))
	bar, err := s.client.CreateBarrier(ctx, state.State.LastLogTick, s.cfg.BarrierTTL)
	if err != nil {
		return SyncResult{}, err
	}
	keeper := NewBarrierKeeper(s.client, bar.ID, s.cfg.BarrierTTL, s.logger)

	keep := false
	defer func() {
		if keep {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), barrierReleaseTimeout)
		defer cancel()
		if err := keeper.Release(rctx); err != nil {
			s.logger.Warn("failed to release barrier", "barrier_id", bar.ID, "error", err)
		}
	}()

	var res SyncResult
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopKeeper := context.WithCancel(gctx)
	defer stopKeeper()
	g.Go(func() error {
		return keeper.Run(runCtx)
	})
	g.Go(func() error {
		defer stopKeeper()
		var err error
		res, err = s.transfer(runCtx, keeper)
		return err
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return SyncResult{}, ctx.Err()
		}
		return SyncResult{}, fmt.Errorf("%w: %w", replication.ErrSnapshotTransfer, err)
	}

	if s.cfg.KeepBarrier {
		keep = true
		res.BarrierID = bar.ID
	}
	s.setProgress(fmt.Sprintf("initial sync finished at tick %d: %d collections, %d documents",
		res.LastLogTick, len(res.Collections), res.Documents))
	return res, nil
}

func (s *SnapshotTransfer) transfer(ctx context.Context, keeper *BarrierKeeper) (SyncResult, error) {
	s.setProgress("fetching inventory")
	inv, err := s.client.Inventory(ctx, s.cfg.Database, true)
	if err != nil {
		return SyncResult{}, err
	}

	if s.cfg.Database == "" {
		if err := s.dropVanishedDatabases(ctx, inv.Collections); err != nil {
			return SyncResult{}, err
		}
	}

	res := SyncResult{Collections: []leader.InventoryCollection{}}
	haveTick := false
	for _, coll := range inv.Collections {
		if !s.cfg.ShouldReplicate(coll.Name) {
			s.logger.Debug("skipping collection", "database", coll.Database, "collection", coll.Name)
			continue
		}

		s.setProgress(fmt.Sprintf("fetching data of collection %s/%s", coll.Database, coll.Name))
		if err := s.store.TruncateCollection(ctx, coll.Database, coll.Name); err != nil {
			return SyncResult{}, fmt.Errorf("%w: truncating %s/%s: %w", replication.ErrApply, coll.Database, coll.Name, err)
		}

		var count int64
		tick, err := s.client.Dump(ctx, coll.Database, coll.Name, s.cfg.ChunkSize, func(docs []replication.Document) error {
			if err := s.store.InsertDocuments(ctx, coll.Database, coll.Name, docs); err != nil {
				return fmt.Errorf("%w: loading %s/%s: %w", replication.ErrApply, coll.Database, coll.Name, err)
			}
			count += int64(len(docs))
			SnapshotDocuments.Add(ctx, int64(len(docs)), targetAttr(s.target))
			return nil
		})
		if err != nil {
			return SyncResult{}, err
		}
		s.logger.Debug("collection transferred", "database", coll.Database, "collection", coll.Name, "documents", count, "tick", tick)

		if !haveTick || tick < res.LastLogTick {
			res.LastLogTick = tick
			haveTick = true
		}
		res.Documents += count
		res.Collections = append(res.Collections, coll)

		if err := keeper.Extend(ctx); err != nil {
			return SyncResult{}, err
		}
	}

	if !haveTick {
		res.LastLogTick = inv.State.LastLogTick
	}
	return res, nil
}

// dropVanishedDatabases removes local databases the leader no longer has.
func (s *SnapshotTransfer) dropVanishedDatabases(ctx context.Context, colls []leader.InventoryCollection) error {
	onLeader := make(map[string]bool)
	for _, c := range colls {
		onLeader[c.Database] = true
	}
	local, err := s.store.ListDatabases(ctx)
	if err != nil {
		return err
	}
	for _, db := range local {
		if onLeader[db] {
			continue
		}
		s.setProgress(fmt.Sprintf("dropping database %s", db))
		if err := s.store.DropDatabase(ctx, db); err != nil {
			return fmt.Errorf("%w: dropping database %s: %w", replication.ErrApply, db, err)
		}
	}
	return nil
}
