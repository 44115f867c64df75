package applier

import (
	"context"
	"fmt"

	"github.com/goedderz/go-replication"
)

// Sync runs an initial sync of target with req resolved against
// SyncDefaults. The applier is left stopped with the sync's end tick as its
// starting point.
func (r *Registry) Sync(ctx context.Context, target string, req replication.ConfigRequest) (SyncResult, error) {
	cfg, err := replication.ResolveConfig(req, replication.SyncDefaults)
	if err != nil {
		return SyncResult{}, err
	}
	a, err := r.Get(ctx, target)
	if err != nil {
		return SyncResult{}, err
	}
	return a.Sync(ctx, cfg)
}

// SyncCollection runs an initial sync restricted to a single collection
// plus the system collections.
func (r *Registry) SyncCollection(ctx context.Context, target, collection string, req replication.ConfigRequest) (SyncResult, error) {
	if collection == "" {
		return SyncResult{}, fmt.Errorf("%w: collection is required", replication.ErrInvalidConfig)
	}
	cfg, err := replication.ResolveConfig(req, replication.SyncCollectionDefaults(collection))
	if err != nil {
		return SyncResult{}, err
	}
	a, err := r.Get(ctx, target)
	if err != nil {
		return SyncResult{}, err
	}
	return a.Sync(ctx, cfg)
}

// SetupReplication replaces whatever target was doing with a fresh initial
// sync followed by continuous replication from the sync's end tick. The
// barrier of the sync is handed to the started applier.
//
// It assumes no concurrent caller operates on the same target. A failing
// step aborts the setup and its error is returned.
func (r *Registry) SetupReplication(ctx context.Context, target string, req replication.ConfigRequest) (replication.ApplierState, error) {
	cfg, err := replication.ResolveConfig(req, replication.SetupDefaults)
	if err != nil {
		return replication.ApplierState{}, err
	}
	a, err := r.Get(ctx, target)
	if err != nil {
		return replication.ApplierState{}, err
	}

	if _, err := a.Stop(ctx); err != nil {
		return a.State(), fmt.Errorf("stopping applier: %w", err)
	}
	if err := a.Forget(ctx); err != nil {
		return a.State(), fmt.Errorf("forgetting applier: %w", err)
	}
	res, err := a.Sync(ctx, cfg)
	if err != nil {
		return a.State(), err
	}
	if err := a.Configure(ctx, cfg); err != nil {
		return a.State(), err
	}
	tick := res.LastLogTick
	if _, err := a.Start(ctx, StartOptions{InitialTick: &tick, BarrierID: res.BarrierID}); err != nil {
		return a.State(), err
	}
	r.logger.Info("replication set up", "target", target, "from", tick, "collections", len(res.Collections), "documents", res.Documents)
	return a.State(), nil
}
