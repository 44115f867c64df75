package applier

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/goedderz/go-replication"
)

// GlobalTarget names the applier that replicates every database.
const GlobalTarget = "_global"

// TargetFor returns the registry key of the applier replicating database.
// The empty database selects the global applier.
func TargetFor(database string) string {
	if database == "" {
		return GlobalTarget
	}
	return database
}

// Registry owns one Applier per target. Appliers are created lazily and
// loaded from storage on first use.
type Registry struct {
	store  replication.Storage
	logger *slog.Logger

	mu       sync.Mutex
	appliers map[string]*Applier
}

func NewRegistry(store replication.Storage, logger *slog.Logger) *Registry {
	return &Registry{
		store:    store,
		logger:   logger.With("component", "registry"),
		appliers: make(map[string]*Applier),
	}
}

// Get returns the applier of target, creating and loading it if needed.
func (r *Registry) Get(ctx context.Context, target string) (*Applier, error) {
	if target == "" {
		target = GlobalTarget
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.appliers[target]; ok {
		return a, nil
	}
	a := NewApplier(target, r.store, r.logger)
	if err := a.Load(ctx); err != nil {
		return nil, err
	}
	r.appliers[target] = a
	return a, nil
}

// Targets lists the targets with a loaded applier.
func (r *Registry) Targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets := make([]string, 0, len(r.appliers))
	for t := range r.appliers {
		targets = append(targets, t)
	}
	slices.Sort(targets)
	return targets
}

// States returns the state of every loaded applier, sorted by target.
func (r *Registry) States() []replication.ApplierState {
	targets := r.Targets()
	states := make([]replication.ApplierState, 0, len(targets))
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range targets {
		states = append(states, r.appliers[t].State())
	}
	return states
}

// Restore loads every persisted applier and starts those configured with
// autoStart that have a starting point.
func (r *Registry) Restore(ctx context.Context) error {
	targets, err := r.store.ListTargets(ctx)
	if err != nil {
		return fmt.Errorf("listing targets: %w", err)
	}
	for _, target := range targets {
		a, err := r.Get(ctx, target)
		if err != nil {
			return err
		}
		cfg, err := a.Properties()
		if err != nil || !cfg.AutoStart {
			continue
		}
		if !a.State().HasStartingTick {
			r.logger.Warn("not starting applier without a starting point", "target", target)
			continue
		}
		if _, err := a.Start(ctx, StartOptions{}); err != nil {
			r.logger.Error("failed to start applier", "target", target, "error", err)
			continue
		}
		r.logger.Info("restored applier", "target", target)
	}
	return nil
}

// Shutdown stops every running applier. Their progress is persisted, so
// appliers with autoStart resume on the next Restore.
func (r *Registry) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, target := range r.Targets() {
		r.mu.Lock()
		a := r.appliers[target]
		r.mu.Unlock()
		if _, err := a.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stopping %s: %w", target, err)
		}
	}
	return firstErr
}
