package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/goedderz/go-replication"
)

// StartOptions select where a started applier resumes. With neither field
// set it resumes after the persisted last applied tick.
type StartOptions struct {
	InitialTick *replication.Tick `json:"initialTick,omitempty"`
	BarrierID   string            `json:"barrierId,omitempty"`
}

/*

Applier is the replication state machine of a single target.

	Stopped -> Starting -> Running -> Stopping -> Stopped
	Stopped -> InitialSync -> Stopped        (Sync)
	Stopped -> Forgotten                     (Forget)

Lifecycle operations are serialized by opMu. The pipeline goroutine only
takes mu, so State never waits for a lifecycle operation or a drain.

Persisted state is written at transitions only, while no apply is in
flight; in between, the storage advances the tick together with every
applied entry.

*/
type Applier struct {
	target   string
	database string
	store    replication.Storage
	logger   *slog.Logger

	opMu sync.Mutex

	mu     sync.RWMutex
	cfg    *replication.ApplierConfig
	state  replication.ApplierState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewApplier creates the applier of target. The global target replicates
// every database; any other target replicates the database of that name.
func NewApplier(target string, store replication.Storage, logger *slog.Logger) *Applier {
	database := target
	if target == GlobalTarget {
		database = ""
	}
	return &Applier{
		target:   target,
		database: database,
		store:    store,
		logger:   logger.With("component", "applier", "target", target),
		state: replication.ApplierState{
			Target: target,
			Phase:  replication.PhaseStopped,
		},
	}
}

func (a *Applier) Target() string {
	return a.target
}

// Load restores configuration and progress from storage. A process that
// died while running comes back as stopped.
func (a *Applier) Load(ctx context.Context) error {
	cfg, err := a.store.LoadConfig(ctx, a.target)
	switch {
	case errors.Is(err, replication.ErrNotFound):
	case err != nil:
		return fmt.Errorf("loading config of %s: %w", a.target, err)
	}
	st, serr := a.store.LoadState(ctx, a.target)
	switch {
	case errors.Is(serr, replication.ErrNotFound):
	case serr != nil:
		return fmt.Errorf("loading state of %s: %w", a.target, serr)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		a.cfg = &cfg
	}
	if serr == nil {
		a.state.LastAppliedTick = st.LastAppliedTick
		a.state.HasStartingTick = st.HasStartingTick
		a.state.BarrierID = st.BarrierID
		a.state.LastError = st.LastError
	}
	return nil
}

// State returns a consistent copy of the current state.
func (a *Applier) State() replication.ApplierState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := a.state
	if st.LastError != nil {
		le := *st.LastError
		st.LastError = &le
	}
	return st
}

func (a *Applier) phase() replication.Phase {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Phase
}

// Properties returns the current configuration.
func (a *Applier) Properties() (replication.ApplierConfig, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cfg == nil {
		return replication.ApplierConfig{}, replication.ErrNotConfigured
	}
	return *a.cfg, nil
}

func (a *Applier) persistedLocked() replication.PersistedState {
	return replication.PersistedState{
		Phase:           a.state.Phase,
		LastAppliedTick: a.state.LastAppliedTick,
		HasStartingTick: a.state.HasStartingTick,
		BarrierID:       a.state.BarrierID,
		LastError:       a.state.LastError,
	}
}

func (a *Applier) saveState(ctx context.Context) error {
	a.mu.RLock()
	st := a.persistedLocked()
	a.mu.RUnlock()
	if err := a.store.SaveState(context.WithoutCancel(ctx), a.target, st); err != nil {
		return fmt.Errorf("persisting state of %s: %w", a.target, err)
	}
	return nil
}

func (a *Applier) setPhase(p replication.Phase) {
	a.mu.Lock()
	a.state.Phase = p
	a.mu.Unlock()
	PhaseGauge.Record(context.Background(), p.Ordinal(), targetAttr(a.target))
}

func (a *Applier) setProgress(msg string) {
	a.mu.Lock()
	a.state.Progress = replication.Progress{Message: msg, Time: time.Now().UTC()}
	a.mu.Unlock()
}

// Configure replaces the configuration. Only legal while no pipeline is
// active.
func (a *Applier) Configure(ctx context.Context, cfg replication.ApplierConfig) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if a.phase().Active() {
		return replication.ErrAlreadyRunning
	}
	cfg.Database = a.database
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := a.store.SaveConfig(ctx, a.target, cfg); err != nil {
		return fmt.Errorf("persisting config of %s: %w", a.target, err)
	}

	a.mu.Lock()
	a.cfg = &cfg
	if a.state.Phase == replication.PhaseForgotten {
		a.state.Phase = replication.PhaseStopped
	}
	a.mu.Unlock()
	a.logger.Info("configured applier", "endpoint", cfg.Endpoint, "restrict_type", cfg.RestrictType, "auto_start", cfg.AutoStart)
	return nil
}

// Start launches the tailing pipeline.
func (a *Applier) Start(ctx context.Context, opts StartOptions) (replication.ApplierState, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if a.phase().Active() {
		return a.State(), replication.ErrAlreadyRunning
	}

	a.mu.Lock()
	if a.cfg == nil {
		a.mu.Unlock()
		return a.State(), replication.ErrNotConfigured
	}
	cfg := *a.cfg
	var from replication.Tick
	barrierID := opts.BarrierID
	switch {
	case opts.InitialTick != nil:
		from = *opts.InitialTick
	case a.state.HasStartingTick:
		from = a.state.LastAppliedTick
		if barrierID == "" {
			barrierID = a.state.BarrierID
		}
	default:
		a.mu.Unlock()
		return a.State(), replication.ErrNoStartingPoint
	}
	prev := a.state
	a.state.Phase = replication.PhaseStarting
	a.state.LastAppliedTick = from
	a.state.HasStartingTick = true
	a.state.BarrierID = barrierID
	a.state.LastError = nil
	a.state.StartTime = time.Now().UTC()
	a.state.Counters = replication.Counters{}
	a.state.Progress = replication.Progress{Message: fmt.Sprintf("starting after tick %d", from), Time: a.state.StartTime}
	a.mu.Unlock()

	client, err := NewLeaderClient(cfg, a.logger)
	if err == nil {
		a.setPhase(replication.PhaseRunning)
		err = a.saveState(ctx)
	}
	if err != nil {
		a.mu.Lock()
		a.state = prev
		a.mu.Unlock()
		a.setPhase(replication.PhaseStopped)
		return a.State(), err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	a.mu.Lock()
	a.cancel, a.done = cancel, done
	a.mu.Unlock()

	a.logger.Info("applier started", "from", from, "barrier_id", barrierID)
	go a.run(runCtx, cfg, client, from, barrierID, done)
	return a.State(), nil
}

// Stop cancels the active pipeline or initial sync and waits for it to
// drain. The entry being applied, if any, finishes first. Stopping a stopped
// applier is a no-op.
func (a *Applier) Stop(ctx context.Context) (replication.ApplierState, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if !a.phase().Active() {
		return a.State(), nil
	}

	a.mu.Lock()
	a.state.Phase = replication.PhaseStopping
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return a.State(), ctx.Err()
	}
	a.logger.Info("applier stopped", "last_applied_tick", a.State().LastAppliedTick)
	return a.State(), nil
}

// Forget drops configuration and progress and releases a held barrier.
// Data that was already replicated stays.
func (a *Applier) Forget(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if a.phase().Active() {
		return replication.ErrStillRunning
	}

	a.mu.RLock()
	cfg, barrierID := a.cfg, a.state.BarrierID
	a.mu.RUnlock()
	if cfg != nil && barrierID != "" {
		if client, err := NewLeaderClient(*cfg, a.logger); err == nil {
			if err := client.RemoveBarrier(ctx, barrierID); err != nil {
				a.logger.Warn("failed to release barrier", "barrier_id", barrierID, "error", err)
			}
		}
	}

	if err := a.store.Forget(ctx, a.target); err != nil {
		return fmt.Errorf("forgetting %s: %w", a.target, err)
	}

	a.mu.Lock()
	a.cfg = nil
	a.state = replication.ApplierState{Target: a.target, Phase: replication.PhaseForgotten}
	a.mu.Unlock()
	PhaseGauge.Record(ctx, replication.PhaseForgotten.Ordinal(), targetAttr(a.target))
	a.logger.Info("applier forgotten")
	return nil
}

// Sync performs an initial sync with cfg and records its end tick as the
// starting point of the next Start. The applier does not start.
func (a *Applier) Sync(ctx context.Context, cfg replication.ApplierConfig) (SyncResult, error) {
	cfg.Database = a.database

	a.opMu.Lock()
	if a.phase().Active() {
		a.opMu.Unlock()
		return SyncResult{}, replication.ErrAlreadyRunning
	}
	client, err := NewLeaderClient(cfg, a.logger)
	if err != nil {
		a.opMu.Unlock()
		return SyncResult{}, err
	}
	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	a.mu.Lock()
	a.cancel, a.done = cancel, done
	a.state.LastError = nil
	a.state.StartTime = time.Now().UTC()
	a.state.Counters = replication.Counters{}
	a.mu.Unlock()
	a.setPhase(replication.PhaseInitialSync)
	a.opMu.Unlock()

	transfer := NewSnapshotTransfer(client, a.store, a.target, cfg, a.logger)
	transfer.OnProgress(a.setProgress)
	res, err := transfer.Run(syncCtx)

	a.mu.Lock()
	a.state.Counters.TotalRequests = client.Requests()
	a.state.Counters.TotalDocuments = res.Documents
	switch {
	case err == nil:
		a.state.LastAppliedTick = res.LastLogTick
		a.state.HasStartingTick = true
		a.state.BarrierID = res.BarrierID
	case !errors.Is(err, context.Canceled):
		a.state.LastError = replication.NewLastError(err, time.Now().UTC())
	}
	a.state.Phase = replication.PhaseStopped
	a.mu.Unlock()
	PhaseGauge.Record(ctx, replication.PhaseStopped.Ordinal(), targetAttr(a.target))

	serr := a.saveState(ctx)
	close(done)
	if err != nil {
		a.logger.Error("initial sync failed", "error", err)
		return SyncResult{}, err
	}
	if serr != nil {
		return SyncResult{}, serr
	}
	return res, nil
}

func newRetryPolicy(ctx context.Context, cfg replication.ApplierConfig) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialRetryWait
	b.MaxInterval = cfg.MaxRetryWait
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxReconnects)), ctx)
}

// run is the pipeline goroutine. It tails and applies until cancelled or a
// fatal error, reconnecting with bounded backoff on transport errors.
func (a *Applier) run(ctx context.Context, cfg replication.ApplierConfig, client *LeaderClient, from replication.Tick, barrierID string, done chan struct{}) {
	defer close(done)

	engine := NewApplyEngine(a.store, a.target, cfg, from, a.logger)
	tailer := NewLogTailer(client, a.target, cfg.ChunkSize, a.logger)
	policy := newRetryPolicy(ctx, cfg)

	// a barrier handed over from the initial sync is renewed until the
	// first entry after it has been applied
	releaseBarrier := func() {}
	if barrierID != "" {
		keeper := NewBarrierKeeper(client, barrierID, cfg.BarrierTTL, a.logger)
		keeper.MarkTailing()
		keeperCtx, stopKeeper := context.WithCancel(ctx)
		go keeper.Run(keeperCtx)
		var once sync.Once
		releaseBarrier = func() {
			once.Do(func() {
				stopKeeper()
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), barrierReleaseTimeout)
				defer cancel()
				if err := keeper.Release(rctx); err != nil {
					a.logger.Warn("failed to release barrier", "barrier_id", barrierID, "error", err)
					return
				}
				a.mu.Lock()
				a.state.BarrierID = ""
				a.mu.Unlock()
			})
		}
		defer stopKeeper()
	}

	onApplied := func(entry *replication.LogEntry, outcome Outcome) {
		policy.Reset()
		a.recordOutcome(ctx, client, entry, outcome)
		releaseBarrier()
	}

	var fatal error
	for {
		err := a.runOnce(ctx, tailer, engine, cfg.ChunkSize, onApplied)
		if ctx.Err() != nil {
			break
		}
		if replication.IsFatal(err) {
			fatal = err
			break
		}

		a.mu.Lock()
		a.state.Counters.FailedConnects++
		a.state.LastError = replication.NewLastError(err, time.Now().UTC())
		a.mu.Unlock()

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() != nil {
				break
			}
			fatal = fmt.Errorf("%w: giving up after %d attempts: %w", replication.ErrReconnectsExhausted, cfg.MaxReconnects, err)
			break
		}
		Reconnects.Add(ctx, 1, targetAttr(a.target))
		a.logger.Warn("tail interrupted, reconnecting", "error", err, "wait", wait, "last_applied_tick", engine.LastApplied())
		a.setProgress(fmt.Sprintf("reconnecting after tick %d: %v", engine.LastApplied(), err))
		if !sleepCtx(ctx, wait) {
			break
		}
	}

	a.mu.Lock()
	a.state.LastAppliedTick = engine.LastApplied()
	a.state.Phase = replication.PhaseStopped
	a.state.Counters.TotalRequests = client.Requests()
	if fatal != nil {
		a.state.LastError = replication.NewLastError(fatal, time.Now().UTC())
		a.state.Progress = replication.Progress{Message: "applier stopped on error", Time: time.Now().UTC()}
	} else {
		a.state.Progress = replication.Progress{Message: "applier stopped", Time: time.Now().UTC()}
	}
	a.mu.Unlock()
	PhaseGauge.Record(context.Background(), replication.PhaseStopped.Ordinal(), targetAttr(a.target))

	if fatal != nil {
		a.logger.Error("applier stopped on fatal error", "error", fatal, "kind", replication.ErrorKind(fatal), "last_applied_tick", engine.LastApplied())
	}
	if err := a.saveState(ctx); err != nil {
		a.logger.Error("failed to persist state", "error", err)
	}
}

// runOnce runs one tail connection. Entries are received ahead into a
// bounded buffer and applied strictly in order.
func (a *Applier) runOnce(ctx context.Context, tailer *LogTailer, engine *ApplyEngine, bufferSize int, onApplied func(*replication.LogEntry, Outcome)) error {
	entries := make(chan replication.LogEntry, bufferSize)
	from := engine.LastApplied()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tailer.Stream(gctx, from, entries)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case entry := <-entries:
				if gctx.Err() != nil {
					return gctx.Err()
				}
				TailBufferGauge.Record(gctx, int64(len(entries)), targetAttr(a.target))
				outcome, err := engine.Apply(gctx, &entry)
				if err != nil {
					return err
				}
				onApplied(&entry, outcome)
			}
		}
	})
	return g.Wait()
}

func (a *Applier) recordOutcome(ctx context.Context, client *LeaderClient, entry *replication.LogEntry, outcome Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Counters.TotalRequests = client.Requests()
	switch outcome {
	case OutcomeApplied:
		a.state.Counters.TotalEvents++
		AppliedEntries.Add(ctx, 1, targetAttr(a.target))
	case OutcomeSkipped:
		a.state.Counters.TotalEvents++
		a.state.Counters.SkippedOperations++
		SkippedEntries.Add(ctx, 1, targetAttr(a.target))
	case OutcomeReplayed:
		return
	}
	a.state.LastAppliedTick = entry.Tick
	LastAppliedTickGauge.Record(ctx, int64(entry.Tick), targetAttr(a.target))
}

// sleepCtx sleeps for the given duration or until the context is cancelled.
// Returns true if the sleep completed, false if the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
