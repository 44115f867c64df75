package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goedderz/go-replication"
)

// Outcome is what ApplyEngine.Apply did with an entry.
type Outcome int

const (
	// OutcomeApplied: the entry was executed and its tick recorded.
	OutcomeApplied Outcome = iota
	// OutcomeSkipped: the entry was filtered out, a transaction marker or
	// of unknown kind. Its tick was still recorded.
	OutcomeSkipped
	// OutcomeReplayed: the tick was already applied; nothing happened.
	OutcomeReplayed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeReplayed:
		return "replayed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// ApplyEngine applies log entries to local storage one tick at a time.
// Every entry is applied in its own storage transaction which also records
// the entry's tick, so progress is never ahead of or behind the data.
type ApplyEngine struct {
	store  replication.Storage
	target string
	cfg    replication.ApplierConfig
	cursor replication.Cursor
	logger *slog.Logger
}

// NewApplyEngine creates an engine whose cursor sits at lastApplied.
func NewApplyEngine(store replication.Storage, target string, cfg replication.ApplierConfig, lastApplied replication.Tick, logger *slog.Logger) *ApplyEngine {
	return &ApplyEngine{
		store:  store,
		target: target,
		cfg:    cfg,
		cursor: replication.NewCursor(lastApplied),
		logger: logger.With("component", "apply", "target", target),
	}
}

func (e *ApplyEngine) LastApplied() replication.Tick {
	return e.cursor.Tick()
}

// shouldExecute decides whether entry mutates local data. A non-nil error
// rejects the entry outright.
func (e *ApplyEngine) shouldExecute(entry *replication.LogEntry) (bool, error) {
	if e.cfg.Database != "" && entry.Database != e.cfg.Database {
		return false, nil
	}
	if !entry.Kind.Known() {
		if e.cfg.Strict {
			return false, fmt.Errorf("%w: tick %d: unsupported operation %q", replication.ErrApply, entry.Tick, entry.Kind)
		}
		e.logger.Warn("skipping unsupported operation", "tick", entry.Tick, "type", entry.Kind)
		return false, nil
	}
	if entry.Kind.IsMarker() {
		return false, nil
	}
	if !e.cfg.ShouldReplicate(entry.Collection) {
		return false, nil
	}
	if err := entry.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", replication.ErrApply, err)
	}
	return true, nil
}

// Apply executes a single entry. Entries at or below the last applied tick
// are replays and leave no trace. Cancelling ctx does not interrupt a
// transaction that has already begun.
func (e *ApplyEngine) Apply(ctx context.Context, entry *replication.LogEntry) (Outcome, error) {
	if e.cursor.Compare(entry.Tick) >= 0 {
		return OutcomeReplayed, nil
	}
	next, err := e.cursor.Advance(entry.Tick)
	if err != nil {
		return OutcomeReplayed, err
	}

	execute, err := e.shouldExecute(entry)
	if err != nil {
		return OutcomeSkipped, err
	}

	applied, err := e.store.ApplyEntry(context.WithoutCancel(ctx), e.target, entry, execute)
	if err != nil {
		if !errors.Is(err, replication.ErrApply) {
			err = fmt.Errorf("%w: tick %d: %w", replication.ErrApply, entry.Tick, err)
		}
		return OutcomeSkipped, err
	}
	e.cursor = next
	if !applied {
		return OutcomeReplayed, nil
	}

	level := slog.LevelDebug
	if e.cfg.Verbose {
		level = slog.LevelInfo
	}
	if !execute {
		e.logger.Log(ctx, level, "skipped entry", "tick", entry.Tick, "type", entry.Kind, "database", entry.Database, "collection", entry.Collection)
		return OutcomeSkipped, nil
	}
	e.logger.Log(ctx, level, "applied entry", "tick", entry.Tick, "type", entry.Kind, "database", entry.Database, "collection", entry.Collection, "key", entry.Key)
	return OutcomeApplied, nil
}
