package replication

import (
	"context"
	"errors"
)

var (
	// May be returned by LoadConfig and LoadState when nothing is persisted
	// for a target.
	ErrNotFound = errors.New("not found")
)

// PersistedState is the part of ApplierState that must survive a restart.
type PersistedState struct {
	Phase           Phase
	LastAppliedTick Tick
	HasStartingTick bool
	BarrierID       string
	LastError       *LastError
}

type Storage interface {
	// ApplyEntry atomically executes entry against the local data and records
	// entry.Tick as the last applied tick of target. Both happen, or neither.
	//
	// If execute is false only the tick is recorded; this is how filtered
	// and unknown entries still advance progress.
	//
	// Entries at or below the recorded tick are not executed again and
	// ApplyEntry returns applied == false.
	ApplyEntry(ctx context.Context, target string, entry *LogEntry, execute bool) (applied bool, err error)

	// TruncateCollection empties (and creates, if needed) a collection ahead
	// of a snapshot load.
	TruncateCollection(ctx context.Context, database, collection string) error

	// InsertDocuments upserts a batch of documents in a single transaction.
	InsertDocuments(ctx context.Context, database, collection string, docs []Document) error

	// DropDatabase removes every collection and document of a database.
	DropDatabase(ctx context.Context, database string) error

	ListDatabases(ctx context.Context) ([]string, error)
	ListCollections(ctx context.Context, database string) ([]string, error)
	ListDocuments(ctx context.Context, database, collection string) ([]Document, error)

	LoadConfig(ctx context.Context, target string) (ApplierConfig, error)
	SaveConfig(ctx context.Context, target string, cfg ApplierConfig) error
	LoadState(ctx context.Context, target string) (PersistedState, error)
	SaveState(ctx context.Context, target string, st PersistedState) error

	// ListTargets returns every target with a persisted configuration.
	ListTargets(ctx context.Context) ([]string, error)

	// Forget drops the persisted configuration and state of target. Data is
	// kept.
	Forget(ctx context.Context, target string) error
}
