package replication

import (
	"encoding/json"
	"fmt"
	"strings"
)

type OpKind string

const (
	OpInsert           OpKind = "insert"
	OpRemove           OpKind = "remove"
	OpCreateCollection OpKind = "create-collection"
	OpDropCollection   OpKind = "drop-collection"
	OpTruncate         OpKind = "truncate"
	OpBegin            OpKind = "begin"
	OpCommit           OpKind = "commit"
	OpAbort            OpKind = "abort"
)

// Known reports whether the kind is one the apply engine can execute.
func (k OpKind) Known() bool {
	switch k {
	case OpInsert, OpRemove, OpCreateCollection, OpDropCollection, OpTruncate, OpBegin, OpCommit, OpAbort:
		return true
	}
	return false
}

// IsMarker is true for transaction markers, which carry no data mutation.
func (k OpKind) IsMarker() bool {
	return k == OpBegin || k == OpCommit || k == OpAbort
}

// LogEntry is a single operation from the leader's log. Entries are produced
// by the leader and never mutated afterwards.
type LogEntry struct {
	Tick       Tick            `json:"tick"`
	Database   string          `json:"database"`
	Collection string          `json:"collection,omitempty"`
	Kind       OpKind          `json:"type"`
	Key        string          `json:"key,omitempty"`
	Payload    json.RawMessage `json:"data,omitempty"`
}

// Validate checks self-consistency of an entry in isolation.
func (e *LogEntry) Validate() error {
	if e.Tick == 0 {
		return fmt.Errorf("log entry has zero tick")
	}
	if e.Kind == "" {
		return fmt.Errorf("log entry %d has no type", e.Tick)
	}
	if !e.Kind.Known() || e.Kind.IsMarker() {
		return nil
	}
	if e.Collection == "" {
		return fmt.Errorf("log entry %d (%s) has no collection", e.Tick, e.Kind)
	}
	if (e.Kind == OpInsert || e.Kind == OpRemove) && e.Key == "" {
		return fmt.Errorf("log entry %d (%s) has no document key", e.Tick, e.Kind)
	}
	return nil
}

// Document is a single stored document, as produced by a snapshot dump.
type Document struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

// IsSystemCollection reports whether name denotes a system collection.
// System collections are prefixed with an underscore.
func IsSystemCollection(name string) bool {
	return strings.HasPrefix(name, "_")
}
