package replication

import "time"

type Phase string

const (
	PhaseStopped     Phase = "stopped"
	PhaseStarting    Phase = "starting"
	PhaseInitialSync Phase = "initial-sync"
	PhaseRunning     Phase = "running"
	PhaseStopping    Phase = "stopping"
	PhaseForgotten   Phase = "forgotten"
)

// Active reports whether a pipeline may exist in this phase.
func (p Phase) Active() bool {
	switch p {
	case PhaseStarting, PhaseInitialSync, PhaseRunning, PhaseStopping:
		return true
	}
	return false
}

// Gauge value for metrics.
func (p Phase) Ordinal() int64 {
	switch p {
	case PhaseStarting:
		return 1
	case PhaseInitialSync:
		return 2
	case PhaseRunning:
		return 3
	case PhaseStopping:
		return 4
	case PhaseForgotten:
		return 5
	}
	return 0
}

type LastError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// NewLastError records err with its taxonomy kind. Returns nil for nil.
func NewLastError(err error, now time.Time) *LastError {
	if err == nil {
		return nil
	}
	return &LastError{Kind: ErrorKind(err), Message: err.Error(), Time: now}
}

type Progress struct {
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type Counters struct {
	TotalRequests     int64 `json:"totalRequests"`
	TotalEvents       int64 `json:"totalEvents"`
	TotalDocuments    int64 `json:"totalDocuments"`
	SkippedOperations int64 `json:"skippedOperations"`
	FailedConnects    int64 `json:"failedConnects"`
}

// ApplierState is a point-in-time copy of an applier's lifecycle state.
type ApplierState struct {
	Target          string     `json:"target"`
	Phase           Phase      `json:"phase"`
	LastAppliedTick Tick       `json:"lastAppliedTick"`
	HasStartingTick bool       `json:"hasStartingTick"`
	BarrierID       string     `json:"barrierId,omitempty"`
	LastError       *LastError `json:"lastError,omitempty"`
	StartTime       time.Time  `json:"startTime,omitzero"`
	Progress        Progress   `json:"progress"`
	Counters        Counters   `json:"counters"`
}

// Running is true only while the pipeline is tailing.
func (s ApplierState) Running() bool {
	return s.Phase == PhaseRunning
}
