package replication

import (
	"errors"
	"fmt"
)

var (
	// Bad or missing configuration, or misuse of the applier lifecycle.
	ErrConfiguration = errors.New("configuration error")

	ErrAlreadyRunning  = fmt.Errorf("%w: applier is already running", ErrConfiguration)
	ErrStillRunning    = fmt.Errorf("%w: applier is still running", ErrConfiguration)
	ErrNoStartingPoint = fmt.Errorf("%w: no starting tick, run an initial sync first", ErrConfiguration)
	ErrNotConfigured   = fmt.Errorf("%w: applier is not configured", ErrConfiguration)
	ErrInvalidConfig   = fmt.Errorf("%w: invalid configuration", ErrConfiguration)

	// Network or leader-side failure. Retried with backoff while tailing.
	ErrTransport = errors.New("transport error")

	ErrConnectionLost    = fmt.Errorf("%w: connection lost", ErrTransport)
	ErrRemoteUnavailable = fmt.Errorf("%w: remote endpoint unavailable", ErrTransport)

	// The leader no longer retains the entries following our cursor.
	ErrDataGone = errors.New("required log data is gone")

	// Local storage rejected an operation.
	ErrApply = errors.New("apply failed")

	// The leader released a barrier we still depended on.
	ErrBarrierExpired = errors.New("barrier expired")

	// May wrap a transport error; returned by an initial sync that made
	// partial progress.
	ErrSnapshotTransfer = errors.New("snapshot transfer failed")

	ErrOutOfOrderTick = errors.New("out of order tick")

	// Tailing kept failing with transport errors until the reconnect budget
	// ran out. Wraps the last transport error but is fatal.
	ErrReconnectsExhausted = errors.New("reconnect attempts exhausted")
)

// IsFatal reports whether err must stop an applier run. Transport errors are
// the only recoverable class; anything unclassified is treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDataGone) || errors.Is(err, ErrApply) ||
		errors.Is(err, ErrBarrierExpired) || errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrOutOfOrderTick) || errors.Is(err, ErrReconnectsExhausted) {
		return true
	}
	return !errors.Is(err, ErrTransport)
}

// ErrorKind returns a short stable name for the taxonomy class of err, used
// in persisted state and API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyRunning):
		return "AlreadyRunning"
	case errors.Is(err, ErrStillRunning):
		return "StillRunning"
	case errors.Is(err, ErrNoStartingPoint):
		return "NoStartingPoint"
	case errors.Is(err, ErrConfiguration):
		return "ConfigurationError"
	case errors.Is(err, ErrDataGone):
		return "DataGoneError"
	case errors.Is(err, ErrApply):
		return "ApplyError"
	case errors.Is(err, ErrBarrierExpired):
		return "BarrierExpired"
	case errors.Is(err, ErrOutOfOrderTick):
		return "OutOfOrderTick"
	case errors.Is(err, ErrReconnectsExhausted):
		return "ReconnectsExhausted"
	case errors.Is(err, ErrSnapshotTransfer):
		return "SnapshotTransferError"
	case errors.Is(err, ErrRemoteUnavailable):
		return "RemoteUnavailable"
	case errors.Is(err, ErrConnectionLost):
		return "ConnectionLost"
	case errors.Is(err, ErrTransport):
		return "TransportError"
	}
	return "InternalError"
}
