package replication

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFatal(t *testing.T) {
	assert := assert.New(t)

	assert.False(IsFatal(nil))
	assert.False(IsFatal(ErrConnectionLost))
	assert.False(IsFatal(fmt.Errorf("reading stream: %w", ErrTransport)))

	assert.True(IsFatal(fmt.Errorf("tail: %w", ErrDataGone)))
	assert.True(IsFatal(fmt.Errorf("%w: disk full", ErrApply)))
	assert.True(IsFatal(ErrBarrierExpired))
	assert.True(IsFatal(ErrAlreadyRunning))
	assert.True(IsFatal(errors.New("something unexpected")))
	assert.True(IsFatal(fmt.Errorf("%w: %w", ErrReconnectsExhausted, ErrConnectionLost)))
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{ErrAlreadyRunning, "AlreadyRunning"},
		{ErrStillRunning, "StillRunning"},
		{ErrNoStartingPoint, "NoStartingPoint"},
		{ErrNotConfigured, "ConfigurationError"},
		{fmt.Errorf("x: %w", ErrDataGone), "DataGoneError"},
		{fmt.Errorf("%w: %w", ErrSnapshotTransfer, ErrTransport), "SnapshotTransferError"},
		{fmt.Errorf("dial: %w", ErrRemoteUnavailable), "RemoteUnavailable"},
		{ErrConnectionLost, "ConnectionLost"},
		{fmt.Errorf("%w: giving up: %w", ErrReconnectsExhausted, ErrRemoteUnavailable), "ReconnectsExhausted"},
		{errors.New("boom"), "InternalError"},
	}
	for _, c := range cases {
		assert.Equal(t, c.kind, ErrorKind(c.err), c.err.Error())
	}
	assert.Equal(t, "", ErrorKind(nil))
}

func TestConfigurationErrorsShareClass(t *testing.T) {
	for _, err := range []error{ErrAlreadyRunning, ErrStillRunning, ErrNoStartingPoint, ErrNotConfigured, ErrInvalidConfig} {
		assert.ErrorIs(t, err, ErrConfiguration)
	}
	assert.ErrorIs(t, ErrConnectionLost, ErrTransport)
	assert.ErrorIs(t, ErrRemoteUnavailable, ErrTransport)
}
