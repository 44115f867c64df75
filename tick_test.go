package replication

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_Advance(t *testing.T) {
	assert := assert.New(t)

	c := NewCursor(10)

	next, err := c.Advance(11)
	assert.NoError(err)
	assert.Equal(Tick(11), next.Tick())
	assert.Equal(Tick(10), c.Tick(), "original cursor must not change")

	same, err := next.Advance(11)
	assert.NoError(err, "equal tick is an idempotent replay")
	assert.Equal(Tick(11), same.Tick())

	back, err := next.Advance(5)
	assert.ErrorIs(err, ErrOutOfOrderTick)
	assert.Equal(Tick(11), back.Tick())
}

func TestCursor_Compare(t *testing.T) {
	c := NewCursor(100)
	assert.Equal(t, 1, c.Compare(99))
	assert.Equal(t, 0, c.Compare(100))
	assert.Equal(t, -1, c.Compare(101))
}

func TestCursor_GapFrom(t *testing.T) {
	assert := assert.New(t)

	c := NewCursor(100)
	assert.False(c.GapFrom(0))
	assert.False(c.GapFrom(100))
	assert.False(c.GapFrom(101), "next tick is still available")
	assert.True(c.GapFrom(102))
	assert.True(c.GapFrom(150))

	assert.False(NewCursor(0).GapFrom(1))
}

func TestCursor_CheckGap(t *testing.T) {
	err := NewCursor(100).CheckGap(150)
	assert.ErrorIs(t, err, ErrDataGone)
	assert.Contains(t, err.Error(), "150")
	assert.NoError(t, NewCursor(100).CheckGap(101))
}

func TestTick_JSON(t *testing.T) {
	b, err := json.Marshal(Tick(18446744073709551615))
	require.NoError(t, err)
	assert.Equal(t, `"18446744073709551615"`, string(b))

	var fromString Tick
	require.NoError(t, json.Unmarshal([]byte(`"42"`), &fromString))
	assert.Equal(t, Tick(42), fromString)

	var fromNumber Tick
	require.NoError(t, json.Unmarshal([]byte(`42`), &fromNumber))
	assert.Equal(t, Tick(42), fromNumber)

	var bad Tick
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`true`), &bad))
}

func TestParseTick(t *testing.T) {
	tick, err := ParseTick("123")
	require.NoError(t, err)
	assert.Equal(t, Tick(123), tick)

	_, err = ParseTick("-1")
	assert.Error(t, err)
}

func TestTick_UpperBound(t *testing.T) {
	tick, err := ParseTick("9223372036854775807")
	require.NoError(t, err)
	assert.Equal(t, MaxTick, tick)
	assert.True(t, NewCursor(MaxTick-2).GapFrom(MaxTick))
	assert.False(t, NewCursor(MaxTick-1).GapFrom(MaxTick))

	_, err = ParseTick("9223372036854775808")
	assert.Error(t, err)

	var v Tick
	assert.Error(t, json.Unmarshal([]byte(`"18446744073709551615"`), &v))
	assert.Error(t, json.Unmarshal([]byte(`9223372036854775808`), &v))
	require.NoError(t, json.Unmarshal([]byte(`9223372036854775807`), &v))
	assert.Equal(t, MaxTick, v)
}
