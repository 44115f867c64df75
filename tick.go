package replication

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Tick is a position in the leader's operation log. Ticks are totally
// ordered and strictly increasing in log order, but not necessarily dense.
type Tick uint64

// MaxTick is the largest valid tick. Ticks are stored as signed 64-bit
// integers, and a cursor at MaxTick can still name its successor.
const MaxTick = Tick(math.MaxInt64)

func (t Tick) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// ParseTick parses a decimal tick string.
func ParseTick(s string) (Tick, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tick %q: %w", s, err)
	}
	if Tick(v) > MaxTick {
		return 0, fmt.Errorf("invalid tick %q: exceeds %d", s, MaxTick)
	}
	return Tick(v), nil
}

// Ticks travel as decimal strings in JSON, since they routinely exceed 2^53.
func (t Tick) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts both the string form and a bare JSON number.
func (t *Tick) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := ParseTick(s)
		if err != nil {
			return err
		}
		*t = v
		return nil
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil || Tick(n) > MaxTick {
		return fmt.Errorf("invalid tick %s", string(b))
	}
	*t = Tick(n)
	return nil
}

// TickRange is a closed interval of ticks held by the leader's log store.
type TickRange struct {
	TickMin Tick `json:"tickMin"`
	TickMax Tick `json:"tickMax"`
}

// Cursor is an immutable marker of the last tick a consumer has fully
// processed. Advancing returns a new Cursor.
type Cursor struct {
	tick Tick
}

func NewCursor(t Tick) Cursor {
	return Cursor{tick: t}
}

func (c Cursor) Tick() Tick {
	return c.tick
}

// Advance moves the cursor to t. Equal ticks are a no-op so that replayed
// entries can pass through; lower ticks fail with ErrOutOfOrderTick.
func (c Cursor) Advance(t Tick) (Cursor, error) {
	if t < c.tick {
		return c, fmt.Errorf("%w: tick %d is below cursor %d", ErrOutOfOrderTick, t, c.tick)
	}
	return Cursor{tick: t}, nil
}

// Compare returns -1, 0 or 1 as the cursor is before, at, or after t.
func (c Cursor) Compare(t Tick) int {
	switch {
	case c.tick < t:
		return -1
	case c.tick > t:
		return 1
	}
	return 0
}

// GapFrom reports whether the leader can no longer serve every entry after
// the cursor. firstAvailable is the smallest tick the leader can resume a
// tail from without loss.
func (c Cursor) GapFrom(firstAvailable Tick) bool {
	return firstAvailable > c.tick+1
}

// CheckGap returns a DataGone error when GapFrom reports a gap.
func (c Cursor) CheckGap(firstAvailable Tick) error {
	if c.GapFrom(firstAvailable) {
		return fmt.Errorf("%w: need tick %d but leader starts at %d", ErrDataGone, c.tick+1, firstAvailable)
	}
	return nil
}
