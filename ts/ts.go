package ts

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock wraps Clock so that the Now method is a little more convenient.
type Clock struct {
	realClock clockwork.Clock
}

func NewRealClock() *Clock {
	return &Clock{
		realClock: clockwork.NewRealClock(),
	}
}

// NewClock wraps an arbitrary clockwork clock, usually a fake one in tests.
func NewClock(c clockwork.Clock) *Clock {
	return &Clock{realClock: c}
}

// Now provides a UTC timestamp truncated to the millisecond, which is what
// survives a round trip through the store.
func (c *Clock) Now() time.Time {
	return c.realClock.Now().UTC().Truncate(time.Millisecond)
}

func (c *Clock) RealClock() clockwork.Clock {
	return c.realClock
}
