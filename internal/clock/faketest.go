package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Fake is a Clock that can be manually advanced, for driving ringlb's
// control loops deterministically in tests. It adapts clockwork.FakeClock
// to the Clock interface above; FakeClock can't satisfy Clock directly
// because its NewTicker returns clockwork.Ticker rather than our Ticker,
// and Go requires method signatures, return types included, to match
// exactly.
type Fake interface {
	Clock
	Advance(d time.Duration)
	BlockUntil(waiters int)
}

// NewFake returns a Fake clock starting at an arbitrary fixed instant.
func NewFake() Fake {
	return fakeClock{clockwork.NewFakeClock()}
}

type fakeClock struct {
	clockwork.FakeClock
}

func (f fakeClock) NewTicker(d time.Duration) Ticker {
	return fakeTicker{f.FakeClock.NewTicker(d)}
}

func (f fakeClock) BlockUntil(waiters int) {
	f.FakeClock.BlockUntil(waiters)
}

type fakeTicker struct {
	clockwork.Ticker
}

func (t fakeTicker) Chan() <-chan time.Time { return t.Ticker.Chan() }
