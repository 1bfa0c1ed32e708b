// Package clock provides a small seam between the control loops in ringlb
// and the passage of time, so that tests can drive those loops without
// sleeping in real time.
package clock

import "time"

// Clock abstracts the pieces of the time package that the control loops
// need. It is satisfied both by realClock (below) and, in tests, by an
// adapter over github.com/jonboulle/clockwork's FakeClock.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTicker(d time.Duration) Ticker
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Ticker covers the behavior of a *time.Ticker that loops care about.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration  { return time.Since(t) }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Sleep(d time.Duration)            { time.Sleep(d) }

func (realClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ *time.Ticker }

func (r realTicker) Chan() <-chan time.Time { return r.C }
