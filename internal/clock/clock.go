// Package clock abstracts time so escalation timers and sweeps can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package the service depends on.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously during
	// Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker panics if d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable pending callback.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the callback from running. It returns false if the timer
// already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Ticker delivers ticks on C until stopped. C has capacity 1; ticks are
// dropped while the consumer is behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker without closing C.
func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}
