// Package clock is the time source for every scheduled task in hubfeed:
// keepalives, request cadence, poll ticks, reconnect delays and connect
// timeouts. Each scheduled task hands back a handle that is cancelled when
// its owner is torn down, so nothing keeps firing after a transport is gone.
//
// Production code uses Real(). Tests use Fake(), which only moves when
// told to and fires callbacks in deadline order.
package clock

import "time"

// Clock is the subset of the time package that hubfeed schedules against.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine (Real) or synchronously
	// during Advance (Fake) once d has elapsed. The returned Timer
	// cancels the call.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers the time on the returned Ticker's C channel
	// every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a handle on a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the call from happening. It returns false if the call
// already happened or the timer was already stopped. Safe on a nil Timer.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Ticker delivers periodic ticks on C.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. No further ticks are delivered. It does not
// close C. Safe on a nil Ticker.
func (t *Ticker) Stop() {
	if t == nil || t.stopFunc == nil {
		return
	}
	t.stopFunc()
}
