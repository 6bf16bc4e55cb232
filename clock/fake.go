package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time moves only through Advance.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline order,
// with Now() reporting the callback's own deadline while it runs. A
// callback may arm new timers; ones that fall inside the same Advance
// window fire in the same call. Do not call Advance from a callback.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

// waiter is either an AfterFunc callback or a ticker channel. Tickers
// carry a non-zero interval and are re-armed after each tick.
type waiter struct {
	deadline time.Time
	callback func()
	ch       chan time.Time
	interval time.Duration
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock has advanced by d.
// A non-positive d still waits for the next Advance, even Advance(0),
// so callers never re-enter themselves.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d < 0 {
		d = 0
	}
	w := &waiter{deadline: c.now.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.remove(w)
	}}
}

// NewTicker returns a ticker whose channel holds at most one pending tick.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: c.now.Add(d), ch: ch, interval: d}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()

	return &Ticker{C: ch, stopFunc: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.remove(w)
	}}
}

// Advance moves the clock forward by d, firing everything due on the way.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		w := c.nextDue(target)
		if w == nil {
			c.now = target
			c.changed.Broadcast()
			c.mu.Unlock()
			return
		}
		if w.deadline.After(c.now) {
			c.now = w.deadline
		}
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
		} else {
			c.remove(w)
		}
		c.changed.Broadcast()
		c.mu.Unlock()

		if w.callback != nil {
			w.callback()
			continue
		}
		select {
		case w.ch <- c.Now():
		default:
		}
	}
}

// PendingCount reports how many timers and tickers are armed.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// WaitForTimers blocks until at least n timers or tickers are armed.
// Use it to synchronize with a goroutine that arms its timer
// asynchronously before calling Advance.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

// nextDue returns the earliest waiter with a deadline at or before target.
// Must be called with c.mu held.
func (c *FakeClock) nextDue(target time.Time) *waiter {
	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
		return nil
	}
	return c.waiters[0]
}

// remove drops w from the pending list and reports whether it was there.
// Must be called with c.mu held.
func (c *FakeClock) remove(w *waiter) bool {
	for i, candidate := range c.waiters {
		if candidate == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			c.changed.Broadcast()
			return true
		}
	}
	return false
}
