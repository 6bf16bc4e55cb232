// Package scheduler keeps a steady cadence of "send me the next
// snapshot" requests on the hub channel.
//
// The cadence corrects itself: the delay to the next request is
// measured from the last one actually sent, not from when the timer was
// armed, so a late tick or a cadence change does not drift the rate.
// Requests are fire-and-forget. The scheduler re-arms before the request
// goes out and never waits for the matching response.
package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/risa-org/hubfeed/clock"
)

const (
	// MinInterval bounds server load no matter what is configured.
	MinInterval = 100 * time.Millisecond

	// DefaultInterval is the cadence used when none is configured.
	DefaultInterval = 200 * time.Millisecond
)

// Clamp raises d to MinInterval if it is below it.
func Clamp(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	return d
}

// Options configures a Scheduler.
type Options struct {
	Clock    clock.Clock
	Interval time.Duration // clamped to MinInterval
	IsOpen   func() bool   // checked on every tick; a closed transport ends the cadence
	Fire     func()        // sends one request
	Logger   zerolog.Logger
}

// Scheduler drives Fire at a fixed cadence while IsOpen holds.
type Scheduler struct {
	clock  clock.Clock
	isOpen func() bool
	fire   func()
	log    zerolog.Logger

	mu         sync.Mutex
	interval   time.Duration
	lastSentAt time.Time
	timer      *clock.Timer
	running    bool
	generation uint64 // bumped on Start/Stop so stale ticks are ignored
	fired      uint64
}

// New creates a stopped scheduler.
func New(opts Options) *Scheduler {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	interval := opts.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		clock:    c,
		isOpen:   opts.IsOpen,
		fire:     opts.Fire,
		log:      opts.Logger.With().Str("component", "scheduler").Logger(),
		interval: Clamp(interval),
	}
}

// Start treats now as the time of the last request (the one the
// transport sends when it opens) and arms the first tick one interval
// later. Starting a running scheduler restarts it.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.running = true
	s.lastSentAt = s.clock.Now()
	s.armLocked()
}

// Stop cancels the pending tick. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// SetInterval changes the cadence. A running scheduler re-arms at once,
// measuring from the last request sent.
func (s *Scheduler) SetInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interval = Clamp(d)
	if !s.running {
		return
	}
	s.timer.Stop()
	s.generation++
	s.armLocked()
}

// Interval returns the effective cadence.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Running reports whether a tick is armed.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Fired returns how many requests the scheduler has triggered.
func (s *Scheduler) Fired() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// NextDelay is max(0, interval - (now - lastSent)).
func NextDelay(interval time.Duration, lastSent, now time.Time) time.Duration {
	delay := interval - now.Sub(lastSent)
	if delay < 0 {
		return 0
	}
	return delay
}

// armLocked must be called with s.mu held.
func (s *Scheduler) armLocked() {
	generation := s.generation
	delay := NextDelay(s.interval, s.lastSentAt, s.clock.Now())
	s.timer = s.clock.AfterFunc(delay, func() { s.tick(generation) })
}

// stopLocked must be called with s.mu held.
func (s *Scheduler) stopLocked() {
	s.timer.Stop()
	s.timer = nil
	s.running = false
	s.generation++
}

func (s *Scheduler) tick(generation uint64) {
	s.mu.Lock()
	if !s.running || generation != s.generation {
		s.mu.Unlock()
		return
	}
	if s.isOpen != nil && !s.isOpen() {
		s.timer = nil
		s.running = false
		s.mu.Unlock()
		s.log.Debug().Msg("transport not open, cadence stopped")
		return
	}

	s.lastSentAt = s.clock.Now()
	s.fired++
	s.armLocked()
	s.mu.Unlock()

	if s.fire != nil {
		s.fire()
	}
}
