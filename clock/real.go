package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Real returns a Clock backed by the system clock.
func Real() Clock {
	return realClock{c: clockwork.NewRealClock()}
}

type realClock struct {
	c clockwork.Clock
}

func (r realClock) Now() time.Time { return r.c.Now() }

func (r realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := r.c.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}

func (r realClock) NewTicker(d time.Duration) *Ticker {
	t := r.c.NewTicker(d)
	return &Ticker{C: t.Chan(), stopFunc: t.Stop}
}
