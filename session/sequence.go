package session

import "sync/atomic"

// Sequencer hands out the message ids stamped on outbound hub
// invocations. One Sequencer belongs to one transport instance, so ids
// restart at 1 on every new connection and never repeat within one.
type Sequencer struct {
	last atomic.Uint64
}

// NewSequencer returns a sequencer whose first id is 1.
// 0 is reserved to mean "nothing sent yet".
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Next returns the next id. Safe for concurrent use: the scheduler and
// the open handshake may both send.
func (sq *Sequencer) Next() uint64 {
	return sq.last.Add(1)
}

// Last returns the most recently issued id, or 0 if none.
func (sq *Sequencer) Last() uint64 {
	return sq.last.Load()
}
