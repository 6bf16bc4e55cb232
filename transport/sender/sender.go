package sender

import (
	"context"
	"fmt"
	"sync"

	"github.com/risa-org/hubfeed/session"
	"github.com/risa-org/hubfeed/transport/envelope"
)

// Writer is the one thing Sender needs from a channel: put a text frame
// on the wire.
type Writer interface {
	WriteText(ctx context.Context, data []byte) error
}

// Sender is the single place where outbound hub invocations get their
// id, are encoded and are written. Id assignment and the write happen
// under one lock, so ids reach the server in increasing order even when
// the scheduler and the open handshake send at the same time.
type Sender struct {
	hub string
	seq *session.Sequencer
	w   Writer

	mu   sync.Mutex
	sent uint64 // invocations that made it onto the wire
}

// New creates a Sender that addresses hub, takes ids from seq and
// writes through w.
func New(hub string, seq *session.Sequencer, w Writer) *Sender {
	return &Sender{hub: hub, seq: seq, w: w}
}

// Invoke calls method on the hub and returns the id it was sent with.
// A failed write still consumes its id; ids are never reused.
func (s *Sender) Invoke(ctx context.Context, method string, args ...any) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.seq.Next()
	data, err := envelope.Invocation{
		Hub:    s.hub,
		Method: method,
		Args:   args,
		ID:     id,
	}.Encode()
	if err != nil {
		return 0, fmt.Errorf("encode %s invocation: %w", method, err)
	}

	if err := s.w.WriteText(ctx, data); err != nil {
		return 0, err
	}
	s.sent++
	return id, nil
}

// Keepalive writes the keepalive frame. It does not consume an id.
func (s *Sender) Keepalive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.WriteText(ctx, envelope.Keepalive)
}

// Sent returns how many invocations were written successfully.
func (s *Sender) Sent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Sequencer returns the underlying id source.
func (s *Sender) Sequencer() *session.Sequencer {
	return s.seq
}
