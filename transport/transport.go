// Package transport holds the vocabulary shared by the two ways hubfeed
// receives snapshots: the persistent hub channel and HTTP polling. The
// supervisor only ever talks in these types; it never needs to know how
// a particular transport frames its bytes.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrTransportClosed is returned when sending on a transport that is no
// longer open.
var ErrTransportClosed = errors.New("transport closed")

// ErrUnexpectedDisconnect marks a hub channel that closed without the
// supervisor asking it to. It is the trigger for the reconnect cycle.
var ErrUnexpectedDisconnect = errors.New("transport: unexpected disconnect")

// Kind says which transport is currently delivering snapshots.
// The supervisor guarantees at most one is active at a time.
type Kind int

const (
	KindNone  Kind = iota // 0 - nothing active
	KindFrame             // 1 - persistent hub channel
	KindPoll              // 2 - HTTP polling
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFrame:
		return "websocket"
	case KindPoll:
		return "polling"
	default:
		return "unknown"
	}
}

// Snapshot is one telemetry document. The payload is kept exactly as the
// server sent it; nothing in hubfeed looks inside.
type Snapshot struct {
	Data       json.RawMessage // the document, always valid JSON
	Source     Kind            // which transport delivered it
	ReceivedAt time.Time
}

// Decode unmarshals the document into v.
func (s Snapshot) Decode(v any) error {
	return json.Unmarshal(s.Data, v)
}

// DisconnectReason says why a hub channel closed.
type DisconnectReason int

const (
	ReasonUnknown      DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                         // connection failed or peer closed with an error code
	ReasonTimeout                              // no activity within deadline
	ReasonClosedClean                          // intentional shutdown by either side
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed_clean"
	default:
		return "unknown"
	}
}

// DisconnectEvent is emitted exactly once when a hub channel closes.
type DisconnectEvent struct {
	Reason DisconnectReason
	Code   int   // websocket close code, -1 when the connection died without one
	Err    error // nil on clean close
}

// Unexpected reports whether the close should start a reconnect cycle.
func (e DisconnectEvent) Unexpected() bool {
	return e.Reason != ReasonClosedClean
}

// AsError returns nil for a clean close and an error wrapping
// ErrUnexpectedDisconnect otherwise.
func (e DisconnectEvent) AsError() error {
	if !e.Unexpected() {
		return nil
	}
	if e.Err == nil {
		return fmt.Errorf("%w (%s, code %d)", ErrUnexpectedDisconnect, e.Reason, e.Code)
	}
	return fmt.Errorf("%w (%s, code %d): %v", ErrUnexpectedDisconnect, e.Reason, e.Code, e.Err)
}
