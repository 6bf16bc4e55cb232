package session

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// ConnectionState is where the supervisor currently is in its lifecycle.
// There is exactly one current state per supervisor, and every status
// message a consumer sees is produced by a move between two of these.
type ConnectionState int

const (
	StateIdle         ConnectionState = iota // 0 - not started yet, or stopped
	StateNegotiating                         // 1 - negotiate request in flight
	StateConnecting                          // 2 - token in hand, hub channel opening
	StateConnected                           // 3 - a transport is live (hub or poll)
	StateReconnecting                        // 4 - hub dropped unexpectedly, waiting out the delay
	StateFailed                              // 5 - hub attempt failed, falling back to polling
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is what a successful negotiation hands to the hub transport.
// It belongs to exactly one transport instance and is thrown away when
// that transport disconnects. A reconnect always negotiates a fresh one.
type Session struct {
	ID              string    // server-assigned connection id
	Token           string    // connection token, sent on the connect URL
	ProtocolVersion string    // protocol version the server speaks
	URL             string    // server-advertised base path, diagnostics only
	IssuedAt        time.Time // when the negotiate response arrived

	// Server-advertised timings. Zero when the server did not send them.
	KeepAliveTimeout        time.Duration
	DisconnectTimeout       time.Duration
	TransportConnectTimeout time.Duration
}

// Valid reports whether the session carries a usable token.
func (s Session) Valid() bool {
	return s.Token != ""
}

// Lifecycle holds the current ConnectionState and only lets it move
// along legal edges.
type Lifecycle struct {
	State      ConnectionState
	ChangedAt  time.Time // time of the last successful Transition
	Reconnects int       // how many times StateReconnecting was entered
}

// Transition moves to next if the move is legal and reports whether it
// happened. The caller supplies the time so tests can use a fake clock.
func (l *Lifecycle) Transition(next ConnectionState, at time.Time) bool {
	if !CanTransition(l.State, next) {
		return false
	}
	l.State = next
	l.ChangedAt = at
	if next == StateReconnecting {
		l.Reconnects++
	}
	return true
}

// allowed lists the legal moves out of each state. StateConnected may
// re-enter itself because switching between hub and poll keeps the
// supervisor connected while the transport underneath changes.
var allowed = map[ConnectionState][]ConnectionState{
	StateIdle:         {StateNegotiating, StateConnected},
	StateNegotiating:  {StateNegotiating, StateConnecting, StateConnected, StateReconnecting, StateFailed, StateIdle},
	StateConnecting:   {StateNegotiating, StateConnected, StateReconnecting, StateFailed, StateIdle},
	StateConnected:    {StateNegotiating, StateConnected, StateReconnecting, StateFailed, StateIdle},
	StateReconnecting: {StateNegotiating, StateConnected, StateIdle},
	StateFailed:       {StateNegotiating, StateConnected, StateIdle},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to ConnectionState) bool {
	for _, valid := range allowed[from] {
		if to == valid {
			return true
		}
	}
	return false
}

// NewID returns a cryptographically random 32-character hex id.
func NewID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
