package supervisor

import (
	"time"

	"github.com/risa-org/hubfeed/session"
	"github.com/risa-org/hubfeed/transport"
)

// Status is what a consumer shows as the connection indicator.
type Status struct {
	Live      bool                    // snapshots are flowing
	Message   string                  // short human-readable status line
	State     session.ConnectionState // supervisor state after the change
	Transport transport.Kind          // which transport is active
	At        time.Time

	Snapshots      uint64    // snapshots delivered so far
	LastSnapshotAt time.Time // zero until the first snapshot
}

// Observer receives everything the supervisor publishes. Calls come from
// the supervisor's own goroutine, one at a time, and must not block:
// a slow observer stalls the whole feed. Use Latest when only the most
// recent value matters.
type Observer interface {
	OnSnapshot(transport.Snapshot)
	OnStatusChange(Status)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Snapshot func(transport.Snapshot)
	Status   func(Status)
}

func (o ObserverFuncs) OnSnapshot(s transport.Snapshot) {
	if o.Snapshot != nil {
		o.Snapshot(s)
	}
}

func (o ObserverFuncs) OnStatusChange(s Status) {
	if o.Status != nil {
		o.Status(s)
	}
}

// Latest is an Observer backed by two one-slot mailboxes. A new value
// replaces one the consumer has not picked up yet, so a slow renderer
// always sees the freshest snapshot and never holds up the feed.
type Latest struct {
	snapshots chan transport.Snapshot
	statuses  chan Status
}

// NewLatest creates empty mailboxes.
func NewLatest() *Latest {
	return &Latest{
		snapshots: make(chan transport.Snapshot, 1),
		statuses:  make(chan Status, 1),
	}
}

// Snapshots yields the most recent snapshot not yet received.
func (l *Latest) Snapshots() <-chan transport.Snapshot { return l.snapshots }

// Statuses yields the most recent status not yet received.
func (l *Latest) Statuses() <-chan Status { return l.statuses }

func (l *Latest) OnSnapshot(s transport.Snapshot) { offer(l.snapshots, s) }

func (l *Latest) OnStatusChange(s Status) { offer(l.statuses, s) }

// offer puts v in the one-slot ch, evicting whatever is waiting there.
// Only the supervisor goroutine sends, so the loop ends after at most one
// eviction.
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
