package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/risa-org/hubfeed/clock"
	"github.com/risa-org/hubfeed/negotiate"
	"github.com/risa-org/hubfeed/session"
	"github.com/risa-org/hubfeed/transport"
	"github.com/risa-org/hubfeed/transport/poll"
)

const waitTimeout = 2 * time.Second

// eventLog records the order in which fakes were touched.
type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(s string) {
	l.mu.Lock()
	l.entries = append(l.entries, s)
	l.mu.Unlock()
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *eventLog) index(s string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e == s {
			return i
		}
	}
	return -1
}

type fakeNegotiator struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, n int) (session.Session, error)
	count int
	calls chan int
	log   *eventLog
}

func (f *fakeNegotiator) Negotiate(ctx context.Context, serverURL string) (session.Session, error) {
	f.mu.Lock()
	f.count++
	n, fn := f.count, f.fn
	f.mu.Unlock()

	f.log.add("negotiate")
	f.calls <- n
	if fn == nil {
		return session.Session{ID: fmt.Sprintf("conn-%d", n), Token: "token"}, nil
	}
	return fn(ctx, n)
}

func (f *fakeNegotiator) setFn(fn func(ctx context.Context, n int) (session.Session, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeNegotiator) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type fakeChannel struct {
	snapshots    chan transport.Snapshot
	disconnected chan transport.DisconnectEvent
	closed       atomic.Bool
	cadence      atomic.Int64
	log          *eventLog
}

func (c *fakeChannel) Snapshots() <-chan transport.Snapshot           { return c.snapshots }
func (c *fakeChannel) Disconnected() <-chan transport.DisconnectEvent { return c.disconnected }
func (c *fakeChannel) SetCadence(d time.Duration)                     { c.cadence.Store(int64(d)) }

func (c *fakeChannel) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.log.add("close channel")
	}
	return nil
}

// drop simulates the channel going away, the way hub.Transport reports it.
func (c *fakeChannel) drop(ev transport.DisconnectEvent) {
	c.disconnected <- ev
	close(c.snapshots)
}

func (c *fakeChannel) send(speed int) {
	c.snapshots <- transport.Snapshot{
		Data:       json.RawMessage(fmt.Sprintf(`{"speed":%d}`, speed)),
		Source:     transport.KindFrame,
		ReceivedAt: time.Now(),
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	err    error
	gate   chan struct{}
	count  int
	opened chan *fakeChannel
	log    *eventLog
}

func (d *fakeDialer) Dial(ctx context.Context, serverURL string, sess session.Session) (Channel, error) {
	d.mu.Lock()
	d.count++
	err, gate := d.err, d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	ch := &fakeChannel{
		snapshots:    make(chan transport.Snapshot, 64),
		disconnected: make(chan transport.DisconnectEvent, 1),
		log:          d.log,
	}
	d.log.add("dial")
	d.opened <- ch
	return ch, nil
}

func (d *fakeDialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

type fakePoll struct {
	results chan poll.Result
	stopped atomic.Bool
	once    sync.Once
	log     *eventLog
}

func (p *fakePoll) Results() <-chan poll.Result { return p.results }

func (p *fakePoll) Stop() {
	p.once.Do(func() {
		p.stopped.Store(true)
		p.log.add("stop poll")
		close(p.results)
	})
}

func (p *fakePoll) ok(tick uint64, speed int) {
	p.results <- poll.Result{Tick: tick, Snapshot: transport.Snapshot{
		Data:       json.RawMessage(fmt.Sprintf(`{"speed":%d}`, speed)),
		Source:     transport.KindPoll,
		ReceivedAt: time.Now(),
	}}
}

func (p *fakePoll) fail(tick uint64, err error) {
	p.results <- poll.Result{Tick: tick, Err: err}
}

type fakePoller struct {
	mu     sync.Mutex
	count  int
	starts chan *fakePoll
	log    *eventLog
}

func (f *fakePoller) Start(serverURL string, interval time.Duration) (PollLoop, error) {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()

	p := &fakePoll{results: make(chan poll.Result, 64), log: f.log}
	f.log.add("start poll")
	f.starts <- p
	return p, nil
}

func (f *fakePoller) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type recorder struct {
	statuses  chan Status
	snapshots chan transport.Snapshot
}

func (r *recorder) OnSnapshot(s transport.Snapshot) { r.snapshots <- s }
func (r *recorder) OnStatusChange(s Status)         { r.statuses <- s }

type harness struct {
	t      *testing.T
	cfg    Config
	clock  *clock.FakeClock
	log    *eventLog
	neg    *fakeNegotiator
	dialer *fakeDialer
	poller *fakePoller
	rec    *recorder
	sup    *Supervisor
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	log := &eventLog{}
	h := &harness{
		t:      t,
		cfg:    cfg,
		clock:  clock.Fake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		log:    log,
		neg:    &fakeNegotiator{calls: make(chan int, 64), log: log},
		dialer: &fakeDialer{opened: make(chan *fakeChannel, 64), log: log},
		poller: &fakePoller{starts: make(chan *fakePoll, 64), log: log},
		rec: &recorder{
			statuses:  make(chan Status, 1024),
			snapshots: make(chan transport.Snapshot, 1024),
		},
	}
	h.sup = New(cfg, Deps{
		Negotiator: h.neg,
		Dialer:     h.dialer,
		Poller:     h.poller,
		Clock:      h.clock,
		Logger:     zerolog.Nop(),
	})
	h.sup.Subscribe(h.rec)
	t.Cleanup(h.sup.Stop)
	return h
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.sup.Start(context.Background()); err != nil {
		h.t.Fatalf("start: %v", err)
	}
}

// waitStatus consumes published statuses until one satisfies match.
func (h *harness) waitStatus(what string, match func(Status) bool) Status {
	h.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case st := <-h.rec.statuses:
			if match(st) {
				return st
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for status: %s (last: %+v)", what, h.sup.Status())
			return Status{}
		}
	}
}

func (h *harness) waitMessage(msg string) Status {
	h.t.Helper()
	return h.waitStatus(msg, func(st Status) bool { return st.Message == msg })
}

func (h *harness) waitHubConnected() *fakeChannel {
	h.t.Helper()
	h.waitStatus("hub connected", func(st Status) bool {
		return st.Live && st.Transport == transport.KindFrame && st.State == session.StateConnected
	})
	select {
	case ch := <-h.dialer.opened:
		return ch
	case <-time.After(waitTimeout):
		h.t.Fatal("no channel was opened")
		return nil
	}
}

func (h *harness) waitPollStarted() *fakePoll {
	h.t.Helper()
	select {
	case p := <-h.poller.starts:
		return p
	case <-time.After(waitTimeout):
		h.t.Fatal("polling never started")
		return nil
	}
}

func (h *harness) waitNegotiation() int {
	h.t.Helper()
	select {
	case n := <-h.neg.calls:
		return n
	case <-time.After(waitTimeout):
		h.t.Fatal("no negotiation happened")
		return 0
	}
}

func (h *harness) expectNoNegotiation() {
	h.t.Helper()
	select {
	case n := <-h.neg.calls:
		h.t.Fatalf("unexpected negotiation #%d", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// A failed negotiation must put the supervisor on polling without any
// clock movement and without ever dialing.
func TestNegotiationFailureFallsBackToPolling(t *testing.T) {
	h := newHarness(t, nil)
	h.neg.setFn(func(ctx context.Context, n int) (session.Session, error) {
		return session.Session{}, &negotiate.Error{Reason: negotiate.ReasonBadStatus, StatusCode: 500}
	})
	h.start()

	failed := h.waitMessage("WebSocket unavailable, using HTTP polling...")
	if failed.State != session.StateFailed {
		t.Errorf("expected failed state, got %s", failed.State)
	}
	st := h.waitStatus("polling", func(st Status) bool { return st.Transport == transport.KindPoll })
	if st.State != session.StateConnected {
		t.Errorf("expected connected state, got %s", st.State)
	}
	if h.dialer.Count() != 0 {
		t.Errorf("expected no dial, got %d", h.dialer.Count())
	}
	if h.poller.Count() != 1 {
		t.Errorf("expected 1 poll start, got %d", h.poller.Count())
	}
}

// A server that does not offer the persistent channel is never dialed.
func TestPersistentUnsupportedNeverDials(t *testing.T) {
	h := newHarness(t, nil)
	h.neg.setFn(func(ctx context.Context, n int) (session.Session, error) {
		return session.Session{}, &negotiate.Error{Reason: negotiate.ReasonPersistentUnsupported}
	})
	h.start()

	h.waitStatus("polling", func(st Status) bool { return st.Transport == transport.KindPoll })
	if h.dialer.Count() != 0 {
		t.Errorf("expected no dial, got %d", h.dialer.Count())
	}
}

// With PreferPersistent off the supervisor polls from the start.
func TestPreferPollingSkipsNegotiation(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PreferPersistent = false })
	h.start()

	h.waitMessage("Connecting (HTTP Polling)...")
	p := h.waitPollStarted()
	p.ok(1, 10)
	st := h.waitMessage("Connected (HTTP Polling)")
	if !st.Live {
		t.Error("expected live status after a good poll")
	}
	h.expectNoNegotiation()
}

// Snapshots from the hub reach observers in arrival order.
func TestHubSnapshotsInOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	ch := h.waitHubConnected()

	if got := time.Duration(ch.cadence.Load()); got != 200*time.Millisecond {
		t.Errorf("expected cadence 200ms, got %v", got)
	}

	for i := 1; i <= 20; i++ {
		ch.send(i)
	}
	for i := 1; i <= 20; i++ {
		select {
		case snap := <-h.rec.snapshots:
			var doc struct{ Speed int }
			if err := snap.Decode(&doc); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if doc.Speed != i {
				t.Fatalf("expected snapshot %d, got %d", i, doc.Speed)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("snapshot %d never arrived", i)
		}
	}
	if got := h.sup.Status().Snapshots; got != 20 {
		t.Errorf("expected 20 snapshots counted, got %d", got)
	}
}

// An unexpected drop schedules exactly one reconnect, and it fires only
// after the full delay.
func TestUnexpectedDropReconnectsAfterDelay(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	ch := h.waitHubConnected()
	h.waitNegotiation()

	ch.drop(transport.DisconnectEvent{Reason: transport.ReasonNetworkError, Code: 1011})
	h.waitStatus("reconnecting", func(st Status) bool {
		return st.State == session.StateReconnecting && st.Message == "Reconnecting..."
	})
	h.clock.WaitForTimers(1)
	if n := h.clock.PendingCount(); n != 1 {
		t.Fatalf("expected exactly 1 pending timer, got %d", n)
	}
	if !ch.closed.Load() {
		t.Error("expected dropped channel to be closed")
	}

	h.clock.Advance(h.cfg.ReconnectDelay - time.Millisecond)
	h.expectNoNegotiation()

	h.clock.Advance(time.Millisecond)
	if n := h.waitNegotiation(); n != 2 {
		t.Fatalf("expected negotiation #2, got #%d", n)
	}
	h.waitHubConnected()
	if h.poller.Count() != 0 {
		t.Errorf("expected no polling, got %d starts", h.poller.Count())
	}
}

// A going-away close from the server counts as unexpected.
func TestGoingAwayIsUnexpected(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	ch := h.waitHubConnected()

	ch.drop(transport.DisconnectEvent{Reason: transport.ReasonNetworkError, Code: 1001})
	h.waitStatus("reconnecting", func(st Status) bool { return st.State == session.StateReconnecting })
}

// A clean close from the server falls back to polling and never
// schedules a reconnect.
func TestCleanCloseDoesNotReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	ch := h.waitHubConnected()
	h.waitNegotiation()

	ch.drop(transport.DisconnectEvent{Reason: transport.ReasonClosedClean, Code: 1000})
	st := h.waitMessage("Disconnected")
	if st.State != session.StateFailed {
		t.Errorf("expected failed state, got %s", st.State)
	}
	h.waitStatus("polling", func(st Status) bool { return st.Transport == transport.KindPoll })

	if n := h.clock.PendingCount(); n != 0 {
		t.Errorf("expected no pending timers, got %d", n)
	}
	h.clock.Advance(10 * time.Second)
	h.expectNoNegotiation()
}

// When negotiate and connect together overrun the timeout the attempt
// is abandoned, its context cancelled and polling takes over.
func TestAttemptTimeoutFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	cancelled := make(chan struct{})
	h.neg.setFn(func(ctx context.Context, n int) (session.Session, error) {
		<-ctx.Done()
		close(cancelled)
		return session.Session{}, ctx.Err()
	})
	h.start()
	h.waitNegotiation()

	h.clock.WaitForTimers(1)
	h.clock.Advance(h.cfg.PersistentTimeout)

	h.waitMessage("WebSocket unavailable, using HTTP polling...")
	h.waitStatus("polling", func(st Status) bool { return st.Transport == transport.KindPoll })
	select {
	case <-cancelled:
	case <-time.After(waitTimeout):
		t.Fatal("expected the attempt context to be cancelled")
	}
}

// A channel that opens after its attempt timed out is closed, not adopted.
func TestLateChannelIsClosed(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.dialer.gate = gate
	h.start()
	h.waitNegotiation()

	h.clock.WaitForTimers(1)
	h.clock.Advance(h.cfg.PersistentTimeout)
	h.waitStatus("polling", func(st Status) bool { return st.Transport == transport.KindPoll })

	close(gate)
	var late *fakeChannel
	select {
	case late = <-h.dialer.opened:
	case <-time.After(waitTimeout):
		t.Fatal("dial never completed")
	}
	eventually(t, "late channel closed", late.closed.Load)
	if got := h.sup.Status().Transport; got != transport.KindPoll {
		t.Errorf("expected polling to stay active, got %s", got)
	}
}

// Failed reconnect attempts keep retrying on the fixed delay and never
// fall back to polling.
func TestReconnectFailuresKeepRetrying(t *testing.T) {
	h := newHarness(t, nil)
	h.neg.setFn(func(ctx context.Context, n int) (session.Session, error) {
		if n == 1 {
			return session.Session{ID: "conn-1", Token: "token"}, nil
		}
		return session.Session{}, &negotiate.Error{Reason: negotiate.ReasonRequestFailed, Err: errors.New("connection refused")}
	})
	h.start()
	ch := h.waitHubConnected()
	h.waitNegotiation()

	ch.drop(transport.DisconnectEvent{Reason: transport.ReasonNetworkError, Code: -1})
	for attempt := 2; attempt <= 4; attempt++ {
		h.waitMessage("Reconnecting...")
		h.clock.WaitForTimers(1)
		h.clock.Advance(h.cfg.ReconnectDelay)
		if n := h.waitNegotiation(); n != attempt {
			t.Fatalf("expected negotiation #%d, got #%d", attempt, n)
		}
	}
	h.waitMessage("Reconnecting...")
	if h.poller.Count() != 0 {
		t.Errorf("expected no polling during reconnect, got %d starts", h.poller.Count())
	}
}

// Switching to polling closes the channel before the poll loop starts
// and leaves no timers behind. Snapshots still queued on the old
// channel are dropped.
func TestSwitchToPollingStopsHub(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	ch := h.waitHubConnected()

	if err := h.sup.SwitchToPolling(); err != nil {
		t.Fatalf("switch: %v", err)
	}
	st := h.waitMessage("Switched to HTTP polling")
	if st.Transport != transport.KindPoll {
		t.Errorf("expected polling, got %s", st.Transport)
	}
	if !ch.closed.Load() {
		t.Error("expected channel closed")
	}
	if closed, started := h.log.index("close channel"), h.log.index("start poll"); closed < 0 || closed > started {
		t.Errorf("expected channel closed before polling started, log %v", h.log.all())
	}
	if n := h.clock.PendingCount(); n != 0 {
		t.Errorf("expected no pending timers, got %d", n)
	}

	ch.send(99)
	select {
	case snap := <-h.rec.snapshots:
		t.Errorf("expected stale snapshot dropped, got %s", snap.Data)
	case <-time.After(100 * time.Millisecond):
	}

	// already polling
	if err := h.sup.SwitchToPolling(); err != nil {
		t.Fatalf("switch: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if h.poller.Count() != 1 {
		t.Errorf("expected 1 poll start, got %d", h.poller.Count())
	}
}

// Switching to the hub stops polling before negotiating.
func TestSwitchToPersistentStopsPolling(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PreferPersistent = false })
	h.start()
	p := h.waitPollStarted()
	p.ok(1, 5)
	h.waitMessage("Connected (HTTP Polling)")

	if err := h.sup.SwitchToPersistent(); err != nil {
		t.Fatalf("switch: %v", err)
	}
	h.waitHubConnected()
	if !p.stopped.Load() {
		t.Error("expected poll loop stopped")
	}
	if stopped, negotiated := h.log.index("stop poll"), h.log.index("negotiate"); stopped < 0 || stopped > negotiated {
		t.Errorf("expected polling stopped before negotiating, log %v", h.log.all())
	}
}

// Identical consecutive poll outcomes publish one status, not one per tick.
func TestPollStatusDeduplicated(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PreferPersistent = false })
	h.start()
	h.waitMessage("Connecting (HTTP Polling)...")
	p := h.waitPollStarted()

	boom := errors.New("boom")
	p.ok(1, 1)
	p.ok(2, 2)
	p.fail(3, boom)
	p.fail(4, boom)
	p.ok(5, 5)

	want := []string{"Connected (HTTP Polling)", "Polling failed: boom", "Connected (HTTP Polling)"}
	for _, msg := range want {
		select {
		case st := <-h.rec.statuses:
			if st.Message != msg {
				t.Fatalf("expected %q, got %q", msg, st.Message)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("status %q never arrived", msg)
		}
	}
	select {
	case st := <-h.rec.statuses:
		t.Errorf("expected no further status, got %q", st.Message)
	case <-time.After(100 * time.Millisecond):
	}
	eventually(t, "3 snapshots", func() bool { return h.sup.Status().Snapshots == 3 })
}

// A manual reconnect on the hub that fails falls back to polling.
func TestManualReconnectFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	ch := h.waitHubConnected()

	h.neg.setFn(func(ctx context.Context, n int) (session.Session, error) {
		return session.Session{}, &negotiate.Error{Reason: negotiate.ReasonMissingToken}
	})
	if err := h.sup.Reconnect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	h.waitMessage("WebSocket unavailable, using HTTP polling...")
	h.waitStatus("polling", func(st Status) bool { return st.Transport == transport.KindPoll })
	if !ch.closed.Load() {
		t.Error("expected old channel closed")
	}
	if n := h.clock.PendingCount(); n != 0 {
		t.Errorf("expected no pending timers, got %d", n)
	}
}

// A manual reconnect while polling restarts the poll loop.
func TestManualReconnectRestartsPolling(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PreferPersistent = false })
	h.start()
	first := h.waitPollStarted()

	if err := h.sup.Reconnect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	h.waitMessage("Restarting HTTP polling...")
	h.waitPollStarted()
	if !first.stopped.Load() {
		t.Error("expected first poll loop stopped")
	}
	if h.neg.Count() != 0 {
		t.Errorf("expected no negotiation, got %d", h.neg.Count())
	}
}

// SetCadence clamps, reaches the open channel and survives a reconnect.
func TestSetCadence(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	ch := h.waitHubConnected()

	got, err := h.sup.SetCadence(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("set cadence: %v", err)
	}
	if got != 100*time.Millisecond {
		t.Errorf("expected clamp to 100ms, got %v", got)
	}
	eventually(t, "cadence on channel", func() bool {
		return time.Duration(ch.cadence.Load()) == 100*time.Millisecond
	})

	ch.drop(transport.DisconnectEvent{Reason: transport.ReasonTimeout, Code: -1})
	h.waitMessage("Reconnecting...")
	h.clock.WaitForTimers(1)
	h.clock.Advance(h.cfg.ReconnectDelay)
	next := h.waitHubConnected()
	if got := time.Duration(next.cadence.Load()); got != 100*time.Millisecond {
		t.Errorf("expected new channel cadence 100ms, got %v", got)
	}
}

// Stop cancels the pending reconnect and publishes a final status.
func TestStopCancelsEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	ch := h.waitHubConnected()

	ch.drop(transport.DisconnectEvent{Reason: transport.ReasonNetworkError, Code: 1006})
	h.waitMessage("Reconnecting...")
	h.clock.WaitForTimers(1)

	h.sup.Stop()
	if n := h.clock.PendingCount(); n != 0 {
		t.Errorf("expected no pending timers, got %d", n)
	}
	st := h.sup.Status()
	if st.State != session.StateIdle || st.Message != "Stopped" {
		t.Errorf("expected idle/Stopped, got %s/%s", st.State, st.Message)
	}
	if err := h.sup.Reconnect(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	h.sup.Stop()
}

// Every command is refused once Stop has returned, however the stop
// raced with the event buffer.
func TestCommandsAfterStopAreRefused(t *testing.T) {
	for round := 0; round < 50; round++ {
		h := newHarness(t, func(c *Config) { c.PreferPersistent = false })
		h.start()
		h.sup.Stop()

		commands := map[string]func() error{
			"Reconnect":          h.sup.Reconnect,
			"SwitchToPolling":    h.sup.SwitchToPolling,
			"SwitchToPersistent": h.sup.SwitchToPersistent,
			"SetCadence": func() error {
				_, err := h.sup.SetCadence(time.Second)
				return err
			},
		}
		for name, cmd := range commands {
			if err := cmd(); !errors.Is(err, ErrNotRunning) {
				t.Fatalf("round %d: expected ErrNotRunning from %s, got %v", round, name, err)
			}
		}
	}
}

// Cancelling the Start context stops the supervisor.
func TestContextCancelStops(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PreferPersistent = false })
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	p := h.waitPollStarted()
	cancel()

	select {
	case <-h.sup.Done():
	case <-time.After(waitTimeout):
		t.Fatal("supervisor did not stop")
	}
	if !p.stopped.Load() {
		t.Error("expected poll loop stopped")
	}
}

func TestStartTwiceAndCommandsBeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.sup.SwitchToPolling(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning before start, got %v", err)
	}
	h.start()
	if err := h.sup.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

// Removed observers see nothing further.
func TestUnsubscribe(t *testing.T) {
	h := newHarness(t, nil)
	var count atomic.Int32
	unsubscribe := h.sup.Subscribe(ObserverFuncs{Snapshot: func(transport.Snapshot) { count.Add(1) }})
	h.start()
	ch := h.waitHubConnected()

	ch.send(1)
	<-h.rec.snapshots
	eventually(t, "first snapshot observed", func() bool { return count.Load() == 1 })
	unsubscribe()
	ch.send(2)
	<-h.rec.snapshots

	if got := count.Load(); got != 1 {
		t.Errorf("expected 1 snapshot before unsubscribe, got %d", got)
	}
}

// Latest keeps only the newest value.
func TestLatestKeepsNewest(t *testing.T) {
	l := NewLatest()
	for i := 1; i <= 3; i++ {
		l.OnSnapshot(transport.Snapshot{Data: json.RawMessage(fmt.Sprint(i))})
		l.OnStatusChange(Status{Message: strings.Repeat("x", i)})
	}

	snap := <-l.Snapshots()
	if string(snap.Data) != "3" {
		t.Errorf("expected newest snapshot 3, got %s", snap.Data)
	}
	st := <-l.Statuses()
	if st.Message != "xxx" {
		t.Errorf("expected newest status, got %q", st.Message)
	}
	select {
	case <-l.Snapshots():
		t.Error("expected mailbox empty")
	default:
	}
}
