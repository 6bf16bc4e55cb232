// Package supervisor owns the connection to the telemetry server. It
// picks a transport, falls back from the hub channel to polling, and
// retries after unexpected drops. It publishes snapshots and status
// changes to observers.
//
// All state lives in one goroutine. Commands, transport events and
// timer callbacks are posted to it as events, and each event carries the
// generation it was created under. A teardown bumps the generation, so
// anything still in flight from a transport that has been replaced is
// recognised as stale and dropped.
package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/risa-org/hubfeed/clock"
	"github.com/risa-org/hubfeed/negotiate"
	"github.com/risa-org/hubfeed/scheduler"
	"github.com/risa-org/hubfeed/session"
	"github.com/risa-org/hubfeed/transport"
	"github.com/risa-org/hubfeed/transport/httpx"
	"github.com/risa-org/hubfeed/transport/hub"
	"github.com/risa-org/hubfeed/transport/poll"
)

var (
	ErrAlreadyStarted = errors.New("supervisor: already started")
	ErrNotRunning     = errors.New("supervisor: not running")

	// ErrConnectTimeout is why an attempt fails when negotiate and
	// connect together take longer than PersistentTimeout.
	ErrConnectTimeout = errors.New("persistent channel did not open in time")
)

// Status lines shown to the user.
const (
	msgInitializing   = "Initializing..."
	msgNegotiating    = "Negotiating..."
	msgRenegotiating  = "Reconnecting WebSocket..."
	msgConnecting     = "Connecting..."
	msgConnected      = "Connected"
	msgReconnecting   = "Reconnecting..."
	msgFallback       = "WebSocket unavailable, using HTTP polling..."
	msgPolling        = "Connecting (HTTP Polling)..."
	msgPollConnected  = "Connected (HTTP Polling)"
	msgPollFailed     = "Polling failed: "
	msgSwitchedToPoll = "Switched to HTTP polling"
	msgPollRestarted  = "Restarting HTTP polling..."
	msgDisconnected   = "Disconnected"
	msgStopped        = "Stopped"
)

// Negotiator obtains a fresh session. *negotiate.Client implements it.
type Negotiator interface {
	Negotiate(ctx context.Context, serverURL string) (session.Session, error)
}

// Channel is an open persistent transport. *hub.Transport implements it.
//
// Disconnected must deliver its one event before Snapshots is closed.
type Channel interface {
	Snapshots() <-chan transport.Snapshot
	Disconnected() <-chan transport.DisconnectEvent
	SetCadence(d time.Duration)
	Close() error
}

// ChannelDialer opens a Channel for a session.
type ChannelDialer interface {
	Dial(ctx context.Context, serverURL string, sess session.Session) (Channel, error)
}

// DialFunc adapts a function to ChannelDialer.
type DialFunc func(ctx context.Context, serverURL string, sess session.Session) (Channel, error)

func (f DialFunc) Dial(ctx context.Context, serverURL string, sess session.Session) (Channel, error) {
	return f(ctx, serverURL, sess)
}

// PollLoop is a running poll transport. *poll.Transport implements it.
type PollLoop interface {
	Results() <-chan poll.Result
	Stop()
}

// Poller starts poll loops.
type Poller interface {
	Start(serverURL string, interval time.Duration) (PollLoop, error)
}

// PollFunc adapts a function to Poller.
type PollFunc func(serverURL string, interval time.Duration) (PollLoop, error)

func (f PollFunc) Start(serverURL string, interval time.Duration) (PollLoop, error) {
	return f(serverURL, interval)
}

// Deps are the collaborators a Supervisor drives. Tests swap them for
// fakes; NewDefault wires the real ones.
type Deps struct {
	Negotiator Negotiator
	Dialer     ChannelDialer
	Poller     Poller
	Clock      clock.Clock
	Logger     zerolog.Logger
}

// HubDialer adapts a hub.Dialer to ChannelDialer.
func HubDialer(d *hub.Dialer) ChannelDialer {
	return DialFunc(func(ctx context.Context, serverURL string, sess session.Session) (Channel, error) {
		t, err := d.Dial(ctx, serverURL, sess)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}

// HTTPPoller starts poll.Transports on client.
func HTTPPoller(client *http.Client, c clock.Clock, log zerolog.Logger) Poller {
	return PollFunc(func(serverURL string, interval time.Duration) (PollLoop, error) {
		p, err := poll.Start(serverURL, poll.Options{
			Client:   client,
			Clock:    c,
			Interval: interval,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// NewDefault builds a Supervisor talking to a real server. Negotiation,
// the hub channel and polling share one HTTP client and its cookie jar.
func NewDefault(cfg Config, log zerolog.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := httpx.NewClient()
	if err != nil {
		return nil, err
	}
	c := clock.Real()
	hubCfg := cfg.Hub
	hubCfg.Cadence = cfg.UpdateCadence
	return New(cfg, Deps{
		Negotiator: negotiate.NewClient(client, c, log),
		Dialer:     HubDialer(hub.NewDialer(hubCfg, client, c, log)),
		Poller:     HTTPPoller(client, c, log),
		Clock:      c,
		Logger:     log,
	}), nil
}

type attemptMode int

const (
	modeInitial   attemptMode = iota // first attempt after Start; failure falls back to polling
	modeManual                       // user asked for it; failure falls back to polling
	modeReconnect                    // after an unexpected drop; failure waits and retries
)

// Supervisor runs the connection. Create with New or NewDefault, then
// Start. All methods are safe for concurrent use.
type Supervisor struct {
	cfg        Config
	negotiator Negotiator
	dialer     ChannelDialer
	poller     Poller
	clock      clock.Clock
	log        zerolog.Logger

	events  chan event
	done    chan struct{}
	started atomic.Bool
	startMu sync.Mutex
	cancel  context.CancelFunc

	observersMu  sync.Mutex
	observers    map[int]Observer
	nextObserver int

	statusMu sync.RWMutex
	status   Status

	// Owned by the run goroutine.
	ctx            context.Context
	life           session.Lifecycle
	kind           transport.Kind
	generation     uint64
	mode           attemptMode
	cadence        time.Duration
	attemptCancel  context.CancelFunc
	attemptTimer   *clock.Timer
	reconnectTimer *clock.Timer
	channel        Channel
	pollLoop       PollLoop
	pollMessage    string
}

// New creates a Supervisor from explicit collaborators. cfg is used
// as given; call cfg.Validate first if it came from a user.
func New(cfg Config, deps Deps) *Supervisor {
	c := deps.Clock
	if c == nil {
		c = clock.Real()
	}
	s := &Supervisor{
		cfg:        cfg,
		negotiator: deps.Negotiator,
		dialer:     deps.Dialer,
		poller:     deps.Poller,
		clock:      c,
		log:        deps.Logger.With().Str("component", "supervisor").Logger(),
		events:     make(chan event, 256),
		done:       make(chan struct{}),
		observers:  make(map[int]Observer),
		cadence:    scheduler.Clamp(cfg.UpdateCadence),
	}
	s.status = Status{Message: msgInitializing, State: session.StateIdle, At: c.Now()}
	return s
}

// Subscribe registers o and returns a function that removes it.
func (s *Supervisor) Subscribe(o Observer) (unsubscribe func()) {
	s.observersMu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = o
	s.observersMu.Unlock()

	return func() {
		s.observersMu.Lock()
		delete(s.observers, id)
		s.observersMu.Unlock()
	}
}

// Start begins connecting. It returns at once; progress is reported to
// observers. Cancelling ctx is the same as calling Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started.Load() {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started.Store(true)
	go s.run()
	return nil
}

// Stop tears down whatever transport is active, cancels every timer and
// waits for the supervisor to finish. Nothing is published afterwards
// except the final "Stopped" status. Safe to call more than once.
func (s *Supervisor) Stop() {
	s.startMu.Lock()
	cancel := s.cancel
	s.startMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-s.done
}

// Done is closed once the supervisor has stopped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Status returns the latest published status.
func (s *Supervisor) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Reconnect tears down the current transport and starts over with the
// same kind. A hub attempt that fails this way falls back to polling.
func (s *Supervisor) Reconnect() error {
	return s.post(cmdReconnect{})
}

// SwitchToPolling stops the hub channel, or an attempt in flight, and
// polls instead. Nothing happens if polling is already active.
func (s *Supervisor) SwitchToPolling() error {
	return s.post(cmdSwitch{to: transport.KindPoll})
}

// SwitchToPersistent stops polling and tries the hub channel. Failure
// falls back to polling again.
func (s *Supervisor) SwitchToPersistent() error {
	return s.post(cmdSwitch{to: transport.KindFrame})
}

// SetCadence changes how often the hub is asked for a snapshot. d is
// clamped to scheduler.MinInterval and the value in effect is returned.
// The change reaches the current channel and every later one.
func (s *Supervisor) SetCadence(d time.Duration) (time.Duration, error) {
	d = scheduler.Clamp(d)
	return d, s.post(cmdCadence{d: d})
}

func (s *Supervisor) post(ev event) error {
	if !s.started.Load() {
		return ErrNotRunning
	}
	// done first: once closed, a buffered send must not win the race below
	select {
	case <-s.done:
		return ErrNotRunning
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrNotRunning
	}
}

// postFrom returns a callback that posts ev from a timer or pump.
// A stopped supervisor swallows it.
func (s *Supervisor) postFrom(ev event) func() {
	return func() { _ = s.post(ev) }
}

func (s *Supervisor) run() {
	defer close(s.done)

	s.publishStatus(false, msgInitializing)
	if s.cfg.PreferPersistent {
		s.beginAttempt(modeInitial)
	} else {
		s.startPolling(msgPolling)
	}

	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			if s.life.State == session.StateIdle {
				s.publishStatus(false, msgStopped)
			} else {
				s.transition(session.StateIdle, false, msgStopped)
			}
			s.log.Info().Msg("stopped")
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

type event interface{}

type (
	cmdReconnect struct{}
	cmdSwitch    struct{ to transport.Kind }
	cmdCadence   struct{ d time.Duration }

	negotiated      struct{ gen uint64 }
	attemptTimedOut struct{ gen uint64 }
	reconnectDue    struct{ gen uint64 }

	attemptDone struct {
		gen uint64
		ch  Channel
		err error
	}

	channelSnapshot struct {
		gen  uint64
		snap transport.Snapshot
	}

	channelLost struct {
		gen uint64
		ev  transport.DisconnectEvent
	}

	pollTick struct {
		gen    uint64
		result poll.Result
	}
)

func (s *Supervisor) handle(ev event) {
	switch ev := ev.(type) {
	case cmdReconnect:
		if s.kind == transport.KindPoll {
			s.startPolling(msgPollRestarted)
			return
		}
		s.beginAttempt(modeManual)

	case cmdSwitch:
		switch {
		case ev.to == transport.KindPoll && s.kind != transport.KindPoll:
			s.startPolling(msgSwitchedToPoll)
		case ev.to == transport.KindFrame && s.kind == transport.KindPoll:
			s.beginAttempt(modeManual)
		case ev.to == transport.KindFrame && s.life.State == session.StateFailed:
			s.beginAttempt(modeManual)
		default:
			s.log.Debug().Stringer("to", ev.to).Stringer("active", s.kind).Msg("switch ignored")
		}

	case cmdCadence:
		s.cadence = ev.d
		if s.channel != nil {
			s.channel.SetCadence(ev.d)
		}

	case negotiated:
		if ev.gen != s.generation {
			return
		}
		s.transition(session.StateConnecting, false, msgConnecting)

	case attemptDone:
		if ev.gen != s.generation || s.channel != nil {
			if ev.ch != nil {
				_ = ev.ch.Close()
			}
			return
		}
		s.attemptTimer.Stop()
		s.attemptTimer = nil
		if ev.err != nil {
			s.attemptFailed(ev.err)
			return
		}
		s.adopt(ev.ch)

	case attemptTimedOut:
		if ev.gen != s.generation || s.channel != nil {
			return
		}
		s.attemptFailed(&transport.OpenError{URL: s.cfg.ServerURL, Err: ErrConnectTimeout})

	case reconnectDue:
		if ev.gen != s.generation || s.life.State != session.StateReconnecting {
			return
		}
		s.reconnectTimer = nil
		s.beginAttempt(modeReconnect)

	case channelSnapshot:
		if ev.gen != s.generation {
			return
		}
		s.publishSnapshot(ev.snap)

	case channelLost:
		if ev.gen != s.generation || s.channel == nil {
			return
		}
		s.channelLost(ev.ev)

	case pollTick:
		if ev.gen != s.generation {
			return
		}
		s.pollResult(ev.result)
	}
}

// beginAttempt tears down whatever is active and starts negotiate then
// connect under one timeout.
func (s *Supervisor) beginAttempt(mode attemptMode) {
	s.teardown()
	gen := s.generation
	s.mode = mode

	msg := msgNegotiating
	if mode == modeReconnect {
		msg = msgRenegotiating
	}
	s.transition(session.StateNegotiating, false, msg)

	// The context outlives the dial: it is the channel's parent and is
	// only cancelled by the next teardown.
	ctx, cancel := context.WithCancel(s.ctx)
	s.attemptCancel = cancel
	s.attemptTimer = s.clock.AfterFunc(s.cfg.PersistentTimeout, s.postFrom(attemptTimedOut{gen: gen}))

	serverURL := s.cfg.ServerURL
	go func() {
		sess, err := s.negotiator.Negotiate(ctx, serverURL)
		if err != nil {
			_ = s.post(attemptDone{gen: gen, err: err})
			return
		}
		_ = s.post(negotiated{gen: gen})
		ch, err := s.dialer.Dial(ctx, serverURL, sess)
		_ = s.post(attemptDone{gen: gen, ch: ch, err: err})
	}()
}

func (s *Supervisor) attemptFailed(err error) {
	s.teardown()

	var negErr *negotiate.Error
	if errors.As(err, &negErr) {
		s.log.Warn().Str("reason", string(negErr.Reason)).Err(err).Msg("negotiation failed")
	} else {
		s.log.Warn().Err(err).Msg("persistent channel failed to open")
	}

	if s.mode == modeReconnect {
		s.transition(session.StateReconnecting, false, msgReconnecting)
		s.scheduleReconnect()
		return
	}
	s.transition(session.StateFailed, false, msgFallback)
	s.startPolling(msgPolling)
}

func (s *Supervisor) adopt(ch Channel) {
	gen := s.generation
	s.channel = ch
	s.kind = transport.KindFrame
	ch.SetCadence(s.cadence)
	s.transition(session.StateConnected, true, msgConnected)
	go s.pumpChannel(gen, ch)
}

func (s *Supervisor) pumpChannel(gen uint64, ch Channel) {
	for snap := range ch.Snapshots() {
		if s.post(channelSnapshot{gen: gen, snap: snap}) != nil {
			return
		}
	}
	select {
	case ev := <-ch.Disconnected():
		_ = s.post(channelLost{gen: gen, ev: ev})
	case <-s.done:
	}
}

func (s *Supervisor) channelLost(ev transport.DisconnectEvent) {
	s.teardown()
	if ev.Unexpected() {
		s.log.Warn().Stringer("reason", ev.Reason).Int("code", ev.Code).Err(ev.Err).Msg("hub channel dropped")
		s.transition(session.StateReconnecting, false, msgReconnecting)
		s.scheduleReconnect()
		return
	}
	s.log.Info().Int("code", ev.Code).Msg("hub channel closed by server")
	s.transition(session.StateFailed, false, msgDisconnected)
	s.startPolling(msgPolling)
}

func (s *Supervisor) scheduleReconnect() {
	s.reconnectTimer = s.clock.AfterFunc(s.cfg.ReconnectDelay, s.postFrom(reconnectDue{gen: s.generation}))
	s.log.Info().Dur("delay", s.cfg.ReconnectDelay).Int("attempt", s.life.Reconnects).Msg("reconnect scheduled")
}

func (s *Supervisor) startPolling(msg string) {
	s.teardown()
	gen := s.generation

	loop, err := s.poller.Start(s.cfg.ServerURL, s.cfg.PollInterval)
	if err != nil {
		s.log.Error().Err(err).Msg("cannot start polling")
		s.publishStatus(false, msgPollFailed+err.Error())
		return
	}
	s.pollLoop = loop
	s.kind = transport.KindPoll
	s.pollMessage = ""
	s.transition(session.StateConnected, false, msg)
	go s.pumpPoll(gen, loop)
}

func (s *Supervisor) pumpPoll(gen uint64, loop PollLoop) {
	for r := range loop.Results() {
		if s.post(pollTick{gen: gen, result: r}) != nil {
			return
		}
	}
}

// pollResult publishes a snapshot for a good tick. Status goes out only
// when it differs from the previous tick's.
func (s *Supervisor) pollResult(r poll.Result) {
	live, msg := true, msgPollConnected
	if r.Err != nil {
		live, msg = false, msgPollFailed+r.Err.Error()
		s.log.Debug().Uint64("tick", r.Tick).Err(r.Err).Msg("poll failed")
	} else {
		s.publishSnapshot(r.Snapshot)
	}
	if msg == s.pollMessage {
		return
	}
	s.pollMessage = msg
	s.publishStatus(live, msg)
}

// teardown stops the active transport and every timer, then bumps the
// generation so late events from them are dropped.
func (s *Supervisor) teardown() {
	s.generation++

	s.attemptTimer.Stop()
	s.attemptTimer = nil
	s.reconnectTimer.Stop()
	s.reconnectTimer = nil

	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			s.log.Debug().Err(err).Msg("closing hub channel")
		}
		s.channel = nil
	}
	if s.attemptCancel != nil {
		s.attemptCancel()
		s.attemptCancel = nil
	}
	if s.pollLoop != nil {
		s.pollLoop.Stop()
		s.pollLoop = nil
	}
	s.kind = transport.KindNone
}

func (s *Supervisor) transition(next session.ConnectionState, live bool, msg string) {
	from := s.life.State
	if !s.life.Transition(next, s.clock.Now()) {
		s.log.Error().Stringer("from", from).Stringer("to", next).Msg("illegal state transition")
		return
	}
	s.log.Debug().Stringer("from", from).Stringer("to", next).Stringer("transport", s.kind).Msg("state")
	s.publishStatus(live, msg)
}

func (s *Supervisor) publishStatus(live bool, msg string) {
	s.statusMu.Lock()
	s.status.Live = live
	s.status.Message = msg
	s.status.State = s.life.State
	s.status.Transport = s.kind
	s.status.At = s.clock.Now()
	st := s.status
	s.statusMu.Unlock()

	for _, o := range s.subscribers() {
		o.OnStatusChange(st)
	}
}

func (s *Supervisor) publishSnapshot(snap transport.Snapshot) {
	s.statusMu.Lock()
	s.status.Snapshots++
	s.status.LastSnapshotAt = snap.ReceivedAt
	s.statusMu.Unlock()

	for _, o := range s.subscribers() {
		o.OnSnapshot(snap)
	}
}

func (s *Supervisor) subscribers() []Observer {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	out := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		out = append(out, o)
	}
	return out
}
