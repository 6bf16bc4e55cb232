// Package hub is the persistent transport: a websocket channel that
// speaks to the telemetry hub.
//
// Once open, a Transport asks for the first snapshot straight away,
// keeps the channel alive with a {} frame every 30 seconds and hands
// the request cadence to a scheduler. Every updateData result from the
// hub becomes one Snapshot on Snapshots(), in arrival order. When the
// channel closes, exactly one DisconnectEvent is emitted on
// Disconnected(); it is marked clean only when we asked for the close or
// the server sent a normal closure.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/risa-org/hubfeed/clock"
	"github.com/risa-org/hubfeed/scheduler"
	"github.com/risa-org/hubfeed/session"
	"github.com/risa-org/hubfeed/transport"
	"github.com/risa-org/hubfeed/transport/envelope"
	"github.com/risa-org/hubfeed/transport/httpx"
	"github.com/risa-org/hubfeed/transport/sender"
)

const (
	// ConnectPath is where the channel is upgraded.
	ConnectPath = "/signalr/connect"

	// TransportName is the transport query value for a websocket channel.
	TransportName = "webSockets"

	DefaultHubName       = "ets2telemetryhub"
	DefaultRequestMethod = "RequestData"
	DefaultUpdateMethod  = "updateData"

	// DefaultKeepalive is how often {} is sent while the channel is open.
	DefaultKeepalive = 30 * time.Second

	// DefaultReadLimit bounds a single inbound frame.
	DefaultReadLimit int64 = 4 << 20

	writeTimeout = 5 * time.Second
	maxTag       = 10
)

// Config controls what a Transport says to the hub and how often.
type Config struct {
	HubName       string        // logical channel identifier in connectionData
	RequestMethod string        // hub method that asks for a snapshot
	UpdateMethod  string        // hub-to-client method carrying a snapshot, case-insensitive
	Keepalive     time.Duration // interval between {} frames
	Cadence       time.Duration // request cadence, clamped to scheduler.MinInterval
	ReadLimit     int64         // largest accepted inbound frame
}

// DefaultConfig returns the settings the simulation's telemetry server expects.
func DefaultConfig() Config {
	return Config{
		HubName:       DefaultHubName,
		RequestMethod: DefaultRequestMethod,
		UpdateMethod:  DefaultUpdateMethod,
		Keepalive:     DefaultKeepalive,
		Cadence:       scheduler.DefaultInterval,
		ReadLimit:     DefaultReadLimit,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HubName == "" {
		c.HubName = def.HubName
	}
	if c.RequestMethod == "" {
		c.RequestMethod = def.RequestMethod
	}
	if c.UpdateMethod == "" {
		c.UpdateMethod = def.UpdateMethod
	}
	if c.Keepalive <= 0 {
		c.Keepalive = def.Keepalive
	}
	if c.Cadence <= 0 {
		c.Cadence = def.Cadence
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	return c
}

// ConnectURL builds the channel URL for sess. The scheme is upgraded
// from http/https to ws/wss and tag is the small random tid the server
// expects.
func ConnectURL(serverURL string, sess session.Session, hubName string, tag int) (string, error) {
	u, err := httpx.Endpoint(serverURL, ConnectPath)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	connectionData, err := json.Marshal([]map[string]string{{"name": hubName}})
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("transport", TransportName)
	q.Set("connectionToken", sess.Token)
	q.Set("connectionData", string(connectionData))
	q.Set("tid", fmt.Sprint(tag))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dialer opens hub channels.
type Dialer struct {
	cfg   Config
	http  *http.Client
	clock clock.Clock
	log   zerolog.Logger
	tag   func() int
}

// NewDialer creates a Dialer. httpClient should be the shared httpx
// client so negotiation cookies are sent with the upgrade.
func NewDialer(cfg Config, httpClient *http.Client, c clock.Clock, log zerolog.Logger) *Dialer {
	if c == nil {
		c = clock.Real()
	}
	return &Dialer{
		cfg:   cfg.withDefaults(),
		http:  httpClient,
		clock: c,
		log:   log.With().Str("component", "hub").Logger(),
		tag:   func() int { return rand.Intn(maxTag + 1) },
	}
}

// Dial opens the channel for sess and starts it. ctx bounds the upgrade
// only. Failures are *transport.OpenError.
func (d *Dialer) Dial(ctx context.Context, serverURL string, sess session.Session) (*Transport, error) {
	if !sess.Valid() {
		return nil, &transport.OpenError{URL: serverURL, Err: errors.New("session has no connection token")}
	}

	target, err := ConnectURL(serverURL, sess, d.cfg.HubName, d.tag())
	if err != nil {
		return nil, &transport.OpenError{URL: serverURL, Err: err}
	}

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPClient: d.http})
	if err != nil {
		return nil, &transport.OpenError{URL: target, Err: err}
	}
	conn.SetReadLimit(d.cfg.ReadLimit)

	t := newTransport(conn, sess, d.cfg, d.clock, d.log.With().Str("connection_id", sess.ID).Logger())
	t.start()
	return t, nil
}

// Transport is one open hub channel. It is never reopened; a reconnect
// dials a new one with a fresh session.
type Transport struct {
	conn    *websocket.Conn
	session session.Session
	cfg     Config
	clock   clock.Clock
	log     zerolog.Logger
	sender  *sender.Sender
	sched   *scheduler.Scheduler

	snapshots  chan transport.Snapshot
	disconnect chan transport.DisconnectEvent

	ctx     context.Context
	cancel  context.CancelFunc
	open    atomic.Bool
	closing atomic.Bool // set by Close, so whatever follows is intentional

	mu        sync.Mutex
	keepalive *clock.Timer

	closeOnce    sync.Once
	decodeErrors atomic.Uint64
}

func newTransport(conn *websocket.Conn, sess session.Session, cfg Config, c clock.Clock, log zerolog.Logger) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		conn:       conn,
		session:    sess,
		cfg:        cfg,
		clock:      c,
		log:        log,
		snapshots:  make(chan transport.Snapshot, 64),
		disconnect: make(chan transport.DisconnectEvent, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	t.sender = sender.New(cfg.HubName, session.NewSequencer(), connWriter{t})
	t.sched = scheduler.New(scheduler.Options{
		Clock:    c,
		Interval: cfg.Cadence,
		IsOpen:   t.IsOpen,
		Fire:     t.requestSnapshot,
		Logger:   log,
	})
	return t
}

// start sends the opening request and hands the cadence to the scheduler.
func (t *Transport) start() {
	t.open.Store(true)
	go t.readLoop()

	t.requestSnapshot()
	t.armKeepalive()
	t.sched.Start()
	t.log.Info().Dur("cadence", t.sched.Interval()).Msg("hub channel open")
}

// Snapshots emits every decoded snapshot in arrival order. It is closed
// when the channel closes.
func (t *Transport) Snapshots() <-chan transport.Snapshot {
	return t.snapshots
}

// Disconnected emits exactly one event when the channel closes.
func (t *Transport) Disconnected() <-chan transport.DisconnectEvent {
	return t.disconnect
}

// IsOpen reports whether the channel is still usable.
func (t *Transport) IsOpen() bool {
	return t.open.Load()
}

// Session returns the negotiated session this channel was opened with.
func (t *Transport) Session() session.Session {
	return t.session
}

// SetCadence changes the request cadence. Values under
// scheduler.MinInterval are raised to it.
func (t *Transport) SetCadence(d time.Duration) {
	t.sched.SetInterval(d)
}

// Cadence returns the effective request cadence.
func (t *Transport) Cadence() time.Duration {
	return t.sched.Interval()
}

// Requests returns how many snapshot requests were written.
func (t *Transport) Requests() uint64 {
	return t.sender.Sent()
}

// DecodeErrors returns how many inbound frames were dropped as garbage.
func (t *Transport) DecodeErrors() uint64 {
	return t.decodeErrors.Load()
}

// Close shuts the channel with a normal closure. Every timer is stopped
// before the close frame goes out. Safe to call multiple times.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closing.Store(true)
		t.shutdown()
		err = t.conn.Close(websocket.StatusNormalClosure, "intentional disconnect")
		t.cancel()
	})
	return err
}

// shutdown marks the channel closed and cancels every timer it owns.
func (t *Transport) shutdown() {
	t.open.Store(false)
	t.sched.Stop()

	t.mu.Lock()
	t.keepalive.Stop()
	t.keepalive = nil
	t.mu.Unlock()
}

func (t *Transport) requestSnapshot() {
	if !t.IsOpen() {
		return
	}
	id, err := t.sender.Invoke(t.ctx, t.cfg.RequestMethod)
	if err != nil {
		// the read loop reports the close; nothing to do here
		t.log.Debug().Err(err).Msg("snapshot request not sent")
		return
	}
	t.log.Trace().Uint64("id", id).Msg("snapshot requested")
}

func (t *Transport) armKeepalive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.IsOpen() {
		return
	}
	t.keepalive = t.clock.AfterFunc(t.cfg.Keepalive, t.sendKeepalive)
}

func (t *Transport) sendKeepalive() {
	if !t.IsOpen() {
		return
	}
	if err := t.sender.Keepalive(t.ctx); err != nil {
		t.log.Debug().Err(err).Msg("keepalive not sent")
		return
	}
	t.armKeepalive()
}

func (t *Transport) readLoop() {
	defer close(t.snapshots)

	for {
		typ, data, err := t.conn.Read(t.ctx)
		if err != nil {
			t.shutdown()
			t.signalDisconnect(err)
			t.cancel()
			return
		}
		if typ != websocket.MessageText {
			t.log.Debug().Str("type", typ.String()).Msg("ignoring non-text frame")
			continue
		}
		t.handleFrame(data)
	}
}

// handleFrame never fails the channel: a frame we cannot use is logged
// and dropped.
func (t *Transport) handleFrame(data []byte) {
	frame, err := envelope.Parse(data)
	if err != nil {
		t.dropFrame(data, err)
		return
	}

	switch frame.Kind {
	case envelope.FrameKeepalive:
		t.log.Trace().Msg("keepalive")
	case envelope.FrameResults:
		for _, result := range frame.Results {
			if !result.Is(t.cfg.UpdateMethod) {
				t.log.Debug().Str("method", result.Method).Msg("ignoring hub method")
				continue
			}
			doc, err := result.Payload()
			if err != nil {
				t.dropFrame(data, err)
				continue
			}
			t.deliver(transport.Snapshot{
				Data:       doc,
				Source:     transport.KindFrame,
				ReceivedAt: t.clock.Now(),
			})
		}
	case envelope.FrameAck:
		t.log.Debug().Str("cursor", frame.Cursor).Msg("connection ack")
	case envelope.FrameState:
		t.log.Debug().Int("state", frame.State).Msg("state notice")
	case envelope.FrameReply:
		t.log.Trace().Str("id", frame.InvocationID).Msg("invocation reply")
	case envelope.FrameHubError:
		t.log.Warn().Str("id", frame.InvocationID).Str("error", frame.Error).Msg("hub rejected invocation")
	}
}

func (t *Transport) dropFrame(data []byte, err error) {
	t.decodeErrors.Add(1)
	t.log.Warn().Err(transport.NewFrameDecodeError(data, err)).Msg("dropping frame")
}

// deliver blocks while the consumer is behind, which pushes back on the
// read loop. It gives up once the channel is being torn down.
func (t *Transport) deliver(snap transport.Snapshot) {
	select {
	case t.snapshots <- snap:
	case <-t.ctx.Done():
	}
}

// signalDisconnect sends exactly one disconnect event.
// A close we asked for, or a normal closure (1000) from the server, is
// clean. Everything else, including 1001 from a restarting server, is
// unexpected and should be reconnected.
func (t *Transport) signalDisconnect(err error) {
	event := transport.DisconnectEvent{Code: int(websocket.CloseStatus(err))}

	switch {
	case t.closing.Load():
		event.Reason = transport.ReasonClosedClean
		event.Code = int(websocket.StatusNormalClosure)
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
		event.Reason = transport.ReasonClosedClean
	case errors.Is(err, context.DeadlineExceeded):
		event.Reason = transport.ReasonTimeout
		event.Err = err
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	if event.Unexpected() {
		t.log.Warn().Err(event.AsError()).Msg("hub channel lost")
	} else {
		t.log.Info().Int("code", event.Code).Msg("hub channel closed")
	}

	select {
	case t.disconnect <- event:
	default:
	}
}

// connWriter is the sender's view of the channel.
type connWriter struct {
	t *Transport
}

func (w connWriter) WriteText(ctx context.Context, data []byte) error {
	if !w.t.IsOpen() {
		return transport.ErrTransportClosed
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := w.t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
	}
	return nil
}
