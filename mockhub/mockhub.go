// Package mockhub is an in-process stand-in for the simulation's
// telemetry server. It negotiates connections, serves the hub channel
// over a websocket and answers the polling endpoint, and it can be told
// to misbehave: refuse negotiation, disable the channel, fail chosen
// poll ticks or drop live channels with a chosen close code.
package mockhub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"

	"github.com/risa-org/hubfeed/negotiate"
	"github.com/risa-org/hubfeed/session"
	"github.com/risa-org/hubfeed/store/file"
	"github.com/risa-org/hubfeed/store/memory"
	"github.com/risa-org/hubfeed/transport/envelope"
	"github.com/risa-org/hubfeed/transport/hub"
	"github.com/risa-org/hubfeed/transport/poll"
)

// AffinityCookie is set by negotiate and counted on connect, the way a
// load balancer pins a client to one node.
const AffinityCookie = "HubAffinity"

const (
	protocolVersion = "1.5"
	writeWait       = 5 * time.Second
	readLimit       = 1 << 20
)

// Options configures a Server.
type Options struct {
	HubName string      // hub.DefaultHubName when empty
	Fixture *file.Store // replayed in order; synthetic documents when nil
	Secret  []byte      // token signing key; random when nil
	Logger  zerolog.Logger
}

// Stats counts what the server has seen.
type Stats struct {
	Negotiations    uint64
	Connects        uint64
	Rejected        uint64 // connect attempts refused before the upgrade
	AffinityCookies uint64 // connects that carried the negotiate cookie
	Requests        uint64 // request invocations answered
	Keepalives      uint64
	Polls           uint64
	PollFailures    uint64
	OpenChannels    int
}

// Server is the mock telemetry server. It is an http.Handler.
type Server struct {
	hubName  string
	fixture  *file.Store
	issuer   *session.TokenIssuer
	conns    *memory.Store
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	log      zerolog.Logger

	mu                 sync.Mutex
	negotiateStatus    int
	persistentDisabled bool
	pollFailures       map[uint64]int
	channels           map[string]*channel

	documents       atomic.Uint64
	negotiations    atomic.Uint64
	connects        atomic.Uint64
	rejected        atomic.Uint64
	affinityCookies atomic.Uint64
	requests        atomic.Uint64
	keepalives      atomic.Uint64
	polls           atomic.Uint64
	pollFailed      atomic.Uint64
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	var issuer *session.TokenIssuer
	if opts.Secret != nil {
		issuer = session.NewTokenIssuer(opts.Secret)
	} else {
		var err error
		if issuer, err = session.NewRandomTokenIssuer(); err != nil {
			return nil, fmt.Errorf("mockhub: %w", err)
		}
	}
	hubName := opts.HubName
	if hubName == "" {
		hubName = hub.DefaultHubName
	}

	s := &Server{
		hubName:      hubName,
		fixture:      opts.Fixture,
		issuer:       issuer,
		conns:        memory.New(),
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		mux:          http.NewServeMux(),
		log:          opts.Logger.With().Str("component", "mockhub").Logger(),
		pollFailures: make(map[uint64]int),
		channels:     make(map[string]*channel),
	}
	s.mux.HandleFunc(negotiate.Path, s.handleNegotiate)
	s.mux.HandleFunc(hub.ConnectPath, s.handleConnect)
	s.mux.Handle(poll.Path, gzhttp.GzipHandler(http.HandlerFunc(s.handlePoll)))
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// SetNegotiateStatus makes negotiate answer with code. 0 restores
// normal behavior.
func (s *Server) SetNegotiateStatus(code int) {
	s.mu.Lock()
	s.negotiateStatus = code
	s.mu.Unlock()
}

// SetPersistentEnabled controls TryWebSockets in negotiate responses and
// whether connect upgrades at all.
func (s *Server) SetPersistentEnabled(enabled bool) {
	s.mu.Lock()
	s.persistentDisabled = !enabled
	s.mu.Unlock()
}

// FailPolls makes the given poll ticks, counted from 1 across the
// server's life, answer with status code.
func (s *Server) FailPolls(code int, ticks ...uint64) {
	s.mu.Lock()
	for _, tick := range ticks {
		s.pollFailures[tick] = code
	}
	s.mu.Unlock()
}

// DropChannels closes every open hub channel. A code of 0 or less cuts
// the connection without a close frame. It returns how many channels
// were dropped.
func (s *Server) DropChannels(code int, reason string) int {
	s.mu.Lock()
	open := make([]*channel, 0, len(s.channels))
	for _, ch := range s.channels {
		open = append(open, ch)
	}
	s.mu.Unlock()

	for _, ch := range open {
		ch.drop(code, reason)
	}
	return len(open)
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	open := len(s.channels)
	s.mu.Unlock()
	return Stats{
		Negotiations:    s.negotiations.Load(),
		Connects:        s.connects.Load(),
		Rejected:        s.rejected.Load(),
		AffinityCookies: s.affinityCookies.Load(),
		Requests:        s.requests.Load(),
		Keepalives:      s.keepalives.Load(),
		Polls:           s.polls.Load(),
		PollFailures:    s.pollFailed.Load(),
		OpenChannels:    open,
	}
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.negotiations.Add(1)

	s.mu.Lock()
	status, disabled := s.negotiateStatus, s.persistentDisabled
	s.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	id, err := session.NewID()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	token := s.issuer.Issue(id)
	s.conns.Create(session.Session{ID: id, Token: token, ProtocolVersion: protocolVersion, IssuedAt: time.Now()})

	keepAlive := 20.0
	resp := negotiate.Response{
		URL:                     "/signalr",
		ConnectionToken:         token,
		ConnectionID:            id,
		KeepAliveTimeout:        &keepAlive,
		DisconnectTimeout:       30,
		ConnectionTimeout:       110,
		TryWebSockets:           !disabled,
		ProtocolVersion:         protocolVersion,
		TransportConnectTimeout: 5,
	}

	http.SetCookie(w, &http.Cookie{Name: AffinityCookie, Value: id, Path: "/"})
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn().Err(err).Msg("writing negotiate response")
		return
	}
	s.log.Debug().Str("connection_id", id).Msg("negotiated")
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := s.admit(q)
	if err != nil {
		s.rejected.Add(1)
		s.log.Info().Err(err).Msg("connect refused")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if _, err := r.Cookie(AffinityCookie); err == nil {
		s.affinityCookies.Add(1)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request
		s.conns.Release(id)
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	conn.SetReadLimit(readLimit)
	s.connects.Add(1)

	_, cursor, _ := s.conns.Get(id)
	ch := &channel{id: id, conn: conn, cursor: cursor}
	s.mu.Lock()
	s.channels[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.channels, id)
		s.mu.Unlock()
		s.conns.Delete(id)
		conn.Close()
		s.log.Debug().Str("connection_id", id).Msg("channel closed")
	}()

	s.log.Debug().Str("connection_id", id).Msg("channel open")
	if err := ch.write(serverFrame{C: ch.nextCursor(), S: 1}); err != nil {
		return
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := s.handleInbound(ch, data); err != nil {
			s.log.Debug().Err(err).Str("connection_id", id).Msg("write failed")
			return
		}
	}
}

var (
	errBadTransport  = errors.New("unsupported transport")
	errDisabled      = errors.New("websockets are disabled")
	errUnknownHub    = errors.New("unknown hub")
	errNotNegotiated = errors.New("connection was not negotiated or is already open")
)

// admit checks a connect request and marks its connection open.
func (s *Server) admit(q url.Values) (string, error) {
	if q.Get("transport") != hub.TransportName {
		return "", errBadTransport
	}
	s.mu.Lock()
	disabled := s.persistentDisabled
	s.mu.Unlock()
	if disabled {
		return "", errDisabled
	}
	if !s.hubRequested(q.Get("connectionData")) {
		return "", errUnknownHub
	}
	id, err := s.issuer.Verify(q.Get("connectionToken"))
	if err != nil {
		return "", err
	}
	if !s.conns.Open(id) {
		return "", errNotNegotiated
	}
	return id, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidToken), errors.Is(err, errNotNegotiated):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) hubRequested(connectionData string) bool {
	var hubs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(connectionData), &hubs); err != nil {
		return false
	}
	for _, h := range hubs {
		if strings.EqualFold(h.Name, s.hubName) {
			return true
		}
	}
	return false
}

// handleInbound answers one client frame. Only write errors are returned.
func (s *Server) handleInbound(ch *channel, data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, envelope.Keepalive) {
		s.keepalives.Add(1)
		return nil
	}

	var inv envelope.Invocation
	if err := json.Unmarshal(trimmed, &inv); err != nil {
		s.log.Warn().Err(err).Str("connection_id", ch.id).Msg("unparseable client frame")
		return nil
	}
	invocationID := strconv.FormatUint(inv.ID, 10)

	if !strings.EqualFold(inv.Hub, s.hubName) {
		return ch.write(serverFrame{I: invocationID, E: fmt.Sprintf("hub %q not found", inv.Hub)})
	}
	if !strings.EqualFold(inv.Method, hub.DefaultRequestMethod) {
		return ch.write(serverFrame{I: invocationID, E: fmt.Sprintf("method %q not found", inv.Method)})
	}

	doc, err := s.document()
	if err != nil {
		return ch.write(serverFrame{I: invocationID, E: err.Error()})
	}
	s.requests.Add(1)
	update := envelope.Result{Hub: s.hubName, Method: hub.DefaultUpdateMethod, Args: []json.RawMessage{doc}}
	if err := ch.write(serverFrame{C: ch.nextCursor(), M: []envelope.Result{update}}); err != nil {
		return err
	}
	return ch.write(serverFrame{I: invocationID})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tick := s.polls.Add(1)

	s.mu.Lock()
	code := s.pollFailures[tick]
	s.mu.Unlock()
	if code != 0 {
		s.pollFailed.Add(1)
		http.Error(w, http.StatusText(code), code)
		return
	}

	doc, err := s.document()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc)
}

// document returns the next telemetry document: the fixture's next frame
// or a synthetic one whose numbers move on every call.
func (s *Server) document() (json.RawMessage, error) {
	if s.fixture != nil && s.fixture.Len() > 0 {
		return s.fixture.Next()
	}
	return Synthetic(s.documents.Add(1), time.Now())
}

// Telemetry is the shape of a synthetic document. It carries a subset
// of the fields the real server sends.
type Telemetry struct {
	Game  Game  `json:"game"`
	Truck Truck `json:"truck"`
}

type Game struct {
	Connected bool      `json:"connected"`
	Paused    bool      `json:"paused"`
	Time      time.Time `json:"time"`
	Sequence  uint64    `json:"sequence"`
}

type Truck struct {
	Speed     float64 `json:"speed"`
	EngineRPM float64 `json:"engineRpm"`
	Gear      int     `json:"gear"`
	Fuel      float64 `json:"fuel"`
}

// Synthetic builds document n.
func Synthetic(n uint64, at time.Time) (json.RawMessage, error) {
	speed := float64(n % 120)
	doc := Telemetry{
		Game: Game{Connected: true, Time: at.UTC(), Sequence: n},
		Truck: Truck{
			Speed:     speed,
			EngineRPM: 600 + speed*15,
			Gear:      1 + int(speed)/20,
			Fuel:      400 - float64(n%400),
		},
	}
	return json.Marshal(doc)
}

// serverFrame is every frame the server sends, distinguished by which
// fields are set.
type serverFrame struct {
	C string            `json:"C,omitempty"`
	S int               `json:"S,omitempty"`
	M []envelope.Result `json:"M,omitempty"`
	I string            `json:"I,omitempty"`
	E string            `json:"E,omitempty"`
}

// channel is one open hub channel on the server side.
type channel struct {
	id     string
	conn   *websocket.Conn
	cursor *session.Sequencer

	writeMu sync.Mutex // gorilla allows one writer at a time
}

func (c *channel) nextCursor() string {
	return fmt.Sprintf("d-%s,%d", shortID(c.id), c.cursor.Next())
}

func (c *channel) write(f serverFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *channel) drop(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if code > 0 {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	}
	_ = c.conn.Close()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
