// Package negotiate performs the one-shot handshake that opens every hub
// connection attempt: ask the server for a connection token and find out
// whether it will accept the persistent channel at all.
//
// There are no retries here. Whether and when to try again is the
// supervisor's decision.
package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/risa-org/hubfeed/clock"
	"github.com/risa-org/hubfeed/session"
	"github.com/risa-org/hubfeed/transport/httpx"
)

const (
	// Path is where the server answers negotiation requests.
	Path = "/signalr/negotiate"

	// VersionQuery is the fixed protocol-version query parameter.
	VersionQuery = "negotiateVersion=1"
)

// Reason constants say which check a failed negotiation tripped.
const (
	ReasonRequestFailed         = "request_failed"
	ReasonBadStatus             = "bad_status"
	ReasonMalformedBody         = "malformed_body"
	ReasonMissingToken          = "missing_token"
	ReasonPersistentUnsupported = "persistent_unsupported"
)

// Error is returned for every failed negotiation.
type Error struct {
	Reason     string
	StatusCode int   // HTTP status, when a response arrived
	Err        error // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("negotiate: ")
	b.WriteString(e.Reason)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Response is the negotiate response body. Timeouts are in seconds.
type Response struct {
	URL                     string   `json:"Url"`
	ConnectionToken         string   `json:"ConnectionToken"`
	ConnectionID            string   `json:"ConnectionId"`
	KeepAliveTimeout        *float64 `json:"KeepAliveTimeout"` // null when the server disables keepalive
	DisconnectTimeout       float64  `json:"DisconnectTimeout"`
	ConnectionTimeout       float64  `json:"ConnectionTimeout"`
	TryWebSockets           bool     `json:"TryWebSockets"`
	ProtocolVersion         string   `json:"ProtocolVersion"`
	TransportConnectTimeout float64  `json:"TransportConnectTimeout"`
	LongPollDelay           float64  `json:"LongPollDelay"`
}

// Client negotiates against one server at a time.
type Client struct {
	http  *http.Client
	clock clock.Clock
	log   zerolog.Logger
}

// NewClient creates a negotiation client. httpClient should be the
// shared client from httpx so cookies reach the channel upgrade.
func NewClient(httpClient *http.Client, c clock.Clock, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if c == nil {
		c = clock.Real()
	}
	return &Client{
		http:  httpClient,
		clock: c,
		log:   log.With().Str("component", "negotiate").Logger(),
	}
}

// Negotiate asks serverURL for a new connection. Every failure is an
// *Error.
//
// Checks, in order:
//  1. the request reaches the server
//  2. the status is 2xx
//  3. the body parses
//  4. the token is non-empty
//  5. the server says the persistent channel is usable
func (c *Client) Negotiate(ctx context.Context, serverURL string) (session.Session, error) {
	endpoint, err := httpx.Endpoint(serverURL, Path)
	if err != nil {
		return session.Session{}, &Error{Reason: ReasonRequestFailed, Err: err}
	}
	endpoint.RawQuery = VersionQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), nil)
	if err != nil {
		return session.Session{}, &Error{Reason: ReasonRequestFailed, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.log.Debug().Str("url", endpoint.String()).Msg("negotiating")

	// step 1
	resp, err := c.http.Do(req)
	if err != nil {
		return session.Session{}, &Error{Reason: ReasonRequestFailed, Err: err}
	}
	defer resp.Body.Close()

	// step 2
	if !httpx.Success(resp.StatusCode) {
		return session.Session{}, &Error{
			Reason:     ReasonBadStatus,
			StatusCode: resp.StatusCode,
			Err:        errors.New(resp.Status),
		}
	}

	// step 3
	body, err := httpx.ReadBody(resp.Body)
	if err != nil {
		return session.Session{}, &Error{Reason: ReasonMalformedBody, StatusCode: resp.StatusCode, Err: err}
	}
	var parsed Response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return session.Session{}, &Error{Reason: ReasonMalformedBody, StatusCode: resp.StatusCode, Err: err}
	}

	// step 4
	if parsed.ConnectionToken == "" {
		return session.Session{}, &Error{Reason: ReasonMissingToken, StatusCode: resp.StatusCode}
	}

	// step 5
	if !parsed.TryWebSockets {
		return session.Session{}, &Error{Reason: ReasonPersistentUnsupported, StatusCode: resp.StatusCode}
	}

	sess := parsed.Session(c.clock.Now())
	c.log.Debug().
		Str("connection_id", sess.ID).
		Str("protocol", sess.ProtocolVersion).
		Msg("negotiated")
	return sess, nil
}

// Session converts the response into the record handed to the hub transport.
func (r Response) Session(issuedAt time.Time) session.Session {
	sess := session.Session{
		ID:                      r.ConnectionID,
		Token:                   r.ConnectionToken,
		ProtocolVersion:         r.ProtocolVersion,
		URL:                     r.URL,
		IssuedAt:                issuedAt,
		DisconnectTimeout:       seconds(r.DisconnectTimeout),
		TransportConnectTimeout: seconds(r.TransportConnectTimeout),
	}
	if r.KeepAliveTimeout != nil {
		sess.KeepAliveTimeout = seconds(*r.KeepAliveTimeout)
	}
	return sess
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
