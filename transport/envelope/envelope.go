// Package envelope encodes and classifies the JSON frames exchanged with
// the telemetry hub over the persistent channel.
//
// Outbound, the client only ever sends invocations:
//
//	{"H":"ets2telemetryhub","M":"RequestData","A":[],"I":7}
//
// plus the literal keepalive frame {}. Inbound, the server sends
// invocation results, connection acks, state notices, replies to our
// invocations, hub errors and empty keepalives.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoArguments    = errors.New("envelope: result carries no arguments")
	ErrInvalidPayload = errors.New("envelope: result payload is not a JSON document")
)

// Keepalive is the frame sent periodically to hold the channel open.
var Keepalive = []byte("{}")

// Invocation is a call from the client to a hub method.
type Invocation struct {
	Hub    string `json:"H"`
	Method string `json:"M"`
	Args   []any  `json:"A"`
	ID     uint64 `json:"I"`
}

// Encode renders the invocation. A nil argument list is sent as [], the
// server rejects a null A.
func (inv Invocation) Encode() ([]byte, error) {
	if inv.Args == nil {
		inv.Args = []any{}
	}
	return json.Marshal(inv)
}

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	FrameKeepalive FrameKind = iota // empty, whitespace, {} or null
	FrameResults                    // carries one or more invocation results
	FrameAck                        // connection ack, only a message cursor
	FrameState                      // state notice, e.g. the init frame after connect
	FrameReply                      // reply to one of our invocations
	FrameHubError                   // the hub rejected one of our invocations
)

func (k FrameKind) String() string {
	switch k {
	case FrameKeepalive:
		return "keepalive"
	case FrameResults:
		return "results"
	case FrameAck:
		return "ack"
	case FrameState:
		return "state"
	case FrameReply:
		return "reply"
	case FrameHubError:
		return "hub_error"
	default:
		return "unknown"
	}
}

// Result is one hub-to-client invocation inside a results frame.
type Result struct {
	Hub    string            `json:"H"`
	Method string            `json:"M"`
	Args   []json.RawMessage `json:"A"`
}

// Is reports whether the result invokes method. Hub method names are
// matched case-insensitively; servers emit both updateData and UpdateData.
func (r Result) Is(method string) bool {
	return strings.EqualFold(r.Method, method)
}

// Payload returns the document in the first argument. Servers send it as
// a JSON string holding the encoded document; a bare object or array is
// accepted as well.
func (r Result) Payload() (json.RawMessage, error) {
	if len(r.Args) == 0 {
		return nil, ErrNoArguments
	}

	first := bytes.TrimSpace(r.Args[0])
	if len(first) > 0 && first[0] == '"' {
		var encoded string
		if err := json.Unmarshal(first, &encoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		first = bytes.TrimSpace([]byte(encoded))
	}

	if len(first) == 0 || bytes.Equal(first, []byte("null")) || !json.Valid(first) {
		return nil, ErrInvalidPayload
	}
	doc := make(json.RawMessage, len(first))
	copy(doc, first)
	return doc, nil
}

// Frame is a parsed inbound frame.
type Frame struct {
	Kind         FrameKind
	Cursor       string   // message cursor from C, when present
	State        int      // S, when Kind is FrameState
	Results      []Result // M, when Kind is FrameResults
	InvocationID string   // I, for replies and hub errors
	Error        string   // E, for hub errors
}

type wireFrame struct {
	C json.RawMessage `json:"C"`
	S *int            `json:"S"`
	M []Result        `json:"M"`
	I json.RawMessage `json:"I"`
	E *string         `json:"E"`
}

// Parse classifies one text frame. An error means the frame is garbage
// and should be dropped; it never means the channel is broken.
func Parse(data []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Frame{Kind: FrameKeepalive}, nil
	}

	var wire wireFrame
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Frame{}, err
	}

	frame := Frame{Cursor: scalar(wire.C)}
	switch {
	case len(wire.M) > 0:
		frame.Kind = FrameResults
		frame.Results = wire.M
	case wire.E != nil:
		frame.Kind = FrameHubError
		frame.Error = *wire.E
		frame.InvocationID = scalar(wire.I)
	case len(wire.I) > 0:
		frame.Kind = FrameReply
		frame.InvocationID = scalar(wire.I)
	case wire.S != nil:
		frame.Kind = FrameState
		frame.State = *wire.S
	case frame.Cursor != "":
		frame.Kind = FrameAck
	default:
		frame.Kind = FrameKeepalive
	}
	return frame, nil
}

// scalar renders a JSON string or number as plain text.
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
