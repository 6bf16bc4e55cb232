// Package sink writes snapshots out of the process, one record per
// snapshot.
package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/risa-org/hubfeed/transport"
)

const (
	FormatJSON = "json" // newline-delimited JSON
	FormatCBOR = "cbor" // CBOR sequence (RFC 8742)
)

// Record is the envelope every snapshot is written in.
type Record struct {
	Source     string    `json:"source" cbor:"source"`
	ReceivedAt time.Time `json:"received_at" cbor:"received_at"`
	Data       any       `json:"data" cbor:"data"`
}

// Writer writes snapshots. Implementations are safe for concurrent use.
type Writer interface {
	Write(snap transport.Snapshot) error
}

// New returns a Writer for format on w.
func New(format string, w io.Writer) (Writer, error) {
	switch strings.ToLower(format) {
	case FormatJSON, "":
		return &jsonWriter{enc: json.NewEncoder(w)}, nil
	case FormatCBOR:
		return &cborWriter{enc: encMode.NewEncoder(w)}, nil
	default:
		return nil, fmt.Errorf("sink: unknown format %q", format)
	}
}

type jsonWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *jsonWriter) Write(snap transport.Snapshot) error {
	if !json.Valid(snap.Data) {
		return fmt.Errorf("sink: snapshot is not valid JSON")
	}
	rec := Record{
		Source:     snap.Source.String(),
		ReceivedAt: snap.ReceivedAt.UTC(),
		Data:       snap.Data,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(rec)
}

// encMode uses Core Deterministic Encoding, so the same snapshot always
// produces the same bytes. Times are RFC 3339 text.
var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("sink: CBOR encoder initialization failed: " + err.Error())
	}
}

type cborWriter struct {
	mu  sync.Mutex
	enc *cbor.Encoder
}

func (w *cborWriter) Write(snap transport.Snapshot) error {
	var data any
	if err := json.Unmarshal(snap.Data, &data); err != nil {
		return fmt.Errorf("sink: snapshot is not valid JSON: %w", err)
	}
	rec := Record{
		Source:     snap.Source.String(),
		ReceivedAt: snap.ReceivedAt.UTC(),
		Data:       data,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(rec)
}
