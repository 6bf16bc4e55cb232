// Package file is a fixture of recorded telemetry snapshots on disk. The
// CLI records into it and the mock hub replays it.
package file

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrEmpty is returned by Next when the fixture holds no frames.
var ErrEmpty = errors.New("file: fixture is empty")

// Frame is one recorded snapshot.
type Frame struct {
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Store holds the frames of one fixture file. Frames are kept in memory
// and written back only by Flush.
type Store struct {
	mu     sync.Mutex
	path   string
	frames []Frame
	next   int
}

// New opens the fixture at path. A missing file is an empty fixture and
// is created on the first Flush.
func New(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load fixture from %s: %w", path, err)
	}
	return s, nil
}

// Append records one snapshot. data must be a JSON document; it is
// stored compacted, which is also how Next returns it after a reload.
func (s *Store) Append(at time.Time, data json.RawMessage) error {
	compacted, err := compact(data)
	if err != nil {
		return fmt.Errorf("file: frame at %s is not valid JSON: %w", at.Format(time.RFC3339Nano), err)
	}
	s.mu.Lock()
	s.frames = append(s.frames, Frame{At: at, Data: compacted})
	s.mu.Unlock()
	return nil
}

// Next returns the next frame's data for replay, wrapping around at the
// end.
func (s *Store) Next() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil, ErrEmpty
	}
	f := s.frames[s.next]
	s.next = (s.next + 1) % len(s.frames)
	return f.Data, nil
}

// Len returns how many frames the fixture holds.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Flush writes every frame to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// MarshalIndent would re-indent every payload as well
	data, err := json.Marshal(s.frames)
	if err != nil {
		return err
	}

	// temp file then rename, so a crash mid-write leaves the old fixture
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var frames []Frame
	if err := json.Unmarshal(data, &frames); err != nil {
		return err
	}
	for i := range frames {
		data, err := compact(frames[i].Data)
		if err != nil {
			return fmt.Errorf("frame %d has no data: %w", i, err)
		}
		frames[i].Data = data
	}
	s.frames = frames
	return nil
}

func compact(data json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
