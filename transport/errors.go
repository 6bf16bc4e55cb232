package transport

import "fmt"

// maxFrameExcerpt bounds how much of a bad frame is kept for logging.
const maxFrameExcerpt = 128

// OpenError is returned when the hub channel could not be opened.
type OpenError struct {
	URL string
	Err error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("transport: open %s: %v", e.URL, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// FrameDecodeError describes one frame that could not be understood.
// The channel stays open; the frame is dropped.
type FrameDecodeError struct {
	Excerpt string // start of the offending frame
	Err     error
}

// NewFrameDecodeError keeps at most the first 128 bytes of frame.
func NewFrameDecodeError(frame []byte, err error) *FrameDecodeError {
	if len(frame) > maxFrameExcerpt {
		frame = frame[:maxFrameExcerpt]
	}
	return &FrameDecodeError{Excerpt: string(frame), Err: err}
}

func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("transport: decode frame %q: %v", e.Excerpt, e.Err)
}

func (e *FrameDecodeError) Unwrap() error { return e.Err }

// FetchError is one failed poll. StatusCode is zero when no response
// arrived at all.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("poll %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("poll %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
