package protocol

import (
	"errors"
	"fmt"
	"io"
)

// DefaultMaxMessageBytes is the stdio channel limit (1 MiB).
const DefaultMaxMessageBytes uint32 = 1024 * 1024

var (
	// ErrFramingViolation means the peer closed the stream in the middle of a frame.
	ErrFramingViolation = errors.New("protocol: stream closed mid-message")
	// ErrMessageTooLarge means a header declared more bytes than the channel allows.
	ErrMessageTooLarge = errors.New("protocol: message too large")
)

// OversizeError carries the rejected length so callers can log it.
type OversizeError struct {
	Length uint32
	Max    uint32
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("protocol: declared length %d exceeds limit %d", e.Length, e.Max)
}

func (e *OversizeError) Unwrap() error {
	return ErrMessageTooLarge
}

// ReadExact reads exactly n bytes from r.
//
//   - all n bytes arrived           → buf, nil
//   - stream ended before any byte  → nil, io.EOF (clean shutdown)
//   - stream ended after 1..n-1     → nil, ErrFramingViolation
//
// It never returns a short buffer.
func ReadExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.EOF) && got == 0:
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrFramingViolation, got, n)
	default:
		return nil, fmt.Errorf("protocol: read %d of %d bytes: %w", got, n, err)
	}
}

// CheckLength is the bounded message guard. It must run before any body
// allocation: an adversarial header may declare up to 4 GiB.
func CheckLength(length, max uint32) error {
	if length > max {
		return &OversizeError{Length: length, Max: max}
	}
	return nil
}

// ReadFrame reads one frame body from r, enforcing max.
//
// io.EOF is returned only when the stream ended cleanly before a new header. A body
// that ends early, even before its first byte, is a framing violation because the
// header already committed the peer to sending it.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	header, err := ReadExact(r, HeaderSize)
	if err != nil {
		return nil, err
	}

	length := DecodeHeader(header)
	if err := CheckLength(length, max); err != nil {
		return nil, err
	}
	return ReadBody(r, length)
}

// ReadBody reads a body of length bytes announced by an already-checked header.
// Any early end of stream is a framing violation.
func ReadBody(r io.Reader, length uint32) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	body, err := ReadExact(r, int(length))
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: got 0 of %d body bytes", ErrFramingViolation, length)
	}
	return body, err
}

// Limits constrains how much memory a single frame may claim.
type Limits struct {
	MaxMessageBytes uint32
}

// DefaultLimits returns the stdio-channel limits.
func DefaultLimits() Limits {
	return Limits{MaxMessageBytes: DefaultMaxMessageBytes}
}

// FrameReader reads successive frames from one stream with fixed limits.
type FrameReader struct {
	r      io.Reader
	limits Limits
}

// NewFrameReader creates a FrameReader. A zero MaxMessageBytes falls back to the
// default limit.
func NewFrameReader(r io.Reader, limits Limits) *FrameReader {
	if limits.MaxMessageBytes == 0 {
		limits = DefaultLimits()
	}
	return &FrameReader{r: r, limits: limits}
}

// Limits returns the limits in force.
func (fr *FrameReader) Limits() Limits {
	return fr.limits
}

// ReadFrame reads the next frame body.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	return ReadFrame(fr.r, fr.limits.MaxMessageBytes)
}
