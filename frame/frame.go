// Package frame defines the frame type passed through the capture,
// transform, and publish stages of the pipeline.
//
// A Frame is produced once by the capture stage and treated as immutable
// from then on. Stages that need to modify pixel data clone the frame
// first; the original buffer is never written after production. Exactly
// one stage owns a frame at a time, so no locking is required on the
// frame itself.
package frame

import (
	"fmt"
	"sync/atomic"
	"time"
)

// PixelFormat identifies the layout of a frame's pixel buffer.
type PixelFormat int

const (
	// FormatBGR24 is packed 8-bit blue/green/red, 3 bytes per pixel.
	// This is the native working format of the pipeline.
	FormatBGR24 PixelFormat = iota
	// FormatGray8 is single-channel 8-bit luminance, 1 byte per pixel.
	FormatGray8
)

// String returns a human-readable format name.
func (pf PixelFormat) String() string {
	switch pf {
	case FormatBGR24:
		return "bgr24"
	case FormatGray8:
		return "gray8"
	default:
		return fmt.Sprintf("unknown(%d)", int(pf))
	}
}

// BytesPerPixel returns the per-pixel byte count for the format.
func (pf PixelFormat) BytesPerPixel() int {
	switch pf {
	case FormatBGR24:
		return 3
	case FormatGray8:
		return 1
	default:
		return 0
	}
}

// Frame is one captured image plus its capture metadata.
//
// Seq is a session-wide monotonically increasing sequence number assigned
// by the capture stage. CapturedAt is taken from a monotonic clock at
// capture time and anchors end-to-end latency measurement.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	Format     PixelFormat
	Seq        uint64
	CapturedAt time.Time
}

// Validate checks that the frame dimensions and buffer size are coherent.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("frame cannot be nil")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame dimensions: %dx%d", f.Width, f.Height)
	}
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("unsupported pixel format: %s", f.Format)
	}
	expected := f.Width * f.Height * bpp
	if len(f.Data) < expected {
		return fmt.Errorf("pixel buffer too small: got %d, expected %d", len(f.Data), expected)
	}
	return nil
}

// Clone returns a deep copy of the frame. Transforms operate on clones so
// the captured buffer stays untouched.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	dup := *f
	dup.Data = make([]byte, len(f.Data))
	copy(dup.Data, f.Data)
	return &dup
}

// Sequencer hands out strictly increasing sequence numbers.
//
// A single Sequencer lives for the whole pipeline session so numbering
// stays monotonic across device reopens. Safe for concurrent use, though
// capture is the only producer in practice.
type Sequencer struct {
	last uint64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequencer) Next() uint64 {
	return atomic.AddUint64(&s.last, 1)
}

// Last returns the most recently issued sequence number, 0 if none.
func (s *Sequencer) Last() uint64 {
	return atomic.LoadUint64(&s.last)
}
