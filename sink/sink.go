// Package sink implements the publish side of the pipeline: delivery of
// processed frames to a virtual-camera output device.
//
// Publish never blocks indefinitely. Every write carries a timeout; on
// expiry the frame is dropped and the drop is accounted for, never
// silently discarded. After a run of consecutive publish failures the
// sink closes and reopens the underlying output device.
package sink

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vcampipe/frame"
)

// Sentinel errors for sink operations.
var (
	// ErrSinkOpen indicates the output device could not be opened.
	ErrSinkOpen = errors.New("sink open failed")

	// ErrSinkTimeout indicates the output device did not accept a frame
	// within the bounded wait. The frame is dropped, not retried.
	ErrSinkTimeout = errors.New("sink publish timed out")

	// ErrSinkClosed indicates a publish on a closed sink.
	ErrSinkClosed = errors.New("sink is closed")

	// ErrStaleFrame indicates a frame arrived with a sequence number at
	// or below the last published frame.
	ErrStaleFrame = errors.New("stale frame rejected at sink")
)

// reopenThreshold is the number of consecutive publish failures after
// which the sink recycles the output device.
const reopenThreshold = 5

// OutputSpec describes the virtual camera the sink publishes to.
type OutputSpec struct {
	Width  int
	Height int
	FPS    int
	Format frame.PixelFormat
}

// Output is the virtual-camera device contract.
//
// Write must honor the timeout: implementations return ErrSinkTimeout
// rather than blocking past it.
type Output interface {
	Open(spec OutputSpec) error
	Write(f *frame.Frame, timeout time.Duration) error
	Close() error
}

// Sink publishes processed frames to an Output.
//
// A single publish goroutine drives the sink; configuration setters may
// race with it and are guarded.
type Sink struct {
	mu     sync.Mutex
	output Output
	spec   OutputSpec
	opened bool

	publishTimeout      time.Duration
	scaleDivisor        int
	lastSeq             uint64
	consecutiveFailures int

	published uint64
	dropped   uint64

	// onDrop fires for every frame dropped at the sink, so the
	// performance monitor can account for it.
	onDrop func()
	// onReopen fires after the output device is successfully recycled.
	onReopen func()
}

// NewSink creates a sink over the given output device.
func NewSink(output Output, publishTimeout time.Duration) (*Sink, error) {
	if output == nil {
		return nil, fmt.Errorf("output cannot be nil")
	}
	if publishTimeout <= 0 {
		publishTimeout = 100 * time.Millisecond
	}
	return &Sink{
		output:         output,
		publishTimeout: publishTimeout,
		scaleDivisor:   1,
	}, nil
}

// SetDropCallback registers the drop accounting hook.
func (s *Sink) SetDropCallback(onDrop func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrop = onDrop
}

// SetReopenCallback registers the hook fired after the output device is
// recycled following repeated publish failures.
func (s *Sink) SetReopenCallback(onReopen func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReopen = onReopen
}

// Open opens the output device for the given spec.
func (s *Sink) Open(spec OutputSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Sink.Open",
		"width":    spec.Width,
		"height":   spec.Height,
		"fps":      spec.FPS,
		"format":   spec.Format.String(),
	}).Info("Opening virtual camera output")

	if err := s.output.Open(spec); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkOpen, err)
	}

	s.spec = spec
	s.opened = true
	s.consecutiveFailures = 0
	return nil
}

// SetScaleDivisor requests output downscaling by an integer divisor.
// The adaptive controller uses this at the lowest quality level; a
// divisor of 1 publishes at full resolution.
func (s *Sink) SetScaleDivisor(divisor int) {
	if divisor < 1 {
		divisor = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if divisor != s.scaleDivisor {
		logrus.WithFields(logrus.Fields{
			"function":      "Sink.SetScaleDivisor",
			"scale_divisor": divisor,
		}).Info("Output scale divisor changed")
	}
	s.scaleDivisor = divisor
}

// Publish delivers one frame to the output device.
//
// Frames with non-increasing sequence numbers are rejected with
// ErrStaleFrame and dropped. A write timeout drops the frame, records the
// drop, and returns ErrSinkTimeout; the caller treats a single timeout as
// a recoverable event. Repeated consecutive failures trigger an internal
// close-and-reopen of the output device.
func (s *Sink) Publish(f *frame.Frame) error {
	if f == nil {
		return fmt.Errorf("frame cannot be nil")
	}

	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	if f.Seq <= s.lastSeq {
		last := s.lastSeq
		s.mu.Unlock()
		s.recordDrop()
		logrus.WithFields(logrus.Fields{
			"function":  "Sink.Publish",
			"frame_seq": f.Seq,
			"last_seq":  last,
		}).Warn("Out-of-order frame rejected at sink")
		return fmt.Errorf("%w: seq %d after %d", ErrStaleFrame, f.Seq, last)
	}
	divisor := s.scaleDivisor
	timeout := s.publishTimeout
	s.mu.Unlock()

	out := f
	if divisor > 1 {
		out = Downscale(f, divisor)
	}

	err := s.output.Write(out, timeout)
	if err != nil {
		s.recordDrop()
		s.noteFailure(err)
		if errors.Is(err, ErrSinkTimeout) {
			return ErrSinkTimeout
		}
		return fmt.Errorf("publish failed: %w", err)
	}

	s.mu.Lock()
	s.lastSeq = f.Seq
	s.consecutiveFailures = 0
	s.published++
	s.mu.Unlock()
	return nil
}

// recordDrop bumps the drop counter and fires the accounting hook.
func (s *Sink) recordDrop() {
	s.mu.Lock()
	s.dropped++
	onDrop := s.onDrop
	s.mu.Unlock()
	if onDrop != nil {
		onDrop()
	}
}

// noteFailure counts a consecutive publish failure and recycles the
// output device once the threshold is hit.
func (s *Sink) noteFailure(cause error) {
	s.mu.Lock()
	s.consecutiveFailures++
	failures := s.consecutiveFailures
	spec := s.spec
	shouldReopen := failures >= reopenThreshold && s.opened
	if shouldReopen {
		s.consecutiveFailures = 0
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":             "Sink.noteFailure",
		"consecutive_failures": failures,
		"error":                cause,
	}).Warn("Sink publish failed, frame dropped")

	if !shouldReopen {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Sink.noteFailure",
	}).Info("Reopening virtual camera output after repeated failures")

	if err := s.output.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sink.noteFailure",
			"error":    err,
		}).Warn("Output close before reopen failed")
	}
	if err := s.output.Open(spec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sink.noteFailure",
			"error":    err,
		}).Error("Output reopen failed")
		s.mu.Lock()
		s.opened = false
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	onReopen := s.onReopen
	s.mu.Unlock()
	if onReopen != nil {
		onReopen()
	}
}

// Stats returns the published and dropped frame counts.
func (s *Sink) Stats() (published, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published, s.dropped
}

// IsOpen reports whether the sink holds an open output device.
func (s *Sink) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Close releases the output device. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return nil
	}
	s.opened = false

	logrus.WithFields(logrus.Fields{
		"function":  "Sink.Close",
		"published": s.published,
		"dropped":   s.dropped,
	}).Info("Closing virtual camera output")

	return s.output.Close()
}

// Downscale produces a nearest-neighbor reduced copy of a BGR24 frame.
// Non-BGR24 frames are returned unchanged.
func Downscale(f *frame.Frame, divisor int) *frame.Frame {
	if divisor <= 1 || f.Format != frame.FormatBGR24 {
		return f
	}

	outW := f.Width / divisor
	outH := f.Height / divisor
	if outW < 1 || outH < 1 {
		return f
	}

	out := &frame.Frame{
		Data:       make([]byte, outW*outH*3),
		Width:      outW,
		Height:     outH,
		Format:     f.Format,
		Seq:        f.Seq,
		CapturedAt: f.CapturedAt,
	}

	srcStride := f.Width * 3
	for y := 0; y < outH; y++ {
		srcRow := y * divisor * srcStride
		dstRow := y * outW * 3
		for x := 0; x < outW; x++ {
			src := srcRow + x*divisor*3
			dst := dstRow + x*3
			out.Data[dst] = f.Data[src]
			out.Data[dst+1] = f.Data[src+1]
			out.Data[dst+2] = f.Data[src+2]
		}
	}
	return out
}
