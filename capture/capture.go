// Package capture implements the frame acquisition side of the pipeline.
//
// A Source wraps a capture Device and yields timestamped, sequence-numbered
// frames. The sequence numbers come from a Sequencer shared across the
// pipeline session, so numbering stays strictly increasing even when the
// device is closed and reopened after a loss.
//
// Device enumeration and hot-plug discovery live outside this package; the
// pipeline consumes a ready DeviceInfo list and treats capability
// mismatches as open-time device errors.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vcampipe/frame"
)

// Sentinel errors for capture operations.
var (
	// ErrDeviceOpen indicates the device could not be opened.
	ErrDeviceOpen = errors.New("device open failed")

	// ErrDeviceLost indicates the device disappeared mid-capture.
	// This pauses the pipeline rather than crashing it.
	ErrDeviceLost = errors.New("capture device lost")

	// ErrCaptureTimeout indicates no frame arrived within the bounded wait.
	ErrCaptureTimeout = errors.New("capture timed out")

	// ErrCapabilityMismatch indicates the device does not support the
	// requested resolution or frame rate.
	ErrCapabilityMismatch = errors.New("device capability mismatch")

	// ErrSourceClosed indicates an operation on a closed source.
	ErrSourceClosed = errors.New("capture source is closed")
)

// Capability describes one resolution/rate mode a device supports.
type Capability struct {
	Width  int
	Height int
	MaxFPS int
}

// DeviceInfo identifies a capture device as reported by the enumeration
// collaborator.
type DeviceInfo struct {
	ID           string
	Name         string
	Capabilities []Capability
}

// Supports reports whether the device advertises the requested mode.
func (d DeviceInfo) Supports(width, height, fps int) bool {
	for _, c := range d.Capabilities {
		if c.Width == width && c.Height == height && c.MaxFPS >= fps {
			return true
		}
	}
	return false
}

// Mode is the negotiated capture configuration.
type Mode struct {
	Width  int
	Height int
	FPS    int
}

// Device is the raw capture device contract the Source drives.
//
// Implementations wrap actual capture backends; tests and the bundled
// runner use the simulated device in this package.
type Device interface {
	// Info returns the device identity and capability list.
	Info() DeviceInfo

	// Open configures and opens the device for the given mode.
	Open(mode Mode) error

	// NextFrame blocks up to timeout for the next raw frame buffer.
	// It returns ErrCaptureTimeout when no frame arrives in time and
	// ErrDeviceLost when the device is gone.
	NextFrame(timeout time.Duration) ([]byte, frame.PixelFormat, error)

	// Close releases the device. Idempotent.
	Close() error
}

// Source yields pipeline frames from a capture device.
//
// Not safe for concurrent CaptureNext calls; the pipeline runs a single
// capture goroutine. Open/Close/CaptureNext may race with each other and
// are guarded.
type Source struct {
	mu     sync.Mutex
	device Device
	seq    *frame.Sequencer
	mode   Mode
	opened bool
}

// NewSource creates a source over the given device. The sequencer is
// owned by the pipeline session and shared across reopens.
func NewSource(device Device, seq *frame.Sequencer) (*Source, error) {
	if device == nil {
		return nil, fmt.Errorf("device cannot be nil")
	}
	if seq == nil {
		return nil, fmt.Errorf("sequencer cannot be nil")
	}
	return &Source{device: device, seq: seq}, nil
}

// Open checks capabilities and opens the device for the requested mode.
//
// A capability mismatch is a device error at open time, per the external
// interface contract with the enumeration collaborator.
func (s *Source) Open(mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := s.device.Info()

	logrus.WithFields(logrus.Fields{
		"function":  "Source.Open",
		"device_id": info.ID,
		"width":     mode.Width,
		"height":    mode.Height,
		"fps":       mode.FPS,
	}).Info("Opening capture device")

	if !info.Supports(mode.Width, mode.Height, mode.FPS) {
		return fmt.Errorf("%w: %s does not support %dx%d@%d",
			ErrCapabilityMismatch, info.ID, mode.Width, mode.Height, mode.FPS)
	}

	if err := s.device.Open(mode); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceOpen, info.ID, err)
	}

	s.mode = mode
	s.opened = true

	logrus.WithFields(logrus.Fields{
		"function":  "Source.Open",
		"device_id": info.ID,
	}).Info("Capture device opened")

	return nil
}

// CaptureNext blocks up to timeout for the next frame.
//
// Timeout expiry is a recoverable condition (stale device, not a crash)
// and surfaces as ErrCaptureTimeout. A lost device surfaces as
// ErrDeviceLost and also marks the source closed so the pipeline reopens
// through Open.
func (s *Source) CaptureNext(timeout time.Duration) (*frame.Frame, error) {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return nil, ErrSourceClosed
	}
	mode := s.mode
	s.mu.Unlock()

	data, format, err := s.device.NextFrame(timeout)
	if err != nil {
		if errors.Is(err, ErrDeviceLost) {
			s.mu.Lock()
			s.opened = false
			s.mu.Unlock()
		}
		return nil, err
	}

	f := &frame.Frame{
		Data:       data,
		Width:      mode.Width,
		Height:     mode.Height,
		Format:     format,
		Seq:        s.seq.Next(),
		CapturedAt: time.Now(),
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: device produced invalid frame: %v", ErrDeviceLost, err)
	}

	return f, nil
}

// Mode returns the currently negotiated mode.
func (s *Source) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// IsOpen reports whether the source currently holds an open device.
func (s *Source) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Close releases the device. Safe to call repeatedly.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return nil
	}
	s.opened = false

	logrus.WithFields(logrus.Fields{
		"function":  "Source.Close",
		"device_id": s.device.Info().ID,
	}).Info("Closing capture device")

	return s.device.Close()
}
