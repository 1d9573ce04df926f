package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/vcampipe/frame"
)

// SimDevice is an in-process capture device producing synthetic BGR24
// frames. It stands in for camera hardware in tests and in the bundled
// runner, and can script failure modes: open failures, capture timeouts,
// and device loss after a frame budget.
type SimDevice struct {
	mu       sync.Mutex
	info     DeviceInfo
	mode     Mode
	opened   bool
	produced int

	// Interval paces NextFrame when non-zero. An Interval longer than
	// the caller's timeout produces ErrCaptureTimeout, which is how the
	// stale-device path is exercised.
	Interval time.Duration

	// FailAfter forces ErrDeviceLost once this many frames have been
	// produced since the device was created. Zero disables.
	FailAfter int

	// OpenFailures makes the next N Open calls fail.
	OpenFailures int
}

// NewSimDevice creates a simulated device advertising the given modes.
// With no capabilities it defaults to 640x480 at up to 30 FPS.
func NewSimDevice(id, name string, caps ...Capability) *SimDevice {
	if len(caps) == 0 {
		caps = []Capability{{Width: 640, Height: 480, MaxFPS: 30}}
	}
	return &SimDevice{
		info: DeviceInfo{ID: id, Name: name, Capabilities: caps},
	}
}

// Info returns the simulated device identity.
func (d *SimDevice) Info() DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// Open opens the device, honoring any scripted open failures.
func (d *SimDevice) Open(mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.OpenFailures > 0 {
		d.OpenFailures--
		return errors.New("simulated open failure")
	}

	d.mode = mode
	d.opened = true
	return nil
}

// NextFrame produces the next synthetic frame buffer.
func (d *SimDevice) NextFrame(timeout time.Duration) ([]byte, frame.PixelFormat, error) {
	d.mu.Lock()
	if !d.opened {
		d.mu.Unlock()
		return nil, 0, ErrDeviceLost
	}
	if d.FailAfter > 0 && d.produced >= d.FailAfter {
		d.opened = false
		d.mu.Unlock()
		return nil, 0, ErrDeviceLost
	}
	mode := d.mode
	interval := d.Interval
	n := d.produced
	d.mu.Unlock()

	if interval > 0 {
		if interval > timeout {
			time.Sleep(timeout)
			return nil, 0, ErrCaptureTimeout
		}
		time.Sleep(interval)
	}

	d.mu.Lock()
	d.produced++
	d.mu.Unlock()

	return synthesize(mode.Width, mode.Height, n), frame.FormatBGR24, nil
}

// Close marks the device closed. Idempotent.
func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	return nil
}

// Produced returns the number of frames generated since creation.
func (d *SimDevice) Produced() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.produced
}

// synthesize renders a deterministic moving gradient so consecutive
// frames differ but any (width, height, n) triple reproduces exactly.
func synthesize(width, height, n int) []byte {
	data := make([]byte, width*height*3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			off := (y*width + x) * 3
			data[off] = byte((x + n) % 256)
			data[off+1] = byte((y + n) % 256)
			data[off+2] = byte((x + y + n) % 256)
		}
	}
	return data
}
