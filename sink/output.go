package sink

import (
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/vcampipe/frame"
)

// MemoryOutput is an in-process Output that retains published frames.
// It backs tests and the bundled runner, and can script blocking writes
// and write failures to exercise the sink's drop and reopen paths.
type MemoryOutput struct {
	mu     sync.Mutex
	opened bool
	frames []*frame.Frame

	// Retain bounds how many frames are kept; older frames are discarded
	// once the bound is exceeded. Zero keeps everything.
	Retain int

	// BlockFor delays each write; a delay past the sink's publish
	// timeout produces ErrSinkTimeout.
	BlockFor time.Duration

	// FailWrites makes the next N writes fail outright.
	FailWrites int

	// FailOpens makes the next N opens fail.
	FailOpens int

	opens int
}

// Open marks the output ready, honoring scripted open failures.
func (m *MemoryOutput) Open(spec OutputSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailOpens > 0 {
		m.FailOpens--
		return errors.New("simulated output open failure")
	}
	m.opened = true
	m.opens++
	return nil
}

// Write stores the frame, honoring scripted delays and failures.
func (m *MemoryOutput) Write(f *frame.Frame, timeout time.Duration) error {
	m.mu.Lock()
	if !m.opened {
		m.mu.Unlock()
		return ErrSinkClosed
	}
	block := m.BlockFor
	m.mu.Unlock()

	if block > 0 {
		if block > timeout {
			time.Sleep(timeout)
			return ErrSinkTimeout
		}
		time.Sleep(block)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites > 0 {
		m.FailWrites--
		return errors.New("simulated write failure")
	}

	m.frames = append(m.frames, f)
	if m.Retain > 0 && len(m.frames) > m.Retain {
		m.frames = m.frames[len(m.frames)-m.Retain:]
	}
	return nil
}

// Close marks the output closed.
func (m *MemoryOutput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = false
	return nil
}

// Frames returns a snapshot of the stored frames.
func (m *MemoryOutput) Frames() []*frame.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*frame.Frame, len(m.frames))
	copy(out, m.frames)
	return out
}

// OpenCount returns how many times Open succeeded, which tests use to
// observe sink reopen behavior.
func (m *MemoryOutput) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// NullOutput accepts and discards every frame. Useful for measuring the
// pipeline without retaining output.
type NullOutput struct {
	mu     sync.Mutex
	opened bool
	writes uint64
}

// Open marks the output ready.
func (n *NullOutput) Open(spec OutputSpec) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened = true
	return nil
}

// Write discards the frame.
func (n *NullOutput) Write(f *frame.Frame, timeout time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.opened {
		return ErrSinkClosed
	}
	n.writes++
	return nil
}

// Close marks the output closed.
func (n *NullOutput) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened = false
	return nil
}

// Writes returns the number of frames accepted.
func (n *NullOutput) Writes() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.writes
}
