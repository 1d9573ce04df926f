package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/vcampipe/transform"
)

// ErrInvalidConfig indicates the pipeline configuration failed
// validation. This is fatal at start: surfaced immediately, no retry.
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// Config carries the pipeline parameters.
//
// The initial fields come from the settings collaborator at start. The
// runtime fields (FrameSkip, FPSFactor, ScaleDivisor) are owned by the
// adaptive controller, which is the single writer after start. Stages
// never hold a live reference: they read a consistent copy from the
// Store at the top of each iteration.
type Config struct {
	// Initial fields, fixed at start.
	DeviceID        string
	Width           int
	Height          int
	TargetFPS       int
	QueueDepth      int
	CaptureTimeout  time.Duration
	PublishTimeout  time.Duration
	GracePeriod     time.Duration
	TransformID     string
	TransformParams map[string]interface{}

	// Runtime fields, controller-owned after start.
	FrameSkip    int
	FPSFactor    float64
	ScaleDivisor int
}

// DefaultConfig returns a runnable starting configuration: VGA at 30 FPS
// through the identity transform.
func DefaultConfig() Config {
	return Config{
		Width:          640,
		Height:         480,
		TargetFPS:      30,
		QueueDepth:     8,
		CaptureTimeout: 250 * time.Millisecond,
		PublishTimeout: 100 * time.Millisecond,
		GracePeriod:    2 * time.Second,
		TransformID:    transform.IdentityID,
		FPSFactor:      1.0,
		ScaleDivisor:   1,
	}
}

// Validate checks the configuration for use at pipeline start.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidConfig)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: invalid resolution %dx%d", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.TargetFPS <= 0 {
		return fmt.Errorf("%w: target FPS must be positive, got %d", ErrInvalidConfig, c.TargetFPS)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("%w: queue depth must be positive, got %d", ErrInvalidConfig, c.QueueDepth)
	}
	if c.CaptureTimeout <= 0 || c.PublishTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("%w: grace period must be positive", ErrInvalidConfig)
	}
	if c.TransformID == "" {
		return fmt.Errorf("%w: transform id is required", ErrInvalidConfig)
	}
	if c.FPSFactor <= 0 || c.FPSFactor > 1 {
		return fmt.Errorf("%w: fps factor must be in (0,1], got %g", ErrInvalidConfig, c.FPSFactor)
	}
	if c.FrameSkip < 0 {
		return fmt.Errorf("%w: frame skip cannot be negative", ErrInvalidConfig)
	}
	if c.ScaleDivisor < 1 {
		return fmt.Errorf("%w: scale divisor must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// EffectiveFPS returns the current frame-rate ceiling after level scaling.
func (c *Config) EffectiveFPS() float64 {
	return float64(c.TargetFPS) * c.FPSFactor
}

// Store holds the live configuration under the single-writer /
// multi-reader discipline: Load hands out copies, Update serializes
// writers. Stages call Load once per iteration, never keeping the copy
// across iterations.
type Store struct {
	mu  sync.RWMutex
	cfg Config
}

// NewStore creates a store seeded with the given configuration.
func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Load returns a copy of the current configuration.
func (s *Store) Load() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update applies a mutation atomically. The adaptive controller is the
// only runtime writer; command handlers use it for transform and target
// FPS changes before the next iteration observes them.
func (s *Store) Update(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cfg)
}
