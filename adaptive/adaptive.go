// Package adaptive implements the pipeline's adaptive performance
// controller.
//
// The controller runs a small state machine over a discrete quality
// level. Each control tick it consumes the latest performance snapshot
// and decides whether to trade fidelity for throughput (degrade) or give
// headroom back (recover). Reaction is asymmetric following the usual
// congestion-control wisdom: degrade quickly after two bad ticks, recover
// slowly after five good ones. Every level change resets the consecutive
// tick counters, so the controller can never flap between levels inside
// the hysteresis window.
//
// Frame skipping and resolution reduction are not independent knobs here;
// both hang off the single quality level so the pipeline always runs one
// coherent adaptation policy.
package adaptive

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vcampipe/monitor"
)

// Level is the discrete quality level the controller moves through.
type Level int

const (
	// LevelMinimum trades the most fidelity for throughput: half the
	// FPS ceiling, aggressive frame skipping, reduced output resolution.
	LevelMinimum Level = 0
	// LevelLow reduces the FPS ceiling and skips alternate frames.
	LevelLow Level = 1
	// LevelBalanced is the starting level: full rate, no skipping,
	// but the controller keeps watching.
	LevelBalanced Level = 2
	// LevelFull is maximum quality.
	LevelFull Level = 3
)

// String returns a human-readable level name.
func (l Level) String() string {
	switch l {
	case LevelMinimum:
		return "minimum"
	case LevelLow:
		return "low"
	case LevelBalanced:
		return "balanced"
	case LevelFull:
		return "full"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// Profile is the set of pipeline knobs a quality level maps to.
type Profile struct {
	// FPSFactor scales the configured target FPS ceiling.
	FPSFactor float64
	// FrameSkip is how many captured frames are dropped after each
	// processed frame. Zero processes everything.
	FrameSkip int
	// ScaleDivisor is the output resolution divisor requested from the
	// sink. One publishes at full resolution.
	ScaleDivisor int
}

// ProfileFor returns the knob settings for a quality level.
func ProfileFor(l Level) Profile {
	switch l {
	case LevelMinimum:
		return Profile{FPSFactor: 0.5, FrameSkip: 3, ScaleDivisor: 2}
	case LevelLow:
		return Profile{FPSFactor: 0.75, FrameSkip: 2, ScaleDivisor: 1}
	default:
		// LevelBalanced and LevelFull both run unconstrained; balanced
		// only differs in how much recovery headroom remains above it.
		return Profile{FPSFactor: 1.0, FrameSkip: 0, ScaleDivisor: 1}
	}
}

// Config defines the controller's thresholds and timing.
type Config struct {
	// TickInterval is how often the orchestrator evaluates the controller.
	TickInterval time.Duration

	// LowFPSRatio is the achieved/target ratio below which a tick
	// counts toward degradation (default 0.70).
	LowFPSRatio float64
	// HighFPSRatio is the achieved/target ratio at or above which a
	// tick may count toward recovery (default 0.95).
	HighFPSRatio float64

	// HighCPUPercent is the CPU usage above which a tick counts toward
	// degradation (default 85).
	HighCPUPercent float64
	// LowCPUPercent is the CPU usage below which a tick may count
	// toward recovery (default 50).
	LowCPUPercent float64

	// DecreaseAfterTicks consecutive bad ticks trigger a level decrease.
	DecreaseAfterTicks int
	// IncreaseAfterTicks consecutive good ticks trigger a level increase.
	IncreaseAfterTicks int
	// HoldTicks is the minimum number of ticks between level changes.
	HoldTicks int
}

// DefaultConfig returns the thresholds used in production: 500ms ticks,
// degrade after 2 bad ticks, recover after 5 good ones, and never two
// level changes within 2 ticks of each other.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:       500 * time.Millisecond,
		LowFPSRatio:        0.70,
		HighFPSRatio:       0.95,
		HighCPUPercent:     85.0,
		LowCPUPercent:      50.0,
		DecreaseAfterTicks: 2,
		IncreaseAfterTicks: 5,
		HoldTicks:          2,
	}
}

// Controller is the adaptive quality state machine.
//
// Evaluate is called once per control tick by the orchestrator's control
// goroutine; the setters may race with it and are guarded.
type Controller struct {
	mu     sync.Mutex
	config *Config

	level            Level
	badTicks         int
	goodTicks        int
	ticksSinceChange int
	tickCount        uint64

	onLevelChange func(level Level, profile Profile)
}

// NewController creates a controller at the balanced starting level.
func NewController(config *Config) *Controller {
	if config == nil {
		config = DefaultConfig()
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewController",
		"tick_interval":  config.TickInterval,
		"low_fps_ratio":  config.LowFPSRatio,
		"high_fps_ratio": config.HighFPSRatio,
		"high_cpu":       config.HighCPUPercent,
		"low_cpu":        config.LowCPUPercent,
	}).Info("Creating adaptive controller")

	return &Controller{
		config: config,
		level:  LevelBalanced,
		// Allow a change as soon as the consecutive-tick thresholds
		// are met after start.
		ticksSinceChange: config.HoldTicks,
	}
}

// OnLevelChange registers the callback invoked synchronously from
// Evaluate whenever the quality level changes. The orchestrator uses it
// to apply the new profile before the next frame.
func (c *Controller) OnLevelChange(cb func(level Level, profile Profile)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = cb
}

// Level returns the current quality level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Profile returns the knob settings for the current level.
func (c *Controller) Profile() Profile {
	return ProfileFor(c.Level())
}

// TickInterval returns how often the orchestrator should call Evaluate.
func (c *Controller) TickInterval() time.Duration {
	return c.config.TickInterval
}

// TickCount returns how many evaluations have run.
func (c *Controller) TickCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickCount
}

// Evaluate consumes one performance snapshot and advances the state
// machine by one control tick. targetFPS is the frame-rate ceiling the
// pipeline is currently trying to hit, so reduced levels are judged
// against their own ceiling rather than the full target. Returns true
// when the quality level changed.
func (c *Controller) Evaluate(snap monitor.Snapshot, targetFPS float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tickCount++
	c.ticksSinceChange++

	bad, good := c.classifyTick(snap, targetFPS)

	if bad {
		c.badTicks++
	} else {
		c.badTicks = 0
	}
	if good {
		c.goodTicks++
	} else {
		c.goodTicks = 0
	}

	if c.ticksSinceChange < c.config.HoldTicks {
		return false
	}

	if c.badTicks >= c.config.DecreaseAfterTicks && c.level > LevelMinimum {
		c.changeLevel(c.level-1, snap)
		return true
	}

	if c.goodTicks >= c.config.IncreaseAfterTicks && c.level < LevelFull {
		c.changeLevel(c.level+1, snap)
		return true
	}

	return false
}

// classifyTick maps a snapshot to the degrade/recover pressure for this
// tick. A tick can be neither (neutral); it can never be both, since the
// bad conditions preclude the good ones.
func (c *Controller) classifyTick(snap monitor.Snapshot, targetFPS float64) (bad, good bool) {
	lowFPS := targetFPS > 0 && snap.AchievedFPS < targetFPS*c.config.LowFPSRatio
	highCPU := snap.CPUPercent > c.config.HighCPUPercent

	bad = lowFPS || highCPU
	if bad {
		return true, false
	}

	fpsOK := targetFPS <= 0 || snap.AchievedFPS >= targetFPS*c.config.HighFPSRatio
	cpuOK := snap.CPUPercent < c.config.LowCPUPercent
	return false, fpsOK && cpuOK
}

// changeLevel applies a level transition: reset the consecutive-tick
// counters (the anti-oscillation guarantee) and notify the orchestrator.
func (c *Controller) changeLevel(next Level, snap monitor.Snapshot) {
	prev := c.level
	c.level = next
	c.badTicks = 0
	c.goodTicks = 0
	c.ticksSinceChange = 0

	logrus.WithFields(logrus.Fields{
		"function":     "Controller.changeLevel",
		"old_level":    prev.String(),
		"new_level":    next.String(),
		"achieved_fps": snap.AchievedFPS,
		"cpu_percent":  snap.CPUPercent,
	}).Info("Quality level changed")

	if c.onLevelChange != nil {
		c.onLevelChange(next, ProfileFor(next))
	}
}
