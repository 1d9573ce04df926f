// Package pipeline wires the capture, transform, and publish stages into
// a running session and hosts the control loop that drives adaptive
// quality decisions.
//
// A Session owns three stage goroutines connected by bounded drop-oldest
// queues, plus a control goroutine that ticks the adaptive controller.
// All cross-stage state flows through the config Store (single writer,
// snapshot reads) and the performance monitor; stages never share
// mutable frame state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vcampipe/adaptive"
	"github.com/opd-ai/vcampipe/capture"
	"github.com/opd-ai/vcampipe/frame"
	"github.com/opd-ai/vcampipe/monitor"
	"github.com/opd-ai/vcampipe/sink"
	"github.com/opd-ai/vcampipe/transform"
)

// Sentinel errors for session lifecycle operations.
var (
	// ErrNotStopped indicates Start was called while a session was
	// already running or failed.
	ErrNotStopped = errors.New("session is not stopped")

	// ErrNotRunning indicates a runtime command arrived while the
	// session was stopped or failed.
	ErrNotRunning = errors.New("session is not running")

	// ErrNotFailed indicates Reset was called outside the failed state.
	ErrNotFailed = errors.New("session is not failed")

	// ErrStopTimeout indicates the stage goroutines did not exit within
	// the configured grace period. The session still lands in the
	// stopped state; the slow goroutine exits on its next bounded wait.
	ErrStopTimeout = errors.New("stop exceeded grace period")
)

// popInterval bounds how long stage goroutines wait on an empty queue
// before re-checking for shutdown.
const popInterval = 250 * time.Millisecond

// minimumLevelDegradeTicks is how many consecutive control ticks at the
// minimum quality level move the session to the degraded state.
const minimumLevelDegradeTicks = 2

// Session is one run of the pipeline against a capture device and an
// output device.
//
// Lifecycle: NewSession → Start → (commands, events) → Stop. A session
// that lands in the failed state must be Reset before it can start
// again. All exported methods are safe for concurrent use.
type Session struct {
	id       string
	store    *Store
	registry *transform.Registry
	device   capture.Device
	output   sink.Output
	backoff  capture.BackoffConfig

	mu        sync.Mutex
	state     State
	lastErr   error
	reopening bool
	// pressureDegraded marks a degraded state owned by the control
	// loop (sustained minimum quality level), as opposed to one caused
	// by device loss. Device recovery must not clear it.
	pressureDegraded bool

	seq    *frame.Sequencer
	source *capture.Source
	stage  *transform.Stage
	snk    *sink.Sink
	mon    *monitor.Monitor
	ctl    *adaptive.Controller

	captureQ *Queue
	publishQ *Queue
	cancel   context.CancelFunc
	// wg belongs to the current run. Each Start gets a fresh WaitGroup
	// so a waiter abandoned by a timed-out Stop can never race a later
	// run's Add.
	wg *sync.WaitGroup

	frameMu   sync.RWMutex
	lastFrame *frame.Frame

	onStateChange func(StateChange)
	onEvent       func(Event)
	onSnapshot    func(monitor.Snapshot)
}

// NewSession creates a stopped session over the given device and output.
// A nil registry selects the builtin transform set; a nil control config
// selects the production thresholds.
func NewSession(device capture.Device, output sink.Output, cfg Config, registry *transform.Registry, controlCfg *adaptive.Config) (*Session, error) {
	if device == nil {
		return nil, fmt.Errorf("device cannot be nil")
	}
	if output == nil {
		return nil, fmt.Errorf("output cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = transform.NewBuiltinRegistry()
	}
	if controlCfg == nil {
		controlCfg = adaptive.DefaultConfig()
	}

	s := &Session{
		id:       uuid.New().String(),
		store:    NewStore(cfg),
		registry: registry,
		device:   device,
		output:   output,
		backoff:  capture.DefaultBackoffConfig(),
		state:    StateStopped,
		seq:      &frame.Sequencer{},
		mon:      monitor.New(0, nil),
		ctl:      adaptive.NewController(controlCfg),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewSession",
		"session_id": s.id,
		"device_id":  cfg.DeviceID,
	}).Info("Pipeline session created")

	return s, nil
}

// OnStateChange registers the state transition callback. Invoked
// synchronously from whichever goroutine drives the transition; keep it
// cheap and non-blocking.
func (s *Session) OnStateChange(cb func(StateChange)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = cb
}

// OnEvent registers the asynchronous event callback.
func (s *Session) OnEvent(cb func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = cb
}

// OnSnapshot registers the per-tick performance snapshot callback.
func (s *Session) OnSnapshot(cb func(monitor.Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSnapshot = cb
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session into the failed state,
// or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// QualityLevel returns the adaptive controller's current level.
func (s *Session) QualityLevel() adaptive.Level {
	return s.ctl.Level()
}

// Snapshot returns the latest performance snapshot on demand.
func (s *Session) Snapshot() monitor.Snapshot {
	return s.mon.Snapshot()
}

// Stats returns cumulative published and dropped frame counts for the
// session.
func (s *Session) Stats() (published, dropped uint64) {
	s.mu.Lock()
	snk := s.snk
	s.mu.Unlock()
	if snk == nil {
		return 0, 0
	}
	published, _ = snk.Stats()
	return published, s.mon.DroppedFrames()
}

// Config returns a copy of the live configuration.
func (s *Session) Config() Config {
	return s.store.Load()
}

// LastFrame returns a copy of the most recently published frame, or nil
// if nothing has been published yet. Useful for preview surfaces.
func (s *Session) LastFrame() *frame.Frame {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	if s.lastFrame == nil {
		return nil
	}
	return s.lastFrame.Clone()
}

// transition moves the state machine, firing the state change callback.
// Invalid transitions are rejected and logged; callers treat a false
// return as "someone got there first".
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	if !validTransition(from, to) {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "Session.transition",
			"session_id": s.id,
			"from":       from.String(),
			"to":         to.String(),
		}).Warn("Invalid state transition rejected")
		return false
	}
	s.state = to
	cb := s.onStateChange
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Session.transition",
		"session_id": s.id,
		"from":       from.String(),
		"to":         to.String(),
	}).Info("Pipeline state changed")

	if cb != nil {
		cb(StateChange{From: from, To: to, At: time.Now()})
	}
	return true
}

// emit delivers an asynchronous event to the registered callback.
func (s *Session) emit(t EventType, detail string) {
	s.mu.Lock()
	cb := s.onEvent
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Session.emit",
		"session_id": s.id,
		"event":      t.String(),
		"detail":     detail,
	}).Info("Pipeline event")

	if cb != nil {
		cb(Event{Type: t, Detail: detail, At: time.Now()})
	}
}

// fail moves the session to the failed state and tears down the stage
// goroutines. Failed is terminal until Reset.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	if s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.lastErr = cause
	cancel := s.cancel
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Session.fail",
		"session_id": s.id,
		"error":      cause,
	}).Error("Pipeline entered failed state")

	s.transition(StateFailed)
	if cancel != nil {
		cancel()
	}
	s.closeQueues()
}

func (s *Session) closeQueues() {
	s.mu.Lock()
	cq, pq := s.captureQ, s.publishQ
	s.mu.Unlock()
	if cq != nil {
		cq.Close()
	}
	if pq != nil {
		pq.Close()
	}
}

// Start validates the configuration, opens the capture device and the
// virtual camera output, and launches the stage and control goroutines.
//
// Configuration and open errors are fatal at start: the session returns
// to the stopped state and the error is surfaced immediately.
func (s *Session) Start(ctx context.Context) error {
	cfg := s.store.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	if !s.transition(StateStarting) {
		return fmt.Errorf("%w: state is %s", ErrNotStopped, s.State())
	}

	source, err := capture.NewSource(s.device, s.seq)
	if err != nil {
		s.transition(StateStopping)
		s.transition(StateStopped)
		return err
	}

	mode := capture.Mode{Width: cfg.Width, Height: cfg.Height, FPS: cfg.TargetFPS}
	if err := source.Open(mode); err != nil {
		s.transition(StateStopping)
		s.transition(StateStopped)
		return err
	}

	snk, err := sink.NewSink(s.output, cfg.PublishTimeout)
	if err != nil {
		source.Close()
		s.transition(StateStopping)
		s.transition(StateStopped)
		return err
	}
	spec := sink.OutputSpec{Width: cfg.Width, Height: cfg.Height, FPS: cfg.TargetFPS, Format: frame.FormatBGR24}
	if err := snk.Open(spec); err != nil {
		source.Close()
		s.transition(StateStopping)
		s.transition(StateStopped)
		return err
	}

	stage, err := transform.NewStage(s.registry, cfg.TransformID, cfg.TransformParams)
	if err != nil {
		snk.Close()
		source.Close()
		s.transition(StateStopping)
		s.transition(StateStopped)
		return err
	}

	stage.SetCallbacks(
		func(transformID string, applyErr error) {
			s.emit(EventTransformDegraded,
				fmt.Sprintf("transform %q fell back to identity: %v", transformID, applyErr))
		},
		s.mon.RecordTransformError,
	)
	snk.SetDropCallback(s.mon.RecordFrameDropped)
	snk.SetReopenCallback(func() {
		s.emit(EventSinkReopened, "output device recycled after repeated publish failures")
	})
	s.ctl.OnLevelChange(func(level adaptive.Level, p adaptive.Profile) {
		s.store.Update(func(c *Config) {
			c.FPSFactor = p.FPSFactor
			c.FrameSkip = p.FrameSkip
			c.ScaleDivisor = p.ScaleDivisor
		})
		snk.SetScaleDivisor(p.ScaleDivisor)
		s.emit(EventQualityChanged, fmt.Sprintf("quality level is now %s", level))
	})

	runCtx, cancel := context.WithCancel(ctx)
	captureQ := NewQueue(cfg.QueueDepth)
	publishQ := NewQueue(cfg.QueueDepth)
	wg := &sync.WaitGroup{}

	s.mu.Lock()
	s.source = source
	s.snk = snk
	s.stage = stage
	s.captureQ = captureQ
	s.publishQ = publishQ
	s.cancel = cancel
	s.wg = wg
	s.lastErr = nil
	s.pressureDegraded = false
	s.mu.Unlock()

	if !s.transition(StateRunning) {
		cancel()
		snk.Close()
		source.Close()
		return fmt.Errorf("session no longer starting")
	}

	wg.Add(4)
	go func() { defer wg.Done(); s.captureLoop(runCtx, source, captureQ) }()
	go func() { defer wg.Done(); s.transformLoop(runCtx, stage, captureQ, publishQ) }()
	go func() { defer wg.Done(); s.publishLoop(runCtx, snk, publishQ) }()
	go func() { defer wg.Done(); s.controlLoop(runCtx) }()

	logrus.WithFields(logrus.Fields{
		"function":   "Session.Start",
		"session_id": s.id,
		"device_id":  cfg.DeviceID,
		"target_fps": cfg.TargetFPS,
	}).Info("Pipeline started")

	return nil
}

// Stop requests a cooperative shutdown and waits up to the configured
// grace period for the stage goroutines to drain and exit.
func (s *Session) Stop() error {
	if !s.transition(StateStopping) {
		return fmt.Errorf("%w: state is %s", ErrNotRunning, s.State())
	}

	s.mu.Lock()
	cancel := s.cancel
	source, snk := s.source, s.snk
	wg := s.wg
	grace := s.store.Load().GracePeriod
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.closeQueues()

	done := make(chan struct{})
	go func() {
		if wg != nil {
			wg.Wait()
		}
		close(done)
	}()

	var stopErr error
	select {
	case <-done:
	case <-time.After(grace):
		stopErr = ErrStopTimeout
		logrus.WithFields(logrus.Fields{
			"function":   "Session.Stop",
			"session_id": s.id,
			"grace":      grace,
		}).Warn("Stage goroutines did not exit within grace period")
	}

	if source != nil {
		source.Close()
	}
	if snk != nil {
		snk.Close()
	}

	s.transition(StateStopped)

	logrus.WithFields(logrus.Fields{
		"function":   "Session.Stop",
		"session_id": s.id,
	}).Info("Pipeline stopped")

	return stopErr
}

// Reset returns a failed session to the stopped state so it can be
// started again. The failure cause is cleared.
func (s *Session) Reset() error {
	s.mu.Lock()
	if s.state != StateFailed {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotFailed, state)
	}
	source, snk := s.source, s.snk
	wg := s.wg
	s.mu.Unlock()

	if wg != nil {
		wg.Wait()
	}
	if source != nil {
		source.Close()
	}
	if snk != nil {
		snk.Close()
	}

	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()

	if !s.transition(StateStopped) {
		return fmt.Errorf("reset rejected: state is %s", s.State())
	}
	return nil
}

// SetTransform switches the active transform while the pipeline runs.
// The next frame through the transform stage sees the new transform.
func (s *Session) SetTransform(transformID string, params map[string]interface{}) error {
	s.mu.Lock()
	stage := s.stage
	s.mu.Unlock()
	if stage == nil {
		return ErrNotRunning
	}
	if err := stage.SetTransform(transformID, params); err != nil {
		return err
	}
	s.store.Update(func(c *Config) {
		c.TransformID = transformID
		c.TransformParams = params
	})
	return nil
}

// SetTransformParams revalidates and replaces the active transform's
// parameters.
func (s *Session) SetTransformParams(params map[string]interface{}) error {
	s.mu.Lock()
	stage := s.stage
	s.mu.Unlock()
	if stage == nil {
		return ErrNotRunning
	}
	if err := stage.SetParams(params); err != nil {
		return err
	}
	s.store.Update(func(c *Config) { c.TransformParams = params })
	return nil
}

// SetTargetFPS changes the target frame rate ceiling. The capture loop
// picks the new pacing up on its next iteration.
func (s *Session) SetTargetFPS(fps int) error {
	if fps <= 0 {
		return fmt.Errorf("%w: target FPS must be positive, got %d", ErrInvalidConfig, fps)
	}
	s.store.Update(func(c *Config) { c.TargetFPS = fps })
	logrus.WithFields(logrus.Fields{
		"function":   "Session.SetTargetFPS",
		"session_id": s.id,
		"target_fps": fps,
	}).Info("Target FPS changed")
	return nil
}

// captureLoop paces frame acquisition to the effective FPS ceiling,
// applies frame skipping, and feeds the capture queue.
func (s *Session) captureLoop(ctx context.Context, source *capture.Source, captureQ *Queue) {
	skipBudget := 0
	next := time.Now()

	for {
		cfg := s.store.Load()
		interval := time.Duration(float64(time.Second) / cfg.EffectiveFPS())
		next = next.Add(interval)
		if wait := time.Until(next); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		} else {
			// Capture fell behind the pacing schedule; resynchronize
			// instead of bursting to catch up.
			next = time.Now()
			select {
			case <-ctx.Done():
				return
			default:
			}
		}

		start := time.Now()
		f, err := source.CaptureNext(cfg.CaptureTimeout)
		if err != nil {
			if errors.Is(err, capture.ErrCaptureTimeout) {
				logrus.WithFields(logrus.Fields{
					"function":   "Session.captureLoop",
					"session_id": s.id,
				}).Debug("Capture timed out, retrying")
				continue
			}
			if errors.Is(err, capture.ErrDeviceLost) || errors.Is(err, capture.ErrSourceClosed) {
				if ctx.Err() != nil {
					return
				}
				if !s.recoverDevice(ctx, source, err) {
					return
				}
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function":   "Session.captureLoop",
				"session_id": s.id,
				"error":      err,
			}).Warn("Capture failed, dropping frame")
			continue
		}
		s.mon.RecordStageTiming(monitor.StageCapture, time.Since(start))

		// Frame skipping is deliberate decimation, but the frames still
		// count as dropped so the accounting stays complete.
		if skipBudget > 0 {
			skipBudget--
			s.mon.RecordFrameDropped()
			continue
		}
		skipBudget = cfg.FrameSkip

		if evicted := captureQ.Push(f); evicted != nil {
			s.mon.RecordFrameDropped()
		}
	}
}

// recoverDevice handles a mid-capture device loss: the session degrades,
// reopen attempts run with exponential backoff, and exhaustion fails the
// session. Returns true when capture can resume.
//
// The degraded transition may be rejected when the control loop already
// holds the session degraded under resource pressure; the reopen proceeds
// either way, but leaves the state alone until the pressure clears.
func (s *Session) recoverDevice(ctx context.Context, source *capture.Source, cause error) bool {
	cfg := s.store.Load()
	s.emit(EventDeviceLost, fmt.Sprintf("device %s lost: %v", cfg.DeviceID, cause))

	s.mu.Lock()
	if s.state == StateStopping || s.state == StateFailed {
		s.mu.Unlock()
		return false
	}
	s.reopening = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.reopening = false
		s.mu.Unlock()
	}()

	s.transition(StateDegraded)

	mode := capture.Mode{Width: cfg.Width, Height: cfg.Height, FPS: cfg.TargetFPS}
	if err := capture.OpenWithBackoff(ctx, source, mode, s.backoff); err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.fail(fmt.Errorf("device %s unrecoverable: %w", cfg.DeviceID, err))
		return false
	}

	s.emit(EventDeviceRecovered, fmt.Sprintf("device %s reopened", cfg.DeviceID))

	// A reopen clears only the device degradation. When the control loop
	// holds the session degraded under resource pressure, the state stays
	// Degraded until the control loop itself recovers.
	s.mu.Lock()
	pressure := s.pressureDegraded
	s.mu.Unlock()
	if !pressure {
		s.transition(StateRunning)
	}
	return true
}

// transformLoop drains the capture queue through the transform stage
// into the publish queue.
func (s *Session) transformLoop(ctx context.Context, stage *transform.Stage, captureQ, publishQ *Queue) {
	for {
		f, err := captureQ.Pop(popInterval)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}

		start := time.Now()
		out, err := stage.Process(f)
		if err != nil {
			// Sequence regression: drop the frame, never reorder.
			s.mon.RecordFrameDropped()
			continue
		}
		s.mon.RecordStageTiming(monitor.StageTransform, time.Since(start))

		if evicted := publishQ.Push(out); evicted != nil {
			s.mon.RecordFrameDropped()
		}
	}
}

// publishLoop drains the publish queue into the sink and tracks
// end-to-end latency.
func (s *Session) publishLoop(ctx context.Context, snk *sink.Sink, publishQ *Queue) {
	for {
		f, err := publishQ.Pop(popInterval)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}

		start := time.Now()
		if err := snk.Publish(f); err != nil {
			if errors.Is(err, sink.ErrSinkClosed) {
				if ctx.Err() != nil {
					return
				}
				s.fail(fmt.Errorf("output device unrecoverable: %w", err))
				return
			}
			// Timeouts and stale frames are dropped and accounted by the
			// sink itself; publishing continues.
			continue
		}
		now := time.Now()
		s.mon.RecordStageTiming(monitor.StagePublish, now.Sub(start))
		s.mon.RecordEndToEnd(now.Sub(f.CapturedAt), now)

		s.frameMu.Lock()
		s.lastFrame = f
		s.frameMu.Unlock()
	}
}

// controlLoop ticks the adaptive controller against fresh performance
// snapshots, fans snapshots out to the registered callback, and reflects
// sustained minimum-level pressure in the lifecycle state.
func (s *Session) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ctl.TickInterval())
	defer ticker.Stop()

	minTicks := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := s.mon.Snapshot()

		s.mu.Lock()
		cb := s.onSnapshot
		reopening := s.reopening
		pressure := s.pressureDegraded
		s.mu.Unlock()
		if cb != nil {
			cb(snap)
		}

		// The controller judges achieved FPS against the effective
		// ceiling, not the raw target; a reduced level must not look
		// like sustained starvation.
		cfg := s.store.Load()
		s.ctl.Evaluate(snap, cfg.EffectiveFPS())

		if s.ctl.Level() == adaptive.LevelMinimum {
			minTicks++
		} else {
			minTicks = 0
		}

		if !pressure && minTicks >= minimumLevelDegradeTicks {
			pressure = s.transition(StateDegraded)
		} else if pressure && minTicks == 0 && !reopening {
			if s.transition(StateRunning) {
				pressure = false
			}
		}

		s.mu.Lock()
		s.pressureDegraded = pressure
		s.mu.Unlock()
	}
}
