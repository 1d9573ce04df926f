package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/vcampipe/adaptive"
	"github.com/opd-ai/vcampipe/capture"
	"github.com/opd-ai/vcampipe/frame"
	"github.com/opd-ai/vcampipe/monitor"
	"github.com/opd-ai/vcampipe/sink"
	"github.com/opd-ai/vcampipe/transform"
)

// scriptDevice is a capture device with scripted loss and reopen
// behavior, kept race-safe so pipeline goroutines can drive it.
type scriptDevice struct {
	mu          sync.Mutex
	opened      bool
	produced    int
	loseAfter   int
	lost        bool
	failReopens bool
	opens       int
}

func (d *scriptDevice) Info() capture.DeviceInfo {
	return capture.DeviceInfo{
		ID:   "script0",
		Name: "Scripted Camera",
		Capabilities: []capture.Capability{
			{Width: 32, Height: 24, MaxFPS: 120},
		},
	}
}

func (d *scriptDevice) Open(mode capture.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failReopens && d.opens >= 1 {
		return capture.ErrDeviceOpen
	}
	d.opened = true
	d.opens++
	return nil
}

func (d *scriptDevice) allowReopens() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failReopens = false
}

func (d *scriptDevice) NextFrame(timeout time.Duration) ([]byte, frame.PixelFormat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return nil, 0, capture.ErrDeviceLost
	}
	if !d.lost && d.loseAfter > 0 && d.produced >= d.loseAfter {
		d.lost = true
		d.opened = false
		return nil, 0, capture.ErrDeviceLost
	}
	d.produced++
	return make([]byte, 32*24*3), frame.FormatBGR24, nil
}

func (d *scriptDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	return nil
}

func (d *scriptDevice) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// pinnedSampler reports a fixed resource reading.
type pinnedSampler struct {
	usage monitor.ResourceUsage
}

func (p pinnedSampler) Sample() monitor.ResourceUsage { return p.usage }

// recorder collects session callbacks for assertions.
type recorder struct {
	mu     sync.Mutex
	events []Event
	states []StateChange
}

func (r *recorder) attach(s *Session) {
	s.OnEvent(func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	s.OnStateChange(func(c StateChange) {
		r.mu.Lock()
		r.states = append(r.states, c)
		r.mu.Unlock()
	})
}

func (r *recorder) hasEvent(t EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

func (r *recorder) countEvents(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) sawTransition(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.states {
		if c.From == from && c.To == to {
			return true
		}
	}
	return false
}

func testConfig() Config {
	return Config{
		DeviceID:       "script0",
		Width:          32,
		Height:         24,
		TargetFPS:      60,
		QueueDepth:     4,
		CaptureTimeout: 100 * time.Millisecond,
		PublishTimeout: 50 * time.Millisecond,
		GracePeriod:    2 * time.Second,
		TransformID:    transform.IdentityID,
		FPSFactor:      1.0,
		ScaleDivisor:   1,
	}
}

// timeoutOnceOutput times out exactly one write and accepts the rest.
type timeoutOnceOutput struct {
	mu       sync.Mutex
	opened   bool
	timedOut bool
	writes   int
}

func (o *timeoutOnceOutput) Open(spec sink.OutputSpec) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = true
	return nil
}

func (o *timeoutOnceOutput) Write(f *frame.Frame, timeout time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.opened {
		return sink.ErrSinkClosed
	}
	if !o.timedOut {
		o.timedOut = true
		return sink.ErrSinkTimeout
	}
	o.writes++
	return nil
}

func (o *timeoutOnceOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = false
	return nil
}

func (o *timeoutOnceOutput) writeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writes
}

// hangOutput wedges every write until released, ignoring the timeout.
// It models an output driver that stops honoring its deadline.
type hangOutput struct {
	release chan struct{}

	mu     sync.Mutex
	opened bool
	writes int
}

func newHangOutput() *hangOutput {
	return &hangOutput{release: make(chan struct{})}
}

func (o *hangOutput) Open(spec sink.OutputSpec) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = true
	return nil
}

func (o *hangOutput) Write(f *frame.Frame, timeout time.Duration) error {
	o.mu.Lock()
	o.writes++
	o.mu.Unlock()
	<-o.release
	return nil
}

func (o *hangOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = false
	return nil
}

func (o *hangOutput) writeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writes
}

func TestNewSessionRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.DeviceID = ""

	_, err := NewSession(&scriptDevice{}, &sink.MemoryOutput{}, cfg, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSessionLifecycle(t *testing.T) {
	dev := &scriptDevice{}
	out := &sink.MemoryOutput{}
	sess, err := NewSession(dev, out, testConfig(), nil, nil)
	require.NoError(t, err)

	rec := &recorder{}
	rec.attach(sess)

	require.NoError(t, sess.Start(context.Background()))
	assert.Equal(t, StateRunning, sess.State())

	require.Eventually(t, func() bool {
		return len(out.Frames()) >= 5
	}, 2*time.Second, 10*time.Millisecond, "pipeline should publish frames")

	require.NoError(t, sess.Stop())
	assert.Equal(t, StateStopped, sess.State())

	assert.True(t, rec.sawTransition(StateStopped, StateStarting))
	assert.True(t, rec.sawTransition(StateStarting, StateRunning))
	assert.True(t, rec.sawTransition(StateRunning, StateStopping))
	assert.True(t, rec.sawTransition(StateStopping, StateStopped))

	// Published sequence numbers must be strictly increasing.
	frames := out.Frames()
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].Seq, frames[i-1].Seq)
	}

	snap := sess.Snapshot()
	assert.Greater(t, snap.AchievedFPS, 0.0)
	assert.Greater(t, snap.EndToEnd.Samples, 0)
}

func TestSessionStartWhileRunning(t *testing.T) {
	sess, err := NewSession(&scriptDevice{}, &sink.MemoryOutput{}, testConfig(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	err = sess.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotStopped)
}

func TestSessionStartCapabilityMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.Width = 1920
	cfg.Height = 1080

	sess, err := NewSession(&scriptDevice{}, &sink.MemoryOutput{}, cfg, nil, nil)
	require.NoError(t, err)

	err = sess.Start(context.Background())
	assert.ErrorIs(t, err, capture.ErrCapabilityMismatch)
	assert.Equal(t, StateStopped, sess.State(), "start failure should land back in stopped")
}

func TestSessionStopWhenStopped(t *testing.T) {
	sess, err := NewSession(&scriptDevice{}, &sink.MemoryOutput{}, testConfig(), nil, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, sess.Stop(), ErrNotRunning)
}

func TestSessionSetTransformWhileRunning(t *testing.T) {
	out := &sink.MemoryOutput{}
	sess, err := NewSession(&scriptDevice{}, out, testConfig(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	require.NoError(t, sess.SetTransform("invert", nil))
	assert.Equal(t, "invert", sess.Config().TransformID)

	// A black input frame through invert publishes as all white.
	require.Eventually(t, func() bool {
		frames := out.Frames()
		if len(frames) == 0 {
			return false
		}
		last := frames[len(frames)-1]
		return last.Data[0] == 0xFF
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, sess.SetTransform("no-such-transform", nil), transform.ErrUnknownTransform)
}

func TestSessionSetTransformBeforeStart(t *testing.T) {
	sess, err := NewSession(&scriptDevice{}, &sink.MemoryOutput{}, testConfig(), nil, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, sess.SetTransform("invert", nil), ErrNotRunning)
}

func TestSessionSetTargetFPS(t *testing.T) {
	sess, err := NewSession(&scriptDevice{}, &sink.MemoryOutput{}, testConfig(), nil, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, sess.SetTargetFPS(0), ErrInvalidConfig)
	require.NoError(t, sess.SetTargetFPS(15))
	assert.Equal(t, 15, sess.Config().TargetFPS)
}

func TestSessionDeviceLossRecovery(t *testing.T) {
	dev := &scriptDevice{loseAfter: 3}
	out := &sink.MemoryOutput{}
	sess, err := NewSession(dev, out, testConfig(), nil, nil)
	require.NoError(t, err)
	sess.backoff = capture.BackoffConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}

	rec := &recorder{}
	rec.attach(sess)

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	require.Eventually(t, func() bool {
		return rec.hasEvent(EventDeviceRecovered)
	}, 3*time.Second, 10*time.Millisecond, "device should be lost and recovered")

	assert.True(t, rec.hasEvent(EventDeviceLost))
	assert.True(t, rec.sawTransition(StateRunning, StateDegraded))
	assert.True(t, rec.sawTransition(StateDegraded, StateRunning))
	assert.GreaterOrEqual(t, dev.openCount(), 2)

	// Frames keep flowing after recovery, with sequence numbering
	// continuing rather than restarting.
	before := len(out.Frames())
	require.Eventually(t, func() bool {
		return len(out.Frames()) > before
	}, 2*time.Second, 10*time.Millisecond)

	frames := out.Frames()
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].Seq, frames[i-1].Seq)
	}
}

func TestSessionDeviceLossExhaustsAndFails(t *testing.T) {
	dev := &scriptDevice{loseAfter: 2, failReopens: true}
	sess, err := NewSession(dev, &sink.MemoryOutput{}, testConfig(), nil, nil)
	require.NoError(t, err)
	sess.backoff = capture.BackoffConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}

	rec := &recorder{}
	rec.attach(sess)

	require.NoError(t, sess.Start(context.Background()))

	require.Eventually(t, func() bool {
		return sess.State() == StateFailed
	}, 3*time.Second, 10*time.Millisecond, "exhausted reopens should fail the session")

	assert.Error(t, sess.Err())
	assert.True(t, rec.hasEvent(EventDeviceLost))
	assert.False(t, rec.hasEvent(EventDeviceRecovered))

	// Failed is terminal until reset.
	assert.ErrorIs(t, sess.Stop(), ErrNotRunning)

	// Reset returns to stopped and the session can start again.
	dev.allowReopens()

	require.NoError(t, sess.Reset())
	assert.Equal(t, StateStopped, sess.State())
	assert.NoError(t, sess.Err())

	require.NoError(t, sess.Start(context.Background()))
	assert.Equal(t, StateRunning, sess.State())
	require.NoError(t, sess.Stop())
}

func TestSessionResetOutsideFailed(t *testing.T) {
	sess, err := NewSession(&scriptDevice{}, &sink.MemoryOutput{}, testConfig(), nil, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, sess.Reset(), ErrNotFailed)
}

func TestSessionLastFrameIsCopy(t *testing.T) {
	out := &sink.MemoryOutput{}
	sess, err := NewSession(&scriptDevice{}, out, testConfig(), nil, nil)
	require.NoError(t, err)

	assert.Nil(t, sess.LastFrame(), "no frame before start")

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	require.Eventually(t, func() bool {
		return sess.LastFrame() != nil
	}, 2*time.Second, 10*time.Millisecond)

	f := sess.LastFrame()
	f.Data[0] = 0xAB

	again := sess.LastFrame()
	assert.NotEqual(t, byte(0xAB), again.Data[0],
		"callers must not be able to scribble on the pipeline's copy")
}

func TestSessionStopWithinGraceWhenSinkBlocked(t *testing.T) {
	// Every write exceeds the publish timeout, so the publish stage is
	// permanently stuck timing frames out when Stop arrives.
	out := &sink.MemoryOutput{BlockFor: 10 * time.Second}
	cfg := testConfig()
	cfg.GracePeriod = time.Second

	sess, err := NewSession(&scriptDevice{}, out, cfg, nil, nil)
	require.NoError(t, err)

	require.NoError(t, sess.Start(context.Background()))

	// Sink timeouts drop frames but never take the session out of the
	// running state.
	require.Eventually(t, func() bool {
		_, dropped := sess.Stats()
		return dropped > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateRunning, sess.State())

	started := time.Now()
	require.NoError(t, sess.Stop())
	elapsed := time.Since(started)

	assert.Equal(t, StateStopped, sess.State())
	assert.Less(t, elapsed, cfg.GracePeriod+500*time.Millisecond,
		"stop must complete within the grace period plus scheduling slack")
}

func TestSessionStopWithinGraceWhenCaptureBlocked(t *testing.T) {
	// A pacing interval far past the capture timeout keeps the capture
	// stage cycling through timeouts without producing a single frame.
	dev := capture.NewSimDevice("sim0", "Slow Camera",
		capture.Capability{Width: 32, Height: 24, MaxFPS: 120})
	dev.Interval = 10 * time.Second

	cfg := testConfig()
	cfg.DeviceID = "sim0"
	cfg.GracePeriod = time.Second

	sess, err := NewSession(dev, &sink.MemoryOutput{}, cfg, nil, nil)
	require.NoError(t, err)

	require.NoError(t, sess.Start(context.Background()))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateRunning, sess.State())

	started := time.Now()
	require.NoError(t, sess.Stop())
	elapsed := time.Since(started)

	assert.Equal(t, StateStopped, sess.State())
	assert.Less(t, elapsed, cfg.GracePeriod+500*time.Millisecond)
}

func TestSessionSingleSinkTimeoutStaysRunning(t *testing.T) {
	out := &timeoutOnceOutput{}
	sess, err := NewSession(&scriptDevice{}, out, testConfig(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	// Publishing continues past the timed-out frame.
	require.Eventually(t, func() bool {
		return out.writeCount() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateRunning, sess.State())
	_, dropped := sess.Stats()
	assert.GreaterOrEqual(t, dropped, uint64(1),
		"the timed-out frame must be accounted as a drop")
}

func TestSessionRestartAfterStopTimeout(t *testing.T) {
	out := newHangOutput()
	cfg := testConfig()
	cfg.GracePeriod = 200 * time.Millisecond

	sess, err := NewSession(&scriptDevice{}, out, cfg, nil, nil)
	require.NoError(t, err)

	require.NoError(t, sess.Start(context.Background()))

	// Wait until a frame is wedged inside the output driver.
	require.Eventually(t, func() bool {
		return out.writeCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	err = sess.Stop()
	assert.ErrorIs(t, err, ErrStopTimeout)
	assert.Equal(t, StateStopped, sess.State(),
		"a timed-out stop still lands in stopped")

	// The abandoned waiter from the timed-out stop must not interfere
	// with a fresh run.
	require.NoError(t, sess.Start(context.Background()))
	assert.Equal(t, StateRunning, sess.State())

	close(out.release)
	require.NoError(t, sess.Stop())
	assert.Equal(t, StateStopped, sess.State())
}

func TestSessionDeviceRecoveryPreservesPressureDegradation(t *testing.T) {
	dev := &scriptDevice{loseAfter: 20}
	ctlCfg := adaptive.DefaultConfig()
	// Keep the control loop quiet so the degradation it owns cannot be
	// cleared by its own recovery path during the test.
	ctlCfg.TickInterval = time.Hour

	sess, err := NewSession(dev, &sink.MemoryOutput{}, testConfig(), nil, ctlCfg)
	require.NoError(t, err)
	sess.backoff = capture.BackoffConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}

	rec := &recorder{}
	rec.attach(sess)

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	// Resource pressure holds the session degraded while the device is
	// lost and reopened underneath it.
	sess.mu.Lock()
	sess.pressureDegraded = true
	sess.mu.Unlock()

	require.Eventually(t, func() bool {
		return rec.hasEvent(EventDeviceRecovered)
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, dev.openCount(), 2)

	// The reopen restores capture but must not clear a degradation the
	// control loop owns.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDegraded, sess.State())
	assert.False(t, rec.sawTransition(StateDegraded, StateRunning))
}

func TestSessionAdaptsUnderCPUPressure(t *testing.T) {
	ctlCfg := adaptive.DefaultConfig()
	ctlCfg.TickInterval = 20 * time.Millisecond

	sess, err := NewSession(&scriptDevice{}, &sink.MemoryOutput{}, testConfig(), nil, ctlCfg)
	require.NoError(t, err)

	// Pin the sampled CPU above the degradation threshold.
	sess.mon.SetResourceSampler(pinnedSampler{
		usage: monitor.ResourceUsage{CPUPercent: 99, HeapBytes: 1 << 20},
	})

	rec := &recorder{}
	rec.attach(sess)

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	require.Eventually(t, func() bool {
		return sess.QualityLevel() < adaptive.LevelBalanced
	}, 3*time.Second, 10*time.Millisecond, "sustained CPU pressure should lower the quality level")

	assert.True(t, rec.hasEvent(EventQualityChanged))

	// The new profile must already be visible to the stages.
	cfg := sess.Config()
	assert.Less(t, cfg.FPSFactor, 1.0)
	assert.Greater(t, cfg.FrameSkip, 0)

	// Sustained minimum-level pressure surfaces in the lifecycle state.
	require.Eventually(t, func() bool {
		return sess.State() == StateDegraded
	}, 3*time.Second, 10*time.Millisecond)
}
