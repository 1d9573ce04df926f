// Package vcampipe implements a real-time video transformation pipeline:
// frames are captured from a camera device, run through a selected
// transform, and published to a virtual camera output, with an adaptive
// controller trading visual quality for throughput under load.
//
// Example:
//
//	options := vcampipe.NewOptions()
//	options.Output = &sink.MemoryOutput{}
//
//	vp, err := vcampipe.New(cfg, options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	vp.RegisterDevice(capture.NewSimDevice("cam0", "Simulated Camera"))
//
//	vp.OnEvent(func(e pipeline.Event) {
//	    fmt.Printf("event: %s %s\n", e.Type, e.Detail)
//	})
//
//	if err := vp.Start(context.Background(), "cam0"); err != nil {
//	    log.Fatal(err)
//	}
//	defer vp.Stop()
package vcampipe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vcampipe/adaptive"
	"github.com/opd-ai/vcampipe/capture"
	"github.com/opd-ai/vcampipe/frame"
	"github.com/opd-ai/vcampipe/monitor"
	"github.com/opd-ai/vcampipe/pipeline"
	"github.com/opd-ai/vcampipe/sink"
	"github.com/opd-ai/vcampipe/transform"
)

// Sentinel errors for the top-level API.
var (
	// ErrUnknownDevice indicates Start was asked for a device id that
	// was never registered.
	ErrUnknownDevice = errors.New("unknown capture device")

	// ErrNoSession indicates a session-scoped call before any Start.
	ErrNoSession = errors.New("no active session")
)

// Options contains construction options for a Pipeline.
type Options struct {
	// Output is the virtual camera the pipeline publishes to.
	Output sink.Output

	// Registry supplies the available transforms. Nil selects the
	// builtin set.
	Registry *transform.Registry

	// ControlConfig tunes the adaptive controller. Nil selects the
	// production thresholds.
	ControlConfig *adaptive.Config
}

// NewOptions returns options with a discarding output, suitable as a
// starting point.
func NewOptions() *Options {
	return &Options{Output: &sink.NullOutput{}}
}

// Pipeline is the application-facing entry point. It owns the device
// registry and the current session, and fans the session's callbacks out
// to the subscribers registered here.
//
// All methods are safe for concurrent use; UI threads and the session's
// internal goroutines may call in simultaneously.
type Pipeline struct {
	mu       sync.Mutex
	cfg      pipeline.Config
	output   sink.Output
	registry *transform.Registry
	ctlCfg   *adaptive.Config

	devices map[string]capture.Device
	session *pipeline.Session

	onStateChange func(pipeline.StateChange)
	onEvent       func(pipeline.Event)
	onSnapshot    func(monitor.Snapshot)
}

// New creates a pipeline from the given base configuration. The
// configured DeviceID is only a default; Start selects the device.
func New(cfg pipeline.Config, options *Options) (*Pipeline, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.Output == nil {
		return nil, fmt.Errorf("output cannot be nil")
	}

	registry := options.Registry
	if registry == nil {
		registry = transform.NewBuiltinRegistry()
	}

	return &Pipeline{
		cfg:      cfg,
		output:   options.Output,
		registry: registry,
		ctlCfg:   options.ControlConfig,
		devices:  make(map[string]capture.Device),
	}, nil
}

// RegisterDevice makes a capture device available to Start. Registering
// the same id again replaces the previous device.
func (p *Pipeline) RegisterDevice(dev capture.Device) {
	info := dev.Info()
	p.mu.Lock()
	p.devices[info.ID] = dev
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Pipeline.RegisterDevice",
		"device_id":   info.ID,
		"device_name": info.Name,
	}).Info("Capture device registered")
}

// Devices lists the registered capture devices, sorted by id.
func (p *Pipeline) Devices() []capture.DeviceInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]capture.DeviceInfo, 0, len(p.devices))
	for _, dev := range p.devices {
		infos = append(infos, dev.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Transforms lists the available transform ids.
func (p *Pipeline) Transforms() []string {
	return p.registry.IDs()
}

// TransformSchema returns the parameter schema of a transform, for
// building settings UI.
func (p *Pipeline) TransformSchema(transformID string) ([]transform.ParamSpec, error) {
	unit, err := p.registry.Resolve(transformID)
	if err != nil {
		return nil, err
	}
	return unit.ParameterSchema(), nil
}

// OnStateChange subscribes to lifecycle transitions. Must be set before
// Start to observe the starting transition.
func (p *Pipeline) OnStateChange(cb func(pipeline.StateChange)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStateChange = cb
	if p.session != nil {
		p.session.OnStateChange(cb)
	}
}

// OnEvent subscribes to asynchronous pipeline events such as device loss
// and transform degradation.
func (p *Pipeline) OnEvent(cb func(pipeline.Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvent = cb
	if p.session != nil {
		p.session.OnEvent(cb)
	}
}

// OnSnapshot subscribes to the per-tick performance snapshots.
func (p *Pipeline) OnSnapshot(cb func(monitor.Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSnapshot = cb
	if p.session != nil {
		p.session.OnSnapshot(cb)
	}
}

// Start runs the pipeline against the named device. A previous session
// must be stopped first; a failed one must be Reset.
func (p *Pipeline) Start(ctx context.Context, deviceID string) error {
	p.mu.Lock()
	if p.session != nil {
		state := p.session.State()
		if state != pipeline.StateStopped {
			p.mu.Unlock()
			return fmt.Errorf("%w: state is %s", pipeline.ErrNotStopped, state)
		}
	}

	dev, ok := p.devices[deviceID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	cfg := p.cfg
	cfg.DeviceID = deviceID

	sess, err := pipeline.NewSession(dev, p.output, cfg, p.registry, p.ctlCfg)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if p.onStateChange != nil {
		sess.OnStateChange(p.onStateChange)
	}
	if p.onEvent != nil {
		sess.OnEvent(p.onEvent)
	}
	if p.onSnapshot != nil {
		sess.OnSnapshot(p.onSnapshot)
	}
	p.session = sess
	p.mu.Unlock()

	return sess.Start(ctx)
}

// Stop shuts the active session down cooperatively.
func (p *Pipeline) Stop() error {
	sess := p.currentSession()
	if sess == nil {
		return ErrNoSession
	}
	return sess.Stop()
}

// Reset clears a failed session so Start can run again.
func (p *Pipeline) Reset() error {
	sess := p.currentSession()
	if sess == nil {
		return ErrNoSession
	}
	return sess.Reset()
}

// SetTransform switches the active transform mid-session.
func (p *Pipeline) SetTransform(transformID string, params map[string]interface{}) error {
	sess := p.currentSession()
	if sess == nil {
		return ErrNoSession
	}
	return sess.SetTransform(transformID, params)
}

// SetTransformParams retunes the active transform's parameters.
func (p *Pipeline) SetTransformParams(params map[string]interface{}) error {
	sess := p.currentSession()
	if sess == nil {
		return ErrNoSession
	}
	return sess.SetTransformParams(params)
}

// SetTargetFPS changes the frame-rate ceiling mid-session and updates
// the default for subsequent sessions.
func (p *Pipeline) SetTargetFPS(fps int) error {
	sess := p.currentSession()
	if sess != nil {
		if err := sess.SetTargetFPS(fps); err != nil {
			return err
		}
	} else if fps <= 0 {
		return fmt.Errorf("%w: target FPS must be positive, got %d", pipeline.ErrInvalidConfig, fps)
	}

	p.mu.Lock()
	p.cfg.TargetFPS = fps
	p.mu.Unlock()
	return nil
}

// State returns the lifecycle state of the active session, or
// StateStopped when none exists.
func (p *Pipeline) State() pipeline.State {
	sess := p.currentSession()
	if sess == nil {
		return pipeline.StateStopped
	}
	return sess.State()
}

// Err returns the failure cause of the active session, if any.
func (p *Pipeline) Err() error {
	sess := p.currentSession()
	if sess == nil {
		return nil
	}
	return sess.Err()
}

// QualityLevel returns the adaptive controller's current level.
func (p *Pipeline) QualityLevel() adaptive.Level {
	sess := p.currentSession()
	if sess == nil {
		return adaptive.LevelBalanced
	}
	return sess.QualityLevel()
}

// Snapshot returns the latest performance snapshot.
func (p *Pipeline) Snapshot() monitor.Snapshot {
	sess := p.currentSession()
	if sess == nil {
		return monitor.Snapshot{}
	}
	return sess.Snapshot()
}

// LastFrame returns a copy of the most recently published frame, for
// preview surfaces. Nil before the first publish.
func (p *Pipeline) LastFrame() *frame.Frame {
	sess := p.currentSession()
	if sess == nil {
		return nil
	}
	return sess.LastFrame()
}

// Stats returns cumulative published and dropped frame counts for the
// active session.
func (p *Pipeline) Stats() (published, dropped uint64) {
	sess := p.currentSession()
	if sess == nil {
		return 0, 0
	}
	return sess.Stats()
}

// SessionID returns the active session identifier, or empty.
func (p *Pipeline) SessionID() string {
	sess := p.currentSession()
	if sess == nil {
		return ""
	}
	return sess.ID()
}

func (p *Pipeline) currentSession() *pipeline.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}
