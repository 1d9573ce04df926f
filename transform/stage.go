package transform

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vcampipe/frame"
)

// failureThreshold is the number of consecutive apply failures for the
// same transform after which the stage falls back to identity.
const failureThreshold = 3

// ErrOutOfOrder indicates a frame arrived at the stage with a sequence
// number at or below the previous frame. Under single-producer capture
// this is a protocol violation, not an expected condition.
var ErrOutOfOrder = fmt.Errorf("frame sequence out of order")

// Stage applies the currently selected transform to frames flowing
// through the pipeline.
//
// Failure policy: a transform error degrades that frame to pass-through
// and counts against the transform. After failureThreshold consecutive
// failures the stage swaps in the identity transform and reports a single
// degradation event through the registered callback. A successful apply
// or an explicit transform switch resets the count.
type Stage struct {
	mu       sync.RWMutex
	registry *Registry

	current Unit
	params  Params

	consecutiveFailures int
	degraded            bool
	lastSeq             uint64

	// onDegraded fires once per fallback to identity.
	onDegraded func(transformID string, err error)
	// onError fires for every absorbed transform failure, so the
	// performance monitor can count them.
	onError func()
}

// NewStage creates a stage with the given transform selected.
//
// Resolution and parameter validation failures are returned immediately;
// at pipeline start they are configuration errors and abort startup.
func NewStage(registry *Registry, transformID string, rawParams map[string]interface{}) (*Stage, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}

	s := &Stage{registry: registry}
	if err := s.SetTransform(transformID, rawParams); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewStage",
		"transform_id": transformID,
	}).Info("Transform stage created")

	return s, nil
}

// SetCallbacks configures the degradation and error hooks.
func (s *Stage) SetCallbacks(onDegraded func(transformID string, err error), onError func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDegraded = onDegraded
	s.onError = onError
}

// SetTransform switches the active transform and its parameters.
//
// Safe to call while the pipeline runs: the swap is atomic with respect
// to Process, and the next frame sees the new transform. Switching clears
// any degraded state.
func (s *Stage) SetTransform(transformID string, rawParams map[string]interface{}) error {
	unit, err := s.registry.Resolve(transformID)
	if err != nil {
		return err
	}

	params, err := ValidateParams(unit.ParameterSchema(), rawParams)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = unit
	s.params = params
	s.consecutiveFailures = 0
	s.degraded = false

	logrus.WithFields(logrus.Fields{
		"function":     "Stage.SetTransform",
		"transform_id": transformID,
	}).Info("Active transform switched")

	return nil
}

// SetParams revalidates and replaces the parameters of the active
// transform without switching it.
func (s *Stage) SetParams(rawParams map[string]interface{}) error {
	s.mu.RLock()
	unit := s.current
	s.mu.RUnlock()

	params, err := ValidateParams(unit.ParameterSchema(), rawParams)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.params = params
	s.mu.Unlock()
	return nil
}

// CurrentID returns the id of the active transform.
func (s *Stage) CurrentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.ID()
}

// IsDegraded reports whether the stage has fallen back to identity.
func (s *Stage) IsDegraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Process applies the active transform to one frame.
//
// Transform failures are absorbed: the untransformed frame is returned
// and the failure is counted. The only error Process itself returns is
// ErrOutOfOrder for a sequence regression, which the caller drops as a
// protocol violation.
func (s *Stage) Process(f *frame.Frame) (*frame.Frame, error) {
	if f == nil {
		return nil, fmt.Errorf("frame cannot be nil")
	}

	s.mu.Lock()
	if f.Seq <= s.lastSeq {
		last := s.lastSeq
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":  "Stage.Process",
			"frame_seq": f.Seq,
			"last_seq":  last,
		}).Warn("Out-of-order frame rejected at transform stage")
		return nil, fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, f.Seq, last)
	}
	s.lastSeq = f.Seq
	unit := s.current
	params := s.params
	s.mu.Unlock()

	out, err := unit.Apply(f, params)
	if err == nil {
		s.mu.Lock()
		s.consecutiveFailures = 0
		s.mu.Unlock()
		// Transforms hand back frames without capture metadata filled in;
		// carry it over so ordering and latency tracking survive the stage.
		if out != f {
			out.Seq = f.Seq
			out.CapturedAt = f.CapturedAt
		}
		return out, nil
	}

	s.absorbFailure(unit.ID(), err)
	return f, nil
}

// absorbFailure records one transform failure and escalates to the
// identity fallback when the threshold is reached.
func (s *Stage) absorbFailure(transformID string, applyErr error) {
	s.mu.Lock()

	s.consecutiveFailures++
	failures := s.consecutiveFailures
	alreadyDegraded := s.degraded

	var onError func()
	var onDegraded func(string, error)

	onError = s.onError
	shouldDegrade := failures >= failureThreshold && !alreadyDegraded && transformID != IdentityID
	if shouldDegrade {
		identity, err := s.registry.Resolve(IdentityID)
		if err == nil {
			s.current = identity
			s.params = nil
			s.degraded = true
			s.consecutiveFailures = 0
			onDegraded = s.onDegraded
		}
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":             "Stage.absorbFailure",
		"transform_id":         transformID,
		"consecutive_failures": failures,
		"error":                applyErr,
	}).Warn("Transform failed, passing frame through")

	if onError != nil {
		onError()
	}
	if onDegraded != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "Stage.absorbFailure",
			"transform_id": transformID,
		}).Error("Transform degraded to identity after repeated failures")
		onDegraded(transformID, applyErr)
	}
}
