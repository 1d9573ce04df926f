// Package monitor measures pipeline performance: per-stage latency,
// end-to-end latency, achieved frame rate, drop and error counts, and
// process resource usage.
//
// Recording methods are designed for the pipeline hot path: they never
// block on anything but a briefly held uncontended mutex and never
// allocate. Snapshot computation (sorting for percentiles, resource
// sampling) happens only when a snapshot is requested, typically once per
// control tick.
package monitor

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// defaultWindowSize is the per-stage sample window: 120 samples is
// roughly two to four seconds of history at 30-60 FPS.
const defaultWindowSize = 120

// Stage identifies a pipeline stage for timing attribution.
type Stage int

const (
	// StageCapture is frame acquisition from the device.
	StageCapture Stage = iota
	// StageTransform is transform application.
	StageTransform
	// StagePublish is delivery to the virtual camera.
	StagePublish

	stageCount
)

// String returns the stage name used in logs and snapshots.
func (s Stage) String() string {
	switch s {
	case StageCapture:
		return "capture"
	case StageTransform:
		return "transform"
	case StagePublish:
		return "publish"
	default:
		return "unknown"
	}
}

// ResourceUsage is a point-in-time view of process resource consumption.
type ResourceUsage struct {
	CPUPercent float64
	HeapBytes  uint64
}

// ResourceSampler supplies resource usage for snapshots. Tests and the
// adaptive-controller scenarios inject scripted samplers.
type ResourceSampler interface {
	Sample() ResourceUsage
}

// Snapshot is an immutable view of recent pipeline performance. A new
// value is produced per request; readers never share mutable state with
// the monitor.
type Snapshot struct {
	Capture   StageStats
	Transform StageStats
	Publish   StageStats
	EndToEnd  StageStats

	AchievedFPS     float64
	DroppedFrames   uint64
	TransformErrors uint64

	CPUPercent float64
	HeapBytes  uint64

	GeneratedAt time.Time
}

// Monitor accumulates pipeline performance samples.
type Monitor struct {
	rings [stageCount]*durationRing
	e2e   *durationRing
	pubs  *timeRing

	dropped         uint64 // atomic
	transformErrors uint64 // atomic
	busyNs          int64  // atomic, feeds the default CPU estimate

	mu          sync.Mutex
	sampler     ResourceSampler
	lastSample  time.Time
	lastBusyNs  int64
}

// New creates a monitor with the given sample window per stage. A
// windowSize of 0 selects the default (120 samples). A nil sampler
// selects the built-in runtime sampler, which reports heap usage from
// the Go runtime and estimates CPU as the fraction of wall time the
// pipeline stages spent doing work since the previous snapshot.
func New(windowSize int, sampler ResourceSampler) *Monitor {
	m := &Monitor{
		e2e:        newDurationRing(windowSize),
		pubs:       newTimeRing(windowSize),
		sampler:    sampler,
		lastSample: time.Now(),
	}
	for i := range m.rings {
		m.rings[i] = newDurationRing(windowSize)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "monitor.New",
		"window_size": windowSize,
	}).Debug("Performance monitor created")

	return m
}

// RecordStageTiming records one stage duration. Hot-path safe.
func (m *Monitor) RecordStageTiming(stage Stage, d time.Duration) {
	if stage < 0 || stage >= stageCount {
		return
	}
	m.rings[stage].add(d)
	atomic.AddInt64(&m.busyNs, int64(d))
}

// RecordEndToEnd records a capture-to-publish latency and the publish
// completion time that feeds the achieved-FPS estimate. Hot-path safe.
func (m *Monitor) RecordEndToEnd(d time.Duration, publishedAt time.Time) {
	m.e2e.add(d)
	m.pubs.add(publishedAt)
}

// RecordFrameDropped counts one dropped frame, whatever the cause:
// backpressure eviction, skip decimation, sink timeout, or ordering
// rejection. Hot-path safe.
func (m *Monitor) RecordFrameDropped() {
	atomic.AddUint64(&m.dropped, 1)
}

// RecordTransformError counts one absorbed transform failure.
func (m *Monitor) RecordTransformError() {
	atomic.AddUint64(&m.transformErrors, 1)
}

// DroppedFrames returns the cumulative drop count.
func (m *Monitor) DroppedFrames() uint64 {
	return atomic.LoadUint64(&m.dropped)
}

// Snapshot produces an immutable performance snapshot from the current
// windows and counters.
func (m *Monitor) Snapshot() Snapshot {
	usage := m.sampleResources()

	snap := Snapshot{
		Capture:         computeStats(m.rings[StageCapture].snapshot()),
		Transform:       computeStats(m.rings[StageTransform].snapshot()),
		Publish:         computeStats(m.rings[StagePublish].snapshot()),
		EndToEnd:        computeStats(m.e2e.snapshot()),
		AchievedFPS:     m.pubs.rate(),
		DroppedFrames:   atomic.LoadUint64(&m.dropped),
		TransformErrors: atomic.LoadUint64(&m.transformErrors),
		CPUPercent:      usage.CPUPercent,
		HeapBytes:       usage.HeapBytes,
		GeneratedAt:     time.Now(),
	}

	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		logrus.WithFields(logrus.Fields{
			"function":     "Monitor.Snapshot",
			"achieved_fps": snap.AchievedFPS,
			"dropped":      snap.DroppedFrames,
			"cpu_percent":  snap.CPUPercent,
			"e2e_p95_ms":   snap.EndToEnd.P95.Milliseconds(),
		}).Trace("Performance snapshot generated")
	}

	return snap
}

// sampleResources reads the injected sampler, or falls back to the
// built-in estimate: heap from runtime.ReadMemStats and CPU from the
// busy-time delta across pipeline stages since the last snapshot.
func (m *Monitor) sampleResources() ResourceUsage {
	m.mu.Lock()
	sampler := m.sampler
	m.mu.Unlock()

	if sampler != nil {
		return sampler.Sample()
	}

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	busy := atomic.LoadInt64(&m.busyNs)
	wall := now.Sub(m.lastSample)

	var cpu float64
	if wall > 0 {
		cpu = float64(busy-m.lastBusyNs) / float64(wall.Nanoseconds()) * 100.0
		if cpu < 0 {
			cpu = 0
		}
		if cpu > 100 {
			cpu = 100
		}
	}

	m.lastSample = now
	m.lastBusyNs = busy

	return ResourceUsage{CPUPercent: cpu, HeapBytes: stats.HeapAlloc}
}

// SetResourceSampler replaces the resource sampler.
func (m *Monitor) SetResourceSampler(sampler ResourceSampler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sampler = sampler
}
