package pipeline

import "time"

// EventType identifies an asynchronous pipeline notification.
type EventType int

const (
	// EventTransformDegraded fires once when the transform stage falls
	// back to the identity transform after repeated failures.
	EventTransformDegraded EventType = iota
	// EventDeviceLost fires when the capture device disappears and
	// reopen attempts begin.
	EventDeviceLost
	// EventDeviceRecovered fires when a lost device is reopened.
	EventDeviceRecovered
	// EventSinkReopened fires after the output is cycled following
	// consecutive publish failures.
	EventSinkReopened
	// EventQualityChanged fires when the adaptive controller moves the
	// quality level.
	EventQualityChanged
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EventTransformDegraded:
		return "transform_degraded"
	case EventDeviceLost:
		return "device_lost"
	case EventDeviceRecovered:
		return "device_recovered"
	case EventSinkReopened:
		return "sink_reopened"
	case EventQualityChanged:
		return "quality_changed"
	default:
		return "unknown"
	}
}

// Event is a notification delivered to the event callback. Detail is
// free-form context for logging or UI display.
type Event struct {
	Type   EventType
	Detail string
	At     time.Time
}

// StateChange describes a state machine transition.
type StateChange struct {
	From State
	To   State
	At   time.Time
}
