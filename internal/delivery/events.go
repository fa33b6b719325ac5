package delivery

import (
	"time"
)

// EventType names a delivery event
type EventType string

const (
	EventFetchSucceeded EventType = "fetch-succeeded"
	EventFetchFailed    EventType = "fetch-failed"
	EventProgress       EventType = "progress"
	EventGroupCompleted EventType = "group-completed"
)

// Event reports delivery progress to playback and UI collaborators.
type Event struct {
	Type      EventType     `json:"type"`
	BatchID   string        `json:"batchId"`
	AssetURL  string        `json:"assetUrl,omitempty"`
	RouteID   string        `json:"routeId,omitempty"`
	Group     string        `json:"group,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Latency   time.Duration `json:"latency,omitempty"`
	Progress  float64       `json:"progress"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventSink receives delivery events. Publish must not block.
type EventSink interface {
	Publish(evt Event)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(evt Event)

func (f EventSinkFunc) Publish(evt Event) { f(evt) }
