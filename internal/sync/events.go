package sync

import "time"

// EventType names a run lifecycle event.
type EventType string

const (
	EventStarted   EventType = "sync.started"
	EventCompleted EventType = "sync.completed"
	EventFailed    EventType = "sync.failed"
)

// Event is delivered to subscribers. It carries counts and sanitized text
// only.
type Event struct {
	Type   EventType  `json:"type"`
	At     time.Time  `json:"at"`
	Result *RunResult `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}
