// Package events provides in-memory event fan-out for ccm. Delivery is
// best-effort: the task log in the store is the canonical record, and
// subscribers that fall behind lose events rather than blocking the
// publisher.
package events

import (
	"time"
)

// GlobalTaskID subscribes to events for all tasks, including the
// scheduler's own status events published against task id 0.
const GlobalTaskID int64 = -1

// Event is a published stream event. EventType is one of the six
// stream categories (assistant, tool_use, tool_result, result, error,
// system); Payload is the decoded JSON object from the agent stream or
// a scheduler status snapshot.
type Event struct {
	TaskID    int64     `json:"task_id"`
	EventType string    `json:"event_type"`
	Payload   any       `json:"payload"`
	Time      time.Time `json:"time,omitempty"`
}

// New creates an event stamped with the current time.
func New(taskID int64, eventType string, payload any) Event {
	return Event{
		TaskID:    taskID,
		EventType: eventType,
		Payload:   payload,
		Time:      time.Now(),
	}
}
