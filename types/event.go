package types

import (
	"encoding/json"
	"time"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceScheduler EventSource = "scheduler"
	SourceState     EventSource = "state"
)

// Event types
const (
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskCancelled = "task.cancelled"
	EventStateChanged  = "state.changed"
	EventStateDeleted  = "state.deleted"
)

// Event is the uniform payload handed to outbound consumers by the executor
// and the state manager.
type Event struct {
	Type      string      `json:"type"`
	Source    EventSource `json:"source"`
	Data      any         `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType string, source EventSource, data any) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// ToMessage wraps the event into a message so it can travel through the broker.
func (e Event) ToMessage(sender string, priority Priority) (*Message, error) {
	msg, err := NewMessage(e.Type, e)
	if err != nil {
		return nil, err
	}
	msg.Sender = sender
	msg.Priority = priority
	msg.Timestamp = e.Timestamp
	return msg, nil
}

// EventFromMessage decodes an event previously wrapped by ToMessage.
// Data is left as raw JSON for the caller to decode.
func EventFromMessage(msg *Message) (Event, json.RawMessage, error) {
	var raw struct {
		Type      string          `json:"type"`
		Source    EventSource     `json:"source"`
		Data      json.RawMessage `json:"data"`
		Timestamp time.Time       `json:"timestamp"`
	}
	if err := msg.DecodePayload(&raw); err != nil {
		return Event{}, nil, err
	}
	return Event{Type: raw.Type, Source: raw.Source, Timestamp: raw.Timestamp}, raw.Data, nil
}
