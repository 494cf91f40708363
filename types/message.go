package types

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Priority is the delivery / execution priority of a message or task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Lanes lists priorities in drain order: high before medium before low.
var Lanes = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// Valid reports whether p is a known priority. The empty value is not valid;
// callers normalize it with OrDefault first.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	default:
		return false
	}
}

// OrDefault returns medium for an unset priority.
func (p Priority) OrDefault() Priority {
	if p == "" {
		return PriorityMedium
	}
	return p
}

// Rank returns the lane index (0 = drained first).
func (p Priority) Rank() int {
	switch p.OrDefault() {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// ParsePriority parses a priority name.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s).OrDefault()
	if !p.Valid() {
		return "", Errorf(ErrInvalidInput, "unknown priority %q", s)
	}
	return p, nil
}

// Message is the unit routed between agents and services.
// A published message is never mutated; the broker works on clones.
type Message struct {
	// ID is unique for the lifetime of the retention window
	ID string `json:"id"`

	// Type is the message type tag used by routing rules
	Type string `json:"type"`

	// Sender is the originating agent or service
	Sender string `json:"sender,omitempty"`

	// Recipient is a channel name or agent ID; empty means broadcast
	Recipient string `json:"recipient,omitempty"`

	// Payload is the opaque structured body
	Payload json.RawMessage `json:"payload,omitempty"`

	// Priority selects the delivery lane
	Priority Priority `json:"priority"`

	// Timestamp is set at publish time when zero
	Timestamp time.Time `json:"timestamp"`

	// Metadata is free-form
	Metadata map[string]string `json:"metadata,omitempty"`

	// Persist keeps the message in the durable log for redelivery
	Persist bool `json:"persist,omitempty"`
}

// NewMessage builds a message with a fresh ID and a JSON-encoded payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Priority:  PriorityMedium,
		Timestamp: time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// IsBroadcast reports whether the message has no explicit recipient.
func (m *Message) IsBroadcast() bool {
	return m.Recipient == ""
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Payload = slices.Clone(m.Payload)
	c.Metadata = maps.Clone(m.Metadata)
	return &c
}

// Validate checks the fields required for publishing.
func (m *Message) Validate() error {
	if m == nil {
		return NewError(ErrInvalidInput, "message is nil")
	}
	if m.Type == "" {
		return NewError(ErrInvalidInput, "message type is required")
	}
	if !m.Priority.OrDefault().Valid() {
		return Errorf(ErrInvalidInput, "unknown priority %q", m.Priority)
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return NewError(ErrInvalidInput, "payload is not valid JSON")
	}
	return nil
}

// DecodePayload unmarshals the payload into dest.
func (m *Message) DecodePayload(dest any) error {
	if len(m.Payload) == 0 {
		return NewError(ErrInvalidInput, "message has no payload")
	}
	return json.Unmarshal(m.Payload, dest)
}
