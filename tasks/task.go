package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/whodaniel/fuse-sub035/types"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is a unit of work executed by a registered handler.
type Task struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority types.Priority  `json:"priority"`
	Status   Status          `json:"status"`

	// Attempts counts handler runs started so far
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// Timeout overrides the executor default when positive
	Timeout time.Duration `json:"timeout,omitempty"`

	// ScheduledFor delays the task; nil means run as soon as possible
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	// Recurrence is a cron expression or descriptor such as "@every 5m"
	Recurrence string `json:"recurrence,omitempty"`

	// ParentID links an occurrence of a recurring task to the run that created it
	ParentID string `json:"parent_id,omitempty"`

	LastError     string          `json:"last_error,omitempty"`
	LastErrorCode types.ErrorCode `json:"last_error_code,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// Revision increases on every transition; the durable record never
	// moves to a lower revision
	Revision int64 `json:"revision"`
}

// NewTask builds a task with a JSON-encoded payload.
func NewTask(taskType string, payload any) (*Task, error) {
	t := &Task{
		ID:       uuid.NewString(),
		Type:     taskType,
		Priority: types.PriorityMedium,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		t.Payload = data
	}
	return t, nil
}

// DecodePayload unmarshals the payload into dest.
func (t *Task) DecodePayload(dest any) error {
	if len(t.Payload) == 0 {
		return types.NewError(types.ErrInvalidInput, "task has no payload")
	}
	return json.Unmarshal(t.Payload, dest)
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	c.ScheduledFor = cloneTime(t.ScheduledFor)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
