package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/musegen/musegen-api/internal/domain"
)

// TaskCompletionEvent is published exactly once per task, when the
// reconciler accepts a transition into a terminal state. Downstream
// consumers (client notification, billing) subscribe to it; the event
// carries the full outcome so consumers need not re-read the store.
type TaskCompletionEvent struct {
	// ID is a unique identifier for this event.
	ID uuid.UUID `json:"id"`

	// TaskID is the completed task's identifier.
	TaskID uuid.UUID `json:"task_id"`

	// OwnerID identifies the task's owner.
	OwnerID uuid.UUID `json:"owner_id"`

	// State is the terminal state the task reached.
	State domain.TaskState `json:"state"`

	// ResultRef is set only when State is Completed.
	ResultRef string `json:"result_ref,omitempty"`

	// ErrorKind and ErrorDetail are set only on terminal failure.
	ErrorKind   domain.ErrorKind `json:"error_kind,omitempty"`
	ErrorDetail string           `json:"error_detail,omitempty"`

	// OccurredAt is the timestamp when the transition was accepted.
	OccurredAt time.Time `json:"occurred_at"`
}

// NewTaskCompletionEvent builds a completion event from a task that has
// just reached a terminal state.
func NewTaskCompletionEvent(task *domain.GenerationTask) *TaskCompletionEvent {
	return &TaskCompletionEvent{
		ID:          uuid.New(),
		TaskID:      task.ID,
		OwnerID:     task.OwnerID,
		State:       task.State,
		ResultRef:   task.ResultRef,
		ErrorKind:   task.ErrorKind,
		ErrorDetail: task.ErrorDetail,
		OccurredAt:  time.Now().UTC(),
	}
}

// Handler defines an interface for components that consume completion
// events.
type Handler interface {
	// HandleCompletion processes the given event within the provided
	// context. Returns an error if the event cannot be handled.
	HandleCompletion(ctx context.Context, event *TaskCompletionEvent) error
}

// Emitter defines an interface for components that can publish completion
// events. This allows the reconciler to notify consumers without direct
// knowledge of them.
type Emitter interface {
	// EmitCompletion publishes the given event to all registered handlers.
	EmitCompletion(ctx context.Context, event *TaskCompletionEvent) error
}
