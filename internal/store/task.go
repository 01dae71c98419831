package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/musegen/musegen-api/internal/domain"
)

// StateChange describes the fields written atomically together with a
// state transition. ResultRef and the error fields are mutually exclusive;
// callers must never be able to observe a terminal state with missing
// outcome data.
type StateChange struct {
	// To is the target state of the transition.
	To domain.TaskState

	// ExternalTaskID is recorded on the Pending -> Submitted transition.
	ExternalTaskID string

	// TranslatedPrompt is recorded once the translator succeeds.
	TranslatedPrompt string

	// ResultRef is the opaque artifact reference, set only when To is Completed.
	ResultRef string

	// ErrorKind and ErrorDetail are set only when To is a failure state.
	ErrorKind   domain.ErrorKind
	ErrorDetail string

	// WebhookReceivedAt records the first accepted webhook, when the
	// transition originates from the webhook path.
	WebhookReceivedAt *time.Time
}

// TaskStore defines the persistence interface for generation tasks.
// Implementations must support atomic conditional updates keyed on the
// previous state value; the reconciler relies on this to serialize
// concurrent webhook and poll observations.
type TaskStore interface {
	// Create persists a new task. Returns ErrDuplicate if a task with the
	// same ID already exists.
	Create(ctx context.Context, task *domain.GenerationTask) error

	// GetByID retrieves a task by its locally-generated identifier.
	// Returns ErrTaskNotFound if no task exists.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationTask, error)

	// GetByExternalID retrieves a task by the identifier assigned by the
	// provider. Returns ErrTaskNotFound if no task exists.
	GetByExternalID(ctx context.Context, externalID string) (*domain.GenerationTask, error)

	// CompareAndSwapState transitions a task from the expected previous
	// state to change.To, writing the outcome fields in the same update.
	// Returns (true, nil) if the swap was applied, (false, nil) if the
	// stored state no longer matched the expected value, and a non-nil
	// error only for storage failures.
	CompareAndSwapState(ctx context.Context, id uuid.UUID, from domain.TaskState, change StateChange) (bool, error)

	// IncrementAttempts bumps the submission attempt counter without
	// changing state and returns the new value.
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)

	// RecordWebhook stamps webhookReceivedAt with the first accepted
	// webhook for the task. Later calls are no-ops; state and updatedAt
	// are untouched, so the stamp lands even when the observation itself
	// does not win a transition.
	RecordWebhook(ctx context.Context, id uuid.UUID, receivedAt time.Time) error

	// RecordPoll updates the polling bookkeeping fields (pollCount,
	// lastPolledAt, nextPollAt) without changing state. The update is a
	// no-op if the task has meanwhile reached a terminal state.
	RecordPoll(ctx context.Context, id uuid.UUID, polledAt, nextPollAt time.Time) error

	// ListPollable returns up to limit tasks eligible for polling: state
	// in {Submitted, Processing}, nextPollAt at or before now (or unset),
	// and deadline not yet reached.
	ListPollable(ctx context.Context, now time.Time, limit int) ([]*domain.GenerationTask, error)

	// ListExpired returns up to limit non-terminal tasks whose deadline
	// has passed.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.GenerationTask, error)

	// ListPending returns tasks still awaiting submission, used for
	// recovery after a restart.
	ListPending(ctx context.Context) ([]*domain.GenerationTask, error)
}
