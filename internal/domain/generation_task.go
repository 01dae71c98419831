package domain

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// TaskState represents the lifecycle state of a generation task.
type TaskState string

// Possible task state values. States advance monotonically along
// Pending -> Submitted -> Processing -> {Completed | Failed}, with
// TimedOut reachable from Submitted/Processing and Cancelled reachable
// from any non-terminal state.
const (
	TaskStatePending    TaskState = "pending"
	TaskStateSubmitted  TaskState = "submitted"
	TaskStateProcessing TaskState = "processing"
	TaskStateCompleted  TaskState = "completed"
	TaskStateFailed     TaskState = "failed"
	TaskStateTimedOut   TaskState = "timed_out"
	TaskStateCancelled  TaskState = "cancelled"
)

// ErrorKind classifies why a task reached a terminal failure state.
// The string values are stable and suitable for client branching.
type ErrorKind string

// Possible error kind values.
const (
	ErrorKindNone                ErrorKind = ""
	ErrorKindTranslationFailed   ErrorKind = "translation_failed"
	ErrorKindSubmissionExhausted ErrorKind = "submission_exhausted"
	ErrorKindCredentialInvalid   ErrorKind = "credential_invalid"
	ErrorKindCreditExhausted     ErrorKind = "credit_exhausted"
	ErrorKindProviderTaskLost    ErrorKind = "provider_task_lost"
	ErrorKindTimedOut            ErrorKind = "timed_out"
	ErrorKindCancelled           ErrorKind = "cancelled"
	ErrorKindProviderFailed      ErrorKind = "provider_failed"
)

// Common validation errors for GenerationTask. All wrap ErrValidation so
// callers can branch on the class without matching individual sentinels.
var (
	ErrEmptyTaskID        = fmt.Errorf("%w: task ID cannot be empty", ErrValidation)
	ErrEmptyTaskOwnerID   = fmt.Errorf("%w: task owner ID cannot be empty", ErrValidation)
	ErrEmptyTaskPrompt    = fmt.Errorf("%w: task prompt cannot be empty", ErrValidation)
	ErrPromptTooLong      = fmt.Errorf("%w: task prompt exceeds maximum length", ErrValidation)
	ErrInvalidTaskState   = fmt.Errorf("%w: invalid task state", ErrValidation)
	ErrMissingResultRef   = fmt.Errorf("%w: completed task must carry a result reference", ErrValidation)
	ErrMissingErrorKind   = fmt.Errorf("%w: failed task must carry an error kind", ErrValidation)
	ErrConflictingOutcome = fmt.Errorf("%w: task cannot carry both a result and an error", ErrValidation)
)

// MaxPromptLength bounds the accepted prompt size in runes, the same
// unit the request validator's max tag counts. Oversized prompts are
// rejected before any task record is created.
const MaxPromptLength = 2000

// GenerationTask is the central entity of the orchestrator. It tracks a
// single externally-dispatched generation job from submission through
// webhook/poll reconciliation to a terminal outcome.
type GenerationTask struct {
	ID                uuid.UUID  `json:"id"`
	OwnerID           uuid.UUID  `json:"owner_id"`
	ExternalTaskID    string     `json:"external_task_id,omitempty"`
	Prompt            string     `json:"prompt"`
	TranslatedPrompt  string     `json:"translated_prompt,omitempty"`
	State             TaskState  `json:"state"`
	Attempts          int        `json:"attempts"`
	PollCount         int        `json:"poll_count"`
	LastPolledAt      *time.Time `json:"last_polled_at,omitempty"`
	NextPollAt        *time.Time `json:"next_poll_at,omitempty"`
	WebhookReceivedAt *time.Time `json:"webhook_received_at,omitempty"`
	ResultRef         string     `json:"result_ref,omitempty"`
	ErrorKind         ErrorKind  `json:"error_kind,omitempty"`
	ErrorDetail       string     `json:"error_detail,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeadlineAt        time.Time  `json:"deadline_at"`
}

// NewGenerationTask creates a new task in the Pending state for the given
// owner and prompt. The deadline is createdAt + maxLifetime; the task must
// reach a terminal state by then or be force-failed as TimedOut.
// Returns an error if validation fails.
func NewGenerationTask(ownerID uuid.UUID, prompt string, maxLifetime time.Duration) (*GenerationTask, error) {
	now := time.Now().UTC()
	task := &GenerationTask{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Prompt:     prompt,
		State:      TaskStatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
		DeadlineAt: now.Add(maxLifetime),
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the GenerationTask has valid data.
// Returns an error if any field fails validation.
func (t *GenerationTask) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if t.OwnerID == uuid.Nil {
		return ErrEmptyTaskOwnerID
	}

	if t.Prompt == "" {
		return ErrEmptyTaskPrompt
	}

	if utf8.RuneCountInString(t.Prompt) > MaxPromptLength {
		return ErrPromptTooLong
	}

	if !IsValidTaskState(t.State) {
		return ErrInvalidTaskState
	}

	// Exactly one of {result set, error set, neither} may hold, and
	// "neither" only in non-terminal states.
	if t.ResultRef != "" && t.ErrorKind != ErrorKindNone {
		return ErrConflictingOutcome
	}
	switch t.State {
	case TaskStateCompleted:
		if t.ResultRef == "" {
			return ErrMissingResultRef
		}
	case TaskStateFailed, TaskStateTimedOut, TaskStateCancelled:
		if t.ErrorKind == ErrorKindNone {
			return ErrMissingErrorKind
		}
	}

	return nil
}

// IsTerminal reports whether the task's current state is terminal.
func (t *GenerationTask) IsTerminal() bool {
	return t.State.IsTerminal()
}

// IsTerminal reports whether the state permits no further transitions.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateTimedOut, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// IsValidTaskState checks if the given state is a valid TaskState.
func IsValidTaskState(state TaskState) bool {
	switch state {
	case TaskStatePending, TaskStateSubmitted, TaskStateProcessing,
		TaskStateCompleted, TaskStateFailed, TaskStateTimedOut, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a transition from the task's current state
// to the target state is allowed by the state graph. Transitions out of a
// terminal state are never allowed; identical states are idempotent no-ops
// handled by the caller, not transitions.
func (s TaskState) CanTransition(to TaskState) bool {
	if s.IsTerminal() {
		return false
	}
	if s == to {
		return false
	}

	switch to {
	case TaskStateSubmitted:
		return s == TaskStatePending
	case TaskStateProcessing:
		return s == TaskStateSubmitted
	case TaskStateCompleted, TaskStateFailed:
		return s == TaskStatePending || s == TaskStateSubmitted || s == TaskStateProcessing
	case TaskStateTimedOut:
		// The deadline sweep may time out any non-terminal task, including
		// one still pending submission.
		return s == TaskStatePending || s == TaskStateSubmitted || s == TaskStateProcessing
	case TaskStateCancelled:
		// Cancellation is reachable from any non-terminal state.
		return true
	default:
		return false
	}
}
