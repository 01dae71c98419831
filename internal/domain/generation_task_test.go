package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGenerationTask(t *testing.T) {
	t.Parallel()

	t.Run("valid task", func(t *testing.T) {
		t.Parallel()

		ownerID := uuid.New()
		task, err := NewGenerationTask(ownerID, "a rainy day in Seoul", 10*time.Minute)

		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, task.ID)
		assert.Equal(t, ownerID, task.OwnerID)
		assert.Equal(t, TaskStatePending, task.State)
		assert.Empty(t, task.ExternalTaskID)
		assert.Empty(t, task.ResultRef)
		assert.Equal(t, ErrorKindNone, task.ErrorKind)
		assert.Equal(t, task.CreatedAt.Add(10*time.Minute), task.DeadlineAt)
	})

	t.Run("empty owner", func(t *testing.T) {
		t.Parallel()

		_, err := NewGenerationTask(uuid.Nil, "prompt", time.Minute)
		assert.ErrorIs(t, err, ErrEmptyTaskOwnerID)
	})

	t.Run("empty prompt", func(t *testing.T) {
		t.Parallel()

		_, err := NewGenerationTask(uuid.New(), "", time.Minute)
		assert.ErrorIs(t, err, ErrEmptyTaskPrompt)
	})

	t.Run("oversized prompt", func(t *testing.T) {
		t.Parallel()

		_, err := NewGenerationTask(uuid.New(), strings.Repeat("x", MaxPromptLength+1), time.Minute)
		assert.ErrorIs(t, err, ErrPromptTooLong)
	})

	t.Run("validation errors carry the validation class", func(t *testing.T) {
		t.Parallel()

		_, err := NewGenerationTask(uuid.New(), "", time.Minute)
		assert.ErrorIs(t, err, ErrValidation)

		_, err = NewGenerationTask(uuid.New(), strings.Repeat("x", MaxPromptLength+1), time.Minute)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("prompt length counts runes not bytes", func(t *testing.T) {
		t.Parallel()

		// 1500 three-byte runes: over 2000 bytes but under the rune cap.
		task, err := NewGenerationTask(uuid.New(), strings.Repeat("가", 1500), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, TaskStatePending, task.State)

		_, err = NewGenerationTask(uuid.New(), strings.Repeat("가", MaxPromptLength+1), time.Minute)
		assert.ErrorIs(t, err, ErrPromptTooLong)
	})
}

func TestGenerationTask_Validate_Outcome(t *testing.T) {
	t.Parallel()

	base := func() *GenerationTask {
		task, err := NewGenerationTask(uuid.New(), "prompt", time.Minute)
		require.NoError(t, err)
		return task
	}

	t.Run("completed requires result ref", func(t *testing.T) {
		t.Parallel()

		task := base()
		task.State = TaskStateCompleted
		assert.ErrorIs(t, task.Validate(), ErrMissingResultRef)

		task.ResultRef = "asset://x"
		assert.NoError(t, task.Validate())
	})

	t.Run("failed requires error kind", func(t *testing.T) {
		t.Parallel()

		task := base()
		task.State = TaskStateFailed
		assert.ErrorIs(t, task.Validate(), ErrMissingErrorKind)

		task.ErrorKind = ErrorKindCreditExhausted
		assert.NoError(t, task.Validate())
	})

	t.Run("result and error are mutually exclusive", func(t *testing.T) {
		t.Parallel()

		task := base()
		task.State = TaskStateCompleted
		task.ResultRef = "asset://x"
		task.ErrorKind = ErrorKindProviderFailed
		assert.ErrorIs(t, task.Validate(), ErrConflictingOutcome)
	})
}

func TestTaskState_CanTransition(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		from    TaskState
		to      TaskState
		allowed bool
	}{
		{"pending to submitted", TaskStatePending, TaskStateSubmitted, true},
		{"submitted to processing", TaskStateSubmitted, TaskStateProcessing, true},
		{"processing to completed", TaskStateProcessing, TaskStateCompleted, true},
		{"submitted to completed", TaskStateSubmitted, TaskStateCompleted, true},
		{"pending to failed", TaskStatePending, TaskStateFailed, true},
		{"submitted to timed out", TaskStateSubmitted, TaskStateTimedOut, true},
		{"processing to timed out", TaskStateProcessing, TaskStateTimedOut, true},
		{"pending to timed out", TaskStatePending, TaskStateTimedOut, true},
		{"processing to cancelled", TaskStateProcessing, TaskStateCancelled, true},
		{"pending to processing skips submitted", TaskStatePending, TaskStateProcessing, false},
		{"processing back to submitted", TaskStateProcessing, TaskStateSubmitted, false},
		{"completed is terminal", TaskStateCompleted, TaskStateFailed, false},
		{"failed is terminal", TaskStateFailed, TaskStateCompleted, false},
		{"timed out is terminal", TaskStateTimedOut, TaskStateCancelled, false},
		{"cancelled is terminal", TaskStateCancelled, TaskStateCompleted, false},
		{"same state is not a transition", TaskStateProcessing, TaskStateProcessing, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to))
		})
	}
}

func TestTaskState_IsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []TaskState{TaskStateCompleted, TaskStateFailed, TaskStateTimedOut, TaskStateCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "state %s should be terminal", s)
	}

	nonTerminal := []TaskState{TaskStatePending, TaskStateSubmitted, TaskStateProcessing}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "state %s should not be terminal", s)
	}
}
