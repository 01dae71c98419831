// Package memstore provides an in-memory TaskStore implementation with
// the same compare-and-swap semantics as the postgres store. It backs the
// unit tests and local development without a database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/musegen/musegen-api/internal/domain"
	"github.com/musegen/musegen-api/internal/store"
)

// TaskStore is a mutex-guarded in-memory implementation of
// store.TaskStore. Tasks are deep-copied on the way in and out so callers
// can never mutate stored state without going through the interface.
type TaskStore struct {
	mu         sync.Mutex
	byID       map[uuid.UUID]*domain.GenerationTask
	byExternal map[string]uuid.UUID
}

// Guard the interface contract at compile time.
var _ store.TaskStore = (*TaskStore)(nil)

// New creates an empty in-memory TaskStore.
func New() *TaskStore {
	return &TaskStore{
		byID:       make(map[uuid.UUID]*domain.GenerationTask),
		byExternal: make(map[string]uuid.UUID),
	}
}

func copyTask(t *domain.GenerationTask) *domain.GenerationTask {
	c := *t
	if t.LastPolledAt != nil {
		v := *t.LastPolledAt
		c.LastPolledAt = &v
	}
	if t.NextPollAt != nil {
		v := *t.NextPollAt
		c.NextPollAt = &v
	}
	if t.WebhookReceivedAt != nil {
		v := *t.WebhookReceivedAt
		c.WebhookReceivedAt = &v
	}
	return &c
}

// Create persists a new task.
func (s *TaskStore) Create(ctx context.Context, task *domain.GenerationTask) error {
	if err := task.Validate(); err != nil {
		return store.NewStoreError("task", "create", "validation failed", store.ErrInvalidEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[task.ID]; exists {
		return store.ErrDuplicate
	}

	s.byID[task.ID] = copyTask(task)
	return nil
}

// GetByID retrieves a task by its identifier.
func (s *TaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.byID[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return copyTask(task), nil
}

// GetByExternalID retrieves a task by its provider-assigned identifier.
func (s *TaskStore) GetByExternalID(ctx context.Context, externalID string) (*domain.GenerationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return copyTask(s.byID[id]), nil
}

// CompareAndSwapState applies the state change only if the stored state
// still matches the expected previous value. The mutex scopes the check
// and the write into one atomic step, mirroring the conditional UPDATE
// the postgres store issues.
func (s *TaskStore) CompareAndSwapState(ctx context.Context, id uuid.UUID, from domain.TaskState, change store.StateChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.byID[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}

	if task.State != from {
		return false, nil
	}

	now := time.Now().UTC()
	if !now.After(task.UpdatedAt) {
		// updatedAt must strictly increase on every accepted transition.
		now = task.UpdatedAt.Add(time.Nanosecond)
	}

	task.State = change.To
	task.UpdatedAt = now
	if change.ExternalTaskID != "" {
		task.ExternalTaskID = change.ExternalTaskID
		s.byExternal[change.ExternalTaskID] = id
	}
	if change.TranslatedPrompt != "" {
		task.TranslatedPrompt = change.TranslatedPrompt
	}
	if change.ResultRef != "" {
		task.ResultRef = change.ResultRef
	}
	if change.ErrorKind != domain.ErrorKindNone {
		task.ErrorKind = change.ErrorKind
		task.ErrorDetail = change.ErrorDetail
	}
	if change.WebhookReceivedAt != nil && task.WebhookReceivedAt == nil {
		v := *change.WebhookReceivedAt
		task.WebhookReceivedAt = &v
	}

	return true, nil
}

// IncrementAttempts bumps the submission attempt counter.
func (s *TaskStore) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.byID[id]
	if !ok {
		return 0, store.ErrTaskNotFound
	}

	task.Attempts++
	now := time.Now().UTC()
	if !now.After(task.UpdatedAt) {
		now = task.UpdatedAt.Add(time.Nanosecond)
	}
	task.UpdatedAt = now
	return task.Attempts, nil
}

// RecordWebhook stamps the first accepted webhook; later calls no-op.
func (s *TaskStore) RecordWebhook(ctx context.Context, id uuid.UUID, receivedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.byID[id]
	if !ok {
		return store.ErrTaskNotFound
	}

	if task.WebhookReceivedAt == nil {
		v := receivedAt
		task.WebhookReceivedAt = &v
	}
	return nil
}

// RecordPoll updates polling bookkeeping for non-terminal tasks.
func (s *TaskStore) RecordPoll(ctx context.Context, id uuid.UUID, polledAt, nextPollAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.byID[id]
	if !ok {
		return store.ErrTaskNotFound
	}

	if task.IsTerminal() {
		return nil
	}

	task.PollCount++
	p := polledAt
	n := nextPollAt
	task.LastPolledAt = &p
	task.NextPollAt = &n
	return nil
}

// ListPollable returns tasks eligible for polling, oldest next-poll first.
func (s *TaskStore) ListPollable(ctx context.Context, now time.Time, limit int) ([]*domain.GenerationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.GenerationTask
	for _, task := range s.byID {
		if task.State != domain.TaskStateSubmitted && task.State != domain.TaskStateProcessing {
			continue
		}
		if !task.DeadlineAt.After(now) {
			continue
		}
		if task.NextPollAt != nil && task.NextPollAt.After(now) {
			continue
		}
		out = append(out, copyTask(task))
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextPollAt, out[j].NextPollAt
		switch {
		case a == nil && b == nil:
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListExpired returns non-terminal tasks whose deadline has passed.
func (s *TaskStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.GenerationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.GenerationTask
	for _, task := range s.byID {
		if task.IsTerminal() {
			continue
		}
		if task.DeadlineAt.After(now) {
			continue
		}
		out = append(out, copyTask(task))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Before(out[j].DeadlineAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListPending returns tasks still awaiting submission.
func (s *TaskStore) ListPending(ctx context.Context) ([]*domain.GenerationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.GenerationTask
	for _, task := range s.byID {
		if task.State == domain.TaskStatePending {
			out = append(out, copyTask(task))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
