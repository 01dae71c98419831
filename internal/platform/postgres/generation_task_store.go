package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/musegen/musegen-api/internal/domain"
	"github.com/musegen/musegen-api/internal/platform/logger"
	"github.com/musegen/musegen-api/internal/store"
)

// taskColumns is the column list shared by every SELECT against
// generation_tasks, in scanTask order.
const taskColumns = `id, owner_id, external_task_id, prompt, translated_prompt, state,
	attempts, poll_count, last_polled_at, next_poll_at, webhook_received_at,
	result_ref, error_kind, error_detail, created_at, updated_at, deadline_at`

// GenerationTaskStore implements the store.TaskStore interface using a
// PostgreSQL database as the storage backend. State transitions are
// conditional updates keyed on the previous state, so concurrent webhook
// and poll observations serialize in the database without any advisory
// locking.
type GenerationTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewGenerationTaskStore creates a new PostgreSQL implementation of the
// TaskStore interface. It accepts a database connection or transaction
// that should be initialized and managed by the caller. If logger is nil,
// a default logger will be used.
func NewGenerationTaskStore(db store.DBTX, logger *slog.Logger) *GenerationTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &GenerationTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "generation_task_store")),
	}
}

// Ensure GenerationTaskStore implements store.TaskStore
var _ store.TaskStore = (*GenerationTaskStore)(nil)

// Create implements store.TaskStore.Create.
// Returns store.ErrDuplicate if a task with the same ID already exists.
func (s *GenerationTaskStore) Create(ctx context.Context, task *domain.GenerationTask) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during create",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO generation_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		task.ID,
		task.OwnerID,
		nullString(task.ExternalTaskID),
		task.Prompt,
		task.TranslatedPrompt,
		task.State,
		task.Attempts,
		task.PollCount,
		task.LastPolledAt,
		task.NextPollAt,
		task.WebhookReceivedAt,
		task.ResultRef,
		task.ErrorKind,
		task.ErrorDetail,
		task.CreatedAt,
		task.UpdatedAt,
		task.DeadlineAt,
	)
	if err != nil {
		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return MapError(err)
	}

	log.Debug("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("owner_id", task.OwnerID.String()))
	return nil
}

// GetByID implements store.TaskStore.GetByID.
// Returns store.ErrTaskNotFound if the task does not exist.
func (s *GenerationTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM generation_tasks WHERE id = $1`
	task, err := s.scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return task, nil
}

// GetByExternalID implements store.TaskStore.GetByExternalID.
// Returns store.ErrTaskNotFound if no task carries the external ID.
func (s *GenerationTaskStore) GetByExternalID(ctx context.Context, externalID string) (*domain.GenerationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM generation_tasks WHERE external_task_id = $1`
	task, err := s.scanTask(s.db.QueryRowContext(ctx, query, externalID))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return task, nil
}

// CompareAndSwapState implements store.TaskStore.CompareAndSwapState.
// The transition and its outcome fields are written in a single UPDATE
// guarded by the expected previous state; zero rows affected means the
// state moved underneath the caller, reported as (false, nil).
func (s *GenerationTaskStore) CompareAndSwapState(ctx context.Context, id uuid.UUID, from domain.TaskState, change store.StateChange) (bool, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE generation_tasks
		SET state = $1,
			external_task_id = COALESCE(NULLIF($2, ''), external_task_id),
			translated_prompt = CASE WHEN $3 <> '' THEN $3 ELSE translated_prompt END,
			result_ref = CASE WHEN $4 <> '' THEN $4 ELSE result_ref END,
			error_kind = CASE WHEN $5 <> '' THEN $5 ELSE error_kind END,
			error_detail = CASE WHEN $5 <> '' THEN $6 ELSE error_detail END,
			webhook_received_at = COALESCE(webhook_received_at, $7),
			updated_at = GREATEST(now(), updated_at + interval '1 microsecond')
		WHERE id = $8 AND state = $9
	`
	result, err := s.db.ExecContext(
		ctx,
		query,
		change.To,
		change.ExternalTaskID,
		change.TranslatedPrompt,
		change.ResultRef,
		string(change.ErrorKind),
		change.ErrorDetail,
		change.WebhookReceivedAt,
		id,
		from,
	)
	if err != nil {
		log.Error("failed to apply state transition",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()),
			slog.String("from", string(from)),
			slog.String("to", string(change.To)))
		return false, MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Either the task is gone or its state no longer matches.
		if _, lookupErr := s.GetByID(ctx, id); lookupErr != nil {
			return false, lookupErr
		}
		return false, nil
	}
	return true, nil
}

// IncrementAttempts implements store.TaskStore.IncrementAttempts.
func (s *GenerationTaskStore) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE generation_tasks
		SET attempts = attempts + 1, updated_at = now()
		WHERE id = $1
		RETURNING attempts
	`
	var attempts int
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&attempts); err != nil {
		if IsNotFoundError(err) {
			return 0, store.ErrTaskNotFound
		}
		return 0, MapError(err)
	}
	return attempts, nil
}

// RecordWebhook implements store.TaskStore.RecordWebhook. COALESCE keeps
// the first stamp; state and updated_at stay untouched so the stamp
// lands even for observations that lose the transition race.
func (s *GenerationTaskStore) RecordWebhook(ctx context.Context, id uuid.UUID, receivedAt time.Time) error {
	query := `
		UPDATE generation_tasks
		SET webhook_received_at = COALESCE(webhook_received_at, $1)
		WHERE id = $2
	`
	_, err := s.db.ExecContext(ctx, query, receivedAt, id)
	if err != nil {
		return MapError(err)
	}
	return nil
}

// RecordPoll implements store.TaskStore.RecordPoll. Terminal tasks are
// left untouched so a completed task falls out of the poll set without
// extra coordination.
func (s *GenerationTaskStore) RecordPoll(ctx context.Context, id uuid.UUID, polledAt, nextPollAt time.Time) error {
	query := `
		UPDATE generation_tasks
		SET poll_count = poll_count + 1,
			last_polled_at = $1,
			next_poll_at = $2
		WHERE id = $3
		  AND state NOT IN ('completed', 'failed', 'timed_out', 'cancelled')
	`
	_, err := s.db.ExecContext(ctx, query, polledAt, nextPollAt, id)
	if err != nil {
		return MapError(err)
	}
	return nil
}

// ListPollable implements store.TaskStore.ListPollable.
func (s *GenerationTaskStore) ListPollable(ctx context.Context, now time.Time, limit int) ([]*domain.GenerationTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM generation_tasks
		WHERE state IN ('submitted', 'processing')
		  AND deadline_at > $1
		  AND (next_poll_at IS NULL OR next_poll_at <= $1)
		ORDER BY next_poll_at ASC NULLS FIRST
		LIMIT $2
	`
	return s.queryTasks(ctx, query, now, limit)
}

// ListExpired implements store.TaskStore.ListExpired.
func (s *GenerationTaskStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.GenerationTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM generation_tasks
		WHERE state NOT IN ('completed', 'failed', 'timed_out', 'cancelled')
		  AND deadline_at <= $1
		ORDER BY deadline_at ASC
		LIMIT $2
	`
	return s.queryTasks(ctx, query, now, limit)
}

// ListPending implements store.TaskStore.ListPending.
func (s *GenerationTaskStore) ListPending(ctx context.Context) ([]*domain.GenerationTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM generation_tasks
		WHERE state = 'pending'
		ORDER BY created_at ASC
	`
	return s.queryTasks(ctx, query)
}

func (s *GenerationTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.GenerationTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.GenerationTask
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanTask.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *GenerationTaskStore) scanTask(row rowScanner) (*domain.GenerationTask, error) {
	var task domain.GenerationTask
	var externalID sql.NullString

	err := row.Scan(
		&task.ID,
		&task.OwnerID,
		&externalID,
		&task.Prompt,
		&task.TranslatedPrompt,
		&task.State,
		&task.Attempts,
		&task.PollCount,
		&task.LastPolledAt,
		&task.NextPollAt,
		&task.WebhookReceivedAt,
		&task.ResultRef,
		&task.ErrorKind,
		&task.ErrorDetail,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.DeadlineAt,
	)
	if err != nil {
		return nil, err
	}

	task.ExternalTaskID = externalID.String
	return &task, nil
}

// nullString maps "" to NULL so the partial unique index on
// external_task_id only covers assigned IDs.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
