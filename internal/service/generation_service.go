package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/musegen/musegen-api/internal/domain"
	"github.com/musegen/musegen-api/internal/provider"
	"github.com/musegen/musegen-api/internal/store"
	"github.com/musegen/musegen-api/internal/task"
	"github.com/musegen/musegen-api/internal/translation"
)

// Common sentinel errors for GenerationService.
var (
	// ErrTaskNotFound indicates that the generation task does not exist.
	// API layer should map this to HTTP 404 Not Found.
	ErrTaskNotFound = errors.New("generation task not found")

	// ErrNotOwned indicates the task belongs to a different user than the
	// one making the request. API layer should map this to HTTP 403.
	ErrNotOwned = errors.New("task is owned by another user")

	// ErrWebhookUnauthorized indicates a callback whose signature did not
	// verify. No task state is touched. API layer maps this to HTTP 401.
	ErrWebhookUnauthorized = errors.New("webhook signature verification failed")

	// ErrWebhookMalformed indicates an authenticated callback whose payload
	// could not be parsed. API layer maps this to HTTP 400.
	ErrWebhookMalformed = errors.New("webhook payload malformed")
)

// GenerationServiceError wraps errors from the generation service with context.
type GenerationServiceError struct {
	// Operation is the operation that failed (e.g., "submit", "cancel").
	Operation string
	// Message is a human-readable description of the error.
	Message string
	// Err is the underlying error that caused the failure.
	Err error
}

// Error implements the error interface for GenerationServiceError.
func (e *GenerationServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("generation service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *GenerationServiceError) Unwrap() error {
	return e.Err
}

// NewGenerationServiceError creates a new GenerationServiceError.
// It returns known sentinel errors directly without wrapping.
func NewGenerationServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrNotOwned) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrTaskTerminal) {
		return err
	}

	if store.IsNotFoundError(err) {
		return ErrTaskNotFound
	}

	return &GenerationServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// GenerationConfig tunes the submission pipeline.
type GenerationConfig struct {
	// MaxSubmitAttempts bounds provider submission attempts per task.
	MaxSubmitAttempts int

	// SubmitTimeout bounds each outbound submit call.
	SubmitTimeout time.Duration

	// SyncBudget is how long SubmitAndWait blocks before handing the
	// caller the task ID and telling them to poll.
	SyncBudget time.Duration

	// MaxLifetime is the per-task deadline from creation to a terminal
	// state; the sweeper enforces it.
	MaxLifetime time.Duration

	// Backoff is the delay policy between submission retries.
	Backoff task.BackoffPolicy
}

// DefaultGenerationConfig returns a GenerationConfig with reasonable defaults.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxSubmitAttempts: 3,
		SubmitTimeout:     30 * time.Second,
		SyncBudget:        30 * time.Second,
		MaxLifetime:       10 * time.Minute,
		Backoff:           task.DefaultBackoffPolicy(),
	}
}

// GenerationService provides generation-task operations.
type GenerationService interface {
	// Submit validates the prompt, persists a new Pending task, and
	// dispatches translation and provider submission in the background.
	// It returns the task as first persisted; callers poll GetStatus for
	// progress.
	Submit(ctx context.Context, ownerID uuid.UUID, prompt string) (*domain.GenerationTask, error)

	// SubmitAndWait behaves like Submit but blocks until the task leaves
	// Pending or the synchronous budget elapses, returning the freshest
	// snapshot either way.
	SubmitAndWait(ctx context.Context, ownerID uuid.UUID, prompt string) (*domain.GenerationTask, error)

	// GetStatus returns the task if it exists and belongs to ownerID.
	GetStatus(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.GenerationTask, error)

	// Cancel transitions the task to Cancelled. Returns
	// domain.ErrTaskTerminal if the task already reached a terminal state.
	Cancel(ctx context.Context, ownerID, taskID uuid.UUID) error

	// HandleCallback ingests a provider webhook. It returns
	// ErrWebhookUnauthorized or ErrWebhookMalformed for boundary
	// rejections; an unknown external task ID is acknowledged silently.
	HandleCallback(ctx context.Context, payload []byte, headers http.Header) error

	// RecoverPending re-dispatches tasks left in Pending by a previous
	// process, e.g. after a crash between Create and provider submit.
	RecoverPending(ctx context.Context) error
}

// generationServiceImpl implements the GenerationService interface.
type generationServiceImpl struct {
	store      store.TaskStore
	client     provider.Client
	translator translation.Translator
	reconciler *task.Reconciler
	config     GenerationConfig
	logger     *slog.Logger

	// dispatching guards against duplicate background dispatch for the
	// same task, the in-process half of the one-submit-per-task rule.
	mu          sync.Mutex
	dispatching map[uuid.UUID]struct{}

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewGenerationService creates a new GenerationService.
// It returns an error if any of the required dependencies are nil.
func NewGenerationService(
	taskStore store.TaskStore,
	client provider.Client,
	translator translation.Translator,
	reconciler *task.Reconciler,
	config GenerationConfig,
	logger *slog.Logger,
) (GenerationService, error) {
	if taskStore == nil {
		return nil, &GenerationServiceError{Operation: "create_service", Message: "taskStore cannot be nil"}
	}
	if client == nil {
		return nil, &GenerationServiceError{Operation: "create_service", Message: "client cannot be nil"}
	}
	if translator == nil {
		return nil, &GenerationServiceError{Operation: "create_service", Message: "translator cannot be nil"}
	}
	if reconciler == nil {
		return nil, &GenerationServiceError{Operation: "create_service", Message: "reconciler cannot be nil"}
	}
	if config.MaxSubmitAttempts <= 0 {
		config.MaxSubmitAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &generationServiceImpl{
		store:       taskStore,
		client:      client,
		translator:  translator,
		reconciler:  reconciler,
		config:      config,
		logger:      logger.With("component", "generation_service"),
		dispatching: make(map[uuid.UUID]struct{}),
		ctx:         ctx,
		cancelFunc:  cancel,
	}, nil
}

// Stop cancels background dispatches and waits for them to drain. Tasks
// still Pending at shutdown are picked up by RecoverPending on restart.
func (s *generationServiceImpl) Stop() {
	s.cancelFunc()
	s.wg.Wait()
}

// Submit implements GenerationService.Submit.
func (s *generationServiceImpl) Submit(ctx context.Context, ownerID uuid.UUID, prompt string) (*domain.GenerationTask, error) {
	genTask, err := domain.NewGenerationTask(ownerID, prompt, s.config.MaxLifetime)
	if err != nil {
		return nil, NewGenerationServiceError("submit", "invalid submission", err)
	}

	if err := s.store.Create(ctx, genTask); err != nil {
		s.logger.Error("failed to persist new task",
			"error", err,
			"owner_id", ownerID)
		return nil, NewGenerationServiceError("submit", "failed to save task", err)
	}

	s.logger.Info("generation task created",
		"task_id", genTask.ID,
		"owner_id", ownerID)

	s.startDispatch(genTask)
	return genTask, nil
}

// SubmitAndWait implements GenerationService.SubmitAndWait.
func (s *generationServiceImpl) SubmitAndWait(ctx context.Context, ownerID uuid.UUID, prompt string) (*domain.GenerationTask, error) {
	genTask, err := domain.NewGenerationTask(ownerID, prompt, s.config.MaxLifetime)
	if err != nil {
		return nil, NewGenerationServiceError("submit", "invalid submission", err)
	}

	if err := s.store.Create(ctx, genTask); err != nil {
		s.logger.Error("failed to persist new task",
			"error", err,
			"owner_id", ownerID)
		return nil, NewGenerationServiceError("submit", "failed to save task", err)
	}

	// Subscribe before dispatching so no transition can slip past.
	updates, unsubscribe := s.reconciler.Subscribe(genTask.ID)
	defer unsubscribe()

	s.startDispatch(genTask)

	budget := time.NewTimer(s.config.SyncBudget)
	defer budget.Stop()

	latest := genTask
	for {
		select {
		case <-ctx.Done():
			return latest, nil
		case <-budget.C:
			// Budget spent; the caller polls from here.
			return latest, nil
		case snapshot := <-updates:
			latest = snapshot
			if snapshot.State != domain.TaskStatePending {
				return latest, nil
			}
		}
	}
}

// GetStatus implements GenerationService.GetStatus.
func (s *generationServiceImpl) GetStatus(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.GenerationTask, error) {
	genTask, err := s.store.GetByID(ctx, taskID)
	if err != nil {
		return nil, NewGenerationServiceError("get_status", "failed to load task", err)
	}
	if genTask.OwnerID != ownerID {
		return nil, ErrNotOwned
	}
	return genTask, nil
}

// Cancel implements GenerationService.Cancel.
func (s *generationServiceImpl) Cancel(ctx context.Context, ownerID, taskID uuid.UUID) error {
	genTask, err := s.store.GetByID(ctx, taskID)
	if err != nil {
		return NewGenerationServiceError("cancel", "failed to load task", err)
	}
	if genTask.OwnerID != ownerID {
		return ErrNotOwned
	}

	if _, err := s.reconciler.Cancel(ctx, taskID); err != nil {
		return NewGenerationServiceError("cancel", "failed to cancel task", err)
	}

	s.logger.Info("generation task cancelled",
		"task_id", taskID,
		"owner_id", ownerID)
	return nil
}

// HandleCallback implements GenerationService.HandleCallback.
func (s *generationServiceImpl) HandleCallback(ctx context.Context, payload []byte, headers http.Header) error {
	if !s.client.VerifyWebhook(payload, headers) {
		s.logger.Warn("rejected webhook with bad signature")
		return ErrWebhookUnauthorized
	}

	report, err := s.client.ParseWebhook(payload)
	if err != nil {
		s.logger.Warn("rejected unparseable webhook", "error", err)
		return fmt.Errorf("%w: %w", ErrWebhookMalformed, err)
	}

	genTask, err := s.store.GetByExternalID(ctx, report.ExternalTaskID)
	if err != nil {
		if store.IsNotFoundError(err) {
			// Unknown external IDs are acknowledged and dropped so the
			// provider does not keep redelivering.
			s.logger.Warn("webhook for unknown task acknowledged",
				"external_task_id", report.ExternalTaskID)
			return nil
		}
		return NewGenerationServiceError("handle_callback", "failed to look up task", err)
	}

	if _, err := s.reconciler.Observe(ctx, genTask.ID, report, task.SourceWebhook); err != nil {
		return NewGenerationServiceError("handle_callback", "failed to reconcile webhook", err)
	}
	return nil
}

// RecoverPending implements GenerationService.RecoverPending.
func (s *generationServiceImpl) RecoverPending(ctx context.Context) error {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return NewGenerationServiceError("recover", "failed to list pending tasks", err)
	}

	for _, genTask := range pending {
		s.logger.Info("re-dispatching pending task from previous run",
			"task_id", genTask.ID)
		s.startDispatch(genTask)
	}
	return nil
}

// startDispatch launches the background translate-and-submit pipeline for
// a task, at most once per task per process.
func (s *generationServiceImpl) startDispatch(genTask *domain.GenerationTask) {
	s.mu.Lock()
	if _, active := s.dispatching[genTask.ID]; active {
		s.mu.Unlock()
		return
	}
	s.dispatching[genTask.ID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.dispatching, genTask.ID)
			s.mu.Unlock()
		}()
		s.dispatch(s.ctx, genTask)
	}()
}

// dispatch runs translation and provider submission for one task. All
// outcomes land in the store; nothing is returned to a caller.
func (s *generationServiceImpl) dispatch(ctx context.Context, genTask *domain.GenerationTask) {
	logger := s.logger.With("task_id", genTask.ID)

	translated, err := s.translator.Translate(ctx, genTask.Prompt)
	if err != nil {
		logger.Error("prompt translation failed", "error", err)
		if _, failErr := s.reconciler.Fail(ctx, genTask.ID, domain.ErrorKindTranslationFailed, err.Error(), task.SourceSubmit); failErr != nil {
			logger.Error("failed to record translation failure", "error", failErr)
		}
		return
	}

	for {
		// The task may have been cancelled or timed out while we were
		// translating or backing off; submitting then would orphan a
		// provider job.
		current, err := s.store.GetByID(ctx, genTask.ID)
		if err != nil {
			logger.Error("failed to reload task before submit", "error", err)
			return
		}
		if current.State != domain.TaskStatePending {
			logger.Info("skipping submit, task left pending state",
				"state", current.State)
			return
		}

		attempts, err := s.store.IncrementAttempts(ctx, genTask.ID)
		if err != nil {
			logger.Error("failed to record submission attempt", "error", err)
			return
		}

		submitCtx, cancel := context.WithTimeout(ctx, s.config.SubmitTimeout)
		result, submitErr := s.client.Submit(submitCtx, translated)
		cancel()

		if submitErr == nil {
			swapped, err := s.reconciler.MarkSubmitted(ctx, genTask.ID, result.ExternalTaskID, translated)
			if err != nil {
				logger.Error("failed to mark task submitted", "error", err)
				return
			}
			if !swapped {
				logger.Warn("task left pending during submit, provider job orphaned",
					"external_task_id", result.ExternalTaskID)
				return
			}
			logger.Info("task submitted to provider",
				"external_task_id", result.ExternalTaskID,
				"attempts", attempts)
			return
		}

		decision := task.DecideSubmitRetry(attempts, s.config.MaxSubmitAttempts, submitErr, s.config.Backoff)
		if decision.Action == task.SubmitActionFail {
			kind := classifySubmitFailure(submitErr)
			logger.Error("submission failed terminally",
				"error", submitErr,
				"error_kind", kind,
				"attempts", attempts)
			if _, failErr := s.reconciler.Fail(ctx, genTask.ID, kind, submitErr.Error(), task.SourceSubmit); failErr != nil {
				logger.Error("failed to record submission failure", "error", failErr)
			}
			return
		}

		logger.Warn("submission attempt failed, retrying",
			"error", submitErr,
			"attempts", attempts,
			"retry_in", decision.Delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(decision.Delay):
		}
	}
}

// classifySubmitFailure maps a terminal submit error to its error kind.
func classifySubmitFailure(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, provider.ErrCredentialInvalid):
		return domain.ErrorKindCredentialInvalid
	case errors.Is(err, provider.ErrCreditExhausted):
		return domain.ErrorKindCreditExhausted
	default:
		return domain.ErrorKindSubmissionExhausted
	}
}
