package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/musegen/musegen-api/internal/domain"
	"github.com/musegen/musegen-api/internal/events"
	"github.com/musegen/musegen-api/internal/provider"
	"github.com/musegen/musegen-api/internal/store"
)

// Source tags which ingestion path produced an observation. The
// reconciler's transition rule is commutative with respect to source:
// whichever path observes a terminal status first wins, and the other's
// later report of the same status is a no-op.
type Source string

// Known observation sources.
const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceSubmit  Source = "submit"
	SourceSweep   Source = "sweep"
	SourceCancel  Source = "cancel"
)

// casMaxRounds bounds the read/CAS retry loop. Each failed round means a
// concurrent transition was accepted, and the state graph has no cycles,
// so a handful of rounds always suffices.
const casMaxRounds = 4

// Reconciler is the single authority for task state transitions. Both the
// webhook ingress and the poll workers funnel their observations through
// it; atomicity per task comes from the store's compare-and-swap rather
// than any global lock.
type Reconciler struct {
	store   store.TaskStore
	emitter events.Emitter
	logger  *slog.Logger

	// waiters notify the submission service's synchronous path. Keyed by
	// task ID; every accepted transition for the task is broadcast.
	mu      sync.Mutex
	waiters map[uuid.UUID][]chan *domain.GenerationTask
}

// NewReconciler creates a Reconciler backed by the given store and
// completion event emitter.
func NewReconciler(taskStore store.TaskStore, emitter events.Emitter, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:   taskStore,
		emitter: emitter,
		logger:  logger.With("component", "reconciler"),
		waiters: make(map[uuid.UUID][]chan *domain.GenerationTask),
	}
}

// Subscribe registers interest in a task's transitions. The returned
// channel receives a snapshot of the task after every accepted transition
// until cancel is called. The channel is buffered; a slow subscriber
// misses intermediate snapshots but always observes the latest one sent.
func (r *Reconciler) Subscribe(taskID uuid.UUID) (<-chan *domain.GenerationTask, func()) {
	ch := make(chan *domain.GenerationTask, 4)

	r.mu.Lock()
	r.waiters[taskID] = append(r.waiters[taskID], ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.waiters[taskID]
		for i, c := range subs {
			if c == ch {
				r.waiters[taskID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(r.waiters[taskID]) == 0 {
			delete(r.waiters, taskID)
		}
	}

	return ch, cancel
}

// notify broadcasts an accepted transition to subscribers. Non-blocking:
// a full subscriber channel is skipped rather than stalling reconciliation.
func (r *Reconciler) notify(task *domain.GenerationTask) {
	r.mu.Lock()
	subs := append([]chan *domain.GenerationTask(nil), r.waiters[task.ID]...)
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- task:
		default:
		}
	}
}

// MarkSubmitted transitions a task from Pending to Submitted, recording
// the provider-assigned external ID and the translated prompt atomically
// with the transition. Returns false if the task is no longer Pending
// (e.g., cancelled or timed out while the submit call was in flight).
func (r *Reconciler) MarkSubmitted(ctx context.Context, taskID uuid.UUID, externalID, translatedPrompt string) (bool, error) {
	swapped, err := r.store.CompareAndSwapState(ctx, taskID, domain.TaskStatePending, store.StateChange{
		To:               domain.TaskStateSubmitted,
		ExternalTaskID:   externalID,
		TranslatedPrompt: translatedPrompt,
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark task submitted: %w", err)
	}

	if swapped {
		r.afterTransition(ctx, taskID)
	}
	return swapped, nil
}

// Observe reconciles a provider status report into the task state. source
// tags the ingestion path for logging and bookkeeping; the transition
// outcome does not depend on it. Returns changed=false when the
// observation is a duplicate, stale, or loses to an already-terminal
// state — none of which is an error.
func (r *Reconciler) Observe(ctx context.Context, taskID uuid.UUID, report *provider.StatusReport, source Source) (bool, error) {
	for round := 0; round < casMaxRounds; round++ {
		task, err := r.store.GetByID(ctx, taskID)
		if err != nil {
			return false, err
		}

		// The first accepted webhook is stamped no matter what the
		// observation goes on to do, including nothing.
		if source == SourceWebhook && task.WebhookReceivedAt == nil {
			if err := r.store.RecordWebhook(ctx, taskID, time.Now().UTC()); err != nil {
				r.logger.Warn("failed to record webhook receipt",
					"task_id", taskID, "error", err)
			}
		}

		if task.IsTerminal() {
			r.logConflict(task, report, source)
			return false, nil
		}

		change, ok := r.changeForReport(task, report, source)
		if !ok {
			// Nothing to do: a working report for a task already in
			// Processing, or a report that cannot advance the state.
			return false, nil
		}

		swapped, err := r.store.CompareAndSwapState(ctx, taskID, task.State, change)
		if err != nil {
			return false, fmt.Errorf("failed to apply %s observation: %w", source, err)
		}
		if swapped {
			r.afterTransition(ctx, taskID)
			return true, nil
		}
		// Lost the race to a concurrent transition; re-read and retry.
	}

	return false, nil
}

// changeForReport maps a normalized status report onto a state change for
// the task's current state. The boolean is false when no transition is
// needed.
func (r *Reconciler) changeForReport(task *domain.GenerationTask, report *provider.StatusReport, source Source) (store.StateChange, bool) {
	var change store.StateChange

	switch report.Status {
	case provider.StatusCompleted:
		change = store.StateChange{
			To:        domain.TaskStateCompleted,
			ResultRef: report.ResultRef,
		}
	case provider.StatusFailed:
		detail := report.Detail
		if detail == "" {
			detail = "provider reported failure"
		}
		change = store.StateChange{
			To:          domain.TaskStateFailed,
			ErrorKind:   domain.ErrorKindProviderFailed,
			ErrorDetail: detail,
		}
	case provider.StatusWorking:
		// Best-effort bookkeeping: provider said "started". Only the
		// Submitted -> Processing step exists; a working report in any
		// other state changes nothing.
		if task.State != domain.TaskStateSubmitted {
			return store.StateChange{}, false
		}
		change = store.StateChange{To: domain.TaskStateProcessing}
	default:
		return store.StateChange{}, false
	}

	if !task.State.CanTransition(change.To) {
		return store.StateChange{}, false
	}

	if source == SourceWebhook && task.WebhookReceivedAt == nil {
		now := time.Now().UTC()
		change.WebhookReceivedAt = &now
	}

	return change, true
}

// Fail transitions a task to terminal Failed with the given kind and
// detail. Used for translation failures, exhausted or fatal submissions,
// and provider-lost tasks. A task already terminal is left untouched.
func (r *Reconciler) Fail(ctx context.Context, taskID uuid.UUID, kind domain.ErrorKind, detail string, source Source) (bool, error) {
	return r.forceTerminal(ctx, taskID, domain.TaskStateFailed, kind, detail, source)
}

// Timeout force-fails a task past its deadline. Invoked by the deadline
// sweep; takes precedence over any in-flight poll or webhook race via the
// same CAS discipline as every other transition.
func (r *Reconciler) Timeout(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return r.forceTerminal(ctx, taskID, domain.TaskStateTimedOut, domain.ErrorKindTimedOut,
		"task did not reach a terminal state before its deadline", SourceSweep)
}

// Cancel transitions a task to terminal Cancelled. Unlike other
// observations, cancelling an already-terminal task is surfaced to the
// caller as domain.ErrTaskTerminal so the API can reject the request.
func (r *Reconciler) Cancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	changed, err := r.forceTerminal(ctx, taskID, domain.TaskStateCancelled, domain.ErrorKindCancelled,
		"cancelled by owner", SourceCancel)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, domain.ErrTaskTerminal
	}
	return true, nil
}

// forceTerminal drives a task into the given terminal state regardless of
// which non-terminal state it currently occupies. Returns changed=false
// if the task is already terminal.
func (r *Reconciler) forceTerminal(ctx context.Context, taskID uuid.UUID, to domain.TaskState, kind domain.ErrorKind, detail string, source Source) (bool, error) {
	for round := 0; round < casMaxRounds; round++ {
		task, err := r.store.GetByID(ctx, taskID)
		if err != nil {
			return false, err
		}

		if task.IsTerminal() {
			return false, nil
		}

		if !task.State.CanTransition(to) {
			return false, nil
		}

		swapped, err := r.store.CompareAndSwapState(ctx, taskID, task.State, store.StateChange{
			To:          to,
			ErrorKind:   kind,
			ErrorDetail: detail,
		})
		if err != nil {
			return false, fmt.Errorf("failed to apply %s transition: %w", source, err)
		}
		if swapped {
			r.afterTransition(ctx, taskID)
			return true, nil
		}
	}

	return false, nil
}

// afterTransition re-reads the task, notifies subscribers, and emits the
// completion event when the accepted transition was terminal.
func (r *Reconciler) afterTransition(ctx context.Context, taskID uuid.UUID) {
	task, err := r.store.GetByID(ctx, taskID)
	if err != nil {
		r.logger.Error("failed to load task after transition",
			"task_id", taskID,
			"error", err)
		return
	}

	r.notify(task)

	if task.IsTerminal() && r.emitter != nil {
		if err := r.emitter.EmitCompletion(ctx, events.NewTaskCompletionEvent(task)); err != nil {
			r.logger.Error("failed to emit completion event",
				"task_id", task.ID,
				"state", task.State,
				"error", err)
		}
	}
}

// logConflict records a late observation against a terminal task. A
// conflicting terminal report is rare provider inconsistency; it is kept
// out of user-visible errors and logged for external alerting instead.
func (r *Reconciler) logConflict(task *domain.GenerationTask, report *provider.StatusReport, source Source) {
	level := slog.LevelDebug
	if (report.Status == provider.StatusCompleted && task.State != domain.TaskStateCompleted) ||
		(report.Status == provider.StatusFailed && task.State != domain.TaskStateFailed) {
		level = slog.LevelWarn
	}

	r.logger.Log(context.Background(), level, "dropping observation against terminal task",
		"task_id", task.ID,
		"task_state", task.State,
		"observed_status", report.Status,
		"source", source)
}
