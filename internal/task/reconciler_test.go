package task

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musegen/musegen-api/internal/domain"
	"github.com/musegen/musegen-api/internal/events"
	"github.com/musegen/musegen-api/internal/platform/memstore"
	"github.com/musegen/musegen-api/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// completionRecorder collects emitted completion events.
type completionRecorder struct {
	mu     sync.Mutex
	events []*events.TaskCompletionEvent
}

func (c *completionRecorder) HandleCompletion(ctx context.Context, event *events.TaskCompletionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *completionRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// newSubmittedTask seeds the store with a task already in the Submitted
// state carrying the given external ID.
func newSubmittedTask(t *testing.T, taskStore *memstore.TaskStore, rec *Reconciler, externalID string) *domain.GenerationTask {
	t.Helper()

	ctx := context.Background()
	task, err := domain.NewGenerationTask(uuid.New(), "summer rose", 10*time.Minute)
	require.NoError(t, err)
	require.NoError(t, taskStore.Create(ctx, task))

	swapped, err := rec.MarkSubmitted(ctx, task.ID, externalID, "romantic k-pop, 80 bpm")
	require.NoError(t, err)
	require.True(t, swapped)

	got, err := taskStore.GetByID(ctx, task.ID)
	require.NoError(t, err)
	return got
}

func newTestReconciler(t *testing.T) (*memstore.TaskStore, *Reconciler, *completionRecorder) {
	t.Helper()

	taskStore := memstore.New()
	emitter := events.NewInMemoryEmitter(testLogger())
	recorder := &completionRecorder{}
	emitter.RegisterHandler(recorder)
	return taskStore, NewReconciler(taskStore, emitter, testLogger()), recorder
}

func TestReconciler_MarkSubmitted(t *testing.T) {
	t.Parallel()

	taskStore, rec, _ := newTestReconciler(t)
	task := newSubmittedTask(t, taskStore, rec, "ext-1")

	assert.Equal(t, domain.TaskStateSubmitted, task.State)
	assert.Equal(t, "ext-1", task.ExternalTaskID)
	assert.Equal(t, "romantic k-pop, 80 bpm", task.TranslatedPrompt)

	// Second MarkSubmitted is a no-op: the task left Pending already.
	swapped, err := rec.MarkSubmitted(context.Background(), task.ID, "ext-other", "x")
	require.NoError(t, err)
	assert.False(t, swapped)
}

func TestReconciler_Observe_CompletedFromEitherSource(t *testing.T) {
	t.Parallel()

	for _, source := range []Source{SourceWebhook, SourcePoll} {
		t.Run(string(source), func(t *testing.T) {
			t.Parallel()

			taskStore, rec, recorder := newTestReconciler(t)
			task := newSubmittedTask(t, taskStore, rec, "ext-"+string(source))

			changed, err := rec.Observe(context.Background(), task.ID, &provider.StatusReport{
				ExternalTaskID: task.ExternalTaskID,
				Status:         provider.StatusCompleted,
				ResultRef:      "asset://x",
			}, source)

			require.NoError(t, err)
			assert.True(t, changed)

			got, err := taskStore.GetByID(context.Background(), task.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.TaskStateCompleted, got.State)
			assert.Equal(t, "asset://x", got.ResultRef)
			assert.Equal(t, domain.ErrorKindNone, got.ErrorKind)
			assert.Equal(t, 1, recorder.count())

			if source == SourceWebhook {
				assert.NotNil(t, got.WebhookReceivedAt)
			} else {
				assert.Nil(t, got.WebhookReceivedAt)
			}
		})
	}
}

func TestReconciler_Observe_WorkingSetsProcessing(t *testing.T) {
	t.Parallel()

	taskStore, rec, recorder := newTestReconciler(t)
	task := newSubmittedTask(t, taskStore, rec, "ext-2")

	changed, err := rec.Observe(context.Background(), task.ID, &provider.StatusReport{
		Status: provider.StatusWorking,
	}, SourcePoll)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := taskStore.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateProcessing, got.State)
	assert.Equal(t, 0, recorder.count(), "processing is not terminal")

	// A redundant working report from the other source is a no-op.
	changed, err = rec.Observe(context.Background(), task.ID, &provider.StatusReport{
		Status: provider.StatusWorking,
	}, SourceWebhook)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestReconciler_ConcurrentCompletedObservations(t *testing.T) {
	t.Parallel()

	// Race test: deliver a webhook and a poll reporting Completed for the
	// same task concurrently. Exactly one transition must be recorded and
	// both callers must observe success.
	taskStore, rec, recorder := newTestReconciler(t)
	task := newSubmittedTask(t, taskStore, rec, "ext-race")

	report := &provider.StatusReport{Status: provider.StatusCompleted, ResultRef: "asset://x"}

	var wg sync.WaitGroup
	results := make([]bool, 2)
	errs := make([]error, 2)
	sources := []Source{SourceWebhook, SourcePoll}
	for i := range sources {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = rec.Observe(context.Background(), task.ID, report, sources[i])
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, results[0], results[1], "exactly one observation must win")

	got, err := taskStore.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateCompleted, got.State)
	assert.Equal(t, "asset://x", got.ResultRef)
	assert.Equal(t, 1, recorder.count(), "completion event must fire exactly once")
}

func TestReconciler_WebhookReceiptStampedWithoutTransition(t *testing.T) {
	t.Parallel()

	// The first webhook stamps webhookReceivedAt even when the report it
	// carries changes nothing, and the stamp never moves afterwards.
	taskStore, rec, _ := newTestReconciler(t)
	task := newSubmittedTask(t, taskStore, rec, "ext-stamp")

	ctx := context.Background()
	changed, err := rec.Observe(ctx, task.ID, &provider.StatusReport{
		Status: provider.StatusWorking,
	}, SourcePoll)
	require.NoError(t, err)
	require.True(t, changed)

	before, err := taskStore.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.Nil(t, before.WebhookReceivedAt)

	// A redundant working report via webhook is a no-op transition-wise.
	changed, err = rec.Observe(ctx, task.ID, &provider.StatusReport{
		Status: provider.StatusWorking,
	}, SourceWebhook)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := taskStore.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.WebhookReceivedAt)
	assert.Equal(t, before.State, got.State)
	assert.Equal(t, before.UpdatedAt, got.UpdatedAt, "receipt bookkeeping must not touch updatedAt")

	firstStamp := *got.WebhookReceivedAt

	// A later webhook, even one that wins a transition, keeps the first stamp.
	changed, err = rec.Observe(ctx, task.ID, &provider.StatusReport{
		Status:    provider.StatusCompleted,
		ResultRef: "asset://x",
	}, SourceWebhook)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err = taskStore.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.WebhookReceivedAt)
	assert.Equal(t, firstStamp, *got.WebhookReceivedAt)
}

func TestReconciler_TerminalStateWins(t *testing.T) {
	t.Parallel()

	// Conflict test: webhook reports Completed, then a late poll reports
	// Failed. The final state remains Completed and the outcome fields
	// are untouched.
	taskStore, rec, _ := newTestReconciler(t)
	task := newSubmittedTask(t, taskStore, rec, "ext-conflict")

	ctx := context.Background()
	changed, err := rec.Observe(ctx, task.ID, &provider.StatusReport{
		Status:    provider.StatusCompleted,
		ResultRef: "asset://x",
	}, SourceWebhook)
	require.NoError(t, err)
	require.True(t, changed)

	before, err := taskStore.GetByID(ctx, task.ID)
	require.NoError(t, err)

	changed, err = rec.Observe(ctx, task.ID, &provider.StatusReport{
		Status: provider.StatusFailed,
		Detail: "late failure report",
	}, SourcePoll)
	require.NoError(t, err)
	assert.False(t, changed)

	after, err := taskStore.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateCompleted, after.State)
	assert.Equal(t, "asset://x", after.ResultRef)
	assert.Equal(t, domain.ErrorKindNone, after.ErrorKind)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt, "no-op must not touch updatedAt")

	// A non-terminal observation can never overwrite a terminal state.
	changed, err = rec.Observe(ctx, task.ID, &provider.StatusReport{
		Status: provider.StatusWorking,
	}, SourcePoll)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestReconciler_DuplicateTerminalObservationIsNoOp(t *testing.T) {
	t.Parallel()

	taskStore, rec, recorder := newTestReconciler(t)
	task := newSubmittedTask(t, taskStore, rec, "ext-dup")

	ctx := context.Background()
	report := &provider.StatusReport{Status: provider.StatusCompleted, ResultRef: "asset://x"}

	changed, err := rec.Observe(ctx, task.ID, report, SourceWebhook)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = rec.Observe(ctx, task.ID, report, SourcePoll)
	require.NoError(t, err)
	assert.False(t, changed, "same terminal status from the other source is a no-op, not an error")
	assert.Equal(t, 1, recorder.count())
}

func TestReconciler_Fail(t *testing.T) {
	t.Parallel()

	taskStore, rec, recorder := newTestReconciler(t)
	task := newSubmittedTask(t, taskStore, rec, "ext-fail")

	ctx := context.Background()
	changed, err := rec.Fail(ctx, task.ID, domain.ErrorKindProviderTaskLost, "record-info returned 404", SourcePoll)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := taskStore.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFailed, got.State)
	assert.Equal(t, domain.ErrorKindProviderTaskLost, got.ErrorKind)
	assert.Equal(t, "record-info returned 404", got.ErrorDetail)
	assert.Equal(t, 1, recorder.count())

	// Failing again is a no-op.
	changed, err = rec.Fail(ctx, task.ID, domain.ErrorKindProviderFailed, "other", SourcePoll)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, recorder.count())
}

func TestReconciler_Cancel(t *testing.T) {
	t.Parallel()

	t.Run("cancels non-terminal task", func(t *testing.T) {
		t.Parallel()

		taskStore, rec, recorder := newTestReconciler(t)
		task := newSubmittedTask(t, taskStore, rec, "ext-cancel")

		changed, err := rec.Cancel(context.Background(), task.ID)
		require.NoError(t, err)
		assert.True(t, changed)

		got, err := taskStore.GetByID(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStateCancelled, got.State)
		assert.Equal(t, domain.ErrorKindCancelled, got.ErrorKind)
		assert.Equal(t, 1, recorder.count())
	})

	t.Run("rejects cancel of terminal task", func(t *testing.T) {
		t.Parallel()

		taskStore, rec, _ := newTestReconciler(t)
		task := newSubmittedTask(t, taskStore, rec, "ext-cancel-term")

		_, err := rec.Observe(context.Background(), task.ID, &provider.StatusReport{
			Status:    provider.StatusCompleted,
			ResultRef: "asset://x",
		}, SourcePoll)
		require.NoError(t, err)

		_, err = rec.Cancel(context.Background(), task.ID)
		assert.ErrorIs(t, err, domain.ErrTaskTerminal)

		got, err := taskStore.GetByID(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStateCompleted, got.State)
	})
}

func TestReconciler_Timeout(t *testing.T) {
	t.Parallel()

	taskStore, rec, recorder := newTestReconciler(t)
	task := newSubmittedTask(t, taskStore, rec, "ext-timeout")

	ctx := context.Background()
	changed, err := rec.Timeout(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := taskStore.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateTimedOut, got.State)
	assert.Equal(t, domain.ErrorKindTimedOut, got.ErrorKind)
	assert.Equal(t, 1, recorder.count())

	// A webhook arriving after the timeout cannot resurrect the task.
	changed, err = rec.Observe(ctx, task.ID, &provider.StatusReport{
		Status:    provider.StatusCompleted,
		ResultRef: "asset://late",
	}, SourceWebhook)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err = taskStore.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateTimedOut, got.State)
	assert.Empty(t, got.ResultRef)
}

func TestReconciler_SubscribeReceivesTransitions(t *testing.T) {
	t.Parallel()

	taskStore, rec, _ := newTestReconciler(t)

	ctx := context.Background()
	task, err := domain.NewGenerationTask(uuid.New(), "prompt", 10*time.Minute)
	require.NoError(t, err)
	require.NoError(t, taskStore.Create(ctx, task))

	ch, cancel := rec.Subscribe(task.ID)
	defer cancel()

	swapped, err := rec.MarkSubmitted(ctx, task.ID, "ext-sub", "translated")
	require.NoError(t, err)
	require.True(t, swapped)

	select {
	case snapshot := <-ch:
		assert.Equal(t, domain.TaskStateSubmitted, snapshot.State)
	case <-time.After(time.Second):
		t.Fatal("expected a transition notification")
	}
}
