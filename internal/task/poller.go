package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/musegen/musegen-api/internal/domain"
	"github.com/musegen/musegen-api/internal/provider"
	"github.com/musegen/musegen-api/internal/store"
)

// PollerConfig holds configuration for the poll scheduler.
type PollerConfig struct {
	// ScanInterval is how often the scheduler scans the store for tasks
	// whose backoff interval has elapsed.
	ScanInterval time.Duration

	// BatchSize caps how many eligible tasks one scan picks up.
	BatchSize int

	// WorkerCount bounds concurrent outbound polls, to respect the
	// provider's rate limits. Excess eligible tasks wait for a free
	// worker rather than being dropped.
	WorkerCount int

	// RequestTimeout bounds each outbound status fetch.
	RequestTimeout time.Duration

	// Backoff is the per-task poll backoff policy.
	Backoff BackoffPolicy
}

// DefaultPollerConfig returns a PollerConfig with reasonable defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		ScanInterval:   time.Second,
		BatchSize:      50,
		WorkerCount:    4,
		RequestTimeout: 30 * time.Second,
		Backoff:        DefaultBackoffPolicy(),
	}
}

// Poller periodically re-checks tasks lacking a terminal state against
// the provider's status endpoint and feeds the observations into the
// reconciler. It is the fallback for webhooks that race, duplicate, or
// never arrive.
type Poller struct {
	store      store.TaskStore
	client     provider.Client
	reconciler *Reconciler
	clock      Clock
	config     PollerConfig
	logger     *slog.Logger

	jobs       chan *domain.GenerationTask
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	// inFlight guards against the same task being queued twice when a
	// scan tick fires before the previous poll recorded its backoff.
	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

// NewPoller creates a new Poller.
func NewPoller(taskStore store.TaskStore, client provider.Client, reconciler *Reconciler, clock Clock, config PollerConfig, logger *slog.Logger) *Poller {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Poller{
		store:      taskStore,
		client:     client,
		reconciler: reconciler,
		clock:      clock,
		config:     config,
		logger:     logger.With("component", "poller"),
		jobs:       make(chan *domain.GenerationTask),
		ctx:        ctx,
		cancelFunc: cancel,
		inFlight:   make(map[uuid.UUID]struct{}),
	}
}

// Start launches the worker pool and the scan loop.
func (p *Poller) Start() {
	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.wg.Add(1)
	go p.scanLoop()

	p.logger.Info("poller started",
		"worker_count", p.config.WorkerCount,
		"scan_interval", p.config.ScanInterval)
}

// Stop shuts the poller down and waits for in-flight polls to finish.
func (p *Poller) Stop() {
	p.cancelFunc()
	p.wg.Wait()
}

// scanLoop wakes on every scan interval and dispatches due tasks to the
// worker pool.
func (p *Poller) scanLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.ScanOnce(p.ctx)
		}
	}
}

// ScanOnce performs a single scan-and-dispatch pass. Exported for tests
// and for the recovery path at startup.
func (p *Poller) ScanOnce(ctx context.Context) {
	tasks, err := p.store.ListPollable(ctx, p.clock.Now(), p.config.BatchSize)
	if err != nil {
		p.logger.Error("failed to list pollable tasks", "error", err)
		return
	}

	for _, task := range tasks {
		if !p.claim(task.ID) {
			continue
		}

		select {
		case p.jobs <- task:
		case <-ctx.Done():
			p.release(task.ID)
			return
		}
	}
}

func (p *Poller) claim(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[id]; busy {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Poller) release(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

// worker consumes poll jobs until the poller stops.
func (p *Poller) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("starting poll worker", "worker_id", id)

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug("stopping poll worker", "worker_id", id)
			return
		case task := <-p.jobs:
			p.pollTask(p.ctx, task)
		}
	}
}

// pollTask performs one status fetch for a task and reconciles the
// result. A transient fetch error leaves the state untouched; the task
// simply comes due again at the next backoff tick.
func (p *Poller) pollTask(ctx context.Context, task *domain.GenerationTask) {
	defer p.release(task.ID)

	logger := p.logger.With("task_id", task.ID, "external_task_id", task.ExternalTaskID)

	fetchCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	report, err := p.client.FetchStatus(fetchCtx, task.ExternalTaskID)
	cancel()

	polledAt := p.clock.Now()

	switch {
	case err == nil:
		if _, obsErr := p.reconciler.Observe(ctx, task.ID, report, SourcePoll); obsErr != nil {
			logger.Error("failed to reconcile poll observation", "error", obsErr)
		}
	case errors.Is(err, provider.ErrTaskLost):
		logger.Warn("provider no longer recognizes task")
		if _, failErr := p.reconciler.Fail(ctx, task.ID, domain.ErrorKindProviderTaskLost, err.Error(), SourcePoll); failErr != nil {
			logger.Error("failed to fail lost task", "error", failErr)
		}
	default:
		// Transient fetch error: retry at the next backoff tick.
		logger.Debug("status fetch failed, will retry", "error", err)
	}

	// RecordPoll is a no-op once the task is terminal, so a completed
	// task drops out of the poll set without extra coordination.
	nextPollAt := polledAt.Add(p.config.Backoff.Delay(task.PollCount))
	if err := p.store.RecordPoll(ctx, task.ID, polledAt, nextPollAt); err != nil && !store.IsNotFoundError(err) {
		logger.Error("failed to record poll bookkeeping", "error", err)
	}
}
