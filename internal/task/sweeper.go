package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/musegen/musegen-api/internal/store"
)

// SweeperConfig holds configuration for the deadline sweeper.
type SweeperConfig struct {
	// Interval is how often the sweep runs.
	Interval time.Duration

	// BatchSize caps how many expired tasks one sweep handles.
	BatchSize int
}

// DefaultSweeperConfig returns a SweeperConfig with reasonable defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  5 * time.Second,
		BatchSize: 100,
	}
}

// Sweeper enforces the per-task deadline independently of the poll and
// webhook paths: any non-terminal task past deadlineAt is force-failed as
// TimedOut. The reconciler's terminal-wins rule guarantees that no later
// poll or webhook observation can undo the timeout.
type Sweeper struct {
	store      store.TaskStore
	reconciler *Reconciler
	clock      Clock
	config     SweeperConfig
	logger     *slog.Logger

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewSweeper creates a new Sweeper.
func NewSweeper(taskStore store.TaskStore, reconciler *Reconciler, clock Clock, config SweeperConfig, logger *slog.Logger) *Sweeper {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		store:      taskStore,
		reconciler: reconciler,
		clock:      clock,
		config:     config,
		logger:     logger.With("component", "sweeper"),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("deadline sweeper started", "interval", s.config.Interval)
}

// Stop shuts the sweeper down.
func (s *Sweeper) Stop() {
	s.cancelFunc()
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(s.ctx)
		}
	}
}

// SweepOnce performs a single pass over expired tasks. Exported for tests.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	expired, err := s.store.ListExpired(ctx, s.clock.Now(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to list expired tasks", "error", err)
		return
	}

	for _, task := range expired {
		changed, err := s.reconciler.Timeout(ctx, task.ID)
		if err != nil {
			s.logger.Error("failed to time out task", "task_id", task.ID, "error", err)
			continue
		}
		if changed {
			s.logger.Info("task timed out",
				"task_id", task.ID,
				"deadline_at", task.DeadlineAt,
				"state_before", task.State)
		}
	}
}
