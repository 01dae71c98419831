package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/musegen/musegen-api/internal/config"
	"github.com/musegen/musegen-api/internal/events"
	"github.com/musegen/musegen-api/internal/platform/gemini"
	"github.com/musegen/musegen-api/internal/platform/postgres"
	"github.com/musegen/musegen-api/internal/platform/suno"
	"github.com/musegen/musegen-api/internal/provider"
	"github.com/musegen/musegen-api/internal/service"
	"github.com/musegen/musegen-api/internal/service/auth"
	"github.com/musegen/musegen-api/internal/store"
	"github.com/musegen/musegen-api/internal/task"
	"github.com/musegen/musegen-api/internal/translation"
)

// application holds the shared application dependencies so lifecycle and
// cleanup are managed in one place.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	taskStore store.TaskStore

	jwtService     auth.JWTService
	providerClient provider.Client
	translator     translation.Translator

	emitter    events.Emitter
	reconciler *task.Reconciler
	poller     *task.Poller
	sweeper    *task.Sweeper

	generationService service.GenerationService
}

// newApplication creates an application with all dependencies wired. The
// poller and sweeper are started here; call cleanup to stop them.
func newApplication(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *sql.DB,
) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	var err error
	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	app.taskStore = postgres.NewGenerationTaskStore(db, logger)

	app.providerClient, err = suno.NewClient(suno.Config{
		APIKey:         cfg.Provider.APIKey,
		BaseURL:        cfg.Provider.BaseURL,
		Model:          cfg.Provider.Model,
		CallbackURL:    cfg.Provider.CallbackURL,
		CallbackSecret: cfg.Provider.CallbackSecret,
	}, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize provider client: %w", err)
	}

	app.translator, err = gemini.NewTranslator(ctx, logger.With("component", "translator"), cfg.Translator)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize prompt translator: %w", err)
	}

	app.emitter = events.NewInMemoryEmitter(logger)
	app.reconciler = task.NewReconciler(app.taskStore, app.emitter, logger)

	clock := task.SystemClock{}
	pollBackoff := task.BackoffPolicy{
		Initial: time.Duration(cfg.Task.PollInitialDelaySeconds) * time.Second,
		Max:     time.Duration(cfg.Task.PollMaxDelaySeconds) * time.Second,
		Factor:  2,
		Jitter:  0.25,
	}

	app.poller = task.NewPoller(app.taskStore, app.providerClient, app.reconciler, clock, task.PollerConfig{
		ScanInterval:   time.Duration(cfg.Task.PollScanIntervalSeconds) * time.Second,
		BatchSize:      cfg.Task.PollBatchSize,
		WorkerCount:    cfg.Task.PollWorkerCount,
		RequestTimeout: time.Duration(cfg.Task.PollRequestTimeoutSeconds) * time.Second,
		Backoff:        pollBackoff,
	}, logger)

	app.sweeper = task.NewSweeper(app.taskStore, app.reconciler, clock, task.SweeperConfig{
		Interval: time.Duration(cfg.Task.SweepIntervalSeconds) * time.Second,
	}, logger)

	app.generationService, err = service.NewGenerationService(
		app.taskStore,
		app.providerClient,
		app.translator,
		app.reconciler,
		service.GenerationConfig{
			MaxSubmitAttempts: cfg.Task.MaxSubmitAttempts,
			SubmitTimeout:     time.Duration(cfg.Task.SubmitTimeoutSeconds) * time.Second,
			SyncBudget:        time.Duration(cfg.Task.SyncBudgetSeconds) * time.Second,
			MaxLifetime:       time.Duration(cfg.Task.MaxLifetimeMinutes) * time.Minute,
			Backoff:           task.DefaultBackoffPolicy(),
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation service: %w", err)
	}

	app.poller.Start()
	app.sweeper.Start()

	// Re-dispatch tasks a previous process left in Pending.
	if err := app.generationService.RecoverPending(ctx); err != nil {
		logger.Error("failed to recover pending tasks", "error", err)
	}

	logger.Info("application initialized")
	return app, nil
}

// Run starts the HTTP server and blocks until shutdown.
func (app *application) Run(ctx context.Context) error {
	router := app.setupRouter()

	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup stops background workers and closes the database connection.
// Order matters: the service stops first so no new dispatches land on a
// stopped poller.
func (app *application) cleanup() {
	if stopper, ok := app.generationService.(interface{ Stop() }); ok {
		stopper.Stop()
	}
	if app.poller != nil {
		app.poller.Stop()
	}
	if app.sweeper != nil {
		app.sweeper.Stop()
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}

	app.logger.Info("application shutdown completed")
}
