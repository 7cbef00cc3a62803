package temporal

import (
	"fmt"
	"log/slog"

	"github.com/brojonat/mintscope/service/metrics"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

const defaultMaxConcurrentRefreshes = 10

// WorkerConfig contains configuration for the refresh worker.
type WorkerConfig struct {
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	// MaxConcurrentRefreshes bounds concurrent activity executions. Every
	// QueryToken activity fans out RPC calls, so this is kept small.
	MaxConcurrentRefreshes int

	Query     QueryServiceInterface
	Store     StoreInterface
	Publisher PublisherInterface // nil disables publishing
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Worker runs RefreshTokenActivityWorkflow and its activities.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger
}

// NewWorker dials Temporal and registers the refresh workflow.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrentRefreshes <= 0 {
		cfg.MaxConcurrentRefreshes = defaultMaxConcurrentRefreshes
	}
	logger := cfg.Logger.With("component", "refresh_worker", "task_queue", cfg.TaskQueue)

	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHost,
		Namespace: cfg.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal at %s: %w", cfg.TemporalHost, err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     cfg.MaxConcurrentRefreshes,
		MaxConcurrentWorkflowTaskExecutionSize: cfg.MaxConcurrentRefreshes,
	})
	register(w, NewActivities(cfg.Query, cfg.Store, cfg.Publisher, cfg.Metrics, logger))

	logger.Info("refresh worker configured",
		"namespace", cfg.TemporalNamespace,
		"max_concurrent", cfg.MaxConcurrentRefreshes,
		"publishing", cfg.Publisher != nil,
	)

	return &Worker{client: c, worker: w, logger: logger}, nil
}

func register(r worker.Registry, a *Activities) {
	r.RegisterWorkflow(RefreshTokenActivityWorkflow)
	r.RegisterActivity(a.QueryToken)
	r.RegisterActivity(a.SaveEvents)
	r.RegisterActivity(a.PublishEvents)
	r.RegisterActivity(a.MarkRefreshed)
}

// Start blocks until Stop is called, the process is interrupted, or the
// worker fails.
func (w *Worker) Start() error {
	w.logger.Info("starting refresh worker")
	if err := w.worker.Run(worker.InterruptCh()); err != nil {
		return fmt.Errorf("refresh worker stopped: %w", err)
	}
	return nil
}

// Stop stops polling and closes the Temporal client.
func (w *Worker) Stop() {
	w.worker.Stop()
	w.client.Close()
	w.logger.Info("refresh worker stopped")
}
