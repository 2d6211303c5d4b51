// Package control wires a worker process: status store, node backends,
// job queue, payment processor and the HTTP API.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/settler/internal/api"
	"github.com/vietddude/settler/internal/core/config"
	"github.com/vietddude/settler/internal/core/worker"
	"github.com/vietddude/settler/internal/infra/queue"
	"github.com/vietddude/settler/internal/infra/storage"
	"github.com/vietddude/settler/internal/processing"
)

const bootTimeout = 10 * time.Second

// Worker is one worker process: it consumes payment jobs one at a time and
// serves the API on a port shared with its siblings.
type Worker struct {
	cfg       *config.AppConfig
	store     *Store
	nodes     *Nodes
	queue     *queue.Client
	server    *queue.Server
	processor *processing.Processor
	api       *api.Server
	pruner    *worker.Pruner
	errCh     chan error
	cancel    context.CancelFunc
	log       *slog.Logger
}

// QueueConfig maps the queue section of cfg.
func QueueConfig(cfg *config.AppConfig) queue.Config {
	return queue.Config{
		RedisURL:        cfg.Queue.RedisURL,
		Queue:           cfg.Queue.Name,
		MaxRetry:        cfg.Queue.MaxRetry,
		Retention:       cfg.Queue.Retention,
		ShutdownTimeout: cfg.Queue.ShutdownTimeout,
	}
}

// NewWorker connects every dependency. An unreachable status store or
// queue is returned as an error and must end the process.
func NewWorker(ctx context.Context, cfg *config.AppConfig) (*Worker, error) {
	bootCtx, cancel := context.WithTimeout(ctx, bootTimeout)
	defer cancel()

	// 1. Status store
	store, err := OpenStore(bootCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("status store unavailable: %w", err)
	}

	// 2. Job queue
	qcfg := QueueConfig(cfg)
	qclient, err := queue.NewClient(qcfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := qclient.Ping(bootCtx); err != nil {
		_ = qclient.Close()
		_ = store.Close()
		return nil, fmt.Errorf("queue unavailable: %w", err)
	}

	// 3. Settlement backends
	nodes, err := BuildNodes(cfg.Currencies)
	if err != nil {
		_ = qclient.Close()
		_ = store.Close()
		return nil, err
	}

	// 4. Processing
	processor := processing.NewProcessor(store, nodes.Registry, processing.Config{
		FeeCacheTTL:    cfg.Processing.FeeCacheTTL,
		DurationWindow: cfg.Processing.DurationWindow,
	})
	submitter := processing.NewSubmitter(store, qclient)

	server, err := queue.NewServer(qcfg, processor, isTerminal)
	if err != nil {
		_ = nodes.Close()
		_ = qclient.Close()
		_ = store.Close()
		return nil, err
	}

	// 5. API
	checks := []api.Check{
		{Name: "store", Critical: true, Probe: store.Ping},
		{Name: "queue", Critical: true, Probe: qclient.Ping},
	}
	monitor := api.NewMonitor(append(checks, nodes.Checks()...)...)
	apiServer := api.NewServer(api.Config{
		Port:       cfg.Server.Port,
		ReusePort:  cfg.Server.SharedPort(),
		RateLimit:  cfg.Server.RateLimit.Requests,
		RateWindow: cfg.Server.RateLimit.Window,
	}, submitter, nodes.Registry, monitor)

	var pruner *worker.Pruner
	if p, ok := store.StatusStore.(storage.Pruner); ok && cfg.Store.Retention > 0 {
		pruner = worker.NewPruner(cfg.Store.Retention, p)
	}

	return &Worker{
		cfg:       cfg,
		store:     store,
		nodes:     nodes,
		queue:     qclient,
		server:    server,
		processor: processor,
		api:       apiServer,
		pruner:    pruner,
		errCh:     make(chan error, 1),
		log:       slog.Default().With("component", "worker"),
	}, nil
}

// isTerminal reports processing errors the queue must not retry.
func isTerminal(err error) bool {
	return errors.Is(err, processing.ErrPaymentFailed)
}

// Start starts the queue consumer and the API server.
func (w *Worker) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	if err := w.server.Start(); err != nil {
		return err
	}
	w.log.Info("Queue consumer started", "queue", w.cfg.Queue.Name)

	go func() {
		if err := w.api.Start(ctx); err != nil {
			w.log.Error("API server failed", "error", err)
			w.errCh <- err
		}
	}()

	// Start DB Metrics Collector
	if w.store.DB != nil {
		w.store.DB.StartMetricsCollector(ctx)
	}

	if w.pruner != nil {
		w.log.Info("Starting pruner", "retention", w.cfg.Store.Retention)
		go w.pruner.Start(ctx)
	}
	return nil
}

// Err reports fatal runtime errors such as the API failing to bind.
func (w *Worker) Err() <-chan error {
	return w.errCh
}

// Stop stops the API, lets the in-flight job finish, then closes
// connections.
func (w *Worker) Stop(ctx context.Context) error {
	w.log.Info("Stopping worker")
	var errs []error
	if err := w.api.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop api: %w", err))
	}
	w.server.Shutdown()
	if w.cancel != nil {
		w.cancel()
	}
	errs = append(errs,
		w.queue.Close(),
		w.nodes.Close(),
		w.store.Close(),
	)
	w.log.Info("Worker stopped", "avg_processing", w.processor.AverageDuration())
	return errors.Join(errs...)
}
