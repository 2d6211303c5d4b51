package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/vietddude/settler/internal/core/domain"
)

// Processor runs one payment job.
type Processor interface {
	Process(ctx context.Context, job domain.PaymentJob) error
}

// Server pulls payment jobs one at a time and hands them to a Processor.
type Server struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

// NewServer builds a single-concurrency queue server. terminal reports
// errors that must not be retried; those tasks are archived immediately.
func NewServer(cfg Config, proc Processor, terminal func(error) bool) (*Server, error) {
	cfg = cfg.withDefaults()
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse queue redis url: %w", err)
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency:     1,
		Queues:          map[string]int{cfg.Queue: 1},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          NewLogger(slog.Default().With("component", "asynq")),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			slog.Warn("Payment task failed",
				"type", task.Type(),
				"retry", retried,
				"max_retry", maxRetry,
				"error", err,
			)
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeProcessPayment, Handler(proc, terminal))
	return &Server{srv: srv, mux: mux}, nil
}

// Handler adapts proc to an asynq handler.
func Handler(proc Processor, terminal func(error) bool) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		job, err := ParsePaymentTask(t)
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		err = proc.Process(ctx, job)
		if err == nil {
			return nil
		}
		if terminal != nil && terminal(err) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

// Start begins processing in background goroutines.
func (s *Server) Start() error {
	if err := s.srv.Start(s.mux); err != nil {
		return fmt.Errorf("start queue server: %w", err)
	}
	return nil
}

// Shutdown stops fetching new tasks and waits for the active one up to the
// shutdown timeout; an unfinished task is requeued.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
}

// IsSkipRetry reports whether err was marked to bypass queue retries.
func IsSkipRetry(err error) bool {
	return errors.Is(err, asynq.SkipRetry)
}
