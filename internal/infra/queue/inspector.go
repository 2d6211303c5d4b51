package queue

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Stats is a point-in-time view of the payments queue.
type Stats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
	Completed int
	Processed int
	Failed    int
	Latency   time.Duration
}

// DeadLetter is an archived task that exhausted or skipped its retries.
type DeadLetter struct {
	PaymentID    string
	LastErr      string
	LastFailedAt time.Time
	Retried      int
}

type Inspector struct {
	queue     string
	inspector *asynq.Inspector
}

func NewInspector(cfg Config) (*Inspector, error) {
	cfg = cfg.withDefaults()
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse queue redis url: %w", err)
	}
	return &Inspector{queue: cfg.Queue, inspector: asynq.NewInspector(opt)}, nil
}

func (i *Inspector) Stats() (Stats, error) {
	info, err := i.inspector.GetQueueInfo(i.queue)
	if err != nil {
		return Stats{}, fmt.Errorf("queue info %s: %w", i.queue, err)
	}
	return Stats{
		Queue:     info.Queue,
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Archived:  info.Archived,
		Completed: info.Completed,
		Processed: info.Processed,
		Failed:    info.Failed,
		Latency:   info.Latency,
	}, nil
}

// DeadLetters lists up to limit archived payment tasks.
func (i *Inspector) DeadLetters(limit int) ([]DeadLetter, error) {
	tasks, err := i.inspector.ListArchivedTasks(i.queue, asynq.PageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("list archived %s: %w", i.queue, err)
	}
	out := make([]DeadLetter, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, DeadLetter{
			PaymentID:    t.ID,
			LastErr:      t.LastErr,
			LastFailedAt: t.LastFailedAt,
			Retried:      t.Retried,
		})
	}
	return out, nil
}

// Requeue moves an archived payment task back to pending.
func (i *Inspector) Requeue(paymentID string) error {
	if err := i.inspector.RunTask(i.queue, paymentID); err != nil {
		return fmt.Errorf("requeue %s: %w", paymentID, err)
	}
	return nil
}

func (i *Inspector) Close() error {
	return i.inspector.Close()
}
