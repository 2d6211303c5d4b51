package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/settler/internal/core/domain"
)

// ErrDuplicateJob is returned when a job with the same payment ID is queued.
var ErrDuplicateJob = errors.New("payment job already queued")

type Config struct {
	RedisURL string
	Queue    string
	MaxRetry int
	// Retention keeps finished tasks around so duplicate payment IDs stay
	// rejected for that long.
	Retention       time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = DefaultMaxRetry
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Client enqueues payment jobs.
type Client struct {
	cfg    Config
	client *asynq.Client
	rdb    redis.UniversalClient
}

func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse queue redis url: %w", err)
	}
	rdb, ok := opt.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		return nil, fmt.Errorf("unsupported queue redis connection")
	}
	return &Client{
		cfg:    cfg,
		client: asynq.NewClient(opt),
		rdb:    rdb,
	}, nil
}

func (c *Client) Enqueue(ctx context.Context, job domain.PaymentJob) error {
	task, err := NewPaymentTask(job, c.cfg.Queue, c.cfg.MaxRetry)
	if err != nil {
		return err
	}
	var opts []asynq.Option
	if c.cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(c.cfg.Retention))
	}
	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.PaymentID)
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.PaymentID, err)
	}
	logEnqueued(info)
	return nil
}

// Ping checks the queue's Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.rdb.Close())
}
