package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/settler/internal/infra/storage"
	"github.com/vietddude/settler/internal/metrics"
)

// Pruner deletes terminal payment records older than the retention period.
type Pruner struct {
	retention time.Duration
	store     storage.Pruner
	now       func() time.Time
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, store storage.Pruner) *Pruner {
	return &Pruner{
		retention: retention,
		store:     store,
		now:       time.Now,
		log:       slog.Default().With("component", "pruner"),
	}
}

// Start runs the pruner loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check every 10% of the retention period, between 1 minute and 1 hour
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune payment records", "error", err)
		return
	}
	if n > 0 {
		metrics.PaymentsPruned.Add(float64(n))
		p.log.Info("Pruned payment records", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
}
