package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/storage"
	"github.com/vietddude/settler/internal/metrics"
)

// ErrInvalidRequest is returned for submissions missing required fields.
var ErrInvalidRequest = errors.New("invalid payment request")

// Enqueuer hands a job to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.PaymentJob) error
}

type Request struct {
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

type Receipt struct {
	Success   bool   `json:"success"`
	PaymentID string `json:"paymentId"`
}

// Submitter records a payment as PENDING and queues it.
type Submitter struct {
	store storage.StatusStore
	queue Enqueuer
	newID func() string
	now   func() time.Time
	log   *slog.Logger
}

func NewSubmitter(store storage.StatusStore, queue Enqueuer) *Submitter {
	return &Submitter{
		store: store,
		queue: queue,
		newID: uuid.NewString,
		now:   time.Now,
		log:   slog.Default().With("component", "submitter"),
	}
}

// Submit stores the PENDING record before enqueueing, so a fast worker can
// never find the job without its record.
func (s *Submitter) Submit(ctx context.Context, req Request) (Receipt, error) {
	job := domain.PaymentJob{
		PaymentID: s.newID(),
		Currency:  domain.ParseCurrency(req.Currency),
		Amount:    strings.TrimSpace(req.Amount),
		Recipient: strings.TrimSpace(req.Recipient),
	}
	if job.Currency == "" || job.Amount == "" || job.Recipient == "" {
		return Receipt{}, fmt.Errorf("%w: currency, amount and recipient are required", ErrInvalidRequest)
	}

	rec := domain.NewPendingRecord(job, s.now())
	if err := s.store.Create(ctx, rec); err != nil {
		return Receipt{}, fmt.Errorf("create status %s: %w", job.PaymentID, err)
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		reason := fmt.Sprintf("enqueue failed: %v", err)
		if fErr := s.store.Finalize(ctx, rec.Failed(reason, s.now())); fErr != nil && !errors.Is(fErr, storage.ErrAlreadyTerminal) {
			s.log.Error("Failed to mark unqueued payment", "payment_id", job.PaymentID, "error", fErr)
		}
		return Receipt{PaymentID: job.PaymentID}, fmt.Errorf("enqueue %s: %w", job.PaymentID, err)
	}

	metrics.PaymentsSubmitted.WithLabelValues(job.Currency.String()).Inc()
	s.log.Info("Payment submitted",
		"payment_id", job.PaymentID,
		"currency", job.Currency,
		"amount", job.Amount,
	)
	return Receipt{Success: true, PaymentID: job.PaymentID}, nil
}

// Status returns the current record for a payment.
func (s *Submitter) Status(ctx context.Context, paymentID string) (*domain.PaymentStatusRecord, error) {
	return s.store.Get(ctx, paymentID)
}
