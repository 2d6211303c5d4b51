// Package processing drives payment jobs from PENDING to a terminal status.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/core/memo"
	"github.com/vietddude/settler/internal/core/retry"
	"github.com/vietddude/settler/internal/core/ring"
	"github.com/vietddude/settler/internal/infra/storage"
	"github.com/vietddude/settler/internal/metrics"
	"github.com/vietddude/settler/internal/settlement"
)

const (
	DefaultFeeCacheTTL    = 10 * time.Second
	defaultDurationWindow = 100
)

// ErrPaymentFailed marks a job that reached FAILED. The queue must not
// redeliver it.
var ErrPaymentFailed = errors.New("payment failed")

// FailedError carries the reason stored on the FAILED record.
type FailedError struct {
	PaymentID string
	Reason    string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("payment %s failed: %s", e.PaymentID, e.Reason)
}

func (e *FailedError) Is(target error) bool { return target == ErrPaymentFailed }

// Backends resolves settlement backends and their retry budgets.
// *settlement.Registry implements it.
type Backends interface {
	Resolve(c domain.Currency) (settlement.Backend, error)
	Policy(c domain.Currency) retry.Policy
}

type Config struct {
	FeeCacheTTL    time.Duration
	DurationWindow int
}

type feeRequest struct {
	Currency domain.Currency      `json:"currency"`
	Params   settlement.FeeParams `json:"params"`
}

// Processor executes one job at a time per worker; it is safe for concurrent
// use regardless.
type Processor struct {
	store    storage.StatusStore
	backends Backends
	fees     *memo.Memo[feeRequest, settlement.FeeQuote]
	now      func() time.Time
	log      *slog.Logger

	mu        sync.Mutex
	durations *ring.Buffer
}

func NewProcessor(store storage.StatusStore, backends Backends, cfg Config) *Processor {
	if cfg.FeeCacheTTL == 0 {
		cfg.FeeCacheTTL = DefaultFeeCacheTTL
	}
	if cfg.DurationWindow <= 0 {
		cfg.DurationWindow = defaultDurationWindow
	}
	p := &Processor{
		store:     store,
		backends:  backends,
		now:       time.Now,
		log:       slog.Default().With("component", "processor"),
		durations: ring.New(cfg.DurationWindow),
	}
	p.fees = memo.Memoize[feeRequest, settlement.FeeQuote](p.estimateFee, cfg.FeeCacheTTL)
	return p
}

func (p *Processor) estimateFee(ctx context.Context, req feeRequest) (settlement.FeeQuote, error) {
	b, err := p.backends.Resolve(req.Currency)
	if err != nil {
		return settlement.FeeQuote{}, err
	}
	return b.EstimateFee(ctx, req.Params)
}

// Process runs a job to completion. A nil return means the job needs no
// further delivery. Errors matching ErrPaymentFailed are terminal; any other
// error asks the queue to deliver the job again.
func (p *Processor) Process(ctx context.Context, job domain.PaymentJob) error {
	start := p.now()
	currency := domain.ParseCurrency(string(job.Currency))
	log := p.log.With("payment_id", job.PaymentID, "currency", currency)
	defer p.observe(currency, start)

	rec, err := p.load(ctx, job)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		log.Info("Skipping job, payment already settled", "status", rec.Status)
		metrics.PaymentsSkipped.WithLabelValues(currency.String()).Inc()
		return nil
	}

	backend, err := p.backends.Resolve(currency)
	if err != nil {
		log.Warn("Rejecting payment", "reason", "unsupported currency")
		return p.fail(ctx, rec, "unsupported currency")
	}
	if amt, err := decimal.NewFromString(strings.TrimSpace(job.Amount)); err != nil || !amt.IsPositive() {
		log.Warn("Rejecting payment", "reason", "invalid amount", "amount", job.Amount)
		return p.fail(ctx, rec, "invalid amount")
	}

	if rec.TransactionHash != "" {
		return p.reconcile(ctx, rec, backend, log)
	}

	policy := p.backends.Policy(currency)
	var res domain.SettlementResult
	var rejected bool
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		opts := settlement.Options{
			Reference: job.PaymentID,
			OnSigned: func(ctx context.Context, txHash string) error {
				if err := p.store.MarkSubmitted(ctx, rec.PaymentID, txHash); err != nil {
					return err
				}
				rec.TransactionHash = txHash
				return nil
			},
		}
		if currency.NeedsFeeQuote() {
			quote, err := p.fees.Call(ctx, feeRequest{
				Currency: currency,
				Params:   settlement.FeeParams{Inputs: 1, Outputs: 2},
			})
			if err != nil {
				return fmt.Errorf("estimate fee: %w", err)
			}
			opts.Fee = &quote
		}

		r, err := backend.ProcessPayment(ctx, job.Recipient, job.Amount, opts)
		if err != nil {
			metrics.SettlementAttempts.WithLabelValues(currency.String(), "error").Inc()
			switch {
			// The transfer is out; sending it again would pay twice.
			case errors.Is(err, settlement.ErrConfirmationTimeout):
				return retry.Unrecoverable(err)
			case errors.Is(err, settlement.ErrNonceTaken):
				p.forget(ctx, rec, log)
			case retry.IsUnrecoverable(err):
				rejected = true
			}
			return err
		}
		metrics.SettlementAttempts.WithLabelValues(currency.String(), "success").Inc()
		res = r
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		if delay > 0 {
			log.Warn("Settlement attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		}
	})

	// A signed transfer whose broadcast ended in a transient error may still
	// land. The next delivery reconciles it by hash.
	if err != nil && rec.TransactionHash != "" && !rejected && ctx.Err() == nil &&
		!errors.Is(err, settlement.ErrConfirmationTimeout) {
		log.Warn("Broadcast outcome unknown, leaving payment pending", "tx", rec.TransactionHash, "error", err)
		return fmt.Errorf("payment %s: transaction %s unconfirmed: %w", rec.PaymentID, rec.TransactionHash, err)
	}

	return p.settle(ctx, rec, res, err, log)
}

// forget clears the hash of a signed transfer that can never be included.
func (p *Processor) forget(ctx context.Context, rec *domain.PaymentStatusRecord, log *slog.Logger) {
	if rec.TransactionHash == "" {
		return
	}
	if err := p.store.MarkSubmitted(ctx, rec.PaymentID, ""); err != nil {
		log.Error("Failed to clear superseded transaction", "tx", rec.TransactionHash, "error", err)
		return
	}
	log.Warn("Transaction superseded, signing again", "tx", rec.TransactionHash)
	rec.TransactionHash = ""
}

// load returns the stored record, creating it when the job arrived without
// one (enqueued outside the Submitter).
func (p *Processor) load(ctx context.Context, job domain.PaymentJob) (*domain.PaymentStatusRecord, error) {
	rec, err := p.store.Get(ctx, job.PaymentID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrPaymentNotFound) {
		return nil, fmt.Errorf("read status %s: %w", job.PaymentID, err)
	}

	rec = domain.NewPendingRecord(job, p.now())
	if err := p.store.Create(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrPaymentExists) {
			return p.store.Get(ctx, job.PaymentID)
		}
		return nil, fmt.Errorf("create status %s: %w", job.PaymentID, err)
	}
	return rec, nil
}

// reconcile resumes a payment whose transfer was already broadcast.
func (p *Processor) reconcile(
	ctx context.Context,
	rec *domain.PaymentStatusRecord,
	backend settlement.Backend,
	log *slog.Logger,
) error {
	confirmer, ok := backend.(settlement.Confirmer)
	if !ok {
		return p.fail(ctx, rec, fmt.Sprintf("unconfirmed transaction %s requires manual reconciliation", rec.TransactionHash))
	}
	log.Info("Reconciling broadcast transaction", "tx", rec.TransactionHash)
	res, err := confirmer.AwaitConfirmation(ctx, rec.TransactionHash)
	return p.settle(ctx, rec, res, err, log)
}

func (p *Processor) settle(
	ctx context.Context,
	rec *domain.PaymentStatusRecord,
	res domain.SettlementResult,
	err error,
	log *slog.Logger,
) error {
	var timeout *settlement.ConfirmationTimeoutError
	switch {
	case err == nil:
		return p.complete(ctx, rec, res, log)

	case errors.As(err, &timeout):
		metrics.ConfirmationTimeouts.WithLabelValues(rec.Currency.String()).Inc()
		log.Warn("Transaction not confirmed in time, leaving payment pending", "tx", timeout.TxHash)
		if mErr := p.store.MarkSubmitted(ctx, rec.PaymentID, timeout.TxHash); mErr != nil {
			log.Error("Failed to record transaction hash", "tx", timeout.TxHash, "error", mErr)
		}
		return fmt.Errorf("payment %s: %w", rec.PaymentID, err)

	case ctx.Err() != nil:
		// Shutting down; the job is redelivered to another worker.
		return err

	default:
		log.Error("Payment failed", "error", err)
		return p.fail(ctx, rec, err.Error())
	}
}

func (p *Processor) complete(
	ctx context.Context,
	rec *domain.PaymentStatusRecord,
	res domain.SettlementResult,
	log *slog.Logger,
) error {
	err := p.store.Finalize(ctx, rec.Completed(res, p.now()))
	if errors.Is(err, storage.ErrAlreadyTerminal) {
		log.Warn("Payment settled by another worker", "tx", res.TransactionHash)
		return nil
	}
	if err != nil {
		return fmt.Errorf("write status %s: %w", rec.PaymentID, err)
	}
	metrics.PaymentsProcessed.WithLabelValues(rec.Currency.String(), string(domain.PaymentStatusCompleted)).Inc()
	log.Info("Payment completed", "tx", res.TransactionHash, "block", res.BlockReference, "fee", res.Fee)
	return nil
}

func (p *Processor) fail(ctx context.Context, rec *domain.PaymentStatusRecord, reason string) error {
	err := p.store.Finalize(ctx, rec.Failed(reason, p.now()))
	if errors.Is(err, storage.ErrAlreadyTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("write status %s: %w", rec.PaymentID, err)
	}
	metrics.PaymentsProcessed.WithLabelValues(rec.Currency.String(), string(domain.PaymentStatusFailed)).Inc()
	return &FailedError{PaymentID: rec.PaymentID, Reason: reason}
}

func (p *Processor) observe(currency domain.Currency, start time.Time) {
	elapsed := p.now().Sub(start).Seconds()
	metrics.ProcessingDuration.WithLabelValues(currency.String()).Observe(elapsed)

	p.mu.Lock()
	p.durations.Push(elapsed)
	avg := p.durations.Average()
	p.mu.Unlock()
	metrics.ProcessingDurationAvg.Set(avg)
}

// AverageDuration is the rolling average over recent jobs.
func (p *Processor) AverageDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.durations.Average() * float64(time.Second))
}
