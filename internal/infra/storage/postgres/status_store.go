package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/storage"
)

// StatusStore implements storage.StatusStore on the payments table.
// Terminal transitions are guarded in SQL so concurrent workers cannot
// overwrite each other.
type StatusStore struct {
	db *DB
}

func NewStatusStore(db *DB) *StatusStore {
	return &StatusStore{db: db}
}

const insertPayment = `
	INSERT INTO payments (payment_id, status, currency, amount, recipient,
		transaction_hash, block_reference, fee, error, created_at, updated_at)
	VALUES (:payment_id, :status, :currency, :amount, :recipient,
		:transaction_hash, :block_reference, :fee, :error, :created_at, :updated_at)
	ON CONFLICT (payment_id) DO NOTHING`

func (s *StatusStore) Create(ctx context.Context, rec *domain.PaymentStatusRecord) error {
	res, err := s.db.NamedExecContext(ctx, insertPayment, rec)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("create %s: %w", rec.PaymentID, storage.ErrPaymentExists)
	}
	return nil
}

func (s *StatusStore) Get(ctx context.Context, paymentID string) (*domain.PaymentStatusRecord, error) {
	var rec domain.PaymentStatusRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM payments WHERE payment_id = $1`, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &rec, nil
}

const finalizePayment = `
	INSERT INTO payments (payment_id, status, currency, amount, recipient,
		transaction_hash, block_reference, fee, error, created_at, updated_at)
	VALUES (:payment_id, :status, :currency, :amount, :recipient,
		:transaction_hash, :block_reference, :fee, :error, :created_at, :updated_at)
	ON CONFLICT (payment_id) DO UPDATE SET
		status = EXCLUDED.status,
		transaction_hash = EXCLUDED.transaction_hash,
		block_reference = EXCLUDED.block_reference,
		fee = EXCLUDED.fee,
		error = EXCLUDED.error,
		updated_at = EXCLUDED.updated_at
	WHERE payments.status = 'PENDING'`

func (s *StatusStore) Finalize(ctx context.Context, rec *domain.PaymentStatusRecord) error {
	if !rec.Status.IsTerminal() {
		return fmt.Errorf("finalize %s with status %s: not terminal", rec.PaymentID, rec.Status)
	}
	res, err := s.db.NamedExecContext(ctx, finalizePayment, rec)
	if err != nil {
		return fmt.Errorf("failed to finalize payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finalize %s: %w", rec.PaymentID, storage.ErrAlreadyTerminal)
	}
	return nil
}

func (s *StatusStore) MarkSubmitted(ctx context.Context, paymentID, txHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET transaction_hash = $2, updated_at = $3
		 WHERE payment_id = $1 AND status = 'PENDING'`,
		paymentID, txHash, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark payment submitted: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Distinguish a missing row from a terminal one.
	if _, err := s.Get(ctx, paymentID); err != nil {
		return err
	}
	return fmt.Errorf("mark submitted %s: %w", paymentID, storage.ErrAlreadyTerminal)
}

func (s *StatusStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM payments WHERE status <> 'PENDING' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune payments: %w", err)
	}
	return res.RowsAffected()
}

func (s *StatusStore) Ping(ctx context.Context) error {
	return s.db.Health(ctx)
}

func (s *StatusStore) Close() error {
	return s.db.Close()
}
