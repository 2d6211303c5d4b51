package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/storage"
)

// StatusStore is an in-process StatusStore. It is only shared between
// goroutines of one process, so it suits tests and single-worker setups.
type StatusStore struct {
	mu      sync.RWMutex
	records map[string]domain.PaymentStatusRecord
	now     func() time.Time
}

func NewStatusStore() *StatusStore {
	return &StatusStore{
		records: make(map[string]domain.PaymentStatusRecord),
		now:     time.Now,
	}
}

func (s *StatusStore) Create(ctx context.Context, rec *domain.PaymentStatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.PaymentID]; ok {
		return fmt.Errorf("create %s: %w", rec.PaymentID, storage.ErrPaymentExists)
	}
	s.records[rec.PaymentID] = *rec
	return nil
}

func (s *StatusStore) Get(ctx context.Context, paymentID string) (*domain.PaymentStatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[paymentID]
	if !ok {
		return nil, storage.ErrPaymentNotFound
	}
	return &rec, nil
}

func (s *StatusStore) Finalize(ctx context.Context, rec *domain.PaymentStatusRecord) error {
	if !rec.Status.IsTerminal() {
		return fmt.Errorf("finalize %s with status %s: not terminal", rec.PaymentID, rec.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[rec.PaymentID]; ok && cur.Status.IsTerminal() {
		return fmt.Errorf("finalize %s: %w", rec.PaymentID, storage.ErrAlreadyTerminal)
	}
	s.records[rec.PaymentID] = *rec
	return nil
}

func (s *StatusStore) MarkSubmitted(ctx context.Context, paymentID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[paymentID]
	if !ok {
		return storage.ErrPaymentNotFound
	}
	if cur.Status.IsTerminal() {
		return fmt.Errorf("mark submitted %s: %w", paymentID, storage.ErrAlreadyTerminal)
	}
	cur.TransactionHash = txHash
	cur.UpdatedAt = s.now()
	s.records[paymentID] = cur
	return nil
}

func (s *StatusStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.Status.IsTerminal() && rec.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *StatusStore) Ping(ctx context.Context) error { return nil }

func (s *StatusStore) Close() error { return nil }

// Len returns the number of stored records.
func (s *StatusStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
