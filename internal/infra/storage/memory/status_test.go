package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/storage"
)

func newPending(id string) *domain.PaymentStatusRecord {
	return domain.NewPendingRecord(domain.PaymentJob{
		PaymentID: id,
		Currency:  domain.CurrencyETH,
		Amount:    "0.01",
		Recipient: "0xABC",
	}, time.Now())
}

func TestStatusStore_CreateIsExclusive(t *testing.T) {
	s := NewStatusStore()
	ctx := context.Background()

	if err := s.Create(ctx, newPending("p1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Create(ctx, newPending("p1")); !errors.Is(err, storage.ErrPaymentExists) {
		t.Errorf("expected ErrPaymentExists, got %v", err)
	}
}

func TestStatusStore_TransitionsAreMonotone(t *testing.T) {
	s := NewStatusStore()
	ctx := context.Background()
	pending := newPending("p1")
	_ = s.Create(ctx, pending)

	done := pending.Completed(domain.SettlementResult{TransactionHash: "0x1"}, time.Now())
	if err := s.Finalize(ctx, done); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failed := pending.Failed("late", time.Now())
	if err := s.Finalize(ctx, failed); !errors.Is(err, storage.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}

	got, _ := s.Get(ctx, "p1")
	if got.Status != domain.PaymentStatusCompleted || got.TransactionHash != "0x1" {
		t.Errorf("record changed after terminal write: %+v", got)
	}

	if err := s.MarkSubmitted(ctx, "p1", "0x2"); !errors.Is(err, storage.ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestStatusStore_FinalizeRejectsPending(t *testing.T) {
	s := NewStatusStore()
	if err := s.Finalize(context.Background(), newPending("p1")); err == nil {
		t.Error("expected error finalizing with PENDING status")
	}
}

func TestStatusStore_MarkSubmitted(t *testing.T) {
	s := NewStatusStore()
	ctx := context.Background()
	_ = s.Create(ctx, newPending("p1"))

	if err := s.MarkSubmitted(ctx, "p1", "0xabc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := s.Get(ctx, "p1")
	if got.Status != domain.PaymentStatusPending || got.TransactionHash != "0xabc" {
		t.Errorf("unexpected record: %+v", got)
	}

	if err := s.MarkSubmitted(ctx, "missing", "0x"); !errors.Is(err, storage.ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestStatusStore_DeleteTerminalBefore(t *testing.T) {
	s := NewStatusStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	for _, id := range []string{"done", "failed", "pending", "fresh"} {
		if err := s.Create(ctx, newPending(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	mustFinalize := func(rec *domain.PaymentStatusRecord) {
		if err := s.Finalize(ctx, rec); err != nil {
			t.Fatalf("finalize %s: %v", rec.PaymentID, err)
		}
	}
	mustFinalize(newPending("done").Completed(domain.SettlementResult{TransactionHash: "0x1"}, old))
	mustFinalize(newPending("failed").Failed("boom", old))
	mustFinalize(newPending("fresh").Completed(domain.SettlementResult{TransactionHash: "0x2"}, time.Now()))

	n, err := s.DeleteTerminalBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pruned, got %d", n)
	}
	if _, err := s.Get(ctx, "pending"); err != nil {
		t.Errorf("pending record must survive: %v", err)
	}
	if _, err := s.Get(ctx, "fresh"); err != nil {
		t.Errorf("fresh record must survive: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 records left, got %d", s.Len())
	}
}
