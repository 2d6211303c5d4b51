package redis

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/storage"
)

// newLiveStore connects to REDIS_URL (default db 15 on localhost).
func newLiveStore(t *testing.T) *StatusStore {
	t.Helper()
	if os.Getenv("E2E_LIVE") == "" {
		t.Skip("Skipping live redis test. Set E2E_LIVE=true to run.")
	}
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	client, err := NewClient(Config{URL: url})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewStatusStore(client, time.Hour)
}

func pendingRecord(t *testing.T, s *StatusStore) *domain.PaymentStatusRecord {
	t.Helper()
	job := domain.PaymentJob{
		PaymentID: uuid.NewString(),
		Currency:  domain.CurrencyETH,
		Amount:    "1",
		Recipient: "0x2222222222222222222222222222222222222222",
	}
	rec := domain.NewPendingRecord(job, time.Now())
	if err := s.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { s.rdb.Del(context.Background(), paymentKey(job.PaymentID)) })
	return rec
}

func TestStatusStore_Live_Transitions(t *testing.T) {
	s := newLiveStore(t)
	ctx := context.Background()
	rec := pendingRecord(t, s)

	if err := s.Create(ctx, rec); !errors.Is(err, storage.ErrPaymentExists) {
		t.Fatalf("expected ErrPaymentExists, got %v", err)
	}
	if err := s.MarkSubmitted(ctx, rec.PaymentID, "0xfeed"); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	got, err := s.Get(ctx, rec.PaymentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.PaymentStatusPending || got.TransactionHash != "0xfeed" {
		t.Fatalf("unexpected record %+v", got)
	}

	done := got.Completed(domain.SettlementResult{TransactionHash: "0xfeed", BlockReference: "16"}, time.Now())
	if err := s.Finalize(ctx, done); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := s.Finalize(ctx, got.Failed("late", time.Now())); !errors.Is(err, storage.ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal on second finalize, got %v", err)
	}
	if err := s.MarkSubmitted(ctx, rec.PaymentID, "0xother"); !errors.Is(err, storage.ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal on mark after finalize, got %v", err)
	}

	got, _ = s.Get(ctx, rec.PaymentID)
	if got.Status != domain.PaymentStatusCompleted || got.TransactionHash != "0xfeed" {
		t.Errorf("terminal record changed: %+v", got)
	}
	if _, err := s.Get(ctx, uuid.NewString()); !errors.Is(err, storage.ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestStatusStore_Live_ConcurrentFinalize(t *testing.T) {
	s := newLiveStore(t)
	rec := pendingRecord(t, s)

	const writers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		rejected int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := rec.Completed(domain.SettlementResult{TransactionHash: uuid.NewString()}, time.Now())
			if i%2 == 1 {
				next = rec.Failed("writer failed", time.Now())
			}
			err := s.Finalize(context.Background(), next)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, storage.ErrAlreadyTerminal):
				rejected++
			default:
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("expected exactly one terminal write, got %d", won)
	}
	if won+rejected != writers {
		t.Errorf("expected %d outcomes, got %d", writers, won+rejected)
	}
}
