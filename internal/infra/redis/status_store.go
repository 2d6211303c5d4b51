package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/storage"
)

// maxTxRetries bounds optimistic-lock retries when another process writes
// the same key between WATCH and EXEC.
const maxTxRetries = 5

// StatusStore implements storage.StatusStore on plain Redis string keys
// (payment:<id> -> JSON record).
type StatusStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStatusStore creates a Redis-backed status store. A zero ttl keeps
// records forever.
func NewStatusStore(client *Client, ttl time.Duration) *StatusStore {
	return &StatusStore{rdb: client.rdb, ttl: ttl}
}

// Key helpers
func paymentKey(paymentID string) string {
	return fmt.Sprintf("payment:%s", paymentID)
}

// Create stores the initial record only if the key does not exist.
func (s *StatusStore) Create(ctx context.Context, rec *domain.PaymentStatusRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal payment: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, paymentKey(rec.PaymentID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("create %s: %w", rec.PaymentID, storage.ErrPaymentExists)
	}
	return nil
}

// Get loads the record for paymentID.
func (s *StatusStore) Get(ctx context.Context, paymentID string) (*domain.PaymentStatusRecord, error) {
	data, err := s.rdb.Get(ctx, paymentKey(paymentID)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}
	return decodeRecord(data)
}

// Finalize writes a terminal record unless one is already stored.
func (s *StatusStore) Finalize(ctx context.Context, rec *domain.PaymentStatusRecord) error {
	if !rec.Status.IsTerminal() {
		return fmt.Errorf("finalize %s with status %s: not terminal", rec.PaymentID, rec.Status)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal payment: %w", err)
	}

	return s.update(ctx, rec.PaymentID, func(cur *domain.PaymentStatusRecord) ([]byte, error) {
		if cur != nil && cur.Status.IsTerminal() {
			return nil, fmt.Errorf("finalize %s: %w", rec.PaymentID, storage.ErrAlreadyTerminal)
		}
		return data, nil
	})
}

// MarkSubmitted records the hash of a broadcast transfer on a PENDING record.
func (s *StatusStore) MarkSubmitted(ctx context.Context, paymentID, txHash string) error {
	return s.update(ctx, paymentID, func(cur *domain.PaymentStatusRecord) ([]byte, error) {
		if cur == nil {
			return nil, storage.ErrPaymentNotFound
		}
		if cur.Status.IsTerminal() {
			return nil, fmt.Errorf("mark submitted %s: %w", paymentID, storage.ErrAlreadyTerminal)
		}
		cur.TransactionHash = txHash
		cur.UpdatedAt = time.Now()
		return json.Marshal(cur)
	})
}

// update runs a WATCH/MULTI/EXEC cycle so that the check and the write are
// atomic against other worker processes.
func (s *StatusStore) update(
	ctx context.Context,
	paymentID string,
	next func(cur *domain.PaymentStatusRecord) ([]byte, error),
) error {
	key := paymentKey(paymentID)

	txf := func(tx *redis.Tx) error {
		var cur *domain.PaymentStatusRecord
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return fmt.Errorf("get failed: %w", err)
		default:
			if cur, err = decodeRecord(raw); err != nil {
				return err
			}
		}

		data, err := next(cur)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: too many concurrent writers", paymentID)
}

// Ping checks the Redis connection.
func (s *StatusStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close is a no-op; the shared Client owns the connection.
func (s *StatusStore) Close() error { return nil }

func decodeRecord(data []byte) (*domain.PaymentStatusRecord, error) {
	var rec domain.PaymentStatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment: %w", err)
	}
	return &rec, nil
}
