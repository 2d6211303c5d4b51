package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/settler/internal/core/domain"
)

var (
	// ErrPaymentNotFound is returned when no record exists for a payment ID.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrPaymentExists is returned by Create when a record already exists.
	ErrPaymentExists = errors.New("payment already exists")

	// ErrAlreadyTerminal is returned when a write would move a COMPLETED or
	// FAILED record again.
	ErrAlreadyTerminal = errors.New("payment already in terminal status")
)

// StatusStore maps payment IDs to their current status record. Implementations
// must make each call atomic with respect to other processes using the same
// backing store.
type StatusStore interface {
	// Create writes the initial PENDING record. Fails with ErrPaymentExists
	// if the ID is taken.
	Create(ctx context.Context, rec *domain.PaymentStatusRecord) error

	// Get returns the current record or ErrPaymentNotFound.
	Get(ctx context.Context, paymentID string) (*domain.PaymentStatusRecord, error)

	// Finalize writes a terminal record. It succeeds only if the stored
	// record is PENDING or missing, otherwise it returns ErrAlreadyTerminal.
	Finalize(ctx context.Context, rec *domain.PaymentStatusRecord) error

	// MarkSubmitted annotates a PENDING record with the hash of a broadcast
	// but unconfirmed transfer. The status is not changed.
	MarkSubmitted(ctx context.Context, paymentID, txHash string) error

	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error

	Close() error
}

// Pruner is implemented by stores that can delete old terminal records.
// Stores with native expiry (redis TTL) do not need it.
type Pruner interface {
	// DeleteTerminalBefore removes COMPLETED and FAILED records last updated
	// before cutoff and returns how many were removed. PENDING records are
	// never pruned.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
