// Package settlement defines the contract between the payment processor and
// per-currency settlement backends.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/settler/internal/core/domain"
)

// DefaultConfirmationTimeout bounds how long a backend waits to observe a
// broadcast transfer in a block.
const DefaultConfirmationTimeout = 5 * time.Minute

var (
	// ErrUnsupportedCurrency is returned when no backend is registered.
	ErrUnsupportedCurrency = errors.New("unsupported currency")

	// ErrNonceTaken means the signed transfer lost its nonce, sequence or
	// inputs to another transaction and can never be included. Signing
	// again is safe.
	ErrNonceTaken = errors.New("transfer superseded by another transaction")

	// ErrConfirmationTimeout means a transfer was broadcast but not seen
	// confirmed in time. It is not a failure: the transfer may still land.
	ErrConfirmationTimeout = errors.New("transaction confirmation timeout")
)

// ConfirmationTimeoutError carries the hash of the unconfirmed transfer so it
// can be reconciled later.
type ConfirmationTimeoutError struct {
	TxHash  string
	Timeout time.Duration
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("%s after %v (tx %s)", ErrConfirmationTimeout, e.Timeout, e.TxHash)
}

func (e *ConfirmationTimeoutError) Unwrap() error { return ErrConfirmationTimeout }

// FeeParams describes the transfer shape a fee is quoted for.
type FeeParams struct {
	Inputs    int    `json:"inputs,omitempty"`
	Outputs   int    `json:"outputs,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Amount    string `json:"amount,omitempty"`
}

// FeeQuote is a backend fee estimate in the currency's display unit.
type FeeQuote struct {
	Fee string `json:"fee"`
	// Rate is the network fee rate in the backend's native unit
	// (BTC/kvB, wei/gas, drops).
	Rate string `json:"rate,omitempty"`
}

// Options tunes a single transfer.
type Options struct {
	// Fee is a pre-fetched quote; backends may use it to pin the fee rate.
	Fee *FeeQuote
	// Reference identifies the payment. Backends pin the signed transfer
	// to it, so repeated calls broadcast one transaction.
	Reference string
	// OnSigned receives the transfer hash after signing and before
	// broadcast. A non-nil error aborts the transfer.
	OnSigned func(ctx context.Context, txHash string) error
}

// ReportSigned passes txHash to OnSigned when set.
func (o Options) ReportSigned(ctx context.Context, txHash string) error {
	if o.OnSigned == nil {
		return nil
	}
	return o.OnSigned(ctx, txHash)
}

// Backend executes transfers on one payment network.
type Backend interface {
	Currency() domain.Currency

	EstimateFee(ctx context.Context, params FeeParams) (FeeQuote, error)

	// ProcessPayment signs a transfer, reports its hash through
	// opts.OnSigned, broadcasts it and waits for its confirmation.
	// A *ConfirmationTimeoutError is returned when the wait expires.
	ProcessPayment(ctx context.Context, recipient, amount string, opts Options) (domain.SettlementResult, error)

	GetBalance(ctx context.Context, address string) (string, error)
}

// Confirmer is implemented by backends that can resume waiting for a
// transfer that was already broadcast.
type Confirmer interface {
	AwaitConfirmation(ctx context.Context, txHash string) (domain.SettlementResult, error)
}

// Closer is implemented by backends holding connections.
type Closer interface {
	Close() error
}
