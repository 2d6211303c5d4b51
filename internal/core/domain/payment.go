package domain

import (
	"time"
)

// PaymentJob is the queued unit of work for one payment. It is immutable
// once enqueued and may be delivered more than once after a worker crash.
type PaymentJob struct {
	PaymentID string   `json:"paymentId"`
	Currency  Currency `json:"currency"`
	Amount    string   `json:"amount"`
	Recipient string   `json:"recipient"`
}

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// PaymentStatusRecord is the stored view of a payment.
type PaymentStatusRecord struct {
	PaymentID string        `json:"paymentId"             db:"payment_id"`
	Status    PaymentStatus `json:"status"                db:"status"`
	Currency  Currency      `json:"currency"              db:"currency"`
	Amount    string        `json:"amount"                db:"amount"`
	Recipient string        `json:"recipient"             db:"recipient"`

	// Settlement result. TransactionHash may also be set on a PENDING record
	// when a transfer was broadcast but never seen confirmed.
	TransactionHash string `json:"transactionHash,omitempty" db:"transaction_hash"`
	BlockReference  string `json:"blockReference,omitempty"  db:"block_reference"`
	Fee             string `json:"fee,omitempty"             db:"fee"`

	Error string `json:"error,omitempty" db:"error"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// NewPendingRecord builds the initial record for a freshly submitted job.
func NewPendingRecord(job PaymentJob, now time.Time) *PaymentStatusRecord {
	return &PaymentStatusRecord{
		PaymentID: job.PaymentID,
		Status:    PaymentStatusPending,
		Currency:  job.Currency,
		Amount:    job.Amount,
		Recipient: job.Recipient,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SettlementResult is what a backend reports for a confirmed transfer.
type SettlementResult struct {
	TransactionHash string `json:"transactionHash"`
	BlockReference  string `json:"blockReference"`
	Fee             string `json:"fee"`
}

// Completed returns a copy of r moved to COMPLETED with the given result.
func (r PaymentStatusRecord) Completed(res SettlementResult, now time.Time) *PaymentStatusRecord {
	r.Status = PaymentStatusCompleted
	r.TransactionHash = res.TransactionHash
	r.BlockReference = res.BlockReference
	r.Fee = res.Fee
	r.Error = ""
	r.UpdatedAt = now
	return &r
}

// Failed returns a copy of r moved to FAILED with the given message.
func (r PaymentStatusRecord) Failed(msg string, now time.Time) *PaymentStatusRecord {
	r.Status = PaymentStatusFailed
	r.Error = msg
	r.UpdatedAt = now
	return &r
}
