package domain

import (
	"testing"
	"time"
)

func TestPaymentStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status PaymentStatus
		want   bool
	}{
		{PaymentStatusPending, false},
		{PaymentStatusCompleted, true},
		{PaymentStatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRecordTransitionsDoNotMutateOriginal(t *testing.T) {
	now := time.Now()
	job := PaymentJob{PaymentID: "p1", Currency: CurrencyETH, Amount: "0.01", Recipient: "0xABC"}
	pending := NewPendingRecord(job, now)

	done := pending.Completed(SettlementResult{TransactionHash: "0xhash", BlockReference: "12", Fee: "21000"}, now)
	if pending.Status != PaymentStatusPending {
		t.Fatalf("pending record mutated: %s", pending.Status)
	}
	if done.Status != PaymentStatusCompleted || done.TransactionHash != "0xhash" {
		t.Errorf("unexpected completed record: %+v", done)
	}

	failed := pending.Failed("boom", now)
	if failed.Status != PaymentStatusFailed || failed.Error != "boom" {
		t.Errorf("unexpected failed record: %+v", failed)
	}
}

func TestParseCurrency(t *testing.T) {
	if got := ParseCurrency(" eth "); got != CurrencyETH {
		t.Errorf("ParseCurrency(eth) = %q", got)
	}
	if !CurrencyBTC.NeedsFeeQuote() {
		t.Error("BTC should need a fee quote")
	}
	if CurrencyETH.NeedsFeeQuote() {
		t.Error("ETH should not need a fee quote")
	}
}
