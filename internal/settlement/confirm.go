package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/core/retry"
)

// CheckFunc inspects the chain once. done=false keeps polling.
type CheckFunc func(ctx context.Context) (res domain.SettlementResult, done bool, err error)

// WaitConfirmation polls check every interval until it reports done, returns
// an unrecoverable error, or timeout elapses. Transient check errors are
// logged and polling continues.
func WaitConfirmation(
	ctx context.Context,
	txHash string,
	timeout, interval time.Duration,
	check CheckFunc,
) (domain.SettlementResult, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, done, err := check(waitCtx)
		switch {
		case err != nil && retry.IsUnrecoverable(err):
			return domain.SettlementResult{}, err
		case err != nil:
			if waitCtx.Err() == nil {
				slog.Debug("Confirmation check failed", "tx", txHash, "error", err)
			}
		case done:
			return res, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return domain.SettlementResult{}, ctx.Err()
			}
			return domain.SettlementResult{}, &ConfirmationTimeoutError{TxHash: txHash, Timeout: timeout}
		case <-ticker.C:
		}
	}
}
