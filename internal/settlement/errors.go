package settlement

import (
	"fmt"

	"github.com/vietddude/settler/internal/core/retry"
	"github.com/vietddude/settler/internal/infra/rpc"
)

// RPCError wraps a node error and marks it unrecoverable when repeating the
// call cannot help (bad address, insufficient funds, malformed request).
func RPCError(method string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", method, err)
	if rpc.ClassifyError(err) == rpc.ActionFatal {
		return retry.Unrecoverable(wrapped)
	}
	return wrapped
}

// Invalid marks a payment as rejected before anything was broadcast.
func Invalid(format string, args ...any) error {
	return retry.Unrecoverable(fmt.Errorf(format, args...))
}
