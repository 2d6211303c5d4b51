//go:build !linux

package api

import (
	"context"
	"log/slog"
	"net"
)

func listen(ctx context.Context, addr string, reusePort bool) (net.Listener, error) {
	if reusePort {
		slog.Warn("SO_REUSEPORT is only supported on linux; binding normally", "addr", addr)
	}
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
