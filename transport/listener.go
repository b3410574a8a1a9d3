package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"collab-server/core"

	"github.com/sirupsen/logrus"
)

// Listen binds host:port. When the preferred port is taken it retries once on
// an OS-assigned port; a second failure wraps core.ErrServerStart.
func Listen(ctx context.Context, host string, port int) (net.Listener, error) {
	var lc net.ListenConfig
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err == nil {
		return ln, nil
	}
	if port == 0 {
		return nil, fmt.Errorf("%w: %v", core.ErrServerStart, err)
	}

	logrus.WithError(err).WithField("addr", addr).Warn("Preferred port unavailable, falling back to ephemeral port")
	ln, fallbackErr := lc.Listen(ctx, "tcp", net.JoinHostPort(host, "0"))
	if fallbackErr != nil {
		return nil, fmt.Errorf("%w: %v (fallback: %v)", core.ErrServerStart, err, fallbackErr)
	}
	return ln, nil
}

func listenerPort(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
