package adapter

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/joao-brasil/sqlpool/internal/bridge"
)

// DefaultTerminateTimeout bounds the graceful close attempted by
// GracefulTerminator.
const DefaultTerminateTimeout = 2 * time.Second

// Terminator force-closes a connection on the invalidation path.
type Terminator interface {
	Terminate(ctx context.Context, c *Connection) error
}

// AbortTerminator drops the connection without talking to the server.
type AbortTerminator struct{}

func (AbortTerminator) Terminate(_ context.Context, c *Connection) error {
	return c.conn.Abort()
}

// GracefulTerminator first tries a bounded graceful close and aborts when it
// times out, is cancelled, hits a network or OS error, or cannot run because
// there is no bridge to await on.
type GracefulTerminator struct {
	Timeout time.Duration
}

func (t GracefulTerminator) Terminate(ctx context.Context, c *Connection) error {
	if c.conn.IsClosed() {
		return nil
	}
	if !c.opts.Fallback && !bridge.InBridge(ctx) {
		return c.conn.Abort()
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTerminateTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := await(cctx, c.opts.Fallback, c.conn.Close())
	if err == nil {
		return nil
	}
	if abortable(err) {
		return c.conn.Abort()
	}
	return c.translate(err)
}

func abortable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || isBridgeError(err) {
		return true
	}
	var (
		ne    net.Error
		errno syscall.Errno
		se    *os.SyscallError
		pe    *os.PathError
	)
	return errors.As(err, &ne) || errors.As(err, &errno) || errors.As(err, &se) || errors.As(err, &pe)
}
