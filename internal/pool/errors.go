package pool

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError is returned when the pool is exhausted and no connection was
// returned within the configured timeout.
type TimeoutError struct {
	Size     int
	Overflow int
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pool limit of size %d overflow %d reached, connection timed out, timeout %.2fs",
		e.Size, e.Overflow, e.Timeout.Seconds())
}

// IsTimeout reports whether err is a pool exhaustion timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// DisconnectionError tells the pool that a checked-out connection is no
// longer usable. Checkout listeners return it to have the pool replace the
// connection; InvalidatePool also marks every older connection stale.
type DisconnectionError struct {
	InvalidatePool bool
	Err            error
}

func (e *DisconnectionError) Error() string {
	msg := "connection is disconnected"
	if e.InvalidatePool {
		msg = "connection is disconnected; invalidating pool"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *DisconnectionError) Unwrap() error { return e.Err }

// IsDisconnection reports whether err is a DisconnectionError.
func IsDisconnection(err error) bool {
	var de *DisconnectionError
	return errors.As(err, &de)
}

// InvalidRequestError reports an operation the pool cannot satisfy in its
// current state.
type InvalidRequestError struct {
	Msg string
}

func (e *InvalidRequestError) Error() string { return e.Msg }

// ErrConnectionClosed is returned when using a fairy whose connection was
// already returned or invalidated.
var ErrConnectionClosed = &InvalidRequestError{Msg: "this connection is closed"}

var errPrePing = errors.New("pre-ping failed")
