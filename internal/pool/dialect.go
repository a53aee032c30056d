package pool

import (
	"context"

	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

// Dialect performs the driver-specific operations the pool needs on a raw
// connection.
type Dialect interface {
	DoRollback(ctx context.Context, conn dbapi.Connection) error
	DoCommit(ctx context.Context, conn dbapi.Connection) error
	DoClose(ctx context.Context, conn dbapi.Connection) error
	// DoPing returns false, nil when the connection is disconnected and an
	// error for any other failure.
	DoPing(ctx context.Context, conn dbapi.Connection) (bool, error)
	IsDisconnect(err error, conn dbapi.Connection) bool
}

// TerminatingDialect can force-close a connection without waiting on the
// server. Hard invalidation prefers it over DoClose.
type TerminatingDialect interface {
	DoTerminate(ctx context.Context, conn dbapi.Connection) error
}

// connDialect is used when no dialect is configured: it calls the
// connection's own methods and cannot ping.
type connDialect struct{}

func (connDialect) DoRollback(ctx context.Context, conn dbapi.Connection) error {
	return conn.Rollback(ctx)
}

func (connDialect) DoCommit(ctx context.Context, conn dbapi.Connection) error {
	return conn.Commit(ctx)
}

func (connDialect) DoClose(ctx context.Context, conn dbapi.Connection) error {
	return conn.Close(ctx)
}

func (connDialect) DoPing(context.Context, dbapi.Connection) (bool, error) {
	return false, &InvalidRequestError{Msg: "the ping feature requires that a dialect is passed to the connection pool"}
}

func (connDialect) IsDisconnect(err error, _ dbapi.Connection) bool {
	return dbapi.IsConnectionClosed(err)
}

// ResetAgent owns the transaction of a checked-out connection. When set on a
// fairy, reset-on-return goes through it instead of the dialect.
type ResetAgent interface {
	IsActive() bool
	Rollback(ctx context.Context) error
	Commit(ctx context.Context) error
}
