// Package dbapi defines the driver-facing connection contract the pool manages.
// A Connection is a single physical database session; the pool never looks
// inside it beyond these methods and the optional capabilities below.
package dbapi

import "context"

// Connection is a raw database connection handle.
type Connection interface {
	Cursor(ctx context.Context) (Cursor, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error
}

// Cursor executes statements and iterates over their results.
// FetchOne returns a nil row once the result set is exhausted.
type Cursor interface {
	Execute(ctx context.Context, operation string, args ...any) error
	ExecuteMany(ctx context.Context, operation string, argSets [][]any) error
	FetchOne(ctx context.Context) ([]any, error)
	FetchMany(ctx context.Context, size int) ([][]any, error)
	FetchAll(ctx context.Context) ([][]any, error)
	Description() []Column
	RowCount() int64
	Close(ctx context.Context) error
}

// Column describes one column of a result set.
type Column struct {
	Name         string
	TypeCode     string
	DisplaySize  int64
	InternalSize int64
	Precision    int64
	Scale        int64
	Nullable     bool
}

// Pinger is implemented by connections that can check liveness without
// running a statement.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Terminator is implemented by connections that support a forced close
// which does not wait on the server.
type Terminator interface {
	Terminate(ctx context.Context) error
}

// ServerSideCursorer is implemented by connections that can stream results
// instead of buffering them.
type ServerSideCursorer interface {
	ServerSideCursor(ctx context.Context) (Cursor, error)
}

// ClosedChecker reports whether the underlying session is known to be gone.
type ClosedChecker interface {
	IsClosed() bool
}
