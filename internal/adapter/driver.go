// Package adapter presents an asynchronous database driver through the
// synchronous DBAPI contract the pool works with.
//
// Every driver operation returns a bridge.Awaitable. The shims in this
// package await them through the cooperative bridge, so code that calls a
// Connection or Cursor looks blocking while the driver work runs on the
// bridge host. Ordinary cursors buffer their whole result right after
// Execute; server-side cursors stream through the bridge in batches.
package adapter

import (
	"github.com/joao-brasil/sqlpool/internal/bridge"
	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

// Unit is the result type of awaitables that only report completion.
type Unit = struct{}

// TxOptions configure the implicit transaction.
type TxOptions struct {
	IsolationLevel string
	ReadOnly       bool
	Deferrable     bool
}

// Result is a fully fetched statement result.
type Result struct {
	Rows [][]any
	// RowsAffected is -1 when the statement does not report it.
	RowsAffected int64
}

// AsyncConn is one connection of an asynchronous driver. Queries use `?`
// placeholders; drivers rewrite them as needed.
type AsyncConn interface {
	Prepare(query string) bridge.Awaitable[AsyncStatement]
	Begin(opts TxOptions) bridge.Awaitable[AsyncTx]
	ExecuteMany(query string, argSets [][]any) bridge.Awaitable[int64]
	Close() bridge.Awaitable[Unit]
	IsClosed() bool
	// Abort drops the connection immediately without talking to the server.
	Abort() error
}

// AsyncStatement is a prepared statement.
type AsyncStatement interface {
	Columns() []dbapi.Column
	Fetch(args []any) bridge.Awaitable[Result]
	Cursor(args []any) bridge.Awaitable[AsyncCursor]
}

// AsyncCursor streams the rows of a statement. Fetch returns an empty batch
// once the rows are exhausted.
type AsyncCursor interface {
	Fetch(n int) bridge.Awaitable[[][]any]
	Close() bridge.Awaitable[Unit]
}

type AsyncTx interface {
	Commit() bridge.Awaitable[Unit]
	Rollback() bridge.Awaitable[Unit]
}

// Driver opens async connections and knows how to classify its errors.
type Driver interface {
	Name() string
	Connect(dsn string) bridge.Awaitable[AsyncConn]
	Translator
}

// Translator maps driver errors onto the DBAPI hierarchy. It returns nil for
// a nil error and leaves *dbapi.Error values untouched.
type Translator interface {
	Translate(err error) error
}
