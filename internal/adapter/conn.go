package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/joao-brasil/sqlpool/internal/bridge"
	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

// IsolationAutocommit disables the implicit transaction.
const IsolationAutocommit = "autocommit"

// Options configure a Connection.
type Options struct {
	// Fallback lets the connection be used outside bridge.Run, blocking the
	// caller instead of failing with bridge.ErrNoBridge.
	Fallback       bool
	IsolationLevel string
	ReadOnly       bool
	Deferrable     bool
	// Terminator defaults to a GracefulTerminator.
	Terminator Terminator
}

// Connection is the synchronous face of an AsyncConn.
type Connection struct {
	driver Driver
	conn   AsyncConn
	opts   Options
	term   Terminator

	// exec serializes driver work; async drivers do not accept concurrent
	// commands on one connection.
	exec bridge.Mutex

	mu        sync.Mutex
	tx        AsyncTx
	isolation string
	closed    bool
	// released holds server-side cursors whose close was deferred by
	// SoftClose; they are closed on the next locked operation.
	released []AsyncCursor
}

// Connect opens a connection through driver, awaiting it via the bridge.
func Connect(ctx context.Context, driver Driver, dsn string, opts Options) (*Connection, error) {
	ac, err := await(ctx, opts.Fallback, driver.Connect(dsn))
	if err != nil {
		if isBridgeError(err) {
			return nil, err
		}
		return nil, driver.Translate(err)
	}
	return newConnection(driver, ac, opts), nil
}

func newConnection(driver Driver, ac AsyncConn, opts Options) *Connection {
	term := opts.Terminator
	if term == nil {
		term = GracefulTerminator{}
	}
	return &Connection{driver: driver, conn: ac, opts: opts, term: term, isolation: opts.IsolationLevel}
}

// Creator returns a pool creator backed by Connect.
func Creator(driver Driver, dsn string, opts Options) func(ctx context.Context) (dbapi.Connection, error) {
	return func(ctx context.Context) (dbapi.Connection, error) {
		return Connect(ctx, driver, dsn, opts)
	}
}

func await[T any](ctx context.Context, fallback bool, aw bridge.Awaitable[T]) (T, error) {
	if fallback {
		return bridge.AwaitFallback(ctx, aw)
	}
	return bridge.AwaitOnly(ctx, aw)
}

func isBridgeError(err error) bool {
	return errors.Is(err, bridge.ErrNoBridge) || errors.Is(err, bridge.ErrBridgeDead)
}

// Raw returns the driver connection.
func (c *Connection) Raw() AsyncConn { return c.conn }

// IsClosed reports whether the connection was closed by the caller or lost.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.conn.IsClosed()
}

func closedError(cause error) error {
	err := dbapi.ErrConnectionClosed
	if cause != nil {
		err = errors.Join(dbapi.ErrConnectionClosed, cause)
	}
	return &dbapi.Error{Kind: dbapi.KindInterface, Msg: "connection is closed", Err: err}
}

// translate normalizes err. Drivers fail in unrelated ways once their
// connection is gone, so a closed connection wins over the driver's own
// classification. Bridge errors pass through unchanged.
func (c *Connection) translate(err error) error {
	if err == nil {
		return nil
	}
	if isBridgeError(err) || dbapi.IsConnectionClosed(err) {
		return err
	}
	if c.conn.IsClosed() {
		return closedError(err)
	}
	return c.driver.Translate(err)
}

func (c *Connection) checkOpen() error {
	if c.IsClosed() {
		return closedError(nil)
	}
	return nil
}

// lock takes the execution mutex and finishes any deferred cursor closes.
func (c *Connection) lock(ctx context.Context) error {
	if err := c.exec.Lock(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	released := c.released
	c.released = nil
	c.mu.Unlock()
	for _, cur := range released {
		_, _ = await(ctx, c.opts.Fallback, cur.Close())
	}
	return nil
}

func (c *Connection) unlock() { c.exec.Unlock() }

// begin starts the implicit transaction; the execution mutex must be held.
func (c *Connection) begin(ctx context.Context) error {
	c.mu.Lock()
	started, iso := c.tx != nil, c.isolation
	c.mu.Unlock()
	if started || iso == IsolationAutocommit {
		return nil
	}
	tx, err := await(ctx, c.opts.Fallback, c.conn.Begin(TxOptions{
		IsolationLevel: iso,
		ReadOnly:       c.opts.ReadOnly,
		Deferrable:     c.opts.Deferrable,
	}))
	if err != nil {
		return c.translate(err)
	}
	c.mu.Lock()
	c.tx = tx
	c.mu.Unlock()
	return nil
}

// prepare locks nothing; callers hold the execution mutex.
func (c *Connection) prepare(ctx context.Context, op string) (AsyncStatement, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	stmt, err := await(ctx, c.opts.Fallback, c.conn.Prepare(op))
	if err != nil {
		return nil, c.translate(err)
	}
	return stmt, nil
}

func (c *Connection) Cursor(ctx context.Context) (dbapi.Cursor, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return &Cursor{conn: c, arraySize: 1, rowCount: -1}, nil
}

// ServerSideCursor returns a cursor that streams rows instead of buffering
// the whole result.
func (c *Connection) ServerSideCursor(ctx context.Context) (dbapi.Cursor, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return &ServerSideCursor{Cursor: Cursor{conn: c, arraySize: 1, rowCount: -1}}, nil
}

func (c *Connection) endTx(ctx context.Context, commit bool) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	c.mu.Lock()
	tx := c.tx
	c.tx = nil
	c.mu.Unlock()
	if tx == nil {
		return nil
	}
	aw := tx.Rollback()
	if commit {
		aw = tx.Commit()
	}
	_, err := await(ctx, c.opts.Fallback, aw)
	return c.translate(err)
}

// Commit commits the implicit transaction, if one was started.
func (c *Connection) Commit(ctx context.Context) error { return c.endTx(ctx, true) }

// Rollback rolls back the implicit transaction, if one was started.
func (c *Connection) Rollback(ctx context.Context) error { return c.endTx(ctx, false) }

// SetIsolationLevel applies to the next implicit transaction; a transaction
// in progress is rolled back first.
func (c *Connection) SetIsolationLevel(ctx context.Context, level string) error {
	c.mu.Lock()
	started := c.tx != nil
	c.mu.Unlock()
	if started {
		if err := c.Rollback(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.isolation = level
	c.mu.Unlock()
	return nil
}

// Close rolls back and closes the connection. Closing twice is a no-op.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if !c.conn.IsClosed() {
		if err := c.Rollback(ctx); err != nil && !dbapi.IsConnectionClosed(err) {
			return err
		}
	}
	c.markClosed()
	if c.conn.IsClosed() {
		return nil
	}
	_, err := await(ctx, c.opts.Fallback, c.conn.Close())
	return c.translate(err)
}

// Terminate closes the connection for the invalidation path: it never
// waits long and always leaves the driver connection closed.
func (c *Connection) Terminate(ctx context.Context) error {
	c.markClosed()
	return c.term.Terminate(ctx, c)
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.tx = nil
	c.mu.Unlock()
}

// release schedules cur to be closed on the next locked operation.
func (c *Connection) release(cur AsyncCursor) {
	c.mu.Lock()
	c.released = append(c.released, cur)
	c.mu.Unlock()
}

func (c *Connection) String() string {
	return fmt.Sprintf("adapter.Connection(%s, %p)", c.driver.Name(), c)
}
