// Package sqldbapi exposes a database/sql driver as a DBAPI connection.
//
// Each Conn owns a private *sql.DB limited to one open connection and pins
// that connection with (*sql.DB).Conn, so the pool, not database/sql, decides
// when a physical session is opened and closed. Like a DBAPI driver, a Conn
// starts a transaction implicitly on the first statement.
package sqldbapi

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"

	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

// querier is the subset shared by *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Options tune a Conn.
type Options struct {
	// Autocommit skips the implicit transaction.
	Autocommit bool
	// TxOptions are used for implicit transactions.
	TxOptions *sql.TxOptions
}

// Conn is a single physical database/sql connection.
type Conn struct {
	db   *sql.DB
	conn *sql.Conn
	opts Options

	mu     sync.Mutex
	tx     *sql.Tx
	closed bool
}

// Open opens one physical connection through driverName.
func Open(ctx context.Context, driverName, dsn string, opts Options) (*Conn, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, dbapi.Errorf(dbapi.KindInterface, err, "opening %s", driverName)
	}
	return fromDB(ctx, db, opts)
}

// fromDB takes ownership of db.
func fromDB(ctx context.Context, db *sql.DB, opts Options) (*Conn, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, normalize(err)
	}
	return &Conn{db: db, conn: conn, opts: opts}, nil
}

// Creator returns a pool creator that opens a new Conn per call.
func Creator(driverName, dsn string, opts Options) func(ctx context.Context) (dbapi.Connection, error) {
	return func(ctx context.Context) (dbapi.Connection, error) {
		return Open(ctx, driverName, dsn, opts)
	}
}

// Cursor returns a buffering cursor bound to this connection.
func (c *Conn) Cursor(context.Context) (dbapi.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, closedError()
	}
	return &Cursor{conn: c, arraySize: 1, rowCount: -1}, nil
}

// target returns where the next statement runs, beginning the implicit
// transaction if needed.
func (c *Conn) target(ctx context.Context) (querier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, closedError()
	}
	if c.opts.Autocommit {
		return c.conn, nil
	}
	if c.tx == nil {
		tx, err := c.conn.BeginTx(ctx, c.opts.TxOptions)
		if err != nil {
			return nil, normalize(err)
		}
		c.tx = tx
	}
	return c.tx, nil
}

func (c *Conn) takeTx() (*sql.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, closedError()
	}
	tx := c.tx
	c.tx = nil
	return tx, nil
}

// Commit commits the implicit transaction; without one it does nothing.
func (c *Conn) Commit(context.Context) error {
	tx, err := c.takeTx()
	if err != nil || tx == nil {
		return err
	}
	return normalize(tx.Commit())
}

// Rollback rolls the implicit transaction back; without one it does nothing.
func (c *Conn) Rollback(context.Context) error {
	tx, err := c.takeTx()
	if err != nil || tx == nil {
		return err
	}
	return normalize(tx.Rollback())
}

// Ping checks the session without touching the transaction.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return closedError()
	}
	return normalize(c.conn.PingContext(ctx))
}

// IsClosed reports whether Close or Terminate was called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close rolls back any open transaction and closes the session.
func (c *Conn) Close(context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tx := c.tx
	c.tx = nil
	c.mu.Unlock()

	var errs []error
	if tx != nil {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, err)
		}
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		errs = append(errs, err)
	}
	if err := c.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return normalize(errors.Join(errs...))
}

// Terminate drops the session without rolling back. database/sql discards
// a connection whose Raw callback reports driver.ErrBadConn.
func (c *Conn) Terminate(context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.tx = nil
	c.mu.Unlock()

	_ = c.conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = c.conn.Close()
	return normalize(c.db.Close())
}

func closedError() error {
	return &dbapi.Error{Kind: dbapi.KindInterface, Msg: "connection is closed", Err: dbapi.ErrConnectionClosed}
}

// normalize maps database/sql errors onto the DBAPI hierarchy.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	var de *dbapi.Error
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return &dbapi.Error{Kind: dbapi.KindOperational, Msg: "connection is closed",
			Err: errors.Join(dbapi.ErrConnectionClosed, err)}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return dbapi.Wrap(dbapi.KindOperational, err)
	case errors.Is(err, sql.ErrTxDone):
		return dbapi.Wrap(dbapi.KindProgramming, err)
	default:
		return dbapi.Wrap(dbapi.KindDatabase, err)
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("sqldbapi.Conn(%p)", c)
}
