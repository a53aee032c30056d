// Package dialect implements the per-driver operations a pool needs on a raw
// connection: reset, close, terminate, ping and disconnect detection.
package dialect

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

// Dialect is a pool dialect for one family of drivers.
type Dialect struct {
	name      string
	pingQuery string
	// disconnect holds driver-specific rules on top of the generic ones.
	disconnect func(err error) bool
}

// Default works with any dbapi.Connection and recognizes only generic
// disconnect errors.
func Default() *Dialect {
	return &Dialect{name: "default", pingQuery: "SELECT 1"}
}

// Name identifies the dialect in logs.
func (d *Dialect) Name() string { return d.name }

func (d *Dialect) DoRollback(ctx context.Context, conn dbapi.Connection) error {
	return conn.Rollback(ctx)
}

func (d *Dialect) DoCommit(ctx context.Context, conn dbapi.Connection) error {
	return conn.Commit(ctx)
}

func (d *Dialect) DoClose(ctx context.Context, conn dbapi.Connection) error {
	return conn.Close(ctx)
}

// DoTerminate force-closes conn when the driver supports it and falls back
// to a regular close otherwise.
func (d *Dialect) DoTerminate(ctx context.Context, conn dbapi.Connection) error {
	if t, ok := conn.(dbapi.Terminator); ok {
		return t.Terminate(ctx)
	}
	return conn.Close(ctx)
}

// DoPing checks conn with the driver's ping when it has one and with a
// trivial query otherwise. Disconnects report false with a nil error.
func (d *Dialect) DoPing(ctx context.Context, conn dbapi.Connection) (bool, error) {
	err := d.ping(ctx, conn)
	if err == nil {
		return true, nil
	}
	if d.IsDisconnect(err, conn) {
		return false, nil
	}
	return false, err
}

func (d *Dialect) ping(ctx context.Context, conn dbapi.Connection) error {
	if p, ok := conn.(dbapi.Pinger); ok {
		return p.Ping(ctx)
	}
	cur, err := conn.Cursor(ctx)
	if err != nil {
		return err
	}
	defer cur.Close(ctx)
	if err := cur.Execute(ctx, d.pingQuery); err != nil {
		return err
	}
	_, err = cur.FetchAll(ctx)
	return err
}

// IsDisconnect reports whether err means conn can no longer be used.
func (d *Dialect) IsDisconnect(err error, conn dbapi.Connection) bool {
	if err == nil {
		return false
	}
	if c, ok := conn.(dbapi.ClosedChecker); ok && c.IsClosed() {
		return true
	}
	if isGenericDisconnect(err) {
		return true
	}
	return d.disconnect != nil && d.disconnect(err)
}

func isGenericDisconnect(err error) bool {
	switch {
	case dbapi.IsConnectionClosed(err),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && !ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// ForDriver resolves the dialect for a database/sql driver name or the
// async pgx driver.
func ForDriver(name string) (*Dialect, error) {
	switch strings.ToLower(name) {
	case "", "default":
		return Default(), nil
	case "sqlserver", "mssql":
		return SQLServer(), nil
	case "postgres", "postgresql":
		return Postgres(), nil
	case "pgx", "postgres+pgx":
		return PostgresAsync(), nil
	case "mysql":
		return MySQL(), nil
	case "sqlite", "sqlite3":
		return SQLite(), nil
	default:
		return nil, fmt.Errorf("no dialect for driver %q", name)
	}
}
