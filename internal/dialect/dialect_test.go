package dialect

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

type stubCursor struct {
	execErr error
	queries []string
}

func (c *stubCursor) Execute(_ context.Context, op string, _ ...any) error {
	c.queries = append(c.queries, op)
	return c.execErr
}
func (c *stubCursor) ExecuteMany(context.Context, string, [][]any) error { return nil }
func (c *stubCursor) FetchOne(context.Context) ([]any, error)             { return nil, nil }
func (c *stubCursor) FetchMany(context.Context, int) ([][]any, error)     { return nil, nil }
func (c *stubCursor) FetchAll(context.Context) ([][]any, error)           { return [][]any{{1}}, nil }
func (c *stubCursor) Description() []dbapi.Column                         { return nil }
func (c *stubCursor) RowCount() int64                                     { return -1 }
func (c *stubCursor) Close(context.Context) error                         { return nil }

type stubConn struct {
	cur        *stubCursor
	closed     bool
	terminated bool
}

func (c *stubConn) Cursor(context.Context) (dbapi.Cursor, error) { return c.cur, nil }
func (c *stubConn) Commit(context.Context) error                 { return nil }
func (c *stubConn) Rollback(context.Context) error               { return nil }
func (c *stubConn) Close(context.Context) error {
	c.closed = true
	return nil
}

type terminatingConn struct{ stubConn }

func (c *terminatingConn) Terminate(context.Context) error {
	c.terminated = true
	return nil
}

func TestDoPingRunsQueryWithoutPinger(t *testing.T) {
	cur := &stubCursor{}
	ok, err := Default().DoPing(context.Background(), &stubConn{cur: cur})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"SELECT 1"}, cur.queries)
}

func TestDoPingReportsDisconnect(t *testing.T) {
	cur := &stubCursor{execErr: fmt.Errorf("read: %w", io.EOF)}
	ok, err := Default().DoPing(context.Background(), &stubConn{cur: cur})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDoPingReturnsOtherErrors(t *testing.T) {
	boom := errors.New("syntax error")
	ok, err := Default().DoPing(context.Background(), &stubConn{cur: &stubCursor{execErr: boom}})
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestDoTerminate(t *testing.T) {
	ctx := context.Background()
	plain := &stubConn{}
	require.NoError(t, Default().DoTerminate(ctx, plain))
	assert.True(t, plain.closed)

	term := &terminatingConn{}
	require.NoError(t, Default().DoTerminate(ctx, term))
	assert.True(t, term.terminated)
	assert.False(t, term.closed)
}

func TestIsDisconnect(t *testing.T) {
	tests := []struct {
		name    string
		dialect *Dialect
		err     error
		want    bool
	}{
		{"nil", Default(), nil, false},
		{"closed sentinel", Default(), dbapi.Wrap(dbapi.KindInterface, dbapi.ErrConnectionClosed), true},
		{"bad conn", Default(), driver.ErrBadConn, true},
		{"plain error", Default(), errors.New("nope"), false},
		{"mssql disconnect", SQLServer(), mssql.Error{Number: 10054}, true},
		{"mssql constraint", SQLServer(), mssql.Error{Number: 2627}, false},
		{"pq admin shutdown", Postgres(), &pq.Error{Code: "57P01"}, true},
		{"pq connection failure", Postgres(), &pq.Error{Code: "08006"}, true},
		{"pq unique violation", Postgres(), &pq.Error{Code: "23505"}, false},
		{"pgx connection failure", PostgresAsync(), fmt.Errorf("exec: %w", &pgconn.PgError{Code: "08003"}), true},
		{"pgx syntax", PostgresAsync(), &pgconn.PgError{Code: "42601"}, false},
		{"mysql gone away", MySQL(), &mysql.MySQLError{Number: 2006}, true},
		{"mysql invalid conn", MySQL(), mysql.ErrInvalidConn, true},
		{"mysql dup key", MySQL(), &mysql.MySQLError{Number: 1062}, false},
		{"sqlite generic", SQLite(), errors.New("no such table"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dialect.IsDisconnect(tt.err, &stubConn{}))
		})
	}
}

func TestForDriver(t *testing.T) {
	for name, want := range map[string]string{
		"sqlserver": "sqlserver",
		"postgres":  "postgres",
		"pgx":       "postgres+pgx",
		"mysql":     "mysql",
		"sqlite":    "sqlite",
		"":          "default",
	} {
		d, err := ForDriver(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, d.Name())
	}
	_, err := ForDriver("oracle")
	assert.Error(t, err)
}
