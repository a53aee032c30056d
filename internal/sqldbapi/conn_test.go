package sqldbapi

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

func newMockConn(t *testing.T, opts Options) (*Conn, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	conn, err := fromDB(context.Background(), db, opts)
	require.NoError(t, err)
	return conn, mock
}

func TestExecuteBeginsTransactionImplicitly(t *testing.T) {
	ctx := context.Background()
	conn, mock := newMockConn(t, Options{})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name FROM users")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "ana").AddRow(int64(2), "bia"))
	mock.ExpectCommit()
	mock.ExpectClose()

	cur, err := conn.Cursor(ctx)
	require.NoError(t, err)
	require.NoError(t, cur.Execute(ctx, "SELECT id, name FROM users"))

	desc := cur.Description()
	require.Len(t, desc, 2)
	assert.Equal(t, "id", desc[0].Name)
	assert.Equal(t, int64(2), cur.RowCount())

	row, err := cur.FetchOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), "ana"}, row)
	rest, err := cur.FetchAll(ctx)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	row, err = cur.FetchOne(ctx)
	require.NoError(t, err)
	assert.Nil(t, row)

	require.NoError(t, conn.Commit(ctx))
	require.NoError(t, conn.Close(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackWithoutTransactionIsNoop(t *testing.T) {
	ctx := context.Background()
	conn, mock := newMockConn(t, Options{})
	mock.ExpectClose()

	require.NoError(t, conn.Rollback(ctx))
	require.NoError(t, conn.Commit(ctx))
	require.NoError(t, conn.Close(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteManySumsRowCount(t *testing.T) {
	ctx := context.Background()
	conn, mock := newMockConn(t, Options{Autocommit: true})

	mock.ExpectExec("UPDATE accounts").WithArgs(1).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE accounts").WithArgs(2).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectClose()

	cur, err := conn.Cursor(ctx)
	require.NoError(t, err)
	require.NoError(t, cur.ExecuteMany(ctx, "UPDATE accounts SET active = 1 WHERE id = ?", [][]any{{1}, {2}}))
	assert.Equal(t, int64(5), cur.RowCount())

	require.NoError(t, conn.Close(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseRollsBackOpenTransaction(t *testing.T) {
	ctx := context.Background()
	conn, mock := newMockConn(t, Options{})

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()
	mock.ExpectClose()

	cur, err := conn.Cursor(ctx)
	require.NoError(t, err)
	require.NoError(t, cur.Execute(ctx, "DELETE FROM jobs"))
	require.NoError(t, conn.Close(ctx))
	assert.True(t, conn.IsClosed())
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = conn.Cursor(ctx)
	assert.True(t, dbapi.IsConnectionClosed(err))
	assert.ErrorIs(t, err, dbapi.ErrInterface)
}

func TestBadConnIsNormalized(t *testing.T) {
	ctx := context.Background()
	conn, mock := newMockConn(t, Options{Autocommit: true})

	mock.ExpectExec("INSERT").WillReturnError(driver.ErrBadConn)

	cur, err := conn.Cursor(ctx)
	require.NoError(t, err)
	err = cur.Execute(ctx, "INSERT INTO t VALUES (1)")
	require.Error(t, err)
	assert.True(t, dbapi.IsConnectionClosed(err))
	assert.True(t, dbapi.IsOperational(err))
}

func TestReturnsRows(t *testing.T) {
	assert.True(t, returnsRows("  select 1"))
	assert.True(t, returnsRows("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.True(t, returnsRows("INSERT INTO t (a) VALUES (1) RETURNING id"))
	assert.False(t, returnsRows("UPDATE t SET a = 1"))
	assert.False(t, returnsRows("CREATE TABLE t (a int)"))
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, "sqlite", ":memory:", Options{})
	require.NoError(t, err)
	defer conn.Close(ctx)

	cur, err := conn.Cursor(ctx)
	require.NoError(t, err)
	require.NoError(t, cur.Execute(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER)"))
	require.NoError(t, cur.ExecuteMany(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", [][]any{{"a", 1}, {"b", 2}, {"c", 3}}))
	assert.Equal(t, int64(3), cur.RowCount())
	require.NoError(t, conn.Commit(ctx))

	require.NoError(t, cur.Execute(ctx, "SELECT k, v FROM kv ORDER BY k"))
	batch, err := cur.FetchMany(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0][0])
	assert.EqualValues(t, 1, batch[0][1])
	batch, err = cur.FetchMany(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, batch, 1)

	require.NoError(t, conn.Ping(ctx))
	require.NoError(t, conn.Rollback(ctx))
}

func TestTerminate(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, "sqlite", ":memory:", Options{})
	require.NoError(t, err)
	require.NoError(t, conn.Terminate(ctx))
	assert.True(t, conn.IsClosed())
	assert.NoError(t, conn.Close(ctx))
	assert.True(t, dbapi.IsConnectionClosed(conn.Ping(ctx)))
}
