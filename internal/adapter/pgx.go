package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/joao-brasil/sqlpool/internal/bridge"
	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

// PgxDriver serves PostgreSQL through github.com/jackc/pgx/v5.
type PgxDriver struct{}

func (PgxDriver) Name() string { return "pgx" }

func (PgxDriver) Connect(dsn string) bridge.Awaitable[AsyncConn] {
	return bridge.Func[AsyncConn](func(ctx context.Context) (AsyncConn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return &pgxConn{conn: conn}, nil
	})
}

// Translate classifies pgx errors by SQLSTATE class.
func (PgxDriver) Translate(err error) error {
	if err == nil {
		return nil
	}
	var de *dbapi.Error
	if errors.As(err, &de) {
		return err
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return dbapi.Wrap(sqlStateKind(pe.Code), err)
	}
	var ce *pgconn.ConnectError
	if errors.As(err, &ce) || pgconn.Timeout(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return dbapi.Wrap(dbapi.KindOperational, err)
	}
	return dbapi.Wrap(dbapi.KindInterface, err)
}

func sqlStateKind(code string) dbapi.Kind {
	if len(code) < 2 {
		return dbapi.KindDatabase
	}
	switch code[:2] {
	case "23":
		return dbapi.KindIntegrity
	case "42", "28", "2F", "3F":
		return dbapi.KindProgramming
	case "22":
		return dbapi.KindData
	case "08", "53", "54", "55", "57", "58", "40", "HV":
		return dbapi.KindOperational
	case "0A":
		return dbapi.KindNotSupported
	case "XX":
		return dbapi.KindInternal
	default:
		return dbapi.KindDatabase
	}
}

// rewritePlaceholders turns `?` markers outside quotes into $1, $2, ...
func rewritePlaceholders(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var (
		b     strings.Builder
		n     int
		quote rune
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type pgxConn struct {
	conn *pgx.Conn
	seq  atomic.Int64
}

// preparer is the part of *pgx.Conn that describes statements.
type preparer interface {
	Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error)
}

var _ preparer = (*pgx.Conn)(nil)

// describe prepares sql as the unnamed statement, which the server replaces
// on the next parse, so nothing accumulates on long-lived connections.
// Queries then run through pgx's bounded statement cache.
func describe(ctx context.Context, p preparer, sql string) (*pgconn.StatementDescription, error) {
	return p.Prepare(ctx, "", sql)
}

func (c *pgxConn) Prepare(query string) bridge.Awaitable[AsyncStatement] {
	sql := rewritePlaceholders(query)
	return bridge.Func[AsyncStatement](func(ctx context.Context) (AsyncStatement, error) {
		sd, err := describe(ctx, c.conn, sql)
		if err != nil {
			return nil, err
		}
		return &pgxStatement{c: c, sd: sd}, nil
	})
}

func (c *pgxConn) Begin(opts TxOptions) bridge.Awaitable[AsyncTx] {
	txo := pgx.TxOptions{IsoLevel: pgx.TxIsoLevel(strings.ReplaceAll(strings.ToLower(opts.IsolationLevel), "_", " "))}
	if opts.ReadOnly {
		txo.AccessMode = pgx.ReadOnly
	}
	if opts.Deferrable {
		txo.DeferrableMode = pgx.Deferrable
	}
	return bridge.Func[AsyncTx](func(ctx context.Context) (AsyncTx, error) {
		tx, err := c.conn.BeginTx(ctx, txo)
		if err != nil {
			return nil, err
		}
		return pgxTx{tx: tx}, nil
	})
}

func (c *pgxConn) ExecuteMany(query string, argSets [][]any) bridge.Awaitable[int64] {
	sql := rewritePlaceholders(query)
	return bridge.Func[int64](func(ctx context.Context) (int64, error) {
		batch := &pgx.Batch{}
		for _, args := range argSets {
			batch.Queue(sql, args...)
		}
		br := c.conn.SendBatch(ctx, batch)
		var total int64
		for range argSets {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return total, err
			}
			total += tag.RowsAffected()
		}
		return total, br.Close()
	})
}

func (c *pgxConn) Close() bridge.Awaitable[Unit] {
	return bridge.Func[Unit](func(ctx context.Context) (Unit, error) {
		return Unit{}, c.conn.Close(ctx)
	})
}

func (c *pgxConn) IsClosed() bool { return c.conn.IsClosed() }

// Abort closes the socket under the connection.
func (c *pgxConn) Abort() error {
	if nc := c.conn.PgConn().Conn(); nc != nil {
		err := nc.Close()
		if err != nil && !c.conn.IsClosed() {
			return err
		}
	}
	return nil
}

type pgxStatement struct {
	c  *pgxConn
	sd *pgconn.StatementDescription
}

func (s *pgxStatement) Columns() []dbapi.Column {
	cols := make([]dbapi.Column, len(s.sd.Fields))
	for i, f := range s.sd.Fields {
		cols[i] = dbapi.Column{
			Name:         f.Name,
			TypeCode:     strconv.FormatUint(uint64(f.DataTypeOID), 10),
			InternalSize: int64(f.DataTypeSize),
			Nullable:     true,
		}
	}
	return cols
}

func (s *pgxStatement) Fetch(args []any) bridge.Awaitable[Result] {
	return bridge.Func[Result](func(ctx context.Context) (Result, error) {
		rows, err := s.c.conn.Query(ctx, s.sd.SQL, args...)
		if err != nil {
			return Result{}, err
		}
		defer rows.Close()
		var out [][]any
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return Result{}, err
			}
			out = append(out, vals)
		}
		if err := rows.Err(); err != nil {
			return Result{}, err
		}
		rows.Close()
		tag := rows.CommandTag()
		affected := int64(-1)
		if tag.Insert() || tag.Update() || tag.Delete() {
			affected = tag.RowsAffected()
		}
		return Result{Rows: out, RowsAffected: affected}, nil
	})
}

// Cursor declares a portal with DECLARE ... CURSOR and reads it with FETCH.
func (s *pgxStatement) Cursor(args []any) bridge.Awaitable[AsyncCursor] {
	return bridge.Func[AsyncCursor](func(ctx context.Context) (AsyncCursor, error) {
		name := fmt.Sprintf("sqlpool_cursor_%d", s.c.seq.Add(1))
		decl := fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR %s", name, s.sd.SQL)
		if _, err := s.c.conn.Exec(ctx, decl, args...); err != nil {
			return nil, err
		}
		return &pgxCursor{c: s.c, name: name}, nil
	})
}

type pgxCursor struct {
	c    *pgxConn
	name string
}

func (cur *pgxCursor) Fetch(n int) bridge.Awaitable[[][]any] {
	return bridge.Func[[][]any](func(ctx context.Context) ([][]any, error) {
		rows, err := cur.c.conn.Query(ctx, fmt.Sprintf("FETCH FORWARD %d FROM %s", n, cur.name))
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out [][]any
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return nil, err
			}
			out = append(out, vals)
		}
		return out, rows.Err()
	})
}

func (cur *pgxCursor) Close() bridge.Awaitable[Unit] {
	return bridge.Func[Unit](func(ctx context.Context) (Unit, error) {
		_, err := cur.c.conn.Exec(ctx, "CLOSE "+cur.name)
		return Unit{}, err
	})
}

type pgxTx struct {
	tx pgx.Tx
}

func (t pgxTx) Commit() bridge.Awaitable[Unit] {
	return bridge.Func[Unit](func(ctx context.Context) (Unit, error) {
		return Unit{}, t.tx.Commit(ctx)
	})
}

func (t pgxTx) Rollback() bridge.Awaitable[Unit] {
	return bridge.Func[Unit](func(ctx context.Context) (Unit, error) {
		return Unit{}, t.tx.Rollback(ctx)
	})
}
