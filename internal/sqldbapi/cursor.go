package sqldbapi

import (
	"context"
	"database/sql"
	"strings"

	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

// Cursor runs statements on its Conn and buffers the whole result set.
type Cursor struct {
	conn      *Conn
	arraySize int

	rows        [][]any
	pos         int
	description []dbapi.Column
	rowCount    int64
	closed      bool
}

// returnsRows guesses whether a statement produces a result set;
// database/sql needs to know up front.
func returnsRows(op string) bool {
	s := strings.ToUpper(strings.TrimLeft(op, " \t\r\n("))
	for _, kw := range []string{"SELECT", "WITH", "VALUES", "SHOW", "PRAGMA", "EXPLAIN", "DESCRIBE", "EXEC"} {
		if strings.HasPrefix(s, kw) {
			return true
		}
	}
	return strings.Contains(s, " RETURNING ") || strings.Contains(s, " OUTPUT ")
}

func (c *Cursor) reset() {
	c.rows, c.pos, c.description, c.rowCount = nil, 0, nil, -1
}

// Execute runs op and, when it returns rows, reads them all into memory.
func (c *Cursor) Execute(ctx context.Context, op string, args ...any) error {
	if c.closed {
		return dbapi.Errorf(dbapi.KindInterface, nil, "cursor is closed")
	}
	c.reset()
	q, err := c.conn.target(ctx)
	if err != nil {
		return err
	}
	if !returnsRows(op) {
		res, err := q.ExecContext(ctx, op, args...)
		if err != nil {
			return normalize(err)
		}
		if n, err := res.RowsAffected(); err == nil {
			c.rowCount = n
		}
		return nil
	}

	rows, err := q.QueryContext(ctx, op, args...)
	if err != nil {
		return normalize(err)
	}
	defer rows.Close()
	if err := c.buffer(rows); err != nil {
		return err
	}
	c.rowCount = int64(len(c.rows))
	return nil
}

func (c *Cursor) buffer(rows *sql.Rows) error {
	types, err := rows.ColumnTypes()
	if err != nil {
		return normalize(err)
	}
	c.description = make([]dbapi.Column, len(types))
	for i, ct := range types {
		col := dbapi.Column{Name: ct.Name(), TypeCode: ct.DatabaseTypeName()}
		if n, ok := ct.Length(); ok {
			col.InternalSize = n
			col.DisplaySize = n
		}
		if p, s, ok := ct.DecimalSize(); ok {
			col.Precision, col.Scale = p, s
		}
		if null, ok := ct.Nullable(); ok {
			col.Nullable = null
		}
		c.description[i] = col
	}

	for rows.Next() {
		row := make([]any, len(types))
		dest := make([]any, len(types))
		for i := range row {
			dest[i] = &row[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return normalize(err)
		}
		c.rows = append(c.rows, row)
	}
	return normalize(rows.Err())
}

// ExecuteMany runs op once per argument set; the row count is the total.
func (c *Cursor) ExecuteMany(ctx context.Context, op string, argSets [][]any) error {
	if c.closed {
		return dbapi.Errorf(dbapi.KindInterface, nil, "cursor is closed")
	}
	c.reset()
	q, err := c.conn.target(ctx)
	if err != nil {
		return err
	}
	var total int64
	for _, args := range argSets {
		res, err := q.ExecContext(ctx, op, args...)
		if err != nil {
			return normalize(err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	c.rowCount = total
	return nil
}

func (c *Cursor) FetchOne(context.Context) ([]any, error) {
	if c.pos >= len(c.rows) {
		return nil, nil
	}
	row := c.rows[c.pos]
	c.pos++
	return row, nil
}

func (c *Cursor) FetchMany(_ context.Context, size int) ([][]any, error) {
	if size <= 0 {
		size = c.arraySize
	}
	end := min(c.pos+size, len(c.rows))
	out := c.rows[c.pos:end]
	c.pos = end
	return out, nil
}

func (c *Cursor) FetchAll(context.Context) ([][]any, error) {
	out := c.rows[c.pos:]
	c.pos = len(c.rows)
	return out, nil
}

func (c *Cursor) Description() []dbapi.Column { return c.description }

// RowCount is -1 until a statement has run.
func (c *Cursor) RowCount() int64 { return c.rowCount }

// SetArraySize changes the FetchMany default.
func (c *Cursor) SetArraySize(n int) {
	if n > 0 {
		c.arraySize = n
	}
}

func (c *Cursor) Close(context.Context) error {
	c.closed = true
	c.rows = nil
	return nil
}
