package adapter

import (
	"context"

	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

const (
	serverSideBatch    = 50
	serverSideAllBatch = 1000
)

// Cursor buffers each result in memory right after Execute, so fetching
// never has to go through the bridge.
type Cursor struct {
	conn      *Connection
	arraySize int

	rows        [][]any
	description []dbapi.Column
	rowCount    int64
	closed      bool
}

func (c *Cursor) checkOpen() error {
	if c.closed {
		return dbapi.Errorf(dbapi.KindInterface, nil, "cursor is closed")
	}
	return c.conn.checkOpen()
}

func (c *Cursor) Execute(ctx context.Context, op string, args ...any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.conn.lock(ctx); err != nil {
		return err
	}
	defer c.conn.unlock()

	c.rows, c.description, c.rowCount = nil, nil, -1
	stmt, err := c.conn.prepare(ctx, op)
	if err != nil {
		return err
	}
	c.description = columnsOrNil(stmt)
	res, err := await(ctx, c.conn.opts.Fallback, stmt.Fetch(args))
	if err != nil {
		return c.conn.translate(err)
	}
	c.rows = res.Rows
	c.rowCount = res.RowsAffected
	return nil
}

func columnsOrNil(stmt AsyncStatement) []dbapi.Column {
	cols := stmt.Columns()
	if len(cols) == 0 {
		return nil
	}
	return cols
}

// ExecuteMany runs op for each argument set in one driver round trip.
func (c *Cursor) ExecuteMany(ctx context.Context, op string, argSets [][]any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.conn.lock(ctx); err != nil {
		return err
	}
	defer c.conn.unlock()

	c.rows, c.description, c.rowCount = nil, nil, -1
	if err := c.conn.begin(ctx); err != nil {
		return err
	}
	n, err := await(ctx, c.conn.opts.Fallback, c.conn.conn.ExecuteMany(op, argSets))
	if err != nil {
		return c.conn.translate(err)
	}
	c.rowCount = n
	return nil
}

func (c *Cursor) FetchOne(context.Context) ([]any, error) {
	if len(c.rows) == 0 {
		return nil, nil
	}
	row := c.rows[0]
	c.rows = c.rows[1:]
	return row, nil
}

func (c *Cursor) FetchMany(_ context.Context, size int) ([][]any, error) {
	if size <= 0 {
		size = c.arraySize
	}
	size = min(size, len(c.rows))
	out := c.rows[:size:size]
	c.rows = c.rows[size:]
	return out, nil
}

func (c *Cursor) FetchAll(context.Context) ([][]any, error) {
	out := c.rows
	c.rows = nil
	return out, nil
}

func (c *Cursor) Description() []dbapi.Column { return c.description }

func (c *Cursor) RowCount() int64 { return c.rowCount }

// SetArraySize changes the FetchMany default.
func (c *Cursor) SetArraySize(n int) {
	if n > 0 {
		c.arraySize = n
	}
}

// SoftClose drops the buffered rows but keeps Description available.
func (c *Cursor) SoftClose() {
	c.rows = nil
	c.closed = true
}

func (c *Cursor) Close(context.Context) error {
	c.rows = nil
	c.closed = true
	return nil
}

// ServerSideCursor reads rows from the driver as they are fetched.
type ServerSideCursor struct {
	Cursor
	cursor AsyncCursor
}

func (c *ServerSideCursor) Execute(ctx context.Context, op string, args ...any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.cursor != nil {
		c.conn.release(c.cursor)
		c.cursor = nil
	}
	if err := c.conn.lock(ctx); err != nil {
		return err
	}
	defer c.conn.unlock()

	c.rows, c.description, c.rowCount = nil, nil, -1
	stmt, err := c.conn.prepare(ctx, op)
	if err != nil {
		return err
	}
	c.description = columnsOrNil(stmt)
	cur, err := await(ctx, c.conn.opts.Fallback, stmt.Cursor(args))
	if err != nil {
		return c.conn.translate(err)
	}
	c.cursor = cur
	return nil
}

func (c *ServerSideCursor) ExecuteMany(context.Context, string, [][]any) error {
	return dbapi.Errorf(dbapi.KindNotSupported, nil, "server side cursor doesn't support executemany")
}

func (c *ServerSideCursor) fetch(ctx context.Context, n int) ([][]any, error) {
	if c.cursor == nil {
		return nil, nil
	}
	if err := c.conn.lock(ctx); err != nil {
		return nil, err
	}
	defer c.conn.unlock()
	rows, err := await(ctx, c.conn.opts.Fallback, c.cursor.Fetch(n))
	if err != nil {
		return nil, c.conn.translate(err)
	}
	return rows, nil
}

func (c *ServerSideCursor) fill(ctx context.Context) error {
	if len(c.rows) > 0 {
		return nil
	}
	rows, err := c.fetch(ctx, serverSideBatch)
	if err != nil {
		return err
	}
	c.rows = rows
	return nil
}

func (c *ServerSideCursor) FetchOne(ctx context.Context) ([]any, error) {
	if err := c.fill(ctx); err != nil {
		return nil, err
	}
	return c.Cursor.FetchOne(ctx)
}

// FetchMany with a non-positive size fetches everything that is left.
func (c *ServerSideCursor) FetchMany(ctx context.Context, size int) ([][]any, error) {
	if size <= 0 {
		return c.FetchAll(ctx)
	}
	if err := c.fill(ctx); err != nil {
		return nil, err
	}
	if missing := size - len(c.rows); missing > 0 {
		more, err := c.fetch(ctx, missing)
		if err != nil {
			return nil, err
		}
		c.rows = append(c.rows, more...)
	}
	return c.Cursor.FetchMany(ctx, size)
}

func (c *ServerSideCursor) FetchAll(ctx context.Context) ([][]any, error) {
	out := c.rows
	c.rows = nil
	for {
		batch, err := c.fetch(ctx, serverSideAllBatch)
		if err != nil {
			return out, err
		}
		if len(batch) == 0 {
			return out, nil
		}
		out = append(out, batch...)
	}
}

// SoftClose keeps Description, drops buffered rows and hands the driver
// cursor back to the connection to be closed later, without awaiting it.
func (c *ServerSideCursor) SoftClose() {
	c.Cursor.SoftClose()
	if c.cursor != nil {
		c.conn.release(c.cursor)
		c.cursor = nil
	}
}

// Close closes the driver cursor now when it can, and defers it otherwise.
func (c *ServerSideCursor) Close(ctx context.Context) error {
	c.rows = nil
	c.closed = true
	cur := c.cursor
	c.cursor = nil
	if cur == nil {
		return nil
	}
	if err := c.conn.lock(ctx); err != nil {
		c.conn.release(cur)
		return nil
	}
	defer c.conn.unlock()
	_, err := await(ctx, c.conn.opts.Fallback, cur.Close())
	if err != nil {
		if isBridgeError(err) {
			c.conn.release(cur)
			return nil
		}
		return c.conn.translate(err)
	}
	return nil
}
