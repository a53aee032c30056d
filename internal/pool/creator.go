package pool

import (
	"context"
	"fmt"

	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

// Connector produces new raw connections.
type Connector interface {
	Connect(ctx context.Context) (dbapi.Connection, error)
}

type creatorFunc func(ctx context.Context, rec *ConnectionRecord) (dbapi.Connection, error)

// adaptCreator normalizes the accepted creator shapes once, at construction.
// Supported: a Connector, or a func returning (dbapi.Connection, error) that
// takes any of (), (*ConnectionRecord), (context.Context) or
// (context.Context, *ConnectionRecord).
func adaptCreator(creator any) (creatorFunc, error) {
	switch c := creator.(type) {
	case nil:
		return nil, fmt.Errorf("pool: creator is required")
	case func(context.Context, *ConnectionRecord) (dbapi.Connection, error):
		return c, nil
	case func(context.Context) (dbapi.Connection, error):
		return func(ctx context.Context, _ *ConnectionRecord) (dbapi.Connection, error) {
			return c(ctx)
		}, nil
	case func(*ConnectionRecord) (dbapi.Connection, error):
		return func(_ context.Context, rec *ConnectionRecord) (dbapi.Connection, error) {
			return c(rec)
		}, nil
	case func() (dbapi.Connection, error):
		return func(context.Context, *ConnectionRecord) (dbapi.Connection, error) {
			return c()
		}, nil
	case Connector:
		return func(ctx context.Context, _ *ConnectionRecord) (dbapi.Connection, error) {
			return c.Connect(ctx)
		}, nil
	default:
		return nil, fmt.Errorf("pool: unsupported creator type %T", creator)
	}
}
