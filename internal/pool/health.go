package pool

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Ping checks out a connection of its own, pings it through the dialect and
// returns it. A disconnected connection is invalidated together with every
// connection the pool opened before it, so the next checkouts reconnect.
func (p *Pool) Ping(ctx context.Context) error {
	fairy, err := p.UniqueConnection(ctx)
	if err != nil {
		return fmt.Errorf("pool %s: ping checkout: %w", p.name, err)
	}
	alive, err := p.dialect.DoPing(ctx, fairy.Connection())
	switch {
	case err != nil:
		_ = fairy.Close(ctx)
		return fmt.Errorf("pool %s: ping: %w", p.name, err)
	case !alive:
		disc := &DisconnectionError{InvalidatePool: true}
		p.logger.Warn("Ping found a disconnected connection; invalidating pool", connField(fairy.Connection()))
		p.Invalidate(ctx, fairy, disc, true)
		return fmt.Errorf("pool %s: %w", p.name, disc)
	}
	p.logDebug("Ping ok", connField(fairy.Connection()))
	if err := fairy.Close(ctx); err != nil {
		p.logger.Warn("Returning pinged connection failed", zap.Error(err))
	}
	return nil
}
