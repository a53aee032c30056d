package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/metrics"
	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

// strategy is the storage policy behind a Pool: where idle records live and
// how a caller waits for one.
type strategy interface {
	doGet(ctx context.Context) (*ConnectionRecord, error)
	doReturnConn(ctx context.Context, rec *ConnectionRecord)
	dispose(ctx context.Context)
	stats() Stats
	status() string
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name       string
	Strategy   Strategy
	Size       int
	CheckedIn  int
	Overflow   int
	CheckedOut int
}

// Pool hands out pooled connections. The checkout, checkin, reset and
// invalidation rules are the same for every strategy; the strategy only
// decides how records are stored.
type Pool struct {
	name       string
	kind       Strategy
	opts       Options
	rawCreator any
	creator    creatorFunc
	dialect    Dialect
	events     *Events
	logger     *zap.Logger
	echo       EchoMode
	now        func() time.Time
	tracer     trace.Tracer

	strategy    strategy
	threadLocal bool
	threadConns *fairyMap
	refs        *registry

	invalidateMu   sync.Mutex
	invalidateTime time.Time
}

// New builds a pool of the given strategy. creator is anything adaptCreator
// accepts.
func New(kind Strategy, creator any, opts Options) (*Pool, error) {
	fn, err := adaptCreator(creator)
	if err != nil {
		return nil, err
	}
	if opts.CheckoutRetries == 0 {
		opts.CheckoutRetries = defaultCheckoutRetries
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("pool options: %w", err)
	}
	opts.Strategy = kind

	p := &Pool{
		kind:        kind,
		opts:        opts,
		rawCreator:  creator,
		creator:     fn,
		dialect:     opts.Dialect,
		events:      newEvents(),
		echo:        opts.Echo,
		now:         opts.Clock,
		tracer:      otel.Tracer("sqlpool/pool"),
		threadLocal: opts.UseThreadLocal,
		threadConns: newFairyMap(),
		refs:        newRegistry(),
	}
	if p.dialect == nil {
		p.dialect = connDialect{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.name = opts.LoggingName
	if p.name == "" {
		p.name = fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p.logger = logger.Named("pool").With(zap.String("pool", p.name))

	switch kind {
	case StrategyQueue:
		p.strategy = newQueueStrategy(p, waitBlocking)
	case StrategyAsyncQueue:
		p.strategy = newQueueStrategy(p, waitAwaitOnly)
	case StrategyAsyncQueueFallback:
		p.strategy = newQueueStrategy(p, waitAwaitFallback)
	case StrategySingletonThread:
		p.strategy = newSingletonStrategy(p)
		p.threadLocal = true
	case StrategyNull:
		p.strategy = &nullStrategy{pool: p}
	case StrategyStatic:
		p.strategy = newStaticStrategy(p)
	case StrategyAssertion:
		p.strategy = &assertionStrategy{pool: p}
	default:
		return nil, fmt.Errorf("unknown pool strategy %q", kind)
	}

	metrics.PoolSize.WithLabelValues(p.name).Set(float64(opts.PoolSize))
	return p, nil
}

func NewQueuePool(creator any, opts Options) (*Pool, error) {
	return New(StrategyQueue, creator, opts)
}

// NewAsyncAdaptedQueuePool waits for a free slot through the await bridge,
// so it must be used from inside bridge.Run when the pool is exhausted.
func NewAsyncAdaptedQueuePool(creator any, opts Options) (*Pool, error) {
	return New(StrategyAsyncQueue, creator, opts)
}

// NewFallbackAsyncAdaptedQueuePool waits through the bridge when there is
// one and blocks the caller otherwise.
func NewFallbackAsyncAdaptedQueuePool(creator any, opts Options) (*Pool, error) {
	return New(StrategyAsyncQueueFallback, creator, opts)
}

// NewSingletonThreadPool keeps one connection per affinity key, at most
// PoolSize of them. The key comes from WithAffinity; unkeyed callers share
// one connection, so concurrent goroutines need distinct keys.
func NewSingletonThreadPool(creator any, opts Options) (*Pool, error) {
	return New(StrategySingletonThread, creator, opts)
}

func NewNullPool(creator any, opts Options) (*Pool, error) {
	return New(StrategyNull, creator, opts)
}

func NewStaticPool(creator any, opts Options) (*Pool, error) {
	return New(StrategyStatic, creator, opts)
}

func NewAssertionPool(creator any, opts Options) (*Pool, error) {
	return New(StrategyAssertion, creator, opts)
}

// Name is the pool's logging name.
func (p *Pool) Name() string { return p.name }

// Strategy reports which implementation backs the pool.
func (p *Pool) Strategy() Strategy { return p.kind }

// Events returns the listener registry.
func (p *Pool) Events() *Events { return p.events }

// Dialect returns the dialect in use.
func (p *Pool) Dialect() Dialect { return p.dialect }

// Options returns the options the pool was built with.
func (p *Pool) Options() Options { return p.opts }

// Connect checks out a connection. With use_threadlocal, a caller whose
// affinity key already holds a fairy gets that fairy back.
func (p *Pool) Connect(ctx context.Context) (*ConnectionFairy, error) {
	ctx, span := p.tracer.Start(ctx, "pool.connect", trace.WithAttributes(
		attribute.String("db.client.connection.pool.name", p.name),
		attribute.String("db.client.connection.pool.strategy", string(p.kind)),
	))
	defer span.End()

	start := time.Now()
	fairy, err := p.connect(ctx)
	metrics.PoolWaitDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	p.updateMetrics()
	if err != nil {
		if IsTimeout(err) {
			metrics.PoolTimeouts.WithLabelValues(p.name).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return fairy, nil
}

func (p *Pool) connect(ctx context.Context) (*ConnectionFairy, error) {
	if !p.threadLocal {
		return checkoutFairy(ctx, p, nil, nil)
	}
	if f := p.threadConns.get(affinityOf(ctx)); f != nil {
		return f.checkoutExisting(ctx)
	}
	return checkoutFairy(ctx, p, p.threadConns, nil)
}

// UniqueConnection checks out a connection that is never shared with other
// checkouts of the same affinity key.
func (p *Pool) UniqueConnection(ctx context.Context) (*ConnectionFairy, error) {
	fairy, err := checkoutFairy(ctx, p, nil, nil)
	p.updateMetrics()
	return fairy, err
}

// Invalidate marks every connection opened up to now as stale: each is
// reconnected on its next checkout. With checkin set, fairy itself is also
// invalidated and returned.
func (p *Pool) Invalidate(ctx context.Context, fairy *ConnectionFairy, err error, checkin bool) {
	var rec *ConnectionRecord
	if fairy != nil {
		rec = fairy.Record()
	}

	p.invalidateMu.Lock()
	if rec == nil || p.invalidateTime.Before(rec.LastConnectTime()) {
		if now := p.now(); now.After(p.invalidateTime) {
			p.invalidateTime = now
		}
	}
	p.invalidateMu.Unlock()
	metrics.PoolInvalidations.WithLabelValues(p.name, "pool").Inc()

	if checkin && fairy != nil && fairy.IsValid() {
		fairy.Invalidate(ctx, err, false)
	}
}

// InvalidateTime is the latest pool-wide invalidation; it never moves
// backwards.
func (p *Pool) InvalidateTime() time.Time {
	p.invalidateMu.Lock()
	defer p.invalidateMu.Unlock()
	return p.invalidateTime
}

// Recreate returns a new, empty pool with the same creator, options and
// listeners. The receiver is left untouched; callers usually Dispose it.
func (p *Pool) Recreate() (*Pool, error) {
	p.logger.Info("Pool recreating")
	opts := p.opts
	if opts.LoggingName == "" {
		opts.LoggingName = p.name
	}
	np, err := New(p.kind, p.rawCreator, opts)
	if err != nil {
		return nil, err
	}
	np.events = p.events.clone()
	return np, nil
}

// Dispose closes idle connections. Checked-out connections are unaffected
// and are closed or returned when their fairies are.
func (p *Pool) Dispose(ctx context.Context) {
	p.strategy.dispose(ctx)
	p.updateMetrics()
	p.logger.Info("Pool disposed", zap.String("status", p.strategy.status()))
}

// Status is a one-line human readable summary.
func (p *Pool) Status() string { return p.strategy.status() }

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	s := p.strategy.stats()
	s.Name = p.name
	s.Strategy = p.kind
	return s
}

// Outstanding is the number of records currently checked out.
func (p *Pool) Outstanding() int { return p.refs.len() }

// returnConn gives rec back to the strategy and forgets the affinity binding.
func (p *Pool) returnConn(ctx context.Context, rec *ConnectionRecord, affinity any) {
	if p.threadLocal && affinity != nil {
		p.threadConns.release(affinity, rec)
	}
	p.strategy.doReturnConn(ctx, rec)
	p.updateMetrics()
}

func (p *Pool) closeConnection(ctx context.Context, conn dbapi.Connection, terminate bool) {
	p.logDebug("Closing connection", connField(conn), zap.Bool("terminate", terminate))
	var err error
	if td, ok := p.dialect.(TerminatingDialect); ok && terminate {
		err = td.DoTerminate(ctx, conn)
	} else {
		err = p.dialect.DoClose(ctx, conn)
	}
	if err != nil {
		p.logger.Error("Exception closing connection", connField(conn), zap.Error(err))
	}
}

// reset applies the reset-on-return policy to conn.
func (p *Pool) reset(ctx context.Context, conn dbapi.Connection, rec *ConnectionRecord, agent ResetAgent, echo bool) error {
	p.events.fireReset(conn, rec)

	var viaAgent, viaDialect func(context.Context) error
	switch p.opts.ResetOnReturn {
	case ResetRollback:
		if echo {
			p.logDebug("Connection rollback-on-return", connField(conn), zap.Bool("via_agent", agent != nil))
		}
		viaDialect = func(ctx context.Context) error { return p.dialect.DoRollback(ctx, conn) }
		if agent != nil {
			viaAgent = agent.Rollback
		}
	case ResetCommit:
		if echo {
			p.logDebug("Connection commit-on-return", connField(conn), zap.Bool("via_agent", agent != nil))
		}
		viaDialect = func(ctx context.Context) error { return p.dialect.DoCommit(ctx, conn) }
		if agent != nil {
			viaAgent = agent.Commit
		}
	default:
		return nil
	}

	if agent != nil {
		if !agent.IsActive() {
			p.warn("reset_agent_inactive", "Reset agent is not active. This should not occur unless there was already a connectivity error in progress.")
			return viaDialect(ctx)
		}
		return viaAgent(ctx)
	}
	return viaDialect(ctx)
}

func (p *Pool) updateMetrics() {
	s := p.strategy.stats()
	metrics.PoolCheckedOut.WithLabelValues(p.name).Set(float64(s.CheckedOut))
	metrics.PoolIdle.WithLabelValues(p.name).Set(float64(s.CheckedIn))
	metrics.PoolOverflow.WithLabelValues(p.name).Set(float64(s.Overflow))
}

func (p *Pool) logInfo(msg string, fields ...zap.Field) {
	if p.echo >= EchoOn {
		p.logger.Info(msg, fields...)
	}
}

func (p *Pool) logDebug(msg string, fields ...zap.Field) {
	if p.echo >= EchoDebug {
		p.logger.Debug(msg, fields...)
	}
}

func (p *Pool) warn(kind, msg string, fields ...zap.Field) {
	p.logger.Warn(msg, fields...)
	metrics.PoolWarnings.WithLabelValues(p.name, kind).Inc()
}

func connField(conn dbapi.Connection) zap.Field {
	return zap.String("connection", fmt.Sprintf("%T@%p", conn, conn))
}

func recordID(rec *ConnectionRecord) string {
	return fmt.Sprintf("%p", rec)
}
