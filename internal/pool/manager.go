package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/adapter"
	"github.com/joao-brasil/sqlpool/internal/dialect"
	"github.com/joao-brasil/sqlpool/internal/sqldbapi"
	"github.com/joao-brasil/sqlpool/pkg/bucket"
	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

// CreateFunc opens one raw connection.
type CreateFunc = func(ctx context.Context) (dbapi.Connection, error)

// BucketConfig is a database target together with the options of its pool.
type BucketConfig struct {
	bucket.Bucket `yaml:",inline"`
	Pool          Options `yaml:"pool"`
}

// Guard limits connection creation beyond this process. Wrap decorates the
// creator of a bucket; Attach is called once with the pool built on it so
// the guard can follow connections being closed.
type Guard interface {
	Wrap(bucketID string, create CreateFunc) CreateFunc
	Attach(bucketID string, p *Pool)
}

// Manager owns one pool per configured bucket.
type Manager struct {
	mu      sync.RWMutex
	pools   map[string]*Pool
	buckets map[string]BucketConfig
	logger  *zap.Logger
	guard   Guard
}

// NewManager builds a pool for every bucket and warms each with MinIdle
// connections. guard may be nil.
func NewManager(ctx context.Context, buckets []BucketConfig, logger *zap.Logger, guard Guard) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		pools:   make(map[string]*Pool, len(buckets)),
		buckets: make(map[string]BucketConfig, len(buckets)),
		logger:  logger.Named("manager"),
		guard:   guard,
	}

	for _, b := range buckets {
		if _, dup := m.pools[b.ID]; dup {
			m.Close(ctx)
			return nil, fmt.Errorf("duplicate bucket id %q", b.ID)
		}
		p, err := m.build(b)
		if err != nil {
			m.Close(ctx)
			return nil, fmt.Errorf("initializing pool for bucket %s: %w", b.ID, err)
		}
		m.pools[b.ID] = p
		m.buckets[b.ID] = b
		m.warm(ctx, p, b.MinIdle)
	}

	m.logger.Info("Manager initialized", zap.Int("buckets", len(m.pools)))
	return m, nil
}

func (m *Manager) build(b BucketConfig) (*Pool, error) {
	opts := b.Pool
	if opts.Strategy == "" {
		opts = DefaultOptions()
	}
	if opts.LoggingName == "" {
		opts.LoggingName = b.ID
	}
	if opts.Logger == nil {
		opts.Logger = m.logger
	}
	if opts.Dialect == nil {
		d, err := dialect.ForDriver(b.DriverName())
		if err != nil {
			return nil, err
		}
		opts.Dialect = d
	}

	create, err := CreatorFor(b.Bucket, opts.Strategy)
	if err != nil {
		return nil, err
	}
	if m.guard != nil {
		create = m.guard.Wrap(b.ID, create)
	}
	p, err := New(opts.Strategy, create, opts)
	if err != nil {
		return nil, err
	}
	if m.guard != nil {
		m.guard.Attach(b.ID, p)
	}
	return p, nil
}

// CreatorFor returns the creator for a bucket: the pgx async driver behind
// the adapter for async buckets, database/sql otherwise. Async buckets used
// by an await-only pool must be driven from inside bridge.Run.
func CreatorFor(b bucket.Bucket, strategy Strategy) (CreateFunc, error) {
	dsn, err := b.DSN()
	if err != nil {
		return nil, err
	}
	if b.Async() {
		return adapter.Creator(adapter.PgxDriver{}, dsn, adapter.Options{
			Fallback: strategy != StrategyAsyncQueue,
		}), nil
	}
	return sqldbapi.Creator(b.DriverName(), dsn, sqldbapi.Options{}), nil
}

// warm opens up to n connections and returns them to the pool. Failures are
// logged; the pool connects lazily later.
func (m *Manager) warm(ctx context.Context, p *Pool, n int) {
	if n <= 0 {
		return
	}
	fairies := make([]*ConnectionFairy, 0, n)
	for range n {
		f, err := p.UniqueConnection(ctx)
		if err != nil {
			m.logger.Warn("Warm-up connection failed", zap.String("pool", p.Name()), zap.Error(err))
			break
		}
		fairies = append(fairies, f)
	}
	for _, f := range fairies {
		_ = f.Close(ctx)
	}
	m.logger.Debug("Pool warmed", zap.String("pool", p.Name()), zap.Int("connections", len(fairies)))
}

// Pool returns the pool of a bucket.
func (m *Manager) Pool(bucketID string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[bucketID]
	return p, ok
}

// Buckets returns the configured bucket IDs in order.
func (m *Manager) Buckets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connect checks out a connection from the bucket's pool.
func (m *Manager) Connect(ctx context.Context, bucketID string) (*ConnectionFairy, error) {
	p, ok := m.Pool(bucketID)
	if !ok {
		return nil, fmt.Errorf("unknown bucket: %s", bucketID)
	}
	return p.Connect(ctx)
}

// Ping pings the bucket's pool.
func (m *Manager) Ping(ctx context.Context, bucketID string) error {
	p, ok := m.Pool(bucketID)
	if !ok {
		return fmt.Errorf("unknown bucket: %s", bucketID)
	}
	return p.Ping(ctx)
}

// Recreate swaps the bucket's pool for a fresh one with the same settings
// and disposes the old one. Connections still checked out from the old pool
// are returned to it and closed with it.
func (m *Manager) Recreate(ctx context.Context, bucketID string) (*Pool, error) {
	m.mu.Lock()
	old, ok := m.pools[bucketID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unknown bucket: %s", bucketID)
	}
	np, err := old.Recreate()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.guard != nil {
		m.guard.Attach(bucketID, np)
	}
	m.pools[bucketID] = np
	m.mu.Unlock()

	old.Dispose(ctx)
	m.logger.Info("Pool recreated", zap.String("bucket", bucketID))
	return np, nil
}

// Stats returns the counters of every pool, ordered by bucket ID.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Dispose closes the idle connections of every pool.
func (m *Manager) Dispose(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.pools {
		p.Dispose(ctx)
	}
}

// Close disposes every pool and forgets them. Checked-out connections are
// closed when their holders close them.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	var errs []error
	for id, p := range pools {
		if n := p.Outstanding(); n > 0 {
			errs = append(errs, fmt.Errorf("pool %s: %d connections still checked out", id, n))
		}
		p.Dispose(ctx)
	}
	m.logger.Info("Manager closed")
	return errors.Join(errs...)
}
