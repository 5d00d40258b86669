package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/denorm/internal/config"
	"github.com/roach88/denorm/internal/detect"
	"github.com/roach88/denorm/internal/dispatch"
	"github.com/roach88/denorm/internal/graph"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/parallel"
	"github.com/roach88/denorm/internal/scheduler"
	"github.com/roach88/denorm/internal/store"
	"github.com/roach88/denorm/internal/strategy"
	"github.com/roach88/denorm/internal/throttle"
	"github.com/roach88/denorm/internal/worker"
)

// PostDenormFunc runs after a target's denormalized fields are computed and
// before it is written. An error aborts the save.
type PostDenormFunc func(ctx context.Context, rec *ir.Record) error

// Engine wires the dependency graph to a store and runs both the
// synchronous save path and the asynchronous propagation path.
//
// Thread-safety: Engine is safe for concurrent use once constructed.
type Engine struct {
	store  *store.Store
	graph  *graph.Graph
	cfg    config.Config
	clock  ir.Clock
	ids    ir.IDGenerator
	logger *slog.Logger

	postDenorm PostDenormFunc
	maxDepth   int

	detector   *detect.Detector
	gate       *throttle.Gate
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	pool       *worker.Pool
	jobs       *parallel.Engine
	cursor     *strategy.Cursor
	sharded    *strategy.Sharded
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets runtime settings. Defaults to config.Default().
func WithConfig(cfg config.Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithClock sets the clock. It must be the clock the store was opened
// with, or requests age inconsistently.
func WithClock(c ir.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the generator for record and job IDs.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithPostDenorm installs the post-denorm hook.
func WithPostDenorm(fn PostDenormFunc) Option {
	return func(e *Engine) {
		e.postDenorm = fn
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMaxDepth sets the maximum number of propagation hops.
//
// Default: 16 (DefaultMaxDepth)
func WithMaxDepth(n int) Option {
	return func(e *Engine) {
		e.maxDepth = n
	}
}

// New creates an engine over st and g.
func New(st *store.Store, g *graph.Graph, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		graph:    g,
		cfg:      config.Default(),
		clock:    ir.SystemClock{},
		ids:      ir.UUIDv7Generator{},
		logger:   slog.Default(),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(e)
	}

	cfg := e.cfg
	lease := time.Duration(cfg.LeaseDuration)

	e.detector = detect.New(g, st, detect.WithLogger(e.logger))
	e.gate = throttle.New(g, st, e.clock, e.logger)
	e.dispatcher = dispatch.New(st.Queue(cfg.Queue),
		dispatch.WithDelay(cfg.EnqueueDelayDuration()),
		dispatch.WithLease(lease),
		dispatch.WithDefaultShards(cfg.DefaultShards),
		dispatch.WithClock(e.clock),
		dispatch.WithLogger(e.logger))
	e.pool = worker.New(st.Queue(cfg.TaskQueue),
		worker.WithBackoff(time.Duration(cfg.Backoff)),
		worker.WithMaxAttempts(cfg.MaxLeaseAttempts),
		worker.WithLogger(e.logger))
	e.jobs = parallel.New(e,
		parallel.WithIDGenerator(e.ids),
		parallel.WithClock(e.clock),
		parallel.WithPageSize(cfg.PageSize),
		parallel.WithLogger(e.logger))
	e.cursor = strategy.NewCursor(e, e, e.pool,
		strategy.WithPageSize(cfg.PageSize),
		strategy.WithLogger(e.logger))
	e.sharded = strategy.NewSharded(e.jobs, e,
		strategy.WithBatchSize(cfg.ShardBatchSize),
		strategy.WithLogger(e.logger))
	e.scheduler = scheduler.New(st.Queue(cfg.Queue), e.pool,
		scheduler.WithSettings(scheduler.Settings{
			Lease:       lease,
			LeaseBatch:  cfg.LeaseBatch,
			MinAge:      cfg.MinAgeDuration(),
			Backoff:     time.Duration(cfg.Backoff),
			MaxAttempts: cfg.MaxLeaseAttempts,
		}),
		scheduler.WithClock(e.clock),
		scheduler.WithLogger(e.logger),
		scheduler.WithStarter(ir.Cursor, e.cursor),
		scheduler.WithStarter(ir.Sharded, e.sharded))

	e.pool.Register(strategy.CursorHandler, e.cursor.Handle)
	e.pool.Register(scheduler.Handler, e.scheduler.Handle)
	return e
}

// Graph returns the dependency graph.
func (e *Engine) Graph() *graph.Graph {
	return e.graph
}

// Store returns the underlying store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Config returns the runtime settings in effect.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Load reads a record and snapshots it for change detection.
func (e *Engine) Load(ctx context.Context, typ, id string) (*ir.Record, error) {
	rec, err := e.store.Load(ctx, typ, id)
	if err != nil {
		return nil, err
	}
	e.detector.Observe(rec)
	return rec, nil
}

// Query reads one page of records and snapshots each of them.
func (e *Engine) Query(ctx context.Context, typ string, f store.Filter, cursor string, limit int) (store.Page, error) {
	page, err := e.store.Query(ctx, typ, f, cursor, limit)
	if err != nil {
		return store.Page{}, err
	}
	for _, rec := range page.Records {
		e.detector.Observe(rec)
	}
	return page, nil
}

// Create saves a new record built from fields, assigning an ID.
func (e *Engine) Create(ctx context.Context, typ string, fields ir.Object, opts ...SaveOption) (*ir.Record, error) {
	rec := ir.NewRecord(typ, "", fields)
	if err := e.Save(ctx, rec, opts...); err != nil {
		return nil, fmt.Errorf("create %s: %w", typ, err)
	}
	return rec, nil
}
