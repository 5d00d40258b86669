package parallel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/store"
)

// Default settings.
const (
	DefaultBatchSize = 50
	DefaultPageSize  = 100
	DefaultAttempts  = 3
	DefaultHistory   = 100
)

// ErrUnknownJob is returned by Wait for an ID StartJob never issued, or
// for a finished job already dropped from the history.
var ErrUnknownJob = errors.New("unknown job")

// Source pages through stored records. *store.Store satisfies it.
type Source interface {
	Query(ctx context.Context, typ string, f store.Filter, cursor string, limit int) (store.Page, error)
}

// BatchHandler processes one batch of records of one shard.
type BatchHandler func(ctx context.Context, shard int, recs []*ir.Record) error

// JobSpec describes a job.
type JobSpec struct {
	Name      string // shown in logs
	Type      string // record type to scan
	Filter    store.Filter
	Shards    int // at least 1
	BatchSize int // zero means DefaultBatchSize
	Handler   BatchHandler
}

// Result reports a finished job.
type Result struct {
	JobID         string
	Name          string
	Shards        int
	Records       int // records handed to the handler
	Batches       int // handler calls, retries excluded
	FailedBatches int // batches that failed every attempt
	Started       time.Time
	Finished      time.Time
	Err           error // scan failure, nil otherwise
}

type job struct {
	spec   JobSpec
	done   chan struct{}
	result Result
}

// Engine starts and tracks jobs.
type Engine struct {
	source   Source
	ids      ir.IDGenerator
	clock    ir.Clock
	logger   *slog.Logger
	pageSize int
	attempts int
	history  int

	mu       sync.Mutex
	jobs     map[string]*job
	finished []string // oldest first
	wg       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDGenerator sets the job ID generator. Defaults to UUIDv7.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithClock sets the clock stamping job start and finish.
func WithClock(c ir.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithPageSize sets how many records one scan query fetches.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		e.pageSize = n
	}
}

// WithAttempts bounds how often a failing batch is tried.
func WithAttempts(n int) Option {
	return func(e *Engine) {
		e.attempts = n
	}
}

// WithHistory bounds how many finished jobs stay available to Wait.
func WithHistory(n int) Option {
	return func(e *Engine) {
		e.history = max(n, 0)
	}
}

// New creates an engine scanning source.
func New(source Source, opts ...Option) *Engine {
	e := &Engine{
		source:   source,
		ids:      ir.UUIDv7Generator{},
		clock:    ir.SystemClock{},
		logger:   slog.Default(),
		pageSize: DefaultPageSize,
		attempts: DefaultAttempts,
		history:  DefaultHistory,
		jobs:     make(map[string]*job),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartJob validates spec, starts the job in the background and returns
// its ID. The job outlives ctx's cancellation but keeps its values.
func (e *Engine) StartJob(ctx context.Context, spec JobSpec) (string, error) {
	if spec.Type == "" {
		return "", fmt.Errorf("start job %q: record type is required", spec.Name)
	}
	if spec.Handler == nil {
		return "", fmt.Errorf("start job %q: handler is required", spec.Name)
	}
	if spec.Shards < 1 {
		return "", fmt.Errorf("start job %q: shard count %d < 1", spec.Name, spec.Shards)
	}
	if spec.BatchSize <= 0 {
		spec.BatchSize = DefaultBatchSize
	}

	id := e.ids.Generate()
	j := &job{
		spec: spec,
		done: make(chan struct{}),
		result: Result{
			JobID:   id,
			Name:    spec.Name,
			Shards:  spec.Shards,
			Started: e.clock.Now(),
		},
	}

	e.mu.Lock()
	e.jobs[id] = j
	e.mu.Unlock()

	e.logger.Info("sharded job started",
		"job", id,
		"name", spec.Name,
		"type", spec.Type,
		"shards", spec.Shards)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.retire(id)
		defer close(j.done)
		e.run(context.WithoutCancel(ctx), j)
	}()
	return id, nil
}

// Wait blocks until the job finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (Result, error) {
	e.mu.Lock()
	j, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("wait %s: %w", id, ErrUnknownJob)
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-j.done:
		return j.result, nil
	}
}

// retire records id as finished and forgets the oldest finished jobs past
// the history bound.
func (e *Engine) retire(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, id)
	for len(e.finished) > e.history {
		delete(e.jobs, e.finished[0])
		e.finished = e.finished[1:]
	}
}

// Drain blocks until every started job has finished.
func (e *Engine) Drain() {
	e.wg.Wait()
}

// Running returns the number of unfinished jobs.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, j := range e.jobs {
		select {
		case <-j.done:
		default:
			n++
		}
	}
	return n
}

func (e *Engine) run(ctx context.Context, j *job) {
	start := time.Now()
	spec := j.spec

	var records, batches, failed atomic.Int64
	shards := make([]chan *ir.Record, spec.Shards)
	for i := range shards {
		shards[i] = make(chan *ir.Record, spec.BatchSize)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(spec.Shards + 1)

	g.Go(func() error {
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
		}()
		return e.scan(gctx, spec, shards)
	})

	for i, ch := range shards {
		g.Go(func() error {
			batch := make([]*ir.Record, 0, spec.BatchSize)
			flush := func() {
				if len(batch) == 0 {
					return
				}
				batches.Add(1)
				if err := e.handle(gctx, spec, i, batch); err != nil {
					failed.Add(1)
					e.logger.Error("sharded batch failed",
						"job", j.result.JobID,
						"shard", i,
						"records", len(batch),
						"error", err)
				} else {
					records.Add(int64(len(batch)))
				}
				batch = make([]*ir.Record, 0, spec.BatchSize)
			}

			for rec := range ch {
				batch = append(batch, rec)
				if len(batch) >= spec.BatchSize {
					flush()
				}
			}
			flush()
			return nil
		})
	}

	err := g.Wait()

	j.result.Records = int(records.Load())
	j.result.Batches = int(batches.Load())
	j.result.FailedBatches = int(failed.Load())
	j.result.Finished = e.clock.Now()
	j.result.Err = err

	if err != nil {
		e.logger.Error("sharded job failed",
			"job", j.result.JobID,
			"name", spec.Name,
			"records", j.result.Records,
			"walltime", time.Since(start),
			"error", err)
		return
	}
	e.logger.Info("sharded job done",
		"job", j.result.JobID,
		"name", spec.Name,
		"mapper_calls", j.result.Records,
		"batches", j.result.Batches,
		"failed_batches", j.result.FailedBatches,
		"walltime", time.Since(start))
}

// scan pages through the matching records and routes each to its shard.
func (e *Engine) scan(ctx context.Context, spec JobSpec, shards []chan *ir.Record) error {
	cursor := ""
	for {
		page, err := e.source.Query(ctx, spec.Type, spec.Filter, cursor, e.pageSize)
		if err != nil {
			return fmt.Errorf("scan %s: %w", spec.Type, err)
		}
		for _, rec := range page.Records {
			select {
			case shards[ShardOf(rec.ID, len(shards))] <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if page.Next == "" {
			return nil
		}
		cursor = page.Next
	}
}

func (e *Engine) handle(ctx context.Context, spec JobSpec, shard int, batch []*ir.Record) error {
	var err error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if err = spec.Handler(ctx, shard, batch); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// ShardOf returns the shard of a record ID among n shards.
func ShardOf(id string, n int) int {
	return int(xxhash.Sum64String(id) % uint64(n))
}
