package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/denorm/internal/detect"
	"github.com/roach88/denorm/internal/graph"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/store"
)

// Handler is the handler name queued requests carry.
const Handler = "denorm.propagate"

// Default settings.
const (
	DefaultDelay    = 60 * time.Second
	DefaultLease    = 60 * time.Second
	DefaultMaxDupes = 100
)

// Queue is the part of the pull queue the dispatcher needs.
// *store.Queue satisfies it.
type Queue interface {
	Add(ctx context.Context, t store.NewTask) (store.Task, error)
	LeaseByTag(ctx context.Context, lease time.Duration, max int, tag string) ([]store.Task, error)
	Delete(ctx context.Context, tasks []store.Task) error
}

// Dispatcher enqueues propagation requests.
type Dispatcher struct {
	queue         Queue
	clock         ir.Clock
	logger        *slog.Logger
	delay         time.Duration
	lease         time.Duration
	maxDupes      int
	defaultShards int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDelay sets how long a new request waits before it can be leased.
func WithDelay(d time.Duration) Option {
	return func(x *Dispatcher) {
		x.delay = d
	}
}

// WithLease sets the lease taken on requests being replaced.
func WithLease(d time.Duration) Option {
	return func(x *Dispatcher) {
		x.lease = d
	}
}

// WithDefaultShards sets the shard count used when a sharded relation has
// no shard-count function.
func WithDefaultShards(n int) Option {
	return func(x *Dispatcher) {
		x.defaultShards = n
	}
}

// WithClock sets the clock stamping request creation times.
func WithClock(c ir.Clock) Option {
	return func(x *Dispatcher) {
		x.clock = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(x *Dispatcher) {
		x.logger = l
	}
}

// New creates a dispatcher writing to queue.
func New(queue Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:         queue,
		clock:         ir.SystemClock{},
		logger:        slog.Default(),
		delay:         DefaultDelay,
		lease:         DefaultLease,
		maxDupes:      DefaultMaxDupes,
		defaultShards: graph.DefaultShards,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch enqueues one request per affected target of a save of src and
// returns the requests enqueued. depth is the number of propagation hops
// that led to the save, zero for a direct save.
//
// Replacing older requests never fails the dispatch; enqueue failures are
// joined and returned after every target has been attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, src *ir.Record, affected []detect.Affected, depth int) ([]ir.PropagationRequest, error) {
	var (
		out  []ir.PropagationRequest
		errs []error
	)
	now := d.clock.Now().UTC()

	for _, a := range affected {
		req := ir.PropagationRequest{
			Tag:        ir.Tag(src.Type, src.ID, a.Target),
			CreatedAt:  now,
			Strategy:   a.Strategy,
			Storage:    a.Storage,
			SourceType: src.Type,
			SourceID:   src.ID,
			TargetType: a.Target,
			Relation:   a.Relation,
			Fields:     a.Fields.Clone(),
			Depth:      depth + 1,
		}
		if a.Strategy == ir.Sharded {
			req.Shards = d.shards(src, a.ShardCount)
		}

		req.Fields = d.replace(ctx, req)

		payload, err := ir.EncodeRequest(req)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := d.queue.Add(ctx, store.NewTask{
			Tag:     req.Tag,
			Handler: Handler,
			Payload: payload,
			Delay:   d.delay,
		}); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", req.Tag, err))
			continue
		}

		d.logger.Debug("denorm request queued",
			"tag", req.Tag,
			"strategy", req.Strategy,
			"fields", len(req.Fields))
		out = append(out, req)
	}

	return out, errors.Join(errs...)
}

// replace removes queued requests sharing req's tag and returns req's
// fields folded over theirs, so a field changed by an earlier save and not
// by this one still propagates.
func (d *Dispatcher) replace(ctx context.Context, req ir.PropagationRequest) ir.Object {
	old, err := d.queue.LeaseByTag(ctx, d.lease, d.maxDupes, req.Tag)
	if err != nil {
		d.logger.Warn("denorm dedup lease failed", "tag", req.Tag, "error", err)
		return req.Fields
	}
	if len(old) == 0 {
		return req.Fields
	}

	reqs := make([]ir.PropagationRequest, 0, len(old)+1)
	for _, t := range old {
		prev, err := ir.DecodeRequest(t.Payload)
		if err != nil {
			d.logger.Warn("denorm dropping undecodable request", "tag", req.Tag, "task", t.ID, "error", err)
			continue
		}
		reqs = append(reqs, prev)
	}
	reqs = append(reqs, req)
	merged := ir.MergeRequests(reqs)

	if err := d.queue.Delete(ctx, old); err != nil {
		d.logger.Warn("denorm dedup delete failed", "tag", req.Tag, "count", len(old), "error", err)
		return req.Fields
	}
	d.logger.Debug("denorm replaced queued requests", "tag", req.Tag, "count", len(old))
	return merged.Fields
}

func (d *Dispatcher) shards(src *ir.Record, fn graph.ShardCountFunc) int {
	n := d.defaultShards
	if fn != nil {
		n = fn(src)
	}
	return max(n, 1)
}
