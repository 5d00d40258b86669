package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/store"
)

// Default settings.
const (
	DefaultPageSize  = 100
	DefaultBatchSize = 50
)

// Targets pages through stored target records. *store.Store satisfies it.
type Targets interface {
	Query(ctx context.Context, typ string, f store.Filter, cursor string, limit int) (store.Page, error)
}

// Applier writes precomputed values onto targets and saves them.
type Applier interface {
	SavePrecomputed(ctx context.Context, rec *ir.Record, req ir.PropagationRequest) error
	SaveBatchPrecomputed(ctx context.Context, recs []*ir.Record, req ir.PropagationRequest) error
}

// Deferrer schedules a deferred task. *worker.Pool satisfies it.
type Deferrer interface {
	Defer(ctx context.Context, handler string, payload []byte, delay time.Duration) error
}

type options struct {
	pageSize  int
	batchSize int
	logger    *slog.Logger
}

// Option configures a strategy.
type Option func(*options)

// WithPageSize sets the cursor page size.
func WithPageSize(n int) Option {
	return func(o *options) {
		o.pageSize = n
	}
}

// WithBatchSize sets the sharded write batch size.
func WithBatchSize(n int) Option {
	return func(o *options) {
		o.batchSize = n
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{
		pageSize:  DefaultPageSize,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// TargetFilter selects the targets related to req's source: those whose
// reference column holds the source ID (Scalar) or whose relation list
// contains it (SharedDict).
func TargetFilter(req ir.PropagationRequest) (store.Filter, error) {
	switch req.Storage {
	case ir.Scalar:
		return store.Filter{Field: req.Relation + "_id", Value: ir.String(req.SourceID)}, nil
	case ir.SharedDict:
		return store.Filter{Field: req.Relation, Value: ir.String(req.SourceID), Contains: true}, nil
	default:
		return store.Filter{}, fmt.Errorf("request %q: unknown storage mode %s", req.Tag, req.Storage)
	}
}
