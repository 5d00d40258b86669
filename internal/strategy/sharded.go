package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/parallel"
)

// Jobs starts parallel jobs. *parallel.Engine satisfies it.
type Jobs interface {
	StartJob(ctx context.Context, spec parallel.JobSpec) (string, error)
}

// Sharded propagates a request through a parallel job.
type Sharded struct {
	jobs      Jobs
	applier   Applier
	batchSize int
	logger    *slog.Logger
}

// NewSharded creates the sharded strategy.
func NewSharded(jobs Jobs, applier Applier, opts ...Option) *Sharded {
	o := buildOptions(opts)
	return &Sharded{
		jobs:      jobs,
		applier:   applier,
		batchSize: o.batchSize,
		logger:    o.logger,
	}
}

// Start launches the job and returns once it is running.
func (s *Sharded) Start(ctx context.Context, req ir.PropagationRequest) error {
	filter, err := TargetFilter(req)
	if err != nil {
		return err
	}
	id, err := s.jobs.StartJob(ctx, parallel.JobSpec{
		Name:      req.Tag,
		Type:      req.TargetType,
		Filter:    filter,
		Shards:    max(req.Shards, 1),
		BatchSize: s.batchSize,
		Handler: func(ctx context.Context, _ int, recs []*ir.Record) error {
			return s.applier.SaveBatchPrecomputed(ctx, recs, req)
		},
	})
	if err != nil {
		return fmt.Errorf("sharded %s: %w", req.Tag, err)
	}
	s.logger.Debug("denorm sharded job", "tag", req.Tag, "job", id)
	return nil
}
