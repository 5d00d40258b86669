package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/denorm/internal/scheduler"
)

// maxDrainRounds bounds Drain against configurations that keep producing
// due work.
const maxDrainRounds = 1000

// Schedule runs one scheduler pass.
func (e *Engine) Schedule(ctx context.Context) (scheduler.Stats, error) {
	return e.scheduler.Run(ctx)
}

// RunPending runs every due deferred task and returns how many ran.
func (e *Engine) RunPending(ctx context.Context) (int, error) {
	return e.pool.RunPending(ctx)
}

// WaitJobs blocks until every sharded job started so far has finished.
func (e *Engine) WaitJobs() {
	e.jobs.Drain()
}

// Drain runs scheduler passes, deferred tasks and sharded jobs until a
// round finds nothing due. Requests younger than the minimum age are left
// queued.
func (e *Engine) Drain(ctx context.Context) error {
	for round := 0; round < maxDrainRounds; round++ {
		stats, err := e.Schedule(ctx)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		ran, err := e.RunPending(ctx)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		e.WaitJobs()

		if stats.Started == 0 && stats.Requeued == 0 && ran == 0 {
			return nil
		}
	}
	return fmt.Errorf("drain: still busy after %d rounds", maxDrainRounds)
}

// PruneThrottles deletes throttle records older than the longest throttle
// window, which no admission can count any more.
func (e *Engine) PruneThrottles(ctx context.Context) (int64, error) {
	var longest time.Duration
	for _, typ := range e.graph.Sources() {
		src, _ := e.graph.Source(typ)
		for _, r := range src.Throttles {
			longest = max(longest, r.Window)
		}
	}
	if longest == 0 {
		return 0, nil
	}
	return e.store.PruneThrottles(ctx, e.clock.Now().Add(-longest))
}

// Run processes propagation in the background until ctx is cancelled:
// a scheduler pass every SchedulePeriod, deferred tasks as soon as they
// are due.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("denorm engine starting",
		"queue", e.cfg.Queue,
		"schedule_period", time.Duration(e.cfg.SchedulePeriod),
		"min_age", e.cfg.MinAgeDuration())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.pool.Start(gctx, time.Duration(e.cfg.PollInterval))
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Duration(e.cfg.SchedulePeriod))
		defer ticker.Stop()
		for {
			if _, err := e.Schedule(gctx); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Error("denorm scheduler pass failed", "error", err)
			}
			if n, err := e.PruneThrottles(gctx); err != nil {
				e.logger.Warn("throttle prune failed", "error", err)
			} else if n > 0 {
				e.logger.Debug("throttle records pruned", "count", n)
			}

			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()
	e.WaitJobs()
	e.logger.Info("denorm engine stopped")
	return err
}
