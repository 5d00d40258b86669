package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/denorm/internal/dispatch"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/store"
	"github.com/roach88/denorm/internal/worker"
)

// Handler is the deferred-task name of a retried scheduler pass.
const Handler = "denorm.schedule"

// ErrLeaseAttemptsExhausted is returned when the queue kept failing for
// every allowed attempt.
var ErrLeaseAttemptsExhausted = errors.New("lease attempts exhausted")

// Queue is the part of the pull queue the scheduler needs. *store.Queue
// satisfies it.
type Queue interface {
	Add(ctx context.Context, t store.NewTask) (store.Task, error)
	LeaseOne(ctx context.Context, lease time.Duration) (*store.Task, error)
	LeaseByTag(ctx context.Context, lease time.Duration, max int, tag string) ([]store.Task, error)
	Delete(ctx context.Context, tasks []store.Task) error
}

// Deferrer schedules a deferred task. *worker.Pool satisfies it.
type Deferrer interface {
	Defer(ctx context.Context, handler string, payload []byte, delay time.Duration) error
}

// Starter begins executing a ripe request. Start returns once execution is
// initiated; completion is reported by the strategy itself.
type Starter interface {
	Start(ctx context.Context, req ir.PropagationRequest) error
}

// Settings tune a pass.
type Settings struct {
	Lease       time.Duration // lease taken on requests
	LeaseBatch  int           // duplicates leased per tag
	MinAge      time.Duration // requests younger than this wait
	Backoff     time.Duration // base delay of a retried pass
	MaxAttempts int           // passes tried before giving up
}

// DefaultSettings returns production settings.
func DefaultSettings() Settings {
	return Settings{
		Lease:       60 * time.Second,
		LeaseBatch:  100,
		MinAge:      60 * time.Second,
		Backoff:     15 * time.Second,
		MaxAttempts: 3,
	}
}

// Stats summarizes one pass.
type Stats struct {
	Leased   int // requests leased, duplicates included
	Merged   int // duplicates folded into another request
	Requeued int // merged requests put back to age
	Waiting  int // young requests left to their lease
	Started  int // requests handed to a strategy
	Failed   int // requests a strategy refused
	Dropped  int // undecodable requests deleted
}

// Scheduler runs scheduler passes.
type Scheduler struct {
	queue    Queue
	deferrer Deferrer
	starters map[ir.Strategy]Starter
	clock    ir.Clock
	logger   *slog.Logger
	settings Settings
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(x *Scheduler) {
		x.settings = s
	}
}

// WithClock sets the clock used to age requests.
func WithClock(c ir.Clock) Option {
	return func(x *Scheduler) {
		x.clock = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(x *Scheduler) {
		x.logger = l
	}
}

// WithStarter sets the executor of one strategy.
func WithStarter(s ir.Strategy, st Starter) Option {
	return func(x *Scheduler) {
		x.starters[s] = st
	}
}

// New creates a scheduler over queue. Retried passes are deferred through
// deferrer under Handler.
func New(queue Queue, deferrer Deferrer, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:    queue,
		deferrer: deferrer,
		starters: make(map[ir.Strategy]Starter),
		clock:    ir.SystemClock{},
		logger:   slog.Default(),
		settings: DefaultSettings(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type retryPayload struct {
	Attempt int `json:"attempt"`
}

// Handle runs a deferred retry pass.
func (s *Scheduler) Handle(ctx context.Context, payload []byte) error {
	var p retryPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode schedule payload: %w", err)
		}
	}
	_, err := s.run(ctx, max(p.Attempt, 1))
	return err
}

// Run performs one pass and returns what it did.
//
// A transient queue failure ends the pass and defers a retry after an
// exponential backoff; the retry that would exceed MaxAttempts fails with
// ErrLeaseAttemptsExhausted instead, marked worker.Permanent so the pool
// does not run it again.
func (s *Scheduler) Run(ctx context.Context) (Stats, error) {
	return s.run(ctx, 1)
}

func (s *Scheduler) run(ctx context.Context, attempt int) (Stats, error) {
	var stats Stats
	start := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		done, err := s.step(ctx, &stats)
		if err != nil {
			if store.IsTransient(err) {
				return stats, s.retry(ctx, attempt, err)
			}
			return stats, err
		}
		if done {
			break
		}
	}

	if stats.Leased > 0 {
		s.logger.Info("denorm scheduler pass",
			"leased", stats.Leased,
			"merged", stats.Merged,
			"requeued", stats.Requeued,
			"waiting", stats.Waiting,
			"started", stats.Started,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
			"walltime", time.Since(start))
	}
	return stats, nil
}

func (s *Scheduler) retry(ctx context.Context, attempt int, cause error) error {
	if attempt >= s.settings.MaxAttempts {
		s.logger.Error("denorm scheduler giving up", "attempt", attempt, "error", cause)
		return worker.Permanent(fmt.Errorf("%w after %d attempts: %w", ErrLeaseAttemptsExhausted, attempt, cause))
	}

	delay := worker.Backoff(s.settings.Backoff, attempt)
	payload, err := json.Marshal(retryPayload{Attempt: attempt + 1})
	if err != nil {
		return fmt.Errorf("encode schedule payload: %w", err)
	}
	if err := s.deferrer.Defer(ctx, Handler, payload, delay); err != nil {
		return fmt.Errorf("defer scheduler retry: %w", err)
	}
	s.logger.Warn("denorm scheduler lease failed, retrying",
		"attempt", attempt,
		"retry_in", delay,
		"error", cause)
	return nil
}

// step handles one leased request and its duplicates. It reports done when
// nothing was leasable.
func (s *Scheduler) step(ctx context.Context, stats *Stats) (bool, error) {
	task, err := s.queue.LeaseOne(ctx, s.settings.Lease)
	if err != nil {
		return false, err
	}
	if task == nil {
		return true, nil
	}
	stats.Leased++

	dupes, err := s.queue.LeaseByTag(ctx, s.settings.Lease, s.settings.LeaseBatch, task.Tag)
	if err != nil {
		return false, err
	}
	stats.Leased += len(dupes)

	leased := append([]store.Task{*task}, dupes...)
	reqs := make([]ir.PropagationRequest, 0, len(leased))
	for _, t := range leased {
		req, err := ir.DecodeRequest(t.Payload)
		if err != nil {
			s.logger.Error("denorm dropping undecodable request", "task", t.ID, "tag", t.Tag, "error", err)
			stats.Dropped++
			continue
		}
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		s.delete(ctx, leased)
		return false, nil
	}

	merged := ir.MergeRequests(reqs)
	stats.Merged += len(reqs) - 1

	age := s.clock.Now().Sub(merged.CreatedAt)
	if age < s.settings.MinAge {
		if len(leased) == 1 {
			// Left to its lease; seen again once the lease expires.
			stats.Waiting++
			return false, nil
		}
		payload, err := ir.EncodeRequest(merged)
		if err != nil {
			return false, err
		}
		if _, err := s.queue.Add(ctx, store.NewTask{
			Tag:     merged.Tag,
			Handler: dispatch.Handler,
			Payload: payload,
			Delay:   s.settings.MinAge - age,
		}); err != nil {
			return false, fmt.Errorf("requeue %s: %w", merged.Tag, err)
		}
		s.delete(ctx, leased)
		stats.Requeued++
		return false, nil
	}

	starter, ok := s.starters[merged.Strategy]
	if !ok {
		s.logger.Error("denorm no executor for strategy", "tag", merged.Tag, "strategy", merged.Strategy)
		stats.Failed++
		return false, nil
	}
	if err := starter.Start(ctx, merged); err != nil {
		// Leases expire and the request is retried with any newer copies.
		s.logger.Error("denorm propagation failed to start",
			"tag", merged.Tag,
			"strategy", merged.Strategy,
			"error", err)
		stats.Failed++
		return false, nil
	}

	s.logger.Info("denorm propagation started",
		"tag", merged.Tag,
		"strategy", merged.Strategy,
		"merged", len(reqs),
		"age", age)
	s.delete(ctx, leased)
	stats.Started++
	return false, nil
}

func (s *Scheduler) delete(ctx context.Context, tasks []store.Task) {
	if err := s.queue.Delete(ctx, tasks); err != nil {
		s.logger.Warn("denorm request delete failed", "count", len(tasks), "error", err)
	}
}
