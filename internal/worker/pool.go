package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/denorm/internal/store"
)

// Handler runs one deferred task.
type Handler func(ctx context.Context, payload []byte) error

// Queue is the part of a store queue the pool needs. *store.Queue
// satisfies it.
type Queue interface {
	Add(ctx context.Context, t store.NewTask) (store.Task, error)
	LeaseOne(ctx context.Context, lease time.Duration) (*store.Task, error)
	Delete(ctx context.Context, tasks []store.Task) error
	Release(ctx context.Context, t store.Task, delay time.Duration) error
}

// Default settings.
const (
	DefaultLease       = 5 * time.Minute
	DefaultBackoff     = 15 * time.Second
	DefaultMaxAttempts = 3
)

// ErrUnknownHandler is returned by Defer for a handler never registered.
var ErrUnknownHandler = errors.New("unknown handler")

// permanentError marks a handler failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the pool drops the task instead of retrying it.
// Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Pool executes deferred tasks.
//
// Thread-safety: Register must complete before Start. Defer and RunPending
// are safe from any goroutine.
type Pool struct {
	queue       Queue
	logger      *slog.Logger
	lease       time.Duration
	backoff     time.Duration
	maxAttempts int

	mu       sync.RWMutex
	handlers map[string]Handler

	// wake signals newly deferred work (buffered, size 1).
	wake chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithLease sets how long a running task stays invisible to other workers.
func WithLease(d time.Duration) Option {
	return func(p *Pool) {
		p.lease = d
	}
}

// WithBackoff sets the base retry delay, doubled on every failed attempt.
func WithBackoff(d time.Duration) Option {
	return func(p *Pool) {
		p.backoff = d
	}
}

// WithMaxAttempts bounds how often one task is tried.
func WithMaxAttempts(n int) Option {
	return func(p *Pool) {
		p.maxAttempts = n
	}
}

// New creates a pool over queue.
func New(queue Queue, opts ...Option) *Pool {
	p := &Pool{
		queue:       queue,
		logger:      slog.Default(),
		lease:       DefaultLease,
		backoff:     DefaultBackoff,
		maxAttempts: DefaultMaxAttempts,
		handlers:    make(map[string]Handler),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a handler name. Registering a name twice replaces the
// previous handler.
func (p *Pool) Register(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

func (p *Pool) handler(name string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[name]
	return h, ok
}

// Defer enqueues a task for handler, runnable after delay.
func (p *Pool) Defer(ctx context.Context, handler string, payload []byte, delay time.Duration) error {
	if _, ok := p.handler(handler); !ok {
		return fmt.Errorf("defer %s: %w", handler, ErrUnknownHandler)
	}
	if _, err := p.queue.Add(ctx, store.NewTask{
		Handler: handler,
		Payload: payload,
		Delay:   delay,
	}); err != nil {
		return fmt.Errorf("defer %s: %w", handler, err)
	}

	// Non-blocking: the buffer of 1 coalesces wakeups.
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// RunPending runs due tasks one at a time until none is left and returns
// how many ran, successfully or not. Handler failures are not returned;
// queue failures are.
func (p *Pool) RunPending(ctx context.Context) (int, error) {
	ran := 0
	for {
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		task, err := p.queue.LeaseOne(ctx, p.lease)
		if err != nil {
			return ran, fmt.Errorf("lease task: %w", err)
		}
		if task == nil {
			return ran, nil
		}
		p.run(ctx, *task)
		ran++
	}
}

func (p *Pool) run(ctx context.Context, task store.Task) {
	h, ok := p.handler(task.Handler)
	if !ok {
		p.logger.Error("dropping task with unknown handler", "task", task.ID, "handler", task.Handler)
		p.delete(ctx, task)
		return
	}

	start := time.Now()
	err := h(ctx, task.Payload)
	if err == nil {
		p.logger.Debug("task done", "task", task.ID, "handler", task.Handler, "walltime", time.Since(start))
		p.delete(ctx, task)
		return
	}

	if IsPermanent(err) {
		p.logger.Error("task failed permanently",
			"task", task.ID,
			"handler", task.Handler,
			"attempt", task.LeaseCount,
			"error", err)
		p.delete(ctx, task)
		return
	}

	if task.LeaseCount >= p.maxAttempts {
		p.logger.Error("task failed, giving up",
			"task", task.ID,
			"handler", task.Handler,
			"attempts", task.LeaseCount,
			"error", err)
		p.delete(ctx, task)
		return
	}

	delay := Backoff(p.backoff, task.LeaseCount)
	p.logger.Warn("task failed, retrying",
		"task", task.ID,
		"handler", task.Handler,
		"attempt", task.LeaseCount,
		"retry_in", delay,
		"error", err)
	if err := p.queue.Release(ctx, task, delay); err != nil {
		// The lease expires on its own and the task is retried then.
		p.logger.Warn("task release failed", "task", task.ID, "error", err)
	}
}

func (p *Pool) delete(ctx context.Context, task store.Task) {
	if err := p.queue.Delete(ctx, []store.Task{task}); err != nil {
		p.logger.Warn("task delete failed", "task", task.ID, "error", err)
	}
}

// Start runs pending tasks whenever work is deferred and at least every
// interval, until ctx is cancelled. Queue errors are logged and retried on
// the next tick.
func (p *Pool) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunPending(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("worker pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// Backoff returns base doubled once per attempt after the first:
// base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << min(attempt-1, 16)
}
