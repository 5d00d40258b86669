package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Task is one queued unit of work.
type Task struct {
	ID           int64
	Queue        string
	Tag          string
	Handler      string
	Payload      []byte
	CreatedAt    time.Time
	ETA          time.Time
	LeaseExpires time.Time
	LeaseCount   int
}

// NewTask describes a task to enqueue.
type NewTask struct {
	Tag     string
	Handler string
	Payload []byte

	// Delay postpones the earliest lease time.
	Delay time.Duration
}

// Queue is a named task queue inside the store. Pull consumers lease tasks
// explicitly; the push worker leases tasks and runs them by handler name.
//
// Leasing is exclusive: a leased task is invisible to other lease calls
// until its lease expires. Deleting a task is the only acknowledgement.
type Queue struct {
	s    *Store
	name string
}

// Queue returns a handle to the named queue.
func (s *Store) Queue(name string) *Queue {
	return &Queue{s: s, name: name}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Add enqueues a task and returns it with its assigned ID.
func (q *Queue) Add(ctx context.Context, t NewTask) (Task, error) {
	now := q.s.clock.Now()
	eta := now.Add(max(t.Delay, 0))
	payload := t.Payload
	if payload == nil {
		payload = []byte{}
	}

	res, err := q.s.db.ExecContext(ctx, `
		INSERT INTO tasks (queue, tag, handler, payload, created_at, eta)
		VALUES (?, ?, ?, ?, ?, ?)
	`, q.name, t.Tag, t.Handler, payload, toNanos(now), toNanos(eta))
	if err != nil {
		return Task{}, classify("queue add", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, fmt.Errorf("queue add: last insert id: %w", err)
	}

	return Task{
		ID:        id,
		Queue:     q.name,
		Tag:       t.Tag,
		Handler:   t.Handler,
		Payload:   payload,
		CreatedAt: now.UTC(),
		ETA:       eta.UTC(),
	}, nil
}

// LeaseOne leases the due task with the earliest ETA. Returns nil when no
// task is leasable.
func (q *Queue) LeaseOne(ctx context.Context, lease time.Duration) (*Task, error) {
	tasks, err := q.lease(ctx, lease, 1, "", false)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// LeaseByTag leases up to max unleased tasks carrying tag, earliest ETA
// first. Tasks not yet due are included: a tag lookup finds every queued
// copy so it can be replaced or merged.
func (q *Queue) LeaseByTag(ctx context.Context, lease time.Duration, max int, tag string) ([]Task, error) {
	return q.lease(ctx, lease, max, tag, true)
}

func (q *Queue) lease(ctx context.Context, lease time.Duration, limit int, tag string, byTag bool) ([]Task, error) {
	if limit <= 0 {
		return []Task{}, nil
	}

	now := q.s.clock.Now()
	expires := now.Add(lease)

	tx, err := q.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("queue lease: begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	query := `
		SELECT id, tag, handler, payload, created_at, eta, lease_count
		FROM tasks
		WHERE queue = ? AND lease_expires <= ?`
	args := []any{q.name, toNanos(now)}
	if byTag {
		query += ` AND tag = ?`
		args = append(args, tag)
	} else {
		query += ` AND eta <= ?`
		args = append(args, toNanos(now))
	}
	query += `
		ORDER BY eta ASC, id ASC
		LIMIT ?`
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("queue lease", err)
	}

	tasks := []Task{}
	for rows.Next() {
		var (
			t              Task
			created, etaNs int64
		)
		if err := rows.Scan(&t.ID, &t.Tag, &t.Handler, &t.Payload, &created, &etaNs, &t.LeaseCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Queue = q.name
		t.CreatedAt = fromNanos(created)
		t.ETA = fromNanos(etaNs)
		t.LeaseExpires = expires.UTC()
		t.LeaseCount++
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	rows.Close()

	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET lease_expires = ?, lease_count = lease_count + 1
			WHERE id = ?
		`, toNanos(expires), t.ID); err != nil {
			return nil, classify("queue lease", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("queue lease: commit", err)
	}
	return tasks, nil
}

// Delete removes tasks from the queue. Missing tasks are ignored, so
// deleting twice is harmless.
func (q *Queue) Delete(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	placeholders := make([]string, len(tasks))
	args := make([]any, 0, len(tasks)+1)
	args = append(args, q.name)
	for i, t := range tasks {
		placeholders[i] = "?"
		args = append(args, t.ID)
	}

	_, err := q.s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE queue = ? AND id IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return classify("queue delete", err)
	}
	return nil
}

// Release ends a lease early and makes the task due again after delay.
// The lease count is kept so retries stay bounded.
func (q *Queue) Release(ctx context.Context, t Task, delay time.Duration) error {
	eta := q.s.clock.Now().Add(max(delay, 0))
	_, err := q.s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires = 0, eta = ?
		WHERE queue = ? AND id = ?
	`, toNanos(eta), q.name, t.ID)
	if err != nil {
		return classify("queue release", err)
	}
	return nil
}

// List returns every task in the queue, leased or not, ordered by ETA.
// Returns an empty slice (not nil) if the queue is empty.
func (q *Queue) List(ctx context.Context) ([]Task, error) {
	rows, err := q.s.db.QueryContext(ctx, `
		SELECT id, tag, handler, payload, created_at, eta, lease_expires, lease_count
		FROM tasks
		WHERE queue = ?
		ORDER BY eta ASC, id ASC
	`, q.name)
	if err != nil {
		return nil, classify("queue list", err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		t.Queue = q.name
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// Len returns the number of tasks in the queue, leased or not.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE queue = ?`, q.name).Scan(&n)
	if err != nil {
		return 0, classify("queue len", err)
	}
	return n, nil
}

// NextETA returns the earliest time any task becomes leasable, and false
// when the queue is empty.
func (q *Queue) NextETA(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := q.s.db.QueryRowContext(ctx, `
		SELECT MIN(MAX(eta, lease_expires)) FROM tasks WHERE queue = ?
	`, q.name).Scan(&next)
	if err != nil {
		return time.Time{}, false, classify("queue next eta", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(next.Int64), true, nil
}

func scanTask(rows *sql.Rows) (Task, error) {
	var (
		t                        Task
		created, eta, leaseUntil int64
	)
	if err := rows.Scan(&t.ID, &t.Tag, &t.Handler, &t.Payload, &created, &eta, &leaseUntil, &t.LeaseCount); err != nil {
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.CreatedAt = fromNanos(created)
	t.ETA = fromNanos(eta)
	t.LeaseExpires = fromNanos(leaseUntil)
	return t, nil
}
