package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/denorm/internal/dispatch"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/store"
	"github.com/roach88/denorm/internal/testutil"
	"github.com/roach88/denorm/internal/worker"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingStarter struct {
	started []ir.PropagationRequest
	err     error
}

func (r *recordingStarter) Start(_ context.Context, req ir.PropagationRequest) error {
	if r.err != nil {
		return r.err
	}
	r.started = append(r.started, req)
	return nil
}

type deferred struct {
	handler string
	payload []byte
	delay   time.Duration
}

type recordingDeferrer struct {
	calls []deferred
}

func (r *recordingDeferrer) Defer(_ context.Context, handler string, payload []byte, delay time.Duration) error {
	r.calls = append(r.calls, deferred{handler, payload, delay})
	return nil
}

type fixture struct {
	sched   *Scheduler
	queue   *store.Queue
	clock   *testutil.ManualClock
	cursor  *recordingStarter
	sharded *recordingStarter
	defers  *recordingDeferrer
}

func setup(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewManualClock()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		queue:   st.Queue("denorm"),
		clock:   clock,
		cursor:  &recordingStarter{},
		sharded: &recordingStarter{},
		defers:  &recordingDeferrer{},
	}
	f.sched = New(f.queue, f.defers,
		WithClock(clock),
		WithLogger(quiet),
		WithStarter(ir.Cursor, f.cursor),
		WithStarter(ir.Sharded, f.sharded))
	return f
}

// enqueue queues a request created now.
func (f *fixture) enqueue(t *testing.T, strategy ir.Strategy, fields ir.Object) {
	t.Helper()
	req := ir.PropagationRequest{
		Tag:        ir.Tag("S", "S1", "T"),
		CreatedAt:  f.clock.Now(),
		Strategy:   strategy,
		Storage:    ir.Scalar,
		SourceType: "S",
		SourceID:   "S1",
		TargetType: "T",
		Relation:   "r",
		Fields:     fields,
	}
	payload, err := ir.EncodeRequest(req)
	require.NoError(t, err)
	_, err = f.queue.Add(context.Background(), store.NewTask{Tag: req.Tag, Handler: dispatch.Handler, Payload: payload})
	require.NoError(t, err)
}

func (f *fixture) len(t *testing.T) int {
	t.Helper()
	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestRun_EmptyQueue(t *testing.T) {
	f := setup(t)
	stats, err := f.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestRun_MergesBurstIntoOneExecution(t *testing.T) {
	f := setup(t)
	f.enqueue(t, ir.Cursor, ir.NewObject(ir.P("r_a", ir.Int(1)), ir.P("r_b", ir.String("old"))))
	f.clock.Advance(time.Second)
	f.enqueue(t, ir.Cursor, ir.NewObject(ir.P("r_a", ir.Int(2))))
	f.clock.Advance(time.Second)
	f.enqueue(t, ir.Cursor, ir.NewObject(ir.P("r_a", ir.Int(3)), ir.P("r_c", ir.Bool(true))))
	last := f.clock.Now()

	f.clock.Advance(time.Minute)
	stats, err := f.sched.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Leased)
	assert.Equal(t, 2, stats.Merged)
	assert.Equal(t, 1, stats.Started)
	require.Len(t, f.cursor.started, 1)

	got := f.cursor.started[0]
	want := ir.NewObject(ir.P("r_a", ir.Int(3)), ir.P("r_b", ir.String("old")), ir.P("r_c", ir.Bool(true)))
	assert.True(t, ir.Equal(want, got.Fields), "fields = %s", ir.MustCanonical(got.Fields))
	assert.True(t, got.CreatedAt.Equal(last))
	assert.Equal(t, "DENORM_S_S1_T", got.Tag)
	assert.Equal(t, 0, f.len(t))
}

func TestRun_YoungWithDuplicatesRequeued(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.enqueue(t, ir.Cursor, ir.NewObject(ir.P("r_a", ir.Int(1))))
	f.clock.Advance(10 * time.Second)
	f.enqueue(t, ir.Cursor, ir.NewObject(ir.P("r_b", ir.Int(2))))

	stats, err := f.sched.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Requeued)
	assert.Empty(t, f.cursor.started)

	tasks, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	req, err := ir.DecodeRequest(tasks[0].Payload)
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.NewObject(ir.P("r_a", ir.Int(1)), ir.P("r_b", ir.Int(2))), req.Fields))

	// The merged copy ripens exactly when the newest save is old enough.
	assert.Zero(t, stats.Waiting)
	assert.True(t, tasks[0].ETA.Equal(f.clock.Now().Add(time.Minute)), "eta = %v", tasks[0].ETA)
	f.clock.Advance(59 * time.Second)
	stats, err = f.sched.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Leased)
	assert.Empty(t, f.cursor.started)

	// Age counts from the newest save.
	f.clock.Advance(2 * time.Second)
	stats, err = f.sched.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Started)
	require.Len(t, f.cursor.started, 1)
	assert.Equal(t, 0, f.len(t))
}

func TestRun_MergesDuplicateNotYetDue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.enqueue(t, ir.Cursor, ir.NewObject(ir.P("r_a", ir.Int(1))))
	f.clock.Advance(30 * time.Second)

	// A copy that is only due later still belongs to the same tag.
	req := ir.PropagationRequest{
		Tag:        ir.Tag("S", "S1", "T"),
		CreatedAt:  f.clock.Now(),
		Strategy:   ir.Cursor,
		Storage:    ir.Scalar,
		SourceType: "S",
		SourceID:   "S1",
		TargetType: "T",
		Relation:   "r",
		Fields:     ir.NewObject(ir.P("r_a", ir.Int(2))),
	}
	payload, err := ir.EncodeRequest(req)
	require.NoError(t, err)
	_, err = f.queue.Add(ctx, store.NewTask{Tag: req.Tag, Handler: dispatch.Handler, Payload: payload, Delay: time.Minute})
	require.NoError(t, err)

	f.clock.Advance(31 * time.Second)
	stats, err := f.sched.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Leased)
	assert.Equal(t, 1, stats.Merged)
	assert.Equal(t, 1, stats.Requeued)
	assert.Empty(t, f.cursor.started, "the newest save is only 31s old")

	f.clock.Advance(30 * time.Second)
	stats, err = f.sched.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Started)
	require.Len(t, f.cursor.started, 1)
	assert.Equal(t, ir.Int(2), f.cursor.started[0].Fields["r_a"])
	assert.Equal(t, 0, f.len(t))
}

func TestRun_YoungWithoutDuplicatesLeft(t *testing.T) {
	f := setup(t)
	f.enqueue(t, ir.Cursor, ir.Object{})

	stats, err := f.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Leased)
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 1, f.len(t))
	assert.Empty(t, f.cursor.started)
}

func TestRun_RoutesByStrategy(t *testing.T) {
	f := setup(t)
	f.enqueue(t, ir.Sharded, ir.NewObject(ir.P("r_a", ir.Int(1))))
	f.clock.Advance(time.Minute)

	_, err := f.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.cursor.started)
	require.Len(t, f.sharded.started, 1)
	assert.Equal(t, ir.Sharded, f.sharded.started[0].Strategy)
}

func TestRun_StartFailureKeepsRequest(t *testing.T) {
	f := setup(t)
	f.cursor.err = errors.New("worker queue down")
	f.enqueue(t, ir.Cursor, ir.Object{})
	f.clock.Advance(time.Minute)

	stats, err := f.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, f.len(t))

	// Retried after the lease expires.
	f.cursor.err = nil
	f.clock.Advance(time.Minute)
	stats, err = f.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Started)
	assert.Equal(t, 0, f.len(t))
}

func TestRun_DropsUndecodableRequest(t *testing.T) {
	f := setup(t)
	_, err := f.queue.Add(context.Background(), store.NewTask{Tag: "DENORM_X", Handler: dispatch.Handler, Payload: []byte("{not json")})
	require.NoError(t, err)

	stats, err := f.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 0, f.len(t))
}

func TestRun_DropsRequestWithoutStorage(t *testing.T) {
	f := setup(t)
	payload := []byte(`{"tag":"DENORM_Author_a1_Book","created":"2024-01-01T00:00:00Z","strategy":"sharded",` +
		`"source_type":"Author","source_id":"a1","target_type":"Book","relation":"author","fields":{}}`)
	_, err := f.queue.Add(context.Background(), store.NewTask{Tag: "DENORM_Author_a1_Book", Handler: dispatch.Handler, Payload: payload})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	var stats Stats
	require.NotPanics(t, func() {
		stats, err = f.sched.Run(context.Background())
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 0, stats.Started)
	assert.Empty(t, f.sharded.started)
	assert.Equal(t, 0, f.len(t))
}

// failingQueue fails every lease.
type failingQueue struct {
	err error
}

func (q failingQueue) Add(context.Context, store.NewTask) (store.Task, error) {
	return store.Task{}, q.err
}

func (q failingQueue) LeaseOne(context.Context, time.Duration) (*store.Task, error) {
	return nil, q.err
}

func (q failingQueue) LeaseByTag(context.Context, time.Duration, int, string) ([]store.Task, error) {
	return nil, q.err
}

func (q failingQueue) Delete(context.Context, []store.Task) error {
	return q.err
}

func TestRun_TransientLeaseErrorDefersRetry(t *testing.T) {
	defers := &recordingDeferrer{}
	s := New(failingQueue{err: &store.TransientError{Op: "queue lease", Err: errors.New("database is locked")}}, defers, WithLogger(quiet))

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, defers.calls, 1)
	assert.Equal(t, Handler, defers.calls[0].handler)
	assert.Equal(t, 15*time.Second, defers.calls[0].delay)
	assert.JSONEq(t, `{"attempt":2}`, string(defers.calls[0].payload))

	require.NoError(t, s.Handle(context.Background(), defers.calls[0].payload))
	require.Len(t, defers.calls, 2)
	assert.Equal(t, 30*time.Second, defers.calls[1].delay)
	assert.JSONEq(t, `{"attempt":3}`, string(defers.calls[1].payload))

	err = s.Handle(context.Background(), defers.calls[1].payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLeaseAttemptsExhausted)
	assert.True(t, store.IsTransient(err))
	assert.True(t, worker.IsPermanent(err))
	assert.Len(t, defers.calls, 2)
}

func TestHandle_ExhaustedRetryNotRunAgain(t *testing.T) {
	clock := testutil.NewManualClock()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tasks := st.Queue("denorm-tasks")
	pool := worker.New(tasks, worker.WithLogger(quiet), worker.WithMaxAttempts(5))
	lockErr := &store.TransientError{Op: "queue lease", Err: errors.New("database is locked")}
	s := New(failingQueue{err: lockErr}, pool, WithLogger(quiet), WithClock(clock))
	pool.Register(Handler, s.Handle)

	payload, err := json.Marshal(retryPayload{Attempt: DefaultSettings().MaxAttempts})
	require.NoError(t, err)
	require.NoError(t, pool.Defer(context.Background(), Handler, payload, 0))

	ran, err := pool.RunPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	n, err := tasks.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRun_FatalLeaseErrorReturned(t *testing.T) {
	defers := &recordingDeferrer{}
	boom := errors.New("no such table: tasks")
	s := New(failingQueue{err: boom}, defers, WithLogger(quiet))

	_, err := s.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, defers.calls)
}

func TestHandle_BadPayload(t *testing.T) {
	s := New(failingQueue{}, &recordingDeferrer{}, WithLogger(quiet))
	err := s.Handle(context.Background(), []byte("nope"))
	assert.Error(t, err)
}

func TestRetryPayloadShape(t *testing.T) {
	data, err := json.Marshal(retryPayload{Attempt: 2})
	require.NoError(t, err)
	assert.Equal(t, `{"attempt":2}`, string(data))
}
