package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/parallel"
	"github.com/roach88/denorm/internal/store"
	"github.com/roach88/denorm/internal/worker"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func seedTargets(t *testing.T, n int) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	recs := make([]*ir.Record, 0, n+3)
	for i := 0; i < n; i++ {
		recs = append(recs, ir.NewRecord("T", fmt.Sprintf("t%03d", i), ir.NewObject(
			ir.P("r_id", ir.String("S1")),
			ir.P("tags", ir.Strings("S1", "S2")),
		)))
	}
	for i := 0; i < 3; i++ {
		recs = append(recs, ir.NewRecord("T", fmt.Sprintf("u%03d", i), ir.NewObject(
			ir.P("r_id", ir.String("S2")),
			ir.P("tags", ir.Strings("S2")),
		)))
	}
	require.NoError(t, st.PutBatch(context.Background(), recs))
	return st
}

type countingTargets struct {
	Targets
	rounds int
}

func (c *countingTargets) Query(ctx context.Context, typ string, f store.Filter, cursor string, limit int) (store.Page, error) {
	c.rounds++
	return c.Targets.Query(ctx, typ, f, cursor, limit)
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []string
	fail    map[string]bool
}

func (a *fakeApplier) SavePrecomputed(_ context.Context, rec *ir.Record, _ ir.PropagationRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail[rec.ID] {
		return errors.New("constraint failed")
	}
	a.applied = append(a.applied, rec.ID)
	return nil
}

func (a *fakeApplier) SaveBatchPrecomputed(_ context.Context, recs []*ir.Record, _ ir.PropagationRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range recs {
		a.applied = append(a.applied, r.ID)
	}
	return nil
}

// inlineDeferrer queues cursor tasks for the test to run.
type inlineDeferrer struct {
	tasks [][]byte
}

func (d *inlineDeferrer) Defer(_ context.Context, handler string, payload []byte, _ time.Duration) error {
	if handler != CursorHandler {
		return fmt.Errorf("unexpected handler %s", handler)
	}
	d.tasks = append(d.tasks, payload)
	return nil
}

func (d *inlineDeferrer) drain(t *testing.T, c *Cursor) int {
	t.Helper()
	ran := 0
	for len(d.tasks) > 0 {
		next := d.tasks[0]
		d.tasks = d.tasks[1:]
		require.NoError(t, c.Handle(context.Background(), next))
		ran++
	}
	return ran
}

func scalarRequest() ir.PropagationRequest {
	return ir.PropagationRequest{
		Tag:        ir.Tag("S", "S1", "T"),
		Strategy:   ir.Cursor,
		Storage:    ir.Scalar,
		SourceType: "S",
		SourceID:   "S1",
		TargetType: "T",
		Relation:   "r",
		Fields:     ir.NewObject(ir.P("r_a", ir.Int(2))),
	}
}

func TestCursor_PagesThroughTargets(t *testing.T) {
	targets := &countingTargets{Targets: seedTargets(t, 250)}
	applier := &fakeApplier{}
	defers := &inlineDeferrer{}
	c := NewCursor(targets, applier, defers, WithLogger(quiet))

	require.NoError(t, c.Start(context.Background(), scalarRequest()))
	assert.Equal(t, 0, targets.rounds, "Start must only defer")

	ran := defers.drain(t, c)
	assert.Equal(t, 3, ran)
	assert.Equal(t, 3, targets.rounds)
	assert.Len(t, applier.applied, 250)
}

func TestCursor_Step(t *testing.T) {
	st := seedTargets(t, 150)
	applier := &fakeApplier{}
	defers := &inlineDeferrer{}
	c := NewCursor(st, applier, defers, WithLogger(quiet))

	p, err := c.Step(context.Background(), scalarRequest(), "")
	require.NoError(t, err)
	assert.Equal(t, 100, p.Fetched)
	assert.Equal(t, "t099", p.Next)
	assert.Len(t, defers.tasks, 1)

	p, err = c.Step(context.Background(), scalarRequest(), p.Next)
	require.NoError(t, err)
	assert.Equal(t, 50, p.Fetched)
	assert.Empty(t, p.Next)
	assert.Len(t, defers.tasks, 1, "short page defers nothing")
}

func TestCursor_SkipsFailedTargets(t *testing.T) {
	st := seedTargets(t, 5)
	applier := &fakeApplier{fail: map[string]bool{"t001": true, "t003": true}}
	c := NewCursor(st, applier, &inlineDeferrer{}, WithLogger(quiet))

	p, err := c.Step(context.Background(), scalarRequest(), "")
	require.NoError(t, err)
	assert.Equal(t, 5, p.Fetched)
	assert.Equal(t, 3, p.Applied)
	assert.Equal(t, 2, p.Failed)
	assert.Equal(t, []string{"t000", "t002", "t004"}, applier.applied)
}

func TestCursor_SharedDictFilter(t *testing.T) {
	st := seedTargets(t, 4)
	applier := &fakeApplier{}
	c := NewCursor(st, applier, &inlineDeferrer{}, WithLogger(quiet), WithPageSize(10))

	req := scalarRequest()
	req.Storage = ir.SharedDict
	req.Relation = "tags"
	req.SourceID = "S2"

	p, err := c.Step(context.Background(), req, "")
	require.NoError(t, err)
	assert.Equal(t, 7, p.Fetched)
}

func TestCursor_HandleBadPayload(t *testing.T) {
	c := NewCursor(nil, &fakeApplier{}, &inlineDeferrer{}, WithLogger(quiet))
	err := c.Handle(context.Background(), []byte("{"))
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
}

func TestCursor_HandleRejectsInvalidRequest(t *testing.T) {
	applier := &fakeApplier{}
	c := NewCursor(nil, applier, &inlineDeferrer{}, WithLogger(quiet))
	err := c.Handle(context.Background(), []byte(`{"request":{"tag":"DENORM_S_S1_T","strategy":"cursor","source_id":"S1","target_type":"T","relation":"r"}}`))
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
	assert.Contains(t, err.Error(), "invalid storage mode")
	assert.Empty(t, applier.applied)
}

func TestTargetFilter(t *testing.T) {
	req := scalarRequest()
	filter, err := TargetFilter(req)
	require.NoError(t, err)
	assert.Equal(t, store.Filter{Field: "r_id", Value: ir.String("S1")}, filter)

	req.Storage = ir.SharedDict
	req.Relation = "tags"
	filter, err = TargetFilter(req)
	require.NoError(t, err)
	assert.Equal(t, store.Filter{Field: "tags", Value: ir.String("S1"), Contains: true}, filter)
}

func TestTargetFilter_UnknownStorage(t *testing.T) {
	req := scalarRequest()
	req.Storage = 0
	_, err := TargetFilter(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage mode")
}

func TestSharded_RejectsUnknownStorage(t *testing.T) {
	st := seedTargets(t, 3)
	jobs := parallel.New(st, parallel.WithLogger(quiet))
	applier := &fakeApplier{}
	s := NewSharded(jobs, applier, WithLogger(quiet))

	req := scalarRequest()
	req.Storage = 0
	require.Error(t, s.Start(context.Background(), req))
	assert.Zero(t, jobs.Running())
	assert.Empty(t, applier.applied)
}

func TestSharded_WritesEveryTarget(t *testing.T) {
	st := seedTargets(t, 120)
	jobs := parallel.New(st, parallel.WithLogger(quiet))
	applier := &fakeApplier{}
	s := NewSharded(jobs, applier, WithLogger(quiet), WithBatchSize(16))

	req := scalarRequest()
	req.Strategy = ir.Sharded
	req.Shards = 4
	require.NoError(t, s.Start(context.Background(), req))

	jobs.Drain()
	assert.Len(t, applier.applied, 120)
}

type refusingJobs struct{}

func (refusingJobs) StartJob(context.Context, parallel.JobSpec) (string, error) {
	return "", errors.New("shard count 0 < 1")
}

func TestSharded_StartError(t *testing.T) {
	s := NewSharded(refusingJobs{}, &fakeApplier{}, WithLogger(quiet))
	err := s.Start(context.Background(), scalarRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DENORM_S_S1_T")
}
