package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/denorm/internal/compiler"
	"github.com/roach88/denorm/internal/engine"
	"github.com/roach88/denorm/internal/graph"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/store"
	"github.com/roach88/denorm/internal/testutil"
	"github.com/roach88/denorm/internal/throttle"
)

// recordPage is the page size used to snapshot the final records.
const recordPage = 500

// Harness executes the steps of one scenario.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	clock  *testutil.ManualClock
	logger *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
//  1. Compile the CUE configuration and build the dependency graph
//  2. Open an in-memory store and an engine on a manual clock
//  3. Execute steps in order, recording each in the trace
//  4. Snapshot every stored record
//  5. Evaluate assertions
//
// A configuration that fails to compile is an error; a step that does
// not behave as expected fails the result.
func Run(scenario *Scenario) (*Result, error) {
	cfg, err := compiler.CompileString(scenario.Config, scenario.Name+".cue")
	if err != nil {
		return nil, fmt.Errorf("failed to compile config: %w", err)
	}
	g, err := compiler.BuildGraph(cfg, graph.Funcs{})
	if err != nil {
		return nil, fmt.Errorf("failed to build graph: %w", err)
	}

	clock := testutil.NewManualClock()
	st, err := store.Open(":memory:", store.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &Harness{
		store: st,
		engine: engine.New(st, g,
			engine.WithConfig(scenario.Settings),
			engine.WithClock(clock),
			engine.WithIDGenerator(testutil.NewSequenceIDs("id")),
			engine.WithLogger(logger)),
		clock:  clock,
		logger: logger,
	}

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("failed to execute steps[%d]: %w", i, err)
		}
	}

	records, err := h.snapshot(ctx, g.Schema().Names())
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot records: %w", err)
	}
	result.Records = records

	actx := &AssertionContext{
		Store:  st,
		Ctx:    ctx,
		Config: scenario.Settings,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

// execute runs one step. Returned errors are infrastructure failures;
// unexpected step outcomes are added to result instead.
func (h *Harness) execute(ctx context.Context, index int, step Step, result *Result) error {
	switch step.Kind() {
	case StepSave:
		return h.save(ctx, index, step.Save, result)

	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		now := h.clock.Advance(d)
		result.addEvent(TraceEvent{
			Step:    StepAdvance,
			Outcome: OutcomeOK,
			Detail:  ir.NewObject(ir.P("now", ir.String(now.Format(time.RFC3339)))),
		})

	case StepSchedule:
		stats, err := h.engine.Schedule(ctx)
		ev := TraceEvent{Step: StepSchedule, Outcome: OutcomeOK, Detail: ir.NewObject(
			ir.P("started", ir.Int(stats.Started)),
			ir.P("requeued", ir.Int(stats.Requeued)),
			ir.P("waiting", ir.Int(stats.Waiting)),
			ir.P("merged", ir.Int(stats.Merged)),
			ir.P("failed", ir.Int(stats.Failed)),
		)}
		if err != nil {
			ev.Outcome, ev.Error = OutcomeError, err.Error()
			result.AddError(fmt.Sprintf("steps[%d]: schedule: %v", index, err))
		}
		h.engine.WaitJobs()
		result.addEvent(ev)

	case StepRunTasks:
		ran, err := h.engine.RunPending(ctx)
		ev := TraceEvent{Step: StepRunTasks, Outcome: OutcomeOK, Detail: ir.NewObject(ir.P("ran", ir.Int(ran)))}
		if err != nil {
			ev.Outcome, ev.Error = OutcomeError, err.Error()
			result.AddError(fmt.Sprintf("steps[%d]: run_tasks: %v", index, err))
		}
		h.engine.WaitJobs()
		result.addEvent(ev)

	case StepDrain:
		ev := TraceEvent{Step: StepDrain, Outcome: OutcomeOK}
		if err := h.engine.Drain(ctx); err != nil {
			ev.Outcome, ev.Error = OutcomeError, err.Error()
			result.AddError(fmt.Sprintf("steps[%d]: drain: %v", index, err))
		}
		result.addEvent(ev)

	default:
		return fmt.Errorf("empty step")
	}
	return nil
}

// save performs a load-modify-save cycle the way application code does,
// so the change detector sees the stored values as the snapshot.
func (h *Harness) save(ctx context.Context, index int, s *SaveStep, result *Result) error {
	fields, err := ir.ObjectFromGo(s.Fields)
	if err != nil {
		return fmt.Errorf("fields: %w", err)
	}

	var rec *ir.Record
	if s.ID != "" {
		rec, err = h.engine.Load(ctx, s.Type, s.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			rec = nil
		case err != nil:
			return err
		}
	}
	if rec == nil {
		rec = ir.NewRecord(s.Type, s.ID, fields)
	} else {
		for _, k := range fields.SortedKeys() {
			rec.Set(k, fields[k])
		}
	}

	var opts []engine.SaveOption
	if s.Actor != "" {
		opts = append(opts, engine.WithActor(&ir.Actor{ID: s.Actor, Privileged: s.Privileged}))
	}
	if s.Force {
		opts = append(opts, engine.WithForceRecompute())
	}
	if s.NoPropagation {
		opts = append(opts, engine.WithoutPropagation())
	}

	saveErr := h.engine.Save(ctx, rec, opts...)

	ev := TraceEvent{Step: StepSave, Type: rec.Type, ID: rec.ID, Outcome: OutcomeOK}
	switch {
	case saveErr == nil:
	case throttle.IsThrottled(saveErr):
		ev.Outcome, ev.Error = OutcomeThrottled, saveErr.Error()
	default:
		ev.Outcome, ev.Error = OutcomeError, saveErr.Error()
	}
	result.addEvent(ev)

	h.logger.Info("save step completed",
		"step", index,
		"type", rec.Type,
		"id", rec.ID,
		"outcome", ev.Outcome)

	switch {
	case s.ExpectError == "" && saveErr != nil:
		result.AddError(fmt.Sprintf("steps[%d]: save %s %s: unexpected error: %v", index, rec.Type, rec.ID, saveErr))
	case s.ExpectError != "" && saveErr == nil:
		result.AddError(fmt.Sprintf("steps[%d]: save %s %s: expected error %q, got none", index, rec.Type, rec.ID, s.ExpectError))
	case s.ExpectError != "" && !errorMatches(saveErr, s.ExpectError):
		result.AddError(fmt.Sprintf("steps[%d]: save %s %s: expected error %q, got: %v", index, rec.Type, rec.ID, s.ExpectError, saveErr))
	}
	return nil
}

// errorMatches reports whether err is of the named kind, or mentions want.
func errorMatches(err error, want string) bool {
	switch want {
	case "throttled":
		return throttle.IsThrottled(err)
	case "unknown_type":
		return engine.IsUnknownType(err)
	case "denorm_failed":
		return engine.IsDenormFailed(err)
	case "dispatch_failed":
		return engine.IsDispatchFailed(err)
	case "depth_exceeded":
		return engine.IsDepthExceeded(err)
	default:
		return strings.Contains(err.Error(), want)
	}
}

// snapshot reads every record of the named types.
func (h *Harness) snapshot(ctx context.Context, types []string) ([]*ir.Record, error) {
	out := []*ir.Record{}
	for _, typ := range types {
		var recs []*ir.Record
		cursor := ""
		for {
			page, err := h.store.Query(ctx, typ, store.Filter{}, cursor, recordPage)
			if err != nil {
				return nil, err
			}
			recs = append(recs, page.Records...)
			if page.Next == "" {
				break
			}
			cursor = page.Next
		}
		slices.SortFunc(recs, func(a, b *ir.Record) int {
			return strings.Compare(a.ID, b.ID)
		})
		out = append(out, recs...)
	}
	return out, nil
}
