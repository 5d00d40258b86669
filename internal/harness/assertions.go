package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/denorm/internal/config"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", ev.Seq, ev.Step)
			if ev.Type != "" {
				fmt.Fprintf(&buf, " %s %s", ev.Type, ev.ID)
			}
			fmt.Fprintf(&buf, " %s\n", ev.Outcome)
		}
	}

	return buf.String()
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store  *store.Store
	Ctx    context.Context
	Config config.Config // queue names
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// Store-backed assertions fail when actx has no store.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertRecord:
			err = assertRecord(result.Records, assertion)
		case AssertMissing:
			err = assertMissing(result.Records, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertQueueLength, AssertThrottleCount:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires database context", i, assertion.Type)
			} else if assertion.Type == AssertQueueLength {
				err = assertQueueLength(actx, assertion)
			} else {
				err = assertThrottleCount(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}

func findRecord(records []*ir.Record, typ, id string) *ir.Record {
	i := slices.IndexFunc(records, func(r *ir.Record) bool {
		return r.Type == typ && r.ID == id
	})
	if i < 0 {
		return nil
	}
	return records[i]
}

// assertRecord checks the expected fields of one record (subset match).
// An expected null matches an absent field.
func assertRecord(records []*ir.Record, assertion Assertion) error {
	rec := findRecord(records, assertion.Record, assertion.ID)
	if rec == nil {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("record %s %s", assertion.Record, assertion.ID),
			Actual:   "record not found",
		}
	}

	expect, err := ir.ObjectFromGo(assertion.Expect)
	if err != nil {
		return fmt.Errorf("record %s %s: expect: %w", assertion.Record, assertion.ID, err)
	}

	for _, key := range expect.SortedKeys() {
		want := expect[key]
		got := rec.Get(key)
		if !ir.Equal(want, got) {
			return &AssertionError{
				Type:     AssertRecord,
				Expected: fmt.Sprintf("%s %s field %q = %s", rec.Type, rec.ID, key, ir.MustCanonical(want)),
				Actual:   fmt.Sprintf("%s %s field %q = %s", rec.Type, rec.ID, key, ir.MustCanonical(got)),
			}
		}
	}
	return nil
}

func assertMissing(records []*ir.Record, assertion Assertion) error {
	if rec := findRecord(records, assertion.Record, assertion.ID); rec != nil {
		return &AssertionError{
			Type:     AssertMissing,
			Expected: fmt.Sprintf("no record %s %s", assertion.Record, assertion.ID),
			Actual:   fmt.Sprintf("record with fields %s", ir.MustCanonical(rec.Fields)),
		}
	}
	return nil
}

// assertTraceCount counts trace events of a step kind, optionally
// restricted to an outcome.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Step == assertion.Step && (assertion.Outcome == "" || ev.Outcome == assertion.Outcome) {
			count++
		}
	}

	if count != assertion.Count {
		what := assertion.Step
		if assertion.Outcome != "" {
			what += " " + assertion.Outcome
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, what),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertQueueLength(actx *AssertionContext, assertion Assertion) error {
	name := actx.Config.Queue
	if assertion.Queue == QueueTasks {
		name = actx.Config.TaskQueue
	}
	n, err := actx.Store.Queue(name).Len(actx.Ctx)
	if err != nil {
		return fmt.Errorf("queue_length %s: %w", assertion.Queue, err)
	}
	if n != assertion.Count {
		return &AssertionError{
			Type:     AssertQueueLength,
			Expected: fmt.Sprintf("%d entries in %s queue", assertion.Count, assertion.Queue),
			Actual:   fmt.Sprintf("%d entries", n),
		}
	}
	return nil
}

func assertThrottleCount(actx *AssertionContext, assertion Assertion) error {
	n, err := actx.Store.CountThrottle(actx.Ctx, assertion.Label, time.Time{})
	if err != nil {
		return fmt.Errorf("throttle_count %s: %w", assertion.Label, err)
	}
	if n != assertion.Count {
		return &AssertionError{
			Type:     AssertThrottleCount,
			Expected: fmt.Sprintf("%d throttle records labelled %q", assertion.Count, assertion.Label),
			Actual:   fmt.Sprintf("%d records", n),
		}
	}
	return nil
}
