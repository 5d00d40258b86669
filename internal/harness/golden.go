package harness

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/denorm/internal/ir"
)

// Snapshot captures the trace and final records of a scenario execution.
type Snapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	Records      []*ir.Record
}

// toValue converts the snapshot to an ir.Value so it serializes through
// canonical JSON: sorted keys, NFC strings, integers only.
func (s *Snapshot) toValue() ir.Object {
	trace := make(ir.Array, len(s.Trace))
	for i, ev := range s.Trace {
		obj := ir.NewObject(
			ir.P("seq", ir.Int(ev.Seq)),
			ir.P("step", ir.String(ev.Step)),
			ir.P("outcome", ir.String(ev.Outcome)),
		)
		if ev.Type != "" {
			obj["type"] = ir.String(ev.Type)
			obj["id"] = ir.String(ev.ID)
		}
		if ev.Error != "" {
			obj["error"] = ir.String(ev.Error)
		}
		if len(ev.Detail) > 0 {
			obj["detail"] = ev.Detail
		}
		trace[i] = obj
	}

	records := make(ir.Array, len(s.Records))
	for i, rec := range s.Records {
		records[i] = ir.NewObject(
			ir.P("type", ir.String(rec.Type)),
			ir.P("id", ir.String(rec.ID)),
			ir.P("fields", rec.Fields),
		)
	}

	return ir.NewObject(
		ir.P("scenario_name", ir.String(s.ScenarioName)),
		ir.P("trace", trace),
		ir.P("records", records),
	)
}

// Marshal renders the snapshot as indented canonical JSON with a trailing
// newline, the golden file format.
func (s *Snapshot) Marshal() ([]byte, error) {
	data, err := ir.MarshalCanonical(s.toValue())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check assertions; a snapshot
// mismatch fails t through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snap := Snapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		Records:      result.Records,
	}
	data, err := snap.Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
