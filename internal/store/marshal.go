package store

import (
	"fmt"
	"time"

	"github.com/roach88/denorm/internal/ir"
)

// marshalFields converts a record's fields to canonical JSON TEXT.
// Canonical encoding makes stored bytes comparable across writers.
func marshalFields(fields ir.Object) (string, error) {
	if fields == nil {
		fields = ir.Object{}
	}
	data, err := ir.MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields parses stored JSON TEXT. Integers are decoded exactly
// via json.Number; floats are rejected.
func unmarshalFields(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	v, err := ir.ParseValue([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("unmarshal fields: expected object, got %T", v)
	}
	return obj, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// filterArg converts a filter value to the SQL value json_extract yields
// for it. Only scalars can be matched.
func filterArg(v ir.Value) (any, error) {
	switch val := v.(type) {
	case ir.String:
		return string(val), nil
	case ir.Int:
		return int64(val), nil
	case ir.Bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("filter value must be a string, int or bool, got %T", v)
	}
}

// jsonPath quotes a top-level field name as a SQLite JSON path.
func jsonPath(field string) string {
	return `$."` + field + `"`
}
