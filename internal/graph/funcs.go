package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/denorm/internal/ir"
)

// Funcs resolves the label and shard-count functions that configuration
// refers to by name.
type Funcs struct {
	Labels map[string]LabelFunc
	Shards map[string]ShardCountFunc
}

// BuiltinFuncs returns the functions available without registration:
//
//	labels: "per_type" (one bucket per source type, any actor)
//	        "per_instance" (one bucket per source record)
//	shards: "fixed:N" is always understood and needs no entry
func BuiltinFuncs() Funcs {
	return Funcs{
		Labels: map[string]LabelFunc{
			"per_type": func(src *ir.Record, _ *ir.Actor) string {
				return src.Type
			},
			"per_instance": func(src *ir.Record, _ *ir.Actor) string {
				return src.Type + "_" + src.ID
			},
		},
		Shards: map[string]ShardCountFunc{},
	}
}

// Merge returns a copy of f with other's entries added, other winning.
func (f Funcs) Merge(other Funcs) Funcs {
	out := Funcs{
		Labels: make(map[string]LabelFunc, len(f.Labels)+len(other.Labels)),
		Shards: make(map[string]ShardCountFunc, len(f.Shards)+len(other.Shards)),
	}
	for k, v := range f.Labels {
		out.Labels[k] = v
	}
	for k, v := range other.Labels {
		out.Labels[k] = v
	}
	for k, v := range f.Shards {
		out.Shards[k] = v
	}
	for k, v := range other.Shards {
		out.Shards[k] = v
	}
	return out
}

func (f Funcs) label(name string) (LabelFunc, error) {
	if name == "" {
		return nil, nil
	}
	fn, ok := f.Labels[name]
	if !ok {
		return nil, fmt.Errorf("unknown label function %q", name)
	}
	return fn, nil
}

func (f Funcs) shards(name string) (ShardCountFunc, error) {
	if name == "" {
		return nil, nil
	}
	if n, ok := strings.CutPrefix(name, "fixed:"); ok {
		count, err := strconv.Atoi(n)
		if err != nil || count < 1 {
			return nil, fmt.Errorf("invalid shard count %q", name)
		}
		return func(*ir.Record) int { return count }, nil
	}
	fn, ok := f.Shards[name]
	if !ok {
		return nil, fmt.Errorf("unknown shard count function %q", name)
	}
	return fn, nil
}
