package graph

import (
	"slices"

	"github.com/roach88/denorm/internal/ir"
)

// DenormDataField is the auxiliary object field that holds shared-dict
// values: denorm_data[relation][sourceID][column] = value.
const DenormDataField = "denorm_data"

// DefaultShards is the shard count used for sharded propagation when no
// shard-count function is configured.
const DefaultShards = 3

// LabelFunc derives the throttle label for a source save. actor is nil when
// no unprivileged actor is known. An empty label disables throttling.
type LabelFunc func(source *ir.Record, actor *ir.Actor) string

// ShardCountFunc picks the shard count for a sharded propagation from the
// source record that changed.
type ShardCountFunc func(source *ir.Record) int

// ColumnMap pairs a watched source column with the key it is written under
// on the target: the synthesized column for Scalar storage, the entry key
// inside denorm_data for SharedDict.
type ColumnMap struct {
	Source string
	Target string
}

// Relation is one registered (target type, relation) edge.
type Relation struct {
	Name     string
	Target   string
	Source   string
	Fields   []string // source field names as declared
	Columns  []ColumnMap
	Storage  ir.StorageMode
	Strategy ir.Strategy
}

// KeyColumn returns the target column that identifies related sources:
// the reference column for Scalar, the list field for SharedDict.
func (r Relation) KeyColumn() string {
	switch r.Storage {
	case ir.Scalar:
		return r.Name + "_id"
	case ir.SharedDict:
		return r.Name
	default:
		panic("graph: unknown storage mode " + r.Storage.String())
	}
}

// Dependent is one target affected by a watched source column.
type Dependent struct {
	Target     string
	Relation   string
	Strategy   ir.Strategy
	Storage    ir.StorageMode
	ShardCount ShardCountFunc // nil means DefaultShards
}

// PayloadKey is the key a changed source column is carried under in a
// propagation request.
func (d Dependent) PayloadKey(column string) string {
	switch d.Storage {
	case ir.Scalar:
		return d.Relation + "_" + column
	case ir.SharedDict:
		return column
	default:
		panic("graph: unknown storage mode " + d.Storage.String())
	}
}

// Source is the source-side view of one record type.
type Source struct {
	Type      string
	Label     LabelFunc // nil means the default sourceType_actorID label
	Throttles []Rate

	// Fields maps a watched column to the dependents it affects. Every
	// entry has at least one dependent.
	Fields map[string][]Dependent
}

// Graph is the immutable dependency graph. It is built once by a Builder
// and shared read-only by every component.
type Graph struct {
	schema  *Schema
	targets map[string][]Relation
	sources map[string]*Source
}

// Schema returns the schema including synthesized fields.
func (g *Graph) Schema() *Schema {
	return g.schema
}

// IsTarget reports whether typ has registered relations.
func (g *Graph) IsTarget(typ string) bool {
	return len(g.targets[typ]) > 0
}

// Relations returns the relations of a target type in registration order.
func (g *Graph) Relations(target string) []Relation {
	return slices.Clone(g.targets[target])
}

// Relation returns one relation of a target type.
func (g *Graph) Relation(target, name string) (Relation, bool) {
	for _, r := range g.targets[target] {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// Source returns the source-side view of typ.
func (g *Graph) Source(typ string) (*Source, bool) {
	s, ok := g.sources[typ]
	return s, ok
}

// IsSource reports whether typ has watched fields.
func (g *Graph) IsSource(typ string) bool {
	_, ok := g.sources[typ]
	return ok
}

// WatchedColumns returns the watched columns of a source type, sorted.
func (g *Graph) WatchedColumns(source string) []string {
	s, ok := g.sources[source]
	if !ok {
		return nil
	}
	cols := make([]string, 0, len(s.Fields))
	for col := range s.Fields {
		cols = append(cols, col)
	}
	slices.Sort(cols)
	return cols
}

// Dependents returns the dependents of a watched source column.
func (g *Graph) Dependents(source, column string) []Dependent {
	s, ok := g.sources[source]
	if !ok {
		return nil
	}
	return slices.Clone(s.Fields[column])
}

// Targets returns registered target types, sorted.
func (g *Graph) Targets() []string {
	out := make([]string, 0, len(g.targets))
	for t := range g.targets {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Sources returns source types, sorted.
func (g *Graph) Sources() []string {
	out := make([]string, 0, len(g.sources))
	for s := range g.sources {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// SnapshotColumns returns every column of typ whose load-time value the
// change detector must remember: watched source columns plus relation key
// columns when typ is a target.
func (g *Graph) SnapshotColumns(typ string) []string {
	cols := g.WatchedColumns(typ)
	for _, r := range g.targets[typ] {
		key := r.KeyColumn()
		if !slices.Contains(cols, key) {
			cols = append(cols, key)
		}
	}
	return cols
}
