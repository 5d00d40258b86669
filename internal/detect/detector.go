package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/denorm/internal/graph"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/store"
)

// Loader loads the current stored version of a record. Missing records are
// reported with an error wrapping store.ErrNotFound.
type Loader interface {
	Load(ctx context.Context, typ, id string) (*ir.Record, error)
}

// Affected is one target type touched by a source save, with the payload
// to propagate to it.
type Affected struct {
	Target     string
	Relation   string
	Strategy   ir.Strategy
	Storage    ir.StorageMode
	ShardCount graph.ShardCountFunc

	// Fields maps payload keys to new values.
	Fields ir.Object
}

// Detector decides what a save changed and keeps targets' denormalized
// fields current.
type Detector struct {
	graph  *graph.Graph
	loader Loader
	snaps  *Snapshots
	logger *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = l
	}
}

// WithSnapshots shares an existing side table.
func WithSnapshots(s *Snapshots) Option {
	return func(d *Detector) {
		d.snaps = s
	}
}

// New creates a detector over an immutable graph.
func New(g *graph.Graph, loader Loader, opts ...Option) *Detector {
	d := &Detector{
		graph:  g,
		loader: loader,
		snaps:  NewSnapshots(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Snapshots returns the side table.
func (d *Detector) Snapshots() *Snapshots {
	return d.snaps
}

// Observe records the watched values of a freshly loaded or just saved
// record. Types with nothing to watch are ignored.
func (d *Detector) Observe(rec *ir.Record) {
	cols := d.graph.SnapshotColumns(rec.Type)
	if len(cols) == 0 {
		return
	}
	d.snaps.Capture(rec, cols)
}

// IsNew reports whether rec has no snapshot, meaning it was never loaded
// or saved through this detector.
func (d *Detector) IsNew(rec *ir.Record) bool {
	_, ok := d.snaps.Get(rec)
	return !ok
}

// SourceChanges diffs rec against its snapshot and returns the affected
// targets sorted by type. A record without a snapshot is new and affects
// nothing: no target can reference it yet.
func (d *Detector) SourceChanges(rec *ir.Record) []Affected {
	src, ok := d.graph.Source(rec.Type)
	if !ok {
		return nil
	}
	snap, ok := d.snaps.Get(rec)
	if !ok {
		return nil
	}

	byTarget := make(map[string]*Affected)
	for _, col := range d.graph.WatchedColumns(rec.Type) {
		cur := rec.Get(col)
		old, seen := snap[col]
		if !seen {
			old = ir.Null{}
		}
		if ir.Equal(cur, old) {
			continue
		}

		for _, dep := range src.Fields[col] {
			a, ok := byTarget[dep.Target]
			if !ok {
				a = &Affected{
					Target:     dep.Target,
					Relation:   dep.Relation,
					Strategy:   dep.Strategy,
					Storage:    dep.Storage,
					ShardCount: dep.ShardCount,
					Fields:     ir.Object{},
				}
				byTarget[dep.Target] = a
			}
			a.Fields[dep.PayloadKey(col)] = ir.Clone(cur)
		}
	}

	out := make([]Affected, 0, len(byTarget))
	for _, a := range byTarget {
		out = append(out, *a)
	}
	slices.SortFunc(out, func(a, b Affected) int {
		return strings.Compare(a.Target, b.Target)
	})
	return out
}

// ApplyPrecomputed writes a propagation payload onto a target record
// without loading the source.
//
// Scalar payloads overwrite the synthesized columns. SharedDict payloads
// are deep-merged into denorm_data[relation][sourceID], newer values
// winning and sibling entries untouched.
func (d *Detector) ApplyPrecomputed(rec *ir.Record, req ir.PropagationRequest) error {
	if rec.Type != req.TargetType {
		return fmt.Errorf("apply %s to %s %s: target type mismatch", req.Tag, rec.Type, rec.ID)
	}
	rel, ok := d.graph.Relation(req.TargetType, req.Relation)
	if !ok {
		return fmt.Errorf("apply %s: %s has no relation %q", req.Tag, req.TargetType, req.Relation)
	}

	switch rel.Storage {
	case ir.Scalar:
		for _, key := range req.Fields.SortedKeys() {
			rec.Set(key, ir.Clone(req.Fields[key]))
		}
	case ir.SharedDict:
		data := objectField(rec, graph.DenormDataField)
		relData, _ := data[rel.Name].(ir.Object)
		if relData == nil {
			relData = ir.Object{}
		}
		entry, _ := relData[req.SourceID].(ir.Object)
		if entry == nil {
			entry = ir.Object{}
		}
		relData[req.SourceID] = ir.DeepMerge(entry, req.Fields)
		data[rel.Name] = relData
		rec.Set(graph.DenormDataField, data)
	default:
		return fmt.Errorf("apply %s: unknown storage mode %s", req.Tag, rel.Storage)
	}
	return nil
}

// Recompute refreshes every relation of a target record from its current
// sources and returns the names of the relations it rebuilt.
//
// A relation whose key (reference or list) is unchanged since the snapshot
// is skipped unless force is set or the record is new. Missing sources
// yield null scalar values and absent dictionary entries.
func (d *Detector) Recompute(ctx context.Context, rec *ir.Record, force bool) ([]string, error) {
	rels := d.graph.Relations(rec.Type)
	if len(rels) == 0 {
		return nil, nil
	}
	snap, seen := d.snaps.Get(rec)

	var rebuilt []string
	for _, rel := range rels {
		key := rel.KeyColumn()
		if !force && seen {
			old, ok := snap[key]
			if !ok {
				old = ir.Null{}
			}
			if ir.Equal(rec.Get(key), old) {
				continue
			}
		}

		var err error
		switch rel.Storage {
		case ir.Scalar:
			err = d.recomputeScalar(ctx, rec, rel)
		case ir.SharedDict:
			err = d.recomputeSharedDict(ctx, rec, rel, force)
		default:
			err = fmt.Errorf("unknown storage mode %s", rel.Storage)
		}
		if err != nil {
			return rebuilt, fmt.Errorf("recompute %s %s.%s: %w", rec.Type, rec.ID, rel.Name, err)
		}
		rebuilt = append(rebuilt, rel.Name)
	}
	return rebuilt, nil
}

func (d *Detector) recomputeScalar(ctx context.Context, rec *ir.Record, rel graph.Relation) error {
	var src *ir.Record
	if id, ok := rec.Get(rel.KeyColumn()).(ir.String); ok && id != "" {
		loaded, err := d.loader.Load(ctx, rel.Source, string(id))
		switch {
		case errors.Is(err, store.ErrNotFound):
			d.logger.Warn("denorm source missing",
				"target", rec.Type,
				"target_id", rec.ID,
				"relation", rel.Name,
				"source_id", string(id))
		case err != nil:
			return err
		default:
			src = loaded
		}
	}

	for _, cm := range rel.Columns {
		if src == nil {
			rec.Set(cm.Target, ir.Null{})
			continue
		}
		rec.Set(cm.Target, ir.Clone(src.Get(cm.Source)))
	}
	return nil
}

func (d *Detector) recomputeSharedDict(ctx context.Context, rec *ir.Record, rel graph.Relation, force bool) error {
	data := objectField(rec, graph.DenormDataField)
	old, _ := data[rel.Name].(ir.Object)

	ids, _ := rec.Get(rel.KeyColumn()).(ir.Array)
	rebuilt := make(ir.Object, len(ids))
	for _, v := range ids {
		id, ok := v.(ir.String)
		if !ok || id == "" {
			continue
		}
		key := string(id)
		if _, dup := rebuilt[key]; dup {
			continue
		}
		if entry, ok := old[key].(ir.Object); ok && !force {
			rebuilt[key] = entry.Clone()
			continue
		}

		src, err := d.loader.Load(ctx, rel.Source, key)
		if errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("denorm source missing",
				"target", rec.Type,
				"target_id", rec.ID,
				"relation", rel.Name,
				"source_id", key)
			continue
		}
		if err != nil {
			return err
		}

		entry := make(ir.Object, len(rel.Columns))
		for _, cm := range rel.Columns {
			entry[cm.Target] = ir.Clone(src.Get(cm.Source))
		}
		rebuilt[key] = entry
	}

	data[rel.Name] = rebuilt
	rec.Set(graph.DenormDataField, data)
	return nil
}

// objectField returns a copy of an object field, or an empty object when
// the field is absent, null or not an object.
func objectField(rec *ir.Record, field string) ir.Object {
	if obj, ok := rec.Get(field).(ir.Object); ok {
		return obj.Clone()
	}
	return ir.Object{}
}
