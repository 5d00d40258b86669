package graph

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/denorm/internal/ir"
)

// SourceConfig declares one relation of a target type and the source
// fields denormalized through it.
type SourceConfig struct {
	// Relation is the target field pointing at the source: a reference
	// for Scalar storage, a list of IDs for SharedDict.
	Relation string

	// Model names the source type. Optional when the relation field
	// already names it; must agree with it otherwise.
	Model string

	Fields   []string
	Storage  ir.StorageMode // zero means Scalar
	Strategy ir.Strategy    // zero means Cursor

	// Label and Throttles apply to the source type as a whole. Every
	// registration naming a label for the same source must name the same
	// one; throttles accumulate.
	Label     string
	Throttles []string

	// Shards names a shard-count function (or "fixed:N") for the Sharded
	// strategy.
	Shards string
}

// Builder accumulates registrations and produces an immutable Graph.
//
// Register is atomic: a registration that fails leaves the builder exactly
// as it was.
type Builder struct {
	schema     *Schema
	funcs      Funcs
	targets    map[string][]Relation
	sources    map[string]*Source
	labelNames map[string]string
}

// NewBuilder creates a builder over a copy of schema. Registration adds
// synthesized fields to the copy; the caller's schema is never mutated.
func NewBuilder(schema *Schema, funcs Funcs) *Builder {
	return &Builder{
		schema:     schema.clone(),
		funcs:      BuiltinFuncs().Merge(funcs),
		targets:    make(map[string][]Relation),
		sources:    make(map[string]*Source),
		labelNames: make(map[string]string),
	}
}

type stagedSource struct {
	typ        string
	label      LabelFunc
	labelName  string
	throttles  []Rate
	dependents map[string]Dependent
}

// Register validates and inserts the relations of one target type.
//
// It fails with a ConfigurationError when the target lacks a declared
// relation field, the field's kind does not match the storage mode, a
// synthesized field name collides with an existing field, or a referenced
// function or rate is invalid. Scalar relations add one nullable field
// relation_field per source field to the target; SharedDict relations add
// the denorm_data object field once.
func (b *Builder) Register(target string, configs ...SourceConfig) error {
	model, ok := b.schema.Model(target)
	if !ok {
		return &ConfigurationError{Target: target, Message: "unknown target type"}
	}
	if len(configs) == 0 {
		return &ConfigurationError{Target: target, Message: "no sources declared"}
	}

	staged := model.clone()
	labelNames := maps.Clone(b.labelNames)
	var rels []Relation
	var srcs []stagedSource

	for _, cfg := range configs {
		rel, src, err := b.stage(staged, rels, labelNames, target, cfg)
		if err != nil {
			return err
		}
		rels = append(rels, rel)
		srcs = append(srcs, src)
	}

	b.schema.models[target] = staged
	b.targets[target] = append(b.targets[target], rels...)
	b.labelNames = labelNames
	for _, s := range srcs {
		b.commitSource(s)
	}
	return nil
}

func (b *Builder) stage(staged *Model, pending []Relation, labelNames map[string]string, target string, cfg SourceConfig) (Relation, stagedSource, error) {
	fail := func(format string, args ...any) (Relation, stagedSource, error) {
		return Relation{}, stagedSource{}, &ConfigurationError{
			Target:   target,
			Relation: cfg.Relation,
			Message:  fmt.Sprintf(format, args...),
		}
	}

	if cfg.Relation == "" {
		return fail("relation name is required")
	}
	for _, r := range append(slices.Clone(b.targets[target]), pending...) {
		if r.Name == cfg.Relation {
			return fail("relation registered twice")
		}
	}

	storage := cfg.Storage
	if storage == 0 {
		storage = ir.Scalar
	}
	strategy := cfg.Strategy
	if strategy == 0 {
		strategy = ir.Cursor
	}

	relField, ok := staged.Field(cfg.Relation)
	if !ok {
		return fail("target has no relation field %q", cfg.Relation)
	}

	var sourceType string
	switch storage {
	case ir.Scalar:
		if relField.Kind != KindRef {
			return fail("scalar relation must be a single reference field, got %s", relField.Kind)
		}
		sourceType = relField.Ref
		if cfg.Model != "" && cfg.Model != sourceType {
			return fail("model %q does not match reference to %q", cfg.Model, sourceType)
		}
	case ir.SharedDict:
		if relField.Kind != KindList {
			return fail("shared_dict relation must be a list field, got %s", relField.Kind)
		}
		sourceType = cfg.Model
		if sourceType == "" {
			sourceType = relField.Ref
		}
		if relField.Ref != "" && sourceType != relField.Ref {
			return fail("model %q does not match list of %q", cfg.Model, relField.Ref)
		}
		if sourceType == "" {
			return fail("shared_dict relation needs a source model")
		}
		if data, exists := staged.Field(DenormDataField); exists {
			if data.Kind != KindObject {
				return fail("%s must be an object field, got %s", DenormDataField, data.Kind)
			}
		} else {
			staged.add(Field{Name: DenormDataField, Kind: KindObject, Nullable: true, Synthesized: true})
		}
	default:
		return fail("unknown storage mode %s", storage)
	}

	for _, r := range append(slices.Clone(b.targets[target]), pending...) {
		if r.Source == sourceType {
			return fail("relation %q already links %s to %s; one relation per source type", r.Name, target, sourceType)
		}
	}

	srcModel, ok := b.schema.Model(sourceType)
	if !ok {
		return fail("unknown source type %q", sourceType)
	}
	if len(cfg.Fields) == 0 {
		return fail("no fields declared")
	}

	label, err := b.funcs.label(cfg.Label)
	if err != nil {
		return fail("%v", err)
	}
	if prev, seen := labelNames[sourceType]; seen && cfg.Label != "" && prev != "" && prev != cfg.Label {
		return fail("conflicting label functions %q and %q for source %s", prev, cfg.Label, sourceType)
	}
	if cfg.Label != "" || labelNames[sourceType] == "" {
		labelNames[sourceType] = cfg.Label
	}

	var throttles []Rate
	for _, spec := range cfg.Throttles {
		rate, err := ParseRate(spec)
		if err != nil {
			return fail("%v", err)
		}
		throttles = append(throttles, rate)
	}

	shardCount, err := b.funcs.shards(cfg.Shards)
	if err != nil {
		return fail("%v", err)
	}

	rel := Relation{
		Name:     cfg.Relation,
		Target:   target,
		Source:   sourceType,
		Fields:   slices.Clone(cfg.Fields),
		Storage:  storage,
		Strategy: strategy,
	}
	src := stagedSource{
		typ:        sourceType,
		label:      label,
		labelName:  cfg.Label,
		throttles:  throttles,
		dependents: make(map[string]Dependent),
	}
	dep := Dependent{
		Target:     target,
		Relation:   cfg.Relation,
		Strategy:   strategy,
		Storage:    storage,
		ShardCount: shardCount,
	}

	for _, name := range cfg.Fields {
		sf, ok := srcModel.Field(name)
		if !ok {
			return fail("source %s has no field %q", sourceType, name)
		}
		col := sf.Column()
		if _, dup := src.dependents[col]; dup {
			return fail("field %q listed twice", name)
		}

		switch storage {
		case ir.Scalar:
			synth := Field{
				Name:        cfg.Relation + "_" + name,
				Kind:        sf.Kind,
				Ref:         sf.Ref,
				Nullable:    true,
				Synthesized: true,
			}
			if _, exists := staged.Field(synth.Name); exists {
				return fail("denormalized field %q already exists on target", synth.Name)
			}
			if _, exists := staged.FieldByColumn(synth.Column()); exists {
				return fail("denormalized column %q already exists on target", synth.Column())
			}
			staged.add(synth)
			rel.Columns = append(rel.Columns, ColumnMap{Source: col, Target: synth.Column()})
		case ir.SharedDict:
			rel.Columns = append(rel.Columns, ColumnMap{Source: col, Target: col})
		}
		src.dependents[col] = dep
	}

	return rel, src, nil
}

func (b *Builder) commitSource(s stagedSource) {
	entry, ok := b.sources[s.typ]
	if !ok {
		entry = &Source{Type: s.typ, Fields: make(map[string][]Dependent)}
		b.sources[s.typ] = entry
	}
	if entry.Label == nil && s.label != nil {
		entry.Label = s.label
	}
	for _, rate := range s.throttles {
		if !slices.ContainsFunc(entry.Throttles, func(r Rate) bool { return r.Spec == rate.Spec }) {
			entry.Throttles = append(entry.Throttles, rate)
		}
	}
	for col, dep := range s.dependents {
		entry.Fields[col] = append(entry.Fields[col], dep)
	}
}

// Build returns an immutable snapshot of everything registered so far.
func (b *Builder) Build() *Graph {
	g := &Graph{
		schema:  b.schema.clone(),
		targets: make(map[string][]Relation, len(b.targets)),
		sources: make(map[string]*Source, len(b.sources)),
	}
	for t, rels := range b.targets {
		cp := make([]Relation, len(rels))
		for i, r := range rels {
			r.Fields = slices.Clone(r.Fields)
			r.Columns = slices.Clone(r.Columns)
			cp[i] = r
		}
		g.targets[t] = cp
	}
	for typ, s := range b.sources {
		fields := make(map[string][]Dependent, len(s.Fields))
		for col, deps := range s.Fields {
			fields[col] = slices.Clone(deps)
		}
		g.sources[typ] = &Source{
			Type:      s.Type,
			Label:     s.Label,
			Throttles: slices.Clone(s.Throttles),
			Fields:    fields,
		}
	}
	return g
}
