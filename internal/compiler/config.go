package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/denorm/internal/graph"
	"github.com/roach88/denorm/internal/ir"
)

// Config is a compiled dependency configuration: the record types and the
// denormalized relations declared on them.
type Config struct {
	Schema  *graph.Schema
	Targets []TargetDecl // declaration order
}

// TargetDecl is the denorm block of one target type.
type TargetDecl struct {
	Target  string
	Sources []graph.SourceConfig
	Pos     token.Pos
}

// CompileString compiles CUE source text. filename is only used in error
// positions.
func CompileString(src, filename string) (*Config, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	return Compile(v)
}

// Compile parses a CUE value into a Config.
//
// The value holds two top-level structs:
//
//	model: Author: {
//		name:  string
//		email: string | null
//		org:   {ref: "Org"}
//	}
//	model: Book: {
//		title:  string
//		author: {ref: "Author"}
//		tags:   {list: "Tag"}
//	}
//	denorm: Book: {
//		author: {fields: ["name"], throttles: ["3/m"]}
//		tags:   {fields: ["label"], storage: "shared_dict", strategy: "sharded"}
//	}
func Compile(v cue.Value) (*Config, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	modelsVal := v.LookupPath(cue.ParsePath("model"))
	if !modelsVal.Exists() {
		return nil, &CompileError{Field: "model", Message: "at least one model is required", Pos: v.Pos()}
	}
	models, err := parseModels(modelsVal)
	if err != nil {
		return nil, err
	}

	cfg := &Config{Schema: graph.NewSchema(models...)}

	denormVal := v.LookupPath(cue.ParsePath("denorm"))
	if !denormVal.Exists() {
		return cfg, nil
	}

	iter, err := denormVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		decl, err := parseTarget(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		cfg.Targets = append(cfg.Targets, decl)
	}

	return cfg, nil
}

// BuildGraph registers every target declaration of cfg and returns the
// resulting graph. The first ConfigurationError aborts the build.
func BuildGraph(cfg *Config, funcs graph.Funcs) (*graph.Graph, error) {
	b := graph.NewBuilder(cfg.Schema, funcs)
	for _, decl := range cfg.Targets {
		if err := b.Register(decl.Target, decl.Sources...); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

func parseModels(v cue.Value) ([]*graph.Model, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var models []*graph.Model
	for iter.Next() {
		name := iter.Label()
		fieldIter, err := iter.Value().Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}

		var fields []graph.Field
		for fieldIter.Next() {
			f, err := parseField(fieldIter.Label(), fieldIter.Value(), "model."+name)
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
		}
		models = append(models, graph.NewModel(name, fields...))
	}

	if len(models) == 0 {
		return nil, &CompileError{Field: "model", Message: "at least one model is required", Pos: v.Pos()}
	}
	return models, nil
}

// parseField converts a CUE field declaration into a model field.
// A struct holding ref or list declares a relation; any other struct is a
// plain object. Floats are forbidden.
func parseField(name string, v cue.Value, parent string) (graph.Field, error) {
	path := parent + "." + name
	kind := v.IncompleteKind()
	nullable := kind&cue.NullKind != 0 && kind != cue.NullKind
	base := kind &^ cue.NullKind

	f := graph.Field{Name: name, Nullable: nullable}

	if base&cue.FloatKind != 0 {
		return f, &CompileError{
			Field:   path,
			Message: "float types are forbidden, use int instead",
			Pos:     v.Pos(),
		}
	}

	switch base {
	case cue.StringKind:
		f.Kind = graph.KindString
	case cue.IntKind:
		f.Kind = graph.KindInt
	case cue.BoolKind:
		f.Kind = graph.KindBool
	case cue.ListKind:
		f.Kind = graph.KindArray
	case cue.StructKind:
		return parseStructField(f, v, path)
	default:
		return f, &CompileError{
			Field:   path,
			Message: fmt.Sprintf("unsupported type kind: %v", kind),
			Pos:     v.Pos(),
		}
	}
	return f, nil
}

func parseStructField(f graph.Field, v cue.Value, path string) (graph.Field, error) {
	refVal := v.LookupPath(cue.ParsePath("ref"))
	listVal := v.LookupPath(cue.ParsePath("list"))

	switch {
	case refVal.Exists() && listVal.Exists():
		return f, &CompileError{Field: path, Message: "ref and list are mutually exclusive", Pos: v.Pos()}
	case refVal.Exists():
		ref, err := refVal.String()
		if err != nil {
			return f, formatCUEError(err)
		}
		f.Kind = graph.KindRef
		f.Ref = ref
	case listVal.Exists():
		ref, err := listVal.String()
		if err != nil {
			return f, formatCUEError(err)
		}
		f.Kind = graph.KindList
		f.Ref = ref
	default:
		f.Kind = graph.KindObject
		return f, nil
	}

	if nv := v.LookupPath(cue.ParsePath("nullable")); nv.Exists() {
		nullable, err := nv.Bool()
		if err != nil {
			return f, formatCUEError(err)
		}
		f.Nullable = nullable
	}
	return f, nil
}

var relationKeys = map[string]bool{
	"fields":    true,
	"model":     true,
	"storage":   true,
	"strategy":  true,
	"label":     true,
	"throttles": true,
	"shards":    true,
}

func parseTarget(target string, v cue.Value) (TargetDecl, error) {
	decl := TargetDecl{Target: target, Pos: v.Pos()}

	iter, err := v.Fields()
	if err != nil {
		return decl, formatCUEError(err)
	}
	for iter.Next() {
		src, err := parseRelation(target, iter.Label(), iter.Value())
		if err != nil {
			return decl, err
		}
		decl.Sources = append(decl.Sources, src)
	}

	if len(decl.Sources) == 0 {
		return decl, &CompileError{
			Field:   "denorm." + target,
			Message: "at least one relation is required",
			Pos:     v.Pos(),
		}
	}
	return decl, nil
}

func parseRelation(target, relation string, v cue.Value) (graph.SourceConfig, error) {
	path := fmt.Sprintf("denorm.%s.%s", target, relation)
	cfg := graph.SourceConfig{Relation: relation}

	iter, err := v.Fields()
	if err != nil {
		return cfg, formatCUEError(err)
	}
	for iter.Next() {
		if !relationKeys[iter.Label()] {
			return cfg, &CompileError{
				Field:   path + "." + iter.Label(),
				Message: "unknown key",
				Pos:     iter.Value().Pos(),
			}
		}
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return cfg, &CompileError{Field: path + ".fields", Message: "fields are required", Pos: v.Pos()}
	}
	if cfg.Fields, err = stringList(fieldsVal); err != nil {
		return cfg, err
	}
	if len(cfg.Fields) == 0 {
		return cfg, &CompileError{Field: path + ".fields", Message: "at least one field is required", Pos: fieldsVal.Pos()}
	}

	if cfg.Model, err = optionalString(v, "model"); err != nil {
		return cfg, err
	}
	if cfg.Label, err = optionalString(v, "label"); err != nil {
		return cfg, err
	}
	if cfg.Shards, err = optionalString(v, "shards"); err != nil {
		return cfg, err
	}

	storage, err := optionalString(v, "storage")
	if err != nil {
		return cfg, err
	}
	if cfg.Storage, err = ir.ParseStorageMode(storage); err != nil {
		return cfg, &CompileError{Field: path + ".storage", Message: err.Error(), Pos: v.Pos()}
	}

	strategy, err := optionalString(v, "strategy")
	if err != nil {
		return cfg, err
	}
	if cfg.Strategy, err = ir.ParseStrategy(strategy); err != nil {
		return cfg, &CompileError{Field: path + ".strategy", Message: err.Error(), Pos: v.Pos()}
	}

	if tv := v.LookupPath(cue.ParsePath("throttles")); tv.Exists() {
		if cfg.Throttles, err = stringList(tv); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

func optionalString(v cue.Value, key string) (string, error) {
	sv := v.LookupPath(cue.ParsePath(key))
	if !sv.Exists() {
		return "", nil
	}
	s, err := sv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func stringList(v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
