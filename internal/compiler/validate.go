package compiler

import (
	"fmt"
	"regexp"

	"github.com/roach88/denorm/internal/graph"
	"github.com/roach88/denorm/internal/ir"
)

// Validation error codes (E100-E199)
const (
	ErrUnknownModel       = "E101" // ref/list/model names an undeclared model
	ErrUnknownTarget      = "E102" // denorm block for an undeclared model
	ErrUnknownRelation    = "E103" // relation is not a field of the target
	ErrRelationKind       = "E104" // relation field kind does not fit the storage mode
	ErrUnknownSourceField = "E105" // listed field is not declared on the source
	ErrInvalidRate        = "E106" // throttle is not N/period
	ErrAmbiguousSource    = "E107" // two relations of one target share a source type
	ErrInvalidName        = "E108" // model or field name is not an identifier
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

var identPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Validate checks a compiled configuration and returns every problem found
// (does not fail-fast). BuildGraph still performs the authoritative checks;
// Validate exists so one run reports all of them.
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	for _, name := range cfg.Schema.Names() {
		m, _ := cfg.Schema.Model(name)
		if !identPattern.MatchString(name) {
			errs = append(errs, ValidationError{
				Field:   "model." + name,
				Message: fmt.Sprintf("invalid model name %q", name),
				Code:    ErrInvalidName,
			})
		}
		for _, f := range m.Fields() {
			path := fmt.Sprintf("model.%s.%s", name, f.Name)
			if !identPattern.MatchString(f.Name) {
				errs = append(errs, ValidationError{
					Field:   path,
					Message: fmt.Sprintf("invalid field name %q", f.Name),
					Code:    ErrInvalidName,
				})
			}
			if f.Kind == graph.KindRef || f.Kind == graph.KindList {
				if _, ok := cfg.Schema.Model(f.Ref); !ok && f.Ref != "" {
					errs = append(errs, ValidationError{
						Field:   path,
						Message: fmt.Sprintf("unknown model %q", f.Ref),
						Code:    ErrUnknownModel,
					})
				}
			}
		}
	}

	for _, decl := range cfg.Targets {
		errs = append(errs, validateTarget(cfg.Schema, decl)...)
	}

	return errs
}

func validateTarget(schema *graph.Schema, decl TargetDecl) []ValidationError {
	var errs []ValidationError
	line := decl.Pos.Line()

	target, ok := schema.Model(decl.Target)
	if !ok {
		return []ValidationError{{
			Field:   "denorm." + decl.Target,
			Message: fmt.Sprintf("unknown target model %q", decl.Target),
			Code:    ErrUnknownTarget,
			Line:    line,
		}}
	}

	seenSources := make(map[string]string)
	for _, src := range decl.Sources {
		path := fmt.Sprintf("denorm.%s.%s", decl.Target, src.Relation)

		for i, spec := range src.Throttles {
			if _, err := graph.ParseRate(spec); err != nil {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s.throttles[%d]", path, i),
					Message: err.Error(),
					Code:    ErrInvalidRate,
					Line:    line,
				})
			}
		}

		rel, ok := target.Field(src.Relation)
		if !ok {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: fmt.Sprintf("%s has no field %q", decl.Target, src.Relation),
				Code:    ErrUnknownRelation,
				Line:    line,
			})
			continue
		}

		want := graph.KindRef
		if src.Storage == ir.SharedDict {
			want = graph.KindList
		}
		if rel.Kind != want {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: fmt.Sprintf("%s storage needs a %s field, got %s", storageName(src.Storage), want, rel.Kind),
				Code:    ErrRelationKind,
				Line:    line,
			})
			continue
		}

		sourceType := rel.Ref
		if src.Model != "" {
			sourceType = src.Model
		}
		source, ok := schema.Model(sourceType)
		if !ok {
			errs = append(errs, ValidationError{
				Field:   path + ".model",
				Message: fmt.Sprintf("unknown model %q", sourceType),
				Code:    ErrUnknownModel,
				Line:    line,
			})
			continue
		}

		if prev, dup := seenSources[sourceType]; dup {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: fmt.Sprintf("relations %q and %q both read from %s", prev, src.Relation, sourceType),
				Code:    ErrAmbiguousSource,
				Line:    line,
			})
		}
		seenSources[sourceType] = src.Relation

		for i, name := range src.Fields {
			if _, ok := source.Field(name); !ok {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s.fields[%d]", path, i),
					Message: fmt.Sprintf("%s has no field %q", sourceType, name),
					Code:    ErrUnknownSourceField,
					Line:    line,
				})
			}
		}
	}

	return errs
}

func storageName(m ir.StorageMode) string {
	if m == 0 {
		return ir.Scalar.String()
	}
	return m.String()
}
