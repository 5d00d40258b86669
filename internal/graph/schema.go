package graph

import (
	"fmt"
	"slices"
)

// Kind is the type of a model field.
type Kind int

const (
	KindString Kind = iota + 1
	KindInt
	KindBool
	KindArray
	KindObject

	// KindRef is a single reference to a record of type Field.Ref. Its value
	// is stored under the identifier column name_id.
	KindRef

	// KindList is a list of IDs of records of type Field.Ref.
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindRef:
		return "ref"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Field describes one field of a model.
type Field struct {
	Name     string
	Kind     Kind
	Ref      string // referenced model for KindRef and KindList
	Nullable bool

	// Synthesized marks fields added by dependency registration rather
	// than declared by the model.
	Synthesized bool
}

// Column returns the key the field is stored under in a record. References
// are tracked by identifier so reading them never needs a dereference.
func (f Field) Column() string {
	if f.Kind == KindRef {
		return f.Name + "_id"
	}
	return f.Name
}

// Model is a record type: a name and its fields in declaration order.
type Model struct {
	Name   string
	fields []Field
	index  map[string]int
}

// NewModel creates a model. Duplicate field names keep the first declaration.
func NewModel(name string, fields ...Field) *Model {
	m := &Model{Name: name, index: make(map[string]int, len(fields))}
	for _, f := range fields {
		m.add(f)
	}
	return m
}

func (m *Model) add(f Field) bool {
	if _, exists := m.index[f.Name]; exists {
		return false
	}
	m.index[f.Name] = len(m.fields)
	m.fields = append(m.fields, f)
	return true
}

// Field returns the named field.
func (m *Model) Field(name string) (Field, bool) {
	i, ok := m.index[name]
	if !ok {
		return Field{}, false
	}
	return m.fields[i], true
}

// FieldByColumn returns the field stored under column, which differs from
// the field name only for references.
func (m *Model) FieldByColumn(column string) (Field, bool) {
	if f, ok := m.Field(column); ok && f.Column() == column {
		return f, true
	}
	for _, f := range m.fields {
		if f.Column() == column {
			return f, true
		}
	}
	return Field{}, false
}

// Fields returns the fields in declaration order, synthesized fields last.
func (m *Model) Fields() []Field {
	return slices.Clone(m.fields)
}

func (m *Model) clone() *Model {
	return NewModel(m.Name, m.fields...)
}

// Schema is the set of record types known to the system.
type Schema struct {
	models map[string]*Model
}

// NewSchema creates a schema from models.
func NewSchema(models ...*Model) *Schema {
	s := &Schema{models: make(map[string]*Model, len(models))}
	for _, m := range models {
		s.models[m.Name] = m
	}
	return s
}

// Model returns the named model.
func (s *Schema) Model(name string) (*Model, bool) {
	m, ok := s.models[name]
	return m, ok
}

// Names returns model names sorted.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.models))
	for name := range s.models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Schema) clone() *Schema {
	out := &Schema{models: make(map[string]*Model, len(s.models))}
	for name, m := range s.models {
		out.models[name] = m.clone()
	}
	return out
}
