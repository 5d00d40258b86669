package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/denorm/internal/graph"
	"github.com/roach88/denorm/internal/ir"
)

const libraryCUE = `
model: Org: {
	name: string
}
model: Author: {
	name:  string
	email: string | null
	org:   {ref: "Org"}
}
model: Tag: {
	label: string
	color: string
}
model: Book: {
	title:  string
	pages:  int
	meta:   {...}
	author: {ref: "Author"}
	tags:   {list: "Tag"}
}
denorm: Book: {
	author: {
		fields:    ["name", "org"]
		throttles: ["3/m"]
		label:     "per_type"
	}
	tags: {
		fields:   ["label", "color"]
		storage:  "shared_dict"
		strategy: "sharded"
		shards:   "fixed:4"
	}
}
`

func TestCompile_Models(t *testing.T) {
	cfg, err := CompileString(libraryCUE, "library.cue")
	require.NoError(t, err)

	assert.Equal(t, []string{"Author", "Book", "Org", "Tag"}, cfg.Schema.Names())

	author, ok := cfg.Schema.Model("Author")
	require.True(t, ok)

	email, ok := author.Field("email")
	require.True(t, ok)
	assert.Equal(t, graph.KindString, email.Kind)
	assert.True(t, email.Nullable)

	org, ok := author.Field("org")
	require.True(t, ok)
	assert.Equal(t, graph.KindRef, org.Kind)
	assert.Equal(t, "Org", org.Ref)

	book, _ := cfg.Schema.Model("Book")
	pages, _ := book.Field("pages")
	assert.Equal(t, graph.KindInt, pages.Kind)
	meta, _ := book.Field("meta")
	assert.Equal(t, graph.KindObject, meta.Kind)
	tags, _ := book.Field("tags")
	assert.Equal(t, graph.KindList, tags.Kind)
	assert.Equal(t, "Tag", tags.Ref)
}

func TestCompile_Denorm(t *testing.T) {
	cfg, err := CompileString(libraryCUE, "library.cue")
	require.NoError(t, err)

	require.Len(t, cfg.Targets, 1)
	decl := cfg.Targets[0]
	assert.Equal(t, "Book", decl.Target)
	require.Len(t, decl.Sources, 2)

	author := decl.Sources[0]
	assert.Equal(t, "author", author.Relation)
	assert.Equal(t, []string{"name", "org"}, author.Fields)
	assert.Equal(t, ir.Scalar, author.Storage)
	assert.Equal(t, ir.Cursor, author.Strategy)
	assert.Equal(t, []string{"3/m"}, author.Throttles)
	assert.Equal(t, "per_type", author.Label)

	tags := decl.Sources[1]
	assert.Equal(t, ir.SharedDict, tags.Storage)
	assert.Equal(t, ir.Sharded, tags.Strategy)
	assert.Equal(t, "fixed:4", tags.Shards)
}

func TestBuildGraph(t *testing.T) {
	cfg, err := CompileString(libraryCUE, "library.cue")
	require.NoError(t, err)

	g, err := BuildGraph(cfg, graph.Funcs{})
	require.NoError(t, err)

	book, _ := g.Schema().Model("Book")
	_, ok := book.Field("author_name")
	assert.True(t, ok)
	_, ok = book.FieldByColumn("author_org_id")
	assert.True(t, ok)
	_, ok = book.Field(graph.DenormDataField)
	assert.True(t, ok)

	assert.Equal(t, []string{"name", "org_id"}, g.WatchedColumns("Author"))
	assert.Equal(t, []string{"color", "label"}, g.WatchedColumns("Tag"))
}

func TestBuildGraph_ConfigurationError(t *testing.T) {
	cfg, err := CompileString(`
model: Author: name: string
model: Book: {
	author: {ref: "Author"}
	author_name: string
}
denorm: Book: author: fields: ["name"]
`, "collide.cue")
	require.NoError(t, err)

	_, err = BuildGraph(cfg, graph.Funcs{})
	require.Error(t, err)
	assert.True(t, graph.IsConfigurationError(err))
}

func TestCompile_FloatForbidden(t *testing.T) {
	_, err := CompileString(`
model: Product: price: float
`, "float.cue")
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "model.Product.price", ce.Field)
	assert.Contains(t, ce.Message, "float")
}

func TestCompile_NumberForbidden(t *testing.T) {
	_, err := CompileString(`model: Product: weight: number`, "number.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "float types are forbidden")
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "no models",
			src:  `denorm: {}`,
			want: "at least one model is required",
		},
		{
			name: "missing fields",
			src: `
model: Author: name: string
model: Book: author: {ref: "Author"}
denorm: Book: author: {label: "per_type"}
`,
			want: "fields are required",
		},
		{
			name: "empty fields",
			src: `
model: Author: name: string
model: Book: author: {ref: "Author"}
denorm: Book: author: fields: []
`,
			want: "at least one field is required",
		},
		{
			name: "unknown key",
			src: `
model: Author: name: string
model: Book: author: {ref: "Author"}
denorm: Book: author: {fields: ["name"], colour: "red"}
`,
			want: "unknown key",
		},
		{
			name: "bad storage",
			src: `
model: Author: name: string
model: Book: author: {ref: "Author"}
denorm: Book: author: {fields: ["name"], storage: "blob"}
`,
			want: "unknown storage mode",
		},
		{
			name: "bad strategy",
			src: `
model: Author: name: string
model: Book: author: {ref: "Author"}
denorm: Book: author: {fields: ["name"], strategy: "eventually"}
`,
			want: "unknown strategy",
		},
		{
			name: "ref and list",
			src:  `model: Book: author: {ref: "Author", list: "Author"}`,
			want: "mutually exclusive",
		},
		{
			name: "empty target",
			src: `
model: Book: title: string
denorm: Book: {}
`,
			want: "at least one relation is required",
		},
		{
			name: "cue syntax",
			src:  `model: Book: {`,
			want: "cue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileString(tt.src, "test.cue")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCompile_NullableRef(t *testing.T) {
	cfg, err := CompileString(`
model: Author: name: string
model: Book: author: {ref: "Author", nullable: true}
`, "nullable.cue")
	require.NoError(t, err)

	book, _ := cfg.Schema.Model("Book")
	f, _ := book.Field("author")
	assert.True(t, f.Nullable)
	assert.Equal(t, graph.KindRef, f.Kind)
}

func TestCompileError_Format(t *testing.T) {
	err := &CompileError{Field: "denorm.Book", Message: "bad"}
	assert.Equal(t, "denorm.Book: bad", err.Error())
}
