package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_File(t *testing.T) {
	res, err := LoadConfig(libraryConfig)
	require.NoError(t, err)

	assert.Equal(t, 1, res.FileCount)
	assert.Equal(t, []string{"Author", "Book", "Tag"}, res.Config.Schema.Names())
	require.Len(t, res.Config.Targets, 1)
	assert.Equal(t, "Book", res.Config.Targets[0].Target)
}

func TestLoadConfig_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "models.cue"), []byte(`package app

model: Author: name: string
model: Book: author: {ref: "Author"}
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "denorm.cue"), []byte(`package app

denorm: Book: author: fields: ["name"]
`), 0644))

	res, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FileCount)
	require.Len(t, res.Config.Targets, 1)
	assert.Equal(t, "author", res.Config.Targets[0].Sources[0].Relation)
}

func TestLoadConfig_Errors(t *testing.T) {
	empty := t.TempDir()
	notCUE := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(notCUE, []byte("queue: x\n"), 0644))

	tests := []struct {
		name     string
		path     string
		wantCode string
	}{
		{"missing", "/nonexistent/config", ErrCodeNotFound},
		{"empty directory", empty, ErrCodeNoFiles},
		{"not a cue file", notCUE, ErrCodeNoFiles},
		{"float field", floatConfig, ErrCodeInvalidModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(tt.path)
			require.Error(t, err)

			var loadErr *LoadError
			require.ErrorAs(t, err, &loadErr)
			assert.Equal(t, tt.wantCode, loadErr.Code)
		})
	}
}

func TestLoadConfig_PositionInError(t *testing.T) {
	_, err := LoadConfig(floatConfig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "float.cue:3:")
	assert.Contains(t, err.Error(), "float types are forbidden")
}

func TestLoadGraph(t *testing.T) {
	_, g, err := LoadGraph(libraryConfig)
	require.NoError(t, err)

	assert.Equal(t, []string{"Book"}, g.Targets())
	assert.Equal(t, []string{"Author", "Tag"}, g.Sources())
	assert.Equal(t, []string{"email", "name"}, g.WatchedColumns("Author"))
}

func TestLoadGraph_BuildError(t *testing.T) {
	_, _, err := LoadGraph(invalidConfig)
	require.Error(t, err)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, ErrCodeGraph, loadErr.Code)
}

func TestMapFieldToErrorCode(t *testing.T) {
	tests := []struct {
		field string
		want  string
	}{
		{"cue", ErrCodeBuildFailed},
		{"model", ErrCodeInvalidModel},
		{"model.Book.rating", ErrCodeInvalidModel},
		{"denorm.Book.author.storage", ErrCodeInvalidDenorm},
		{"other", ErrCodeGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			assert.Equal(t, tt.want, MapFieldToErrorCode(tt.field))
		})
	}
}

func TestFindCUEFiles(t *testing.T) {
	files, err := FindCUEFiles(filepath.Join("testdata", "invalid"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
}
