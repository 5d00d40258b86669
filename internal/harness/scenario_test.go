package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "Minimal scenario"
config: |
  model: Author: name: string
steps:
  - save: {type: Author, id: a1, fields: {name: Ann}}
assertions:
  - type: record
    record: Author
    id: a1
    expect: {name: Ann}
`

func TestParseScenario_Valid(t *testing.T) {
	scenario, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	assert.Contains(t, scenario.Config, "model: Author")
	require.Len(t, scenario.Steps, 1)
	assert.Equal(t, StepSave, scenario.Steps[0].Kind())
	assert.Equal(t, "Ann", scenario.Steps[0].Save.Fields["name"])
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, AssertRecord, scenario.Assertions[0].Type)
}

func TestParseScenario_SettingsOverrideDefaults(t *testing.T) {
	scenario, err := ParseScenario([]byte(minimalScenario + `
settings:
  min_age: 5s
  debug: true
`))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, time.Duration(scenario.Settings.MinAge))
	assert.True(t, scenario.Settings.Debug)
	assert.Equal(t, "denorm", scenario.Settings.Queue, "unlisted settings keep defaults")
	assert.Equal(t, 100, scenario.Settings.LeaseBatch)
}

func TestParseScenario_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: d\nconfig: 'model: A: x: string'\nsteps: [{drain: true}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: n\nconfig: 'model: A: x: string'\nsteps: [{drain: true}]\n",
			wantErr: "description is required",
		},
		{
			name:    "missing config",
			content: "name: n\ndescription: d\nsteps: [{drain: true}]\n",
			wantErr: "config or config_file is required",
		},
		{
			name:    "no steps",
			content: "name: n\ndescription: d\nconfig: 'model: A: x: string'\n",
			wantErr: "steps list is required",
		},
		{
			name:    "two actions in one step",
			content: "name: n\ndescription: d\nconfig: 'model: A: x: string'\nsteps: [{drain: true, schedule: true}]\n",
			wantErr: "steps[0]: exactly one of",
		},
		{
			name:    "save without type",
			content: "name: n\ndescription: d\nconfig: 'model: A: x: string'\nsteps: [{save: {fields: {}}}]\n",
			wantErr: "steps[0].save: type is required",
		},
		{
			name:    "save without fields",
			content: "name: n\ndescription: d\nconfig: 'model: A: x: string'\nsteps: [{save: {type: A}}]\n",
			wantErr: "fields is required",
		},
		{
			name:    "bad duration",
			content: "name: n\ndescription: d\nconfig: 'model: A: x: string'\nsteps: [{advance: soon}]\n",
			wantErr: "steps[0].advance",
		},
		{
			name:    "negative duration",
			content: "name: n\ndescription: d\nconfig: 'model: A: x: string'\nsteps: [{advance: -1s}]\n",
			wantErr: "cannot move backwards",
		},
		{
			name:    "unknown field",
			content: "name: n\ndescription: d\nconfig: 'model: A: x: string'\nsteps: [{drain: true}]\nassertion: []\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "unknown assertion type",
			content: "name: n\ndescription: d\nconfig: 'model: A: x: string'\nsteps: [{drain: true}]\nassertions: [{type: nope}]\n",
			wantErr: `unknown assertion type "nope"`,
		},
		{
			name:    "record assertion without expect",
			content: "name: n\ndescription: d\nconfig: 'model: A: x: string'\nsteps: [{drain: true}]\nassertions: [{type: record, record: A, id: a}]\n",
			wantErr: "expect is required for record",
		},
		{
			name:    "bad queue name",
			content: "name: n\ndescription: d\nconfig: 'model: A: x: string'\nsteps: [{drain: true}]\nassertions: [{type: queue_length, queue: other}]\n",
			wantErr: "queue must be",
		},
		{
			name:    "trace_count unknown step",
			content: "name: n\ndescription: d\nconfig: 'model: A: x: string'\nsteps: [{drain: true}]\nassertions: [{type: trace_count, step: invoke}]\n",
			wantErr: `unknown step "invoke"`,
		},
		{
			name:    "invalid settings",
			content: "name: n\ndescription: d\nconfig: 'model: A: x: string'\nsettings: {lease_batch: 0}\nsteps: [{drain: true}]\n",
			wantErr: "settings: lease_batch must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_ConfigFileRelative(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cfg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg", "app.cue"), []byte("model: Author: name: string\n"), 0644))

	path := filepath.Join(dir, "s.yaml")
	content := `
name: from_file
description: "Config read from a file"
config_file: cfg/app.cue
steps:
  - drain: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "model: Author: name: string\n", scenario.Config)
}

func TestLoadScenario_ConfigFileMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	content := "name: n\ndescription: d\nconfig_file: nowhere.cue\nsteps: [{drain: true}]\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file")
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			assert.NotEmpty(t, scenario.Config)
		})
	}
}
