package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.MinAgeDuration())
	assert.Equal(t, 60*time.Second, cfg.EnqueueDelayDuration())
	assert.Equal(t, 3, cfg.DefaultShards)
	assert.Equal(t, 100, cfg.PageSize)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
database: /var/lib/denorm.db
min_age: 90s
lease_batch: 20
default_shards: 8
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/denorm.db", cfg.Database)
	assert.Equal(t, Duration(90*time.Second), cfg.MinAge)
	assert.Equal(t, 20, cfg.LeaseBatch)
	assert.Equal(t, 8, cfg.DefaultShards)
	assert.Equal(t, Duration(60*time.Second), cfg.EnqueueDelay, "unset keys keep defaults")
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "databse: x.db\n", "databse"},
		{"bad duration", "min_age: soon\n", "invalid duration"},
		{"non-string duration", "min_age: [1]\n", "duration must be a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDebugShortensDelays(t *testing.T) {
	cfg := Default()
	cfg.Debug = true
	assert.Equal(t, time.Second, cfg.MinAgeDuration())
	assert.Equal(t, time.Second, cfg.EnqueueDelayDuration())
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{EnvDatabase: "env.db", EnvDebug: "true"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, "env.db", cfg.Database)
	assert.True(t, cfg.Debug)

	env[EnvDebug] = "maybe"
	assert.Error(t, cfg.applyEnv(lookup))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "denorm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("page_size: 25\n"), 0o644))

	t.Setenv(EnvDatabase, filepath.Join(dir, "x.db"))
	t.Setenv(EnvDebug, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.PageSize)
	assert.Equal(t, filepath.Join(dir, "x.db"), cfg.Database)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvDatabase, "")
	t.Setenv(EnvDebug, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no database", func(c *Config) { c.Database = "" }},
		{"same queues", func(c *Config) { c.TaskQueue = c.Queue }},
		{"zero lease", func(c *Config) { c.LeaseDuration = 0 }},
		{"zero batch", func(c *Config) { c.LeaseBatch = 0 }},
		{"negative min age", func(c *Config) { c.MinAge = Duration(-time.Second) }},
		{"zero attempts", func(c *Config) { c.MaxLeaseAttempts = 0 }},
		{"zero shards", func(c *Config) { c.DefaultShards = 0 }},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
