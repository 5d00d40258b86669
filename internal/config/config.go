package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvDatabase = "DENORM_DB"
	EnvDebug    = "DENORM_DEBUG"
)

// debugDelay replaces MinAge and EnqueueDelay in debug mode.
const debugDelay = time.Second

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config holds runtime settings.
type Config struct {
	Database  string `yaml:"database"`
	Queue     string `yaml:"queue"`      // pull queue of propagation requests
	TaskQueue string `yaml:"task_queue"` // push queue of deferred tasks
	Debug     bool   `yaml:"debug"`

	LeaseDuration    Duration `yaml:"lease_duration"`
	LeaseBatch       int      `yaml:"lease_batch"`
	MinAge           Duration `yaml:"min_age"`
	EnqueueDelay     Duration `yaml:"enqueue_delay"`
	Backoff          Duration `yaml:"backoff"`
	MaxLeaseAttempts int      `yaml:"max_lease_attempts"`

	PageSize       int `yaml:"page_size"`
	DefaultShards  int `yaml:"default_shards"`
	ShardBatchSize int `yaml:"shard_batch_size"`

	SchedulePeriod Duration `yaml:"schedule_period"`
	PollInterval   Duration `yaml:"poll_interval"`
}

// Default returns production settings.
func Default() Config {
	return Config{
		Database:         "denorm.db",
		Queue:            "denorm",
		TaskQueue:        "denorm-tasks",
		LeaseDuration:    Duration(60 * time.Second),
		LeaseBatch:       100,
		MinAge:           Duration(60 * time.Second),
		EnqueueDelay:     Duration(60 * time.Second),
		Backoff:          Duration(15 * time.Second),
		MaxLeaseAttempts: 3,
		PageSize:         100,
		DefaultShards:    3,
		ShardBatchSize:   50,
		SchedulePeriod:   Duration(30 * time.Second),
		PollInterval:     Duration(5 * time.Second),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if cfg, err = Parse(bytes.NewReader(data)); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDatabase); ok && v != "" {
		c.Database = v
	}
	if v, ok := lookup(EnvDebug); ok && v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebug, err)
		}
		c.Debug = debug
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Database == "":
		return errors.New("database is required")
	case c.Queue == "" || c.TaskQueue == "":
		return errors.New("queue names are required")
	case c.Queue == c.TaskQueue:
		return fmt.Errorf("queue and task_queue must differ, both are %q", c.Queue)
	case c.LeaseDuration <= 0:
		return errors.New("lease_duration must be positive")
	case c.LeaseBatch < 1:
		return errors.New("lease_batch must be at least 1")
	case c.MinAge < 0 || c.EnqueueDelay < 0:
		return errors.New("min_age and enqueue_delay must not be negative")
	case c.Backoff <= 0:
		return errors.New("backoff must be positive")
	case c.MaxLeaseAttempts < 1:
		return errors.New("max_lease_attempts must be at least 1")
	case c.PageSize < 1:
		return errors.New("page_size must be at least 1")
	case c.DefaultShards < 1:
		return errors.New("default_shards must be at least 1")
	case c.ShardBatchSize < 1:
		return errors.New("shard_batch_size must be at least 1")
	case c.SchedulePeriod <= 0 || c.PollInterval <= 0:
		return errors.New("schedule_period and poll_interval must be positive")
	}
	return nil
}

// MinAgeDuration returns the effective minimum request age.
func (c Config) MinAgeDuration() time.Duration {
	if c.Debug {
		return debugDelay
	}
	return time.Duration(c.MinAge)
}

// EnqueueDelayDuration returns the effective enqueue delay.
func (c Config) EnqueueDelayDuration() time.Duration {
	if c.Debug {
		return debugDelay
	}
	return time.Duration(c.EnqueueDelay)
}
