package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/denorm/internal/config"
)

// Scenario defines a propagation test scenario: a configuration, the steps
// to execute against it and what must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config is inline CUE declaring models and denorm relations.
	Config string `yaml:"config,omitempty"`

	// ConfigFile names a CUE file, relative to the scenario file, used
	// when Config is empty.
	ConfigFile string `yaml:"config_file,omitempty"`

	// Settings override config.Default() key by key.
	Settings config.Config `yaml:"settings,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action. Exactly one field is set.
type Step struct {
	Save     *SaveStep `yaml:"save,omitempty"`
	Advance  string    `yaml:"advance,omitempty"`
	Schedule bool      `yaml:"schedule,omitempty"`
	RunTasks bool      `yaml:"run_tasks,omitempty"`
	Drain    bool      `yaml:"drain,omitempty"`
}

// Kind names the action of the step.
func (s Step) Kind() string {
	switch {
	case s.Save != nil:
		return StepSave
	case s.Advance != "":
		return StepAdvance
	case s.Schedule:
		return StepSchedule
	case s.RunTasks:
		return StepRunTasks
	case s.Drain:
		return StepDrain
	default:
		return ""
	}
}

func (s Step) count() int {
	n := 0
	for _, set := range []bool{s.Save != nil, s.Advance != "", s.Schedule, s.RunTasks, s.Drain} {
		if set {
			n++
		}
	}
	return n
}

// Step kinds.
const (
	StepSave     = "save"
	StepAdvance  = "advance"
	StepSchedule = "schedule"
	StepRunTasks = "run_tasks"
	StepDrain    = "drain"
)

// SaveStep saves one record.
type SaveStep struct {
	Type string `yaml:"type"`

	// ID of the record. Empty creates a record with a generated ID.
	ID string `yaml:"id,omitempty"`

	// Fields are written over the stored record, or form the new record.
	Fields map[string]any `yaml:"fields"`

	Actor         string `yaml:"actor,omitempty"`
	Privileged    bool   `yaml:"privileged,omitempty"`
	Force         bool   `yaml:"force,omitempty"`
	NoPropagation bool   `yaml:"no_propagation,omitempty"`

	// ExpectError is throttled, unknown_type, denorm_failed,
	// dispatch_failed, or a substring of the expected error message.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion validates the state after the last step.
type Assertion struct {
	// Type is one of record, missing, queue_length, throttle_count,
	// trace_count.
	Type string `yaml:"type"`

	// Record and ID select a record (record, missing).
	Record string `yaml:"record,omitempty"`
	ID     string `yaml:"id,omitempty"`

	// Expect contains expected field values (record). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Queue is requests or tasks (queue_length).
	Queue string `yaml:"queue,omitempty"`

	// Label selects throttle records (throttle_count).
	Label string `yaml:"label,omitempty"`

	// Step and Outcome select trace events (trace_count). An empty
	// Outcome matches any.
	Step    string `yaml:"step,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRecord        = "record"
	AssertMissing       = "missing"
	AssertQueueLength   = "queue_length"
	AssertThrottleCount = "throttle_count"
	AssertTraceCount    = "trace_count"
)

// Queue names accepted by queue_length.
const (
	QueueRequests = "requests"
	QueueTasks    = "tasks"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// A config_file is read relative to the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Config == "" && scenario.ConfigFile != "" {
		cfgPath := scenario.ConfigFile
		if !filepath.IsAbs(cfgPath) {
			cfgPath = filepath.Join(filepath.Dir(path), cfgPath)
		}
		src, err := os.ReadFile(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("invalid scenario: config file: %w", err)
		}
		scenario.Config = string(src)
	}
	if scenario.Config == "" {
		return nil, fmt.Errorf("invalid scenario: config or config_file is required")
	}

	return scenario, nil
}

// ParseScenario decodes a scenario from YAML with strict field validation
// (catches typos like "assertion:" vs "assertions:"). config_file is not
// resolved.
func ParseScenario(data []byte) (*Scenario, error) {
	scenario := Scenario{Settings: config.Default()}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Config == "" && s.ConfigFile == "" {
		return fmt.Errorf("config or config_file is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if err := s.Settings.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, s Step) error {
	if s.count() != 1 {
		return fmt.Errorf("steps[%d]: exactly one of save, advance, schedule, run_tasks, drain is required", index)
	}
	switch {
	case s.Save != nil:
		if s.Save.Type == "" {
			return fmt.Errorf("steps[%d].save: type is required", index)
		}
		if s.Save.Fields == nil {
			return fmt.Errorf("steps[%d].save: fields is required (use empty map if no fields)", index)
		}
	case s.Advance != "":
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d].advance: %w", index, err)
		}
		if d < 0 {
			return fmt.Errorf("steps[%d].advance: clock cannot move backwards", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}

	switch a.Type {
	case AssertRecord:
		if a.Record == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: record and id are required for record", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for record", index)
		}
	case AssertMissing:
		if a.Record == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: record and id are required for missing", index)
		}
	case AssertQueueLength:
		if a.Queue != QueueRequests && a.Queue != QueueTasks {
			return fmt.Errorf("assertions[%d]: queue must be %q or %q", index, QueueRequests, QueueTasks)
		}
	case AssertThrottleCount:
		if a.Label == "" {
			return fmt.Errorf("assertions[%d]: label is required for throttle_count", index)
		}
	case AssertTraceCount:
		switch a.Step {
		case StepSave, StepAdvance, StepSchedule, StepRunTasks, StepDrain:
		default:
			return fmt.Errorf("assertions[%d]: unknown step %q for trace_count", index, a.Step)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
