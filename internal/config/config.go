// Package config holds the telic loop configuration. Configuration is a
// single record passed by value through every component; there is no global
// mutable state. Defaults come from DefaultConfig, per-sprint overrides from
// loop-config.yaml in the sprint directory, and environment overrides apply
// last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all telic loop settings.
type Config struct {
	// Agent holds the sub-agent invocation settings.
	Agent AgentConfig `yaml:"agent"`

	// Limits holds attempt caps and iteration bounds.
	Limits Limits `yaml:"limits"`

	// Testing holds test scheduler settings.
	Testing TestingConfig `yaml:"testing"`

	// Services declares the external services the sprint depends on.
	Services ServicesConfig `yaml:"services"`

	// Epics holds multi-epic orchestration settings.
	Epics EpicsConfig `yaml:"epics"`

	// Prompts is the directory prompt templates are read from, relative to
	// the sprint directory when not absolute.
	Prompts string `yaml:"prompts"`
}

// AgentConfig configures how sub-agent child processes are launched.
type AgentConfig struct {
	// Command is the argv used to launch a sub-agent. The prompt is written
	// to the child's stdin; the tool allow-set is forwarded as-is via
	// --tools when non-empty.
	Command []string `yaml:"command"`

	// Timeout is the default wall-clock bound for one invocation.
	Timeout Duration `yaml:"timeout"`

	// TestRunnerTimeout bounds test-runner invocations.
	TestRunnerTimeout Duration `yaml:"test_runner_timeout"`

	// FixTimeout bounds fix-agent invocations. Test-runner and fix timeouts
	// are distinct and never nested.
	FixTimeout Duration `yaml:"fix_timeout"`

	// Retries is the attempt cap for one invocation (non-zero exit retries).
	Retries int `yaml:"retries"`

	// RetryBackoff is the first retry delay; each retry doubles it.
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// TestingConfig configures the test scheduler.
type TestingConfig struct {
	// RegressionCheckInterval is the number of fixes between full
	// regression sweeps over passing tests.
	RegressionCheckInterval int `yaml:"regression_check_interval"`

	// SpotCheckProbability is the per-iteration percent chance of a random
	// spot check (0-100).
	SpotCheckProbability int `yaml:"spot_check_probability"`

	// SpotCheckCount is the number of passing tests re-run per spot check.
	SpotCheckCount int `yaml:"spot_check_count"`

	// RunnerPreamble is injected into test-runner sub-agent prompts.
	RunnerPreamble string `yaml:"test_runner_preamble"`

	// E2EDir is the directory the direct-execution runner is launched in.
	E2EDir string `yaml:"e2e_test_dir"`

	// E2ECommand is the argv prefix for the external end-to-end runner; the
	// annotated test name is appended as a grep filter.
	E2ECommand []string `yaml:"e2e_command"`
}

// EpicsConfig configures multi-epic orchestration.
type EpicsConfig struct {
	// FeedbackTimeout bounds the between-epic checkpoint wait; on expiry
	// the checkpoint auto-proceeds.
	FeedbackTimeout Duration `yaml:"epic_feedback_timeout"`

	// MaxEpics caps decomposition size.
	MaxEpics int `yaml:"max_epics"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Agent: AgentConfig{
			Command:           []string{"telic-agent"},
			Timeout:           Duration(180 * time.Second),
			TestRunnerTimeout: Duration(120 * time.Second),
			FixTimeout:        Duration(300 * time.Second),
			Retries:           3,
			RetryBackoff:      Duration(5 * time.Second),
		},
		Limits: Limits{
			MaxIterations:          100,
			MaxTaskAttempts:        3,
			MaxTestFixAttempts:     3,
			MaxConsecutiveBlocked:  5,
			MaxNoProgress:          3,
			MaxImplNoProgress:      3,
			MaxServiceAttempts:     3,
			MaxGateRemediation:     3,
			SignificantTaskThresh:  5,
			VRCInterval:            10,
			StrategyCooldown:       5,
			CoherenceQuickInterval: 5,
		},
		Testing: TestingConfig{
			RegressionCheckInterval: 5,
			SpotCheckProbability:    10,
			SpotCheckCount:          2,
			E2ECommand:              []string{"npx", "playwright", "test", "--grep"},
		},
		Services: ServicesConfig{
			Timeout: Duration(30 * time.Second),
			Declared: []ServiceSpec{
				{Name: "backend", Probe: ProbeHTTP, Port: 8000, HealthPath: "/health"},
				{Name: "frontend", Probe: ProbeHTTP, Port: 3000, HealthPath: "/"},
				{Name: "browser-cdp", Probe: ProbeTCP, Port: 9222},
			},
		},
		Epics: EpicsConfig{
			FeedbackTimeout: Duration(5 * time.Minute),
			MaxEpics:        5,
		},
		Prompts: "prompts",
	}
}

// Load builds the effective config for a sprint directory: defaults, then
// loop-config.yaml when present, then environment overrides.
func Load(sprintDir string) (Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(sprintDir, "loop-config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults apply.
	default:
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
