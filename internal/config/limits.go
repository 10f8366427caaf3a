package config

import "fmt"

// Limits enforces loop-wide attempt caps and iteration bounds.
type Limits struct {
	// MaxIterations is the outer-loop safety cap.
	MaxIterations int `yaml:"max_iterations"`

	// MaxTaskAttempts bounds implementation attempts per task.
	MaxTaskAttempts int `yaml:"max_task_attempts"`

	// MaxTestFixAttempts bounds fix/re-test cycles per test.
	MaxTestFixAttempts int `yaml:"max_test_fix_attempts"`

	// MaxConsecutiveBlocked terminates the test phase when this many tests
	// block back to back.
	MaxConsecutiveBlocked int `yaml:"max_consecutive_blocked"`

	// MaxNoProgress is the outer fingerprint-stuck threshold.
	MaxNoProgress int `yaml:"max_no_progress"`

	// MaxImplNoProgress is the per-task stuck threshold inside the
	// implement phase.
	MaxImplNoProgress int `yaml:"max_impl_no_progress"`

	// MaxServiceAttempts bounds readiness supervision rounds.
	MaxServiceAttempts int `yaml:"max_service_attempts"`

	// MaxGateRemediation bounds one quality gate's self-healing loop.
	MaxGateRemediation int `yaml:"max_gate_remediation"`

	// SignificantTaskThresh is the count of newly accumulated structural
	// tasks (SVC/INT/ARCH/PREP) that invalidates the quality gates.
	SignificantTaskThresh int `yaml:"significant_task_threshold"`

	// VRCInterval runs a vision reality check every N test iterations.
	VRCInterval int `yaml:"vrc_interval"`

	// StrategyCooldown is the minimum iterations between strategy-agent
	// invocations, and the warmup before the first one.
	StrategyCooldown int `yaml:"strategy_cooldown"`

	// CoherenceQuickInterval runs a quick coherence check every N tasks.
	CoherenceQuickInterval int `yaml:"coherence_quick_interval"`
}

// Validate checks that caps are usable.
func (c *Config) Validate() error {
	if len(c.Agent.Command) == 0 {
		return fmt.Errorf("agent.command must not be empty")
	}
	if c.Limits.MaxIterations < 1 {
		return fmt.Errorf("limits.max_iterations must be >= 1")
	}
	if c.Limits.MaxTaskAttempts < 1 {
		return fmt.Errorf("limits.max_task_attempts must be >= 1")
	}
	if c.Limits.MaxTestFixAttempts < 1 {
		return fmt.Errorf("limits.max_test_fix_attempts must be >= 1")
	}
	if c.Testing.SpotCheckProbability < 0 || c.Testing.SpotCheckProbability > 100 {
		return fmt.Errorf("testing.spot_check_probability must be 0-100")
	}
	if c.Epics.MaxEpics < 1 {
		return fmt.Errorf("epics.max_epics must be >= 1")
	}
	for i, svc := range c.Services.Declared {
		if svc.Name == "" {
			return fmt.Errorf("services.declared[%d]: name required", i)
		}
		switch svc.Probe {
		case ProbeHTTP, ProbeTCP, ProbeCommand:
		default:
			return fmt.Errorf("service %s: unknown probe kind %q", svc.Name, svc.Probe)
		}
	}
	return nil
}
