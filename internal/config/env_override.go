package config

import (
	"os"
	"strconv"
)

// applyEnvOverrides applies TELIC_* environment variables on top of the
// loaded config. Unset or unparseable values leave the config untouched.
func applyEnvOverrides(cfg *Config) {
	envInt("TELIC_MAX_TASK_ATTEMPTS", &cfg.Limits.MaxTaskAttempts)
	envInt("TELIC_MAX_TEST_FIX_ATTEMPTS", &cfg.Limits.MaxTestFixAttempts)
	envInt("TELIC_MAX_CONSECUTIVE_BLOCKED", &cfg.Limits.MaxConsecutiveBlocked)
	envInt("TELIC_MAX_NO_PROGRESS", &cfg.Limits.MaxNoProgress)
	envInt("TELIC_MAX_IMPL_NO_PROGRESS", &cfg.Limits.MaxImplNoProgress)
	envInt("TELIC_SIGNIFICANT_TASK_THRESHOLD", &cfg.Limits.SignificantTaskThresh)

	envInt("TELIC_REGRESSION_CHECK_INTERVAL", &cfg.Testing.RegressionCheckInterval)
	envInt("TELIC_SPOT_CHECK_PROBABILITY", &cfg.Testing.SpotCheckProbability)
	envInt("TELIC_SPOT_CHECK_COUNT", &cfg.Testing.SpotCheckCount)
	envString("TELIC_TEST_RUNNER_PREAMBLE", &cfg.Testing.RunnerPreamble)
	envString("TELIC_E2E_TEST_DIR", &cfg.Testing.E2EDir)

	envDuration("TELIC_SERVICE_TIMEOUT", &cfg.Services.Timeout)
	envDuration("TELIC_EPIC_FEEDBACK_TIMEOUT", &cfg.Epics.FeedbackTimeout)

	envServicePort(cfg, "TELIC_BACKEND_PORT", "backend")
	envServicePort(cfg, "TELIC_FRONTEND_PORT", "frontend")
	envServicePort(cfg, "TELIC_CDP_PORT", "browser-cdp")
	envServiceHealth(cfg, "TELIC_BACKEND_HEALTH_PATH", "backend")
	envServiceHealth(cfg, "TELIC_FRONTEND_HEALTH_PATH", "frontend")
}

func envInt(key string, dst *int) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*dst = v
	}
}

func envString(key string, dst *string) {
	if raw, ok := os.LookupEnv(key); ok {
		*dst = raw
	}
}

func envDuration(key string, dst *Duration) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if d, err := ParseDuration(raw); err == nil {
		*dst = d
	}
}

func envServicePort(cfg *Config, key, name string) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	for i := range cfg.Services.Declared {
		if cfg.Services.Declared[i].Name == name {
			cfg.Services.Declared[i].Port = port
		}
	}
}

func envServiceHealth(cfg *Config, key, name string) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	for i := range cfg.Services.Declared {
		if cfg.Services.Declared[i].Name == name {
			cfg.Services.Declared[i].HealthPath = raw
		}
	}
}
