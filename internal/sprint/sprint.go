// Package sprint models the top-level unit of work: a named directory
// holding the human-authored inputs (VISION.md, PRD.md), the plan and
// test-plan files the sub-agents write, the blocker register, and the
// append-only logs. All orchestrator components address sprint files through
// this package so the layout lives in exactly one place.
package sprint

import (
	"fmt"
	"os"
	"path/filepath"

	"telic/internal/config"
)

// Well-known sprint file names.
const (
	FileVision         = "VISION.md"
	FilePRD            = "PRD.md"
	FileArchitecture   = "ARCHITECTURE.md"
	FilePlan           = "IMPLEMENTATION_PLAN.md"
	FileTestPlan       = "BETA_TEST_PLAN_v1.md"
	FileValueChecklist = "VALUE_CHECKLIST.md"
	FileBlockers       = "BLOCKERS.md"
	FileLoopState      = "LOOP_STATE.md"
	FileRegressionLog  = "REGRESSION_LOG.md"
	FileRunLog         = "RUN_LOG.md"
	FileEpics          = "EPICS.yaml"
	FileFeedback       = "FEEDBACK.md"
)

// Sprint is one invocation's unit of work.
type Sprint struct {
	Name   string
	Dir    string
	Config config.Config
}

// New builds a sprint record rooted at dir.
func New(name, dir string, cfg config.Config) *Sprint {
	return &Sprint{Name: name, Dir: dir, Config: cfg}
}

// Path joins a file name onto the sprint directory.
func (s *Sprint) Path(name string) string { return filepath.Join(s.Dir, name) }

func (s *Sprint) VisionPath() string         { return s.Path(FileVision) }
func (s *Sprint) PRDPath() string            { return s.Path(FilePRD) }
func (s *Sprint) ArchitecturePath() string   { return s.Path(FileArchitecture) }
func (s *Sprint) PlanPath() string           { return s.Path(FilePlan) }
func (s *Sprint) TestPlanPath() string       { return s.Path(FileTestPlan) }
func (s *Sprint) ValueChecklistPath() string { return s.Path(FileValueChecklist) }
func (s *Sprint) BlockersPath() string       { return s.Path(FileBlockers) }
func (s *Sprint) LoopStatePath() string      { return s.Path(FileLoopState) }
func (s *Sprint) RegressionLogPath() string  { return s.Path(FileRegressionLog) }
func (s *Sprint) RunLogPath() string         { return s.Path(FileRunLog) }
func (s *Sprint) EpicsPath() string          { return s.Path(FileEpics) }
func (s *Sprint) FeedbackPath() string       { return s.Path(FileFeedback) }

// PromptsDir resolves the prompt template directory.
func (s *Sprint) PromptsDir() string {
	if filepath.IsAbs(s.Config.Prompts) {
		return s.Config.Prompts
	}
	return filepath.Join(s.Dir, s.Config.Prompts)
}

// CheckRequiredDocs verifies the human-authored inputs exist. Missing vision
// or PRD is a fatal configuration error.
func (s *Sprint) CheckRequiredDocs() error {
	for _, name := range []string{FileVision, FilePRD} {
		info, err := os.Stat(s.Path(name))
		if err != nil || info.IsDir() {
			return fmt.Errorf("required document %s missing from sprint %s", name, s.Name)
		}
	}
	return nil
}

// HasFile reports whether a sprint file exists.
func (s *Sprint) HasFile(name string) bool {
	info, err := os.Stat(s.Path(name))
	return err == nil && !info.IsDir()
}

// appendLine appends one line to an append-only sprint log, creating the
// file on first use.
func (s *Sprint) appendLine(name, line string) error {
	f, err := os.OpenFile(s.Path(name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("appending to %s: %w", name, err)
	}
	return nil
}

// AppendRunLog appends a summary line to RUN_LOG.md.
func (s *Sprint) AppendRunLog(line string) error {
	return s.appendLine(FileRunLog, line)
}
