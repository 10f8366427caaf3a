// Package plan models the human-editable plan and test-plan documents in a
// sprint directory. Task and test categories are explicit tagged variants;
// the BUILD-/INT-/BT-style identifier prefixes survive only as the
// human-readable convention inside the markdown files themselves.
package plan

import (
	"fmt"
	"regexp"
	"strings"
)

// TaskKind tags what a task is for.
type TaskKind string

const (
	TaskBuild          TaskKind = "build"          // BUILD-*: UI gap
	TaskIntegration    TaskKind = "integration"    // INT-*: wiring
	TaskFix            TaskKind = "fix"            // FIX-*: remediation
	TaskRegression     TaskKind = "regression"     // REG-*: regression
	TaskService        TaskKind = "service"        // SVC-*: service startup
	TaskImplementation TaskKind = "implementation" // IMPL-*: greenfield
	TaskFeature        TaskKind = "feature"        // FEAT-*: unblocking feature
	TaskArchitecture   TaskKind = "architecture"   // ARCH-*: structural rework
	TaskPrep           TaskKind = "prep"           // PREP-*: groundwork
	TaskRoutine        TaskKind = "routine"        // Task N.M: core implementation
)

// TaskStatus is the plan-file checkbox state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"     // [ ]
	TaskDone       TaskStatus = "done"        // [x]
	TaskBlocked    TaskStatus = "blocked"     // [B]
	TaskUserAction TaskStatus = "user-action" // [U]
)

// Task is one unit of implementation work drawn from the plan file.
type Task struct {
	ID          string
	Kind        TaskKind
	Status      TaskStatus
	Description string
	Priority    string // CRITICAL annotation when present

	line int // index into the owning document's lines
}

var taskPrefixes = map[string]TaskKind{
	"BUILD": TaskBuild,
	"INT":   TaskIntegration,
	"FIX":   TaskFix,
	"REG":   TaskRegression,
	"SVC":   TaskService,
	"IMPL":  TaskImplementation,
	"FEAT":  TaskFeature,
	"ARCH":  TaskArchitecture,
	"PREP":  TaskPrep,
}

// KindForTaskID classifies a task identifier by its prefix. "Task N.M"
// identifiers are routine core-implementation work.
func KindForTaskID(id string) TaskKind {
	if strings.HasPrefix(id, "Task ") {
		return TaskRoutine
	}
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return TaskRoutine
	}
	if kind, known := taskPrefixes[prefix]; known {
		return kind
	}
	return TaskRoutine
}

// Structural reports whether the kind counts toward the
// significant-task-threshold that invalidates quality gates.
func (k TaskKind) Structural() bool {
	switch k {
	case TaskService, TaskIntegration, TaskArchitecture, TaskPrep:
		return true
	}
	return false
}

// taskLineRe matches a checkbox task line:
//
//   - [ ] BUILD-3: add the login form
//   - [x] Task 2.1: wire the queue consumer
var taskLineRe = regexp.MustCompile(`^(\s*[-*]\s*)\[([ xBU])\]\s+((?:BUILD|INT|FIX|REG|SVC|IMPL|FEAT|ARCH|PREP)-[A-Za-z0-9._\-]+|Task\s+\d+(?:\.\d+)*)\s*:?\s*(.*)$`)

func statusForMark(mark string) TaskStatus {
	switch mark {
	case "x":
		return TaskDone
	case "B":
		return TaskBlocked
	case "U":
		return TaskUserAction
	default:
		return TaskPending
	}
}

func markForStatus(st TaskStatus) (string, error) {
	switch st {
	case TaskPending:
		return " ", nil
	case TaskDone:
		return "x", nil
	case TaskBlocked:
		return "B", nil
	case TaskUserAction:
		return "U", nil
	}
	return "", fmt.Errorf("unknown task status %q", st)
}

// FormatTaskLine renders a task as a plan-file line.
func FormatTaskLine(t Task) string {
	mark := " "
	if m, err := markForStatus(t.Status); err == nil && t.Status != "" {
		mark = m
	}
	line := fmt.Sprintf("- [%s] %s: %s", mark, t.ID, t.Description)
	if t.Priority != "" {
		line += fmt.Sprintf(" [%s]", t.Priority)
	}
	return line
}
