// Package executor runs the plan one task per iteration. Selection follows a
// fixed priority order (BUILD gaps, then integration wiring, then routine
// core tasks); tasks whose description requires a human (credentials,
// interactive logins) are marked user-action and never attempted. Progress
// is measured by re-reading the plan after the implementation sub-agent
// exits; the shared stuck detector decides when a task that moves nothing is
// force-blocked.
package executor

import (
	"context"
	"fmt"

	"telic/internal/agents"
	"telic/internal/config"
	"telic/internal/invoker"
	"telic/internal/logging"
	"telic/internal/meta"
	"telic/internal/plan"
	"telic/internal/sprint"
	"telic/internal/state"
)

// CommitFunc records completed work in version control. Git handling is an
// external collaborator; a nil hook is a no-op.
type CommitFunc func(ctx context.Context, message string) error

// Executor picks and runs implementation tasks.
type Executor struct {
	caller   *agents.Caller
	cfg      config.Config
	detector *meta.Detector
	commit   CommitFunc

	lastTaskID string
}

// New creates an executor.
func New(caller *agents.Caller, cfg config.Config, detector *meta.Detector, commit CommitFunc) *Executor {
	return &Executor{caller: caller, cfg: cfg, detector: detector, commit: commit}
}

// Result reports one executor iteration.
type Result struct {
	NoPending  bool   // nothing eligible to run
	TaskID     string // the task attempted (or skipped)
	UserAction bool   // task required a human, marked [U]
	Progressed bool   // the invocation changed the plan
	Blocked    bool   // the task was force-blocked this iteration
}

// executorKinds is the selection priority order. IMPL-*/SVC-* run inside
// service readiness; FIX-*/REG-*/FEAT-*/ARCH-* are created and run inside
// the test scheduler.
var executorKinds = []plan.TaskKind{plan.TaskBuild, plan.TaskIntegration, plan.TaskRoutine, plan.TaskPrep}

// HasPending reports whether any executor-eligible task is pending with
// attempts below the cap.
func (e *Executor) HasPending(st *state.Store, planDoc *plan.Document) bool {
	return e.selectNext(st, planDoc.Tasks()) != nil
}

// selectNext returns the highest-priority pending task under the attempt
// cap, or nil.
func (e *Executor) selectNext(st *state.Store, tasks []plan.Task) *plan.Task {
	maxAttempts := e.cfg.Limits.MaxTaskAttempts
	for _, kind := range executorKinds {
		for i := range tasks {
			t := tasks[i]
			if t.Kind != kind || t.Status != plan.TaskPending {
				continue
			}
			if st.Attempt("task", t.ID) >= maxAttempts {
				continue
			}
			return &tasks[i]
		}
	}
	return nil
}

// Run executes one task iteration against the plan.
func (e *Executor) Run(ctx context.Context, st *state.Store, planDoc *plan.Document) (Result, error) {
	task := e.selectNext(st, planDoc.Tasks())
	if task == nil {
		return Result{NoPending: true}, nil
	}
	res := Result{TaskID: task.ID}

	// Work only a human can do is parked, not attempted.
	if sprint.CredentialKeywords.MatchString(task.Description) {
		logging.Tasks("task %s requires human action, marking [U]", task.ID)
		if err := planDoc.SetTaskStatus(task.ID, plan.TaskUserAction); err != nil {
			return res, err
		}
		res.UserAction = true
		return res, planDoc.Save()
	}

	before := snapshot(planDoc)
	attempts := st.IncrementAttempt("task", task.ID)
	logging.Tasks("executing %s (attempt %d): %s", task.ID, attempts, task.Description)

	r, err := e.caller.Call(ctx, "implement:"+task.ID, "implement_task", map[string]string{
		"TASK_ID":   task.ID,
		"TASK_DESC": task.Description,
	}, agents.Opts{})
	if err != nil {
		return res, err
	}
	if r.Outcome != invoker.OutcomePass {
		logging.TasksDebug("implement agent for %s returned %s", task.ID, r.Outcome)
	}

	// The child's effects are only visible by re-reading the plan.
	if err := planDoc.Reload(); err != nil {
		return res, err
	}
	after := snapshot(planDoc)

	res.Progressed = after.pending < before.pending || after.total > before.total || after.hash != before.hash
	sameAsLast := e.lastTaskID == task.ID
	e.lastTaskID = task.ID

	action := e.detector.ObserveEntity(st, "task", task.ID, res.Progressed, sameAsLast)

	if res.Progressed {
		st.ResetAttempt("task", task.ID)
		if e.commit != nil {
			if err := e.commit(ctx, fmt.Sprintf("telic: %s", task.ID)); err != nil {
				logging.Tasks("commit after %s failed: %v", task.ID, err)
			}
		}
		return res, st.Save()
	}

	if action == meta.TaskBlock || attempts >= e.cfg.Limits.MaxTaskAttempts {
		logging.Tasks("task %s exhausted (%d attempts), marking blocked", task.ID, attempts)
		if err := planDoc.SetTaskStatus(task.ID, plan.TaskBlocked); err != nil {
			return res, err
		}
		if err := planDoc.Save(); err != nil {
			return res, err
		}
		res.Blocked = true
	}
	return res, st.Save()
}

type planSnapshot struct {
	pending int
	total   int
	hash    string
}

func snapshot(d *plan.Document) planSnapshot {
	tasks := d.Tasks()
	c := d.TaskCounts()
	return planSnapshot{pending: c.Pending, total: len(tasks), hash: d.Hash()}
}
