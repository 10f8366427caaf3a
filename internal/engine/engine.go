// Package engine is the outer control loop: it sequences phases in a fixed
// priority order (services, planning, epics, implementation, tests, final
// verification), reacts to stuck-detection and coherence signals by
// invalidating gates, and terminates on verified value, partial success, or
// saturation. One engine run serves one sprint; for multi-epic visions an
// outer per-epic loop wraps the same inner loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"telic/internal/agents"
	"telic/internal/coherence"
	"telic/internal/config"
	"telic/internal/epic"
	"telic/internal/executor"
	"telic/internal/invoker"
	"telic/internal/logging"
	"telic/internal/meta"
	"telic/internal/planner"
	"telic/internal/prompt"
	"telic/internal/scheduler"
	"telic/internal/services"
	"telic/internal/sprint"
	"telic/internal/state"
)

// Outcome classifies a finished run.
type Outcome struct {
	Kind     string
	ExitCode int
}

var (
	// OutcomeFullSuccess: no pending tests, no blocked tests.
	OutcomeFullSuccess = Outcome{Kind: "full-success", ExitCode: 0}
	// OutcomePartialSuccess: nothing pending, some tests blocked.
	OutcomePartialSuccess = Outcome{Kind: "partial-success", ExitCode: 2}
	// OutcomeIncomplete: pending work remains (or saturation).
	OutcomeIncomplete = Outcome{Kind: "incomplete", ExitCode: 1}
)

// ErrSaturated marks an aborted run whose iteration cap was reached. State
// is preserved on disk for resume.
var ErrSaturated = errors.New("iteration cap reached")

// Hooks are the external collaborators the engine drives but does not own.
// Nil hooks are no-ops.
type Hooks struct {
	// BranchSetup runs once at startup (git branch preparation).
	BranchSetup func(ctx context.Context) error

	// StartServices makes a best-effort attempt to start declared services
	// before supervision probes them. Failures are swallowed.
	StartServices func(ctx context.Context) error

	// Commit records completed work after task and test progress.
	Commit func(ctx context.Context, message string) error
}

// Engine wires every subsystem for one sprint run.
type Engine struct {
	sp    *sprint.Sprint
	cfg   config.Config
	st    *state.Store
	hooks Hooks

	caller    *agents.Caller
	planner   *planner.Planner
	super     *services.Supervisor
	exec      *executor.Executor
	sched     *scheduler.Scheduler
	detector  *meta.Detector
	metrics   meta.Metrics
	evaluator *coherence.Evaluator
	epics     *epic.Manager

	// pendingInvalidation defers a critical coherence finding to the next
	// decision: findings never block the current task.
	pendingInvalidation bool

	out io.Writer
}

// New assembles an engine with the real process runner for both sub-agents
// and the direct end-to-end command.
func New(sp *sprint.Sprint, st *state.Store, hooks Hooks) *Engine {
	inv := invoker.New(sp.Config.Agent)
	return NewWithRunners(sp, st, hooks, inv, invoker.RealRunner())
}

// NewWithRunners assembles an engine with caller-supplied runners; used by
// tests to script every child process.
func NewWithRunners(sp *sprint.Sprint, st *state.Store, hooks Hooks, inv *invoker.Invoker, e2e invoker.Runner) *Engine {
	cfg := sp.Config
	caller := agents.New(inv, prompt.NewStore(sp.PromptsDir()), sp)
	detector := meta.NewDetector(cfg.Limits)

	return &Engine{
		sp:        sp,
		cfg:       cfg,
		st:        st,
		hooks:     hooks,
		caller:    caller,
		planner:   planner.New(caller, cfg),
		super:     services.New(caller, cfg, services.NewProber()),
		exec:      executor.New(caller, cfg, detector, hooks.Commit),
		sched:     scheduler.New(caller, cfg, e2e, hooks.Commit),
		detector:  detector,
		evaluator: coherence.New(caller),
		epics:     epic.NewManager(caller, cfg),
		out:       os.Stdout,
	}
}

// Run executes the sprint to termination. The returned outcome carries the
// process exit code; ErrSaturated preserves state for resume.
func (e *Engine) Run(ctx context.Context) (Outcome, error) {
	// Fatal configuration problems abort before any loop work.
	if err := e.sp.CheckRequiredDocs(); err != nil {
		return OutcomeIncomplete, err
	}
	if e.hooks.BranchSetup != nil {
		if err := e.hooks.BranchSetup(ctx); err != nil {
			return OutcomeIncomplete, fmt.Errorf("branch setup: %w", err)
		}
	}

	epics, err := e.epics.EnsureClassified(ctx)
	if err != nil {
		return OutcomeIncomplete, err
	}

	var outcome Outcome
	if epics == nil {
		outcome, err = e.runInner(ctx)
	} else {
		outcome, err = e.runEpics(ctx, epics)
	}
	if err != nil {
		return outcome, err
	}

	e.report(outcome)
	_ = e.sp.AppendRunLog(fmt.Sprintf("sprint %s finished: %s (iteration %d)", e.sp.Name, outcome.Kind, e.st.Iteration()))

	if outcome == OutcomeFullSuccess {
		// Verified value: the machine state has nothing left to resume.
		if err := e.st.Delete(); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// runEpics is the two-tier loop for multi-epic visions: the inner loop runs
// unchanged inside each epic; a checkpoint separates epics.
func (e *Engine) runEpics(ctx context.Context, epics []epic.Epic) (Outcome, error) {
	for {
		current := epic.NextEligible(epics)
		if current == nil {
			if epic.AllComplete(epics) {
				return OutcomeFullSuccess, nil
			}
			return OutcomePartialSuccess, nil
		}

		if current.State != epic.StateActive {
			if err := e.epics.Activate(ctx, epics, current); err != nil {
				return OutcomeIncomplete, err
			}
		}
		logging.Loop("=== epic %s active: %s ===", current.ID, current.Value)

		outcome, err := e.runInner(ctx)
		if err != nil {
			return outcome, err
		}
		if outcome == OutcomeIncomplete {
			return outcome, nil
		}

		decision, err := e.epics.Complete(ctx, e.st, epics, current)
		if err != nil {
			return OutcomeIncomplete, err
		}
		if decision == epic.DecisionStop {
			logging.Loop("human stopped at epic checkpoint, terminating with partial success")
			return OutcomePartialSuccess, nil
		}

		// The next epic plans fresh: planning and test-plan gates reopen;
		// services_ready and completed-epic gates survive.
		if epic.NextEligible(epics) != nil {
			if err := e.st.InvalidateAllPlanning(); err != nil {
				return OutcomeIncomplete, err
			}
			if err := e.st.Invalidate(state.GateTestplanGenerated); err != nil {
				return OutcomeIncomplete, err
			}
		}
	}
}
