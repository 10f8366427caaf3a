package engine

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"

	"telic/internal/agents"
	"telic/internal/coherence"
	"telic/internal/invoker"
	"telic/internal/logging"
	"telic/internal/plan"
	"telic/internal/state"
)

// finalPhase runs the completion sequence: a full coherence assessment, the
// final vision reality check, and the full regression sweep. reenter=true
// sends the caller back into the decision loop (in-process — attempt
// counters survive, so a regression cycle can never refill fix budgets).
func (e *Engine) finalPhase(ctx context.Context, planDoc, testDoc *plan.Document) (Outcome, bool, error) {
	e.st.SetPhase(state.PhaseFinalVRC)

	// Full coherence before the final VRC. Critical findings reopen
	// planning rather than letting a broken system claim success.
	findings, err := e.evaluator.FullCheck(ctx, e.st, planDoc, testDoc)
	if err != nil {
		return OutcomeIncomplete, false, err
	}
	if coherence.HasCritical(findings) {
		logging.Loop("critical coherence finding before final vrc, replanning")
		if err := e.st.InvalidateAllPlanning(); err != nil {
			return OutcomeIncomplete, false, err
		}
		return OutcomeIncomplete, true, nil
	}

	// Final vision reality check.
	r, err := e.caller.Call(ctx, "vrc-final", "vrc", map[string]string{"VRC_PHASE": "final"}, agents.Opts{})
	if err != nil {
		return OutcomeIncomplete, false, err
	}
	if r.Outcome != invoker.OutcomePass {
		logging.Loop("final vrc reports vision not delivered (%s)", r.Outcome)

		// Attempt pending BUILD work first; failing that, one round of
		// discovery; failing that, give up.
		if err := planDoc.Reload(); err != nil {
			return OutcomeIncomplete, false, err
		}
		for _, t := range planDoc.Tasks() {
			if t.Kind == plan.TaskBuild && t.Status == plan.TaskPending {
				logging.Loop("pending BUILD tasks remain, re-entering the loop")
				return OutcomeIncomplete, true, nil
			}
		}

		before := planDoc.Hash()
		if _, err := e.caller.Call(ctx, "discover-value", "discover_value", nil, agents.Opts{}); err != nil {
			return OutcomeIncomplete, false, err
		}
		if err := planDoc.Reload(); err != nil {
			return OutcomeIncomplete, false, err
		}
		if planDoc.Hash() != before {
			logging.Loop("discovery changed the plan, re-entering the loop")
			return OutcomeIncomplete, true, nil
		}

		logging.Loop("vision not delivered and no further value discovered")
		return OutcomeIncomplete, false, nil
	}

	// Full re-verification sweep over everything that claims to pass.
	regressed, err := e.sched.FinalRegression(ctx, e.st, testDoc, planDoc)
	if err != nil {
		return OutcomeIncomplete, false, err
	}
	if len(regressed) > 0 {
		logging.Loop("final regression reset %d tests, re-entering the loop", len(regressed))
		return OutcomeIncomplete, true, nil
	}

	if err := testDoc.Reload(); err != nil {
		return OutcomeIncomplete, false, err
	}
	counts := testDoc.CountTests()
	switch {
	case counts.Pending == 0 && counts.Blocked() == 0:
		e.st.SetPhase(state.PhaseComplete)
		return OutcomeFullSuccess, false, nil
	case counts.Pending == 0:
		return OutcomePartialSuccess, false, nil
	default:
		return OutcomeIncomplete, false, nil
	}
}

// report prints the terminal run summary.
func (e *Engine) report(outcome Outcome) {
	t := table.NewWriter()
	t.SetOutputMirror(e.out)
	t.SetTitle(fmt.Sprintf("sprint %s: %s", e.sp.Name, outcome.Kind))
	t.AppendHeader(table.Row{"", "pending", "done/passed", "blocked", "user-action"})

	if plan.Exists(e.sp.PlanPath()) {
		if planDoc, err := plan.Load(e.sp.PlanPath()); err == nil {
			c := planDoc.TaskCounts()
			t.AppendRow(table.Row{"tasks", c.Pending, c.Done, c.Blocked, c.UserAction})
		}
	}
	if plan.Exists(e.sp.TestPlanPath()) {
		if testDoc, err := plan.Load(e.sp.TestPlanPath()); err == nil {
			c := testDoc.CountTests()
			t.AppendRow(table.Row{"tests", c.Pending, c.Passed, c.Blocked(), "-"})
		}
	}
	t.AppendFooter(table.Row{"iterations", e.st.Iteration(), "", "", ""})
	t.Render()
}
