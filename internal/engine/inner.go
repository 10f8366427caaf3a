package engine

import (
	"context"

	"telic/internal/agents"
	"telic/internal/coherence"
	"telic/internal/logging"
	"telic/internal/meta"
	"telic/internal/plan"
	"telic/internal/state"
)

// Engine-level state counter names.
const (
	counterStructuralSeen      = "structural_seen" // count+1, 0 means unset
	counterTasksSinceCoherence = "tasks_since_coherence"
)

// runInner is the single-run decision loop. Each pass makes exactly one
// decision in the fixed priority order, then restarts; the iteration cap is
// the only unconditional exit.
func (e *Engine) runInner(ctx context.Context) (Outcome, error) {
	for {
		if ctx.Err() != nil {
			return OutcomeIncomplete, ctx.Err()
		}
		if e.st.Iteration() >= e.cfg.Limits.MaxIterations {
			logging.Loop("iteration cap %d reached, aborting (state preserved)", e.cfg.Limits.MaxIterations)
			return OutcomeIncomplete, ErrSaturated
		}
		e.st.AdvanceIteration()
		if err := e.st.Save(); err != nil {
			return OutcomeIncomplete, err
		}
		logging.LoopDebug("iteration %d begins", e.st.Iteration())

		// A deferred critical coherence finding lands between tasks.
		if e.pendingInvalidation {
			e.pendingInvalidation = false
			logging.Loop("critical coherence finding: invalidating planning gates")
			if err := e.st.InvalidateAllPlanning(); err != nil {
				return OutcomeIncomplete, err
			}
		}

		// Best-effort service startup; failures are swallowed.
		if e.hooks.StartServices != nil {
			if err := e.hooks.StartServices(ctx); err != nil {
				logging.LoopDebug("start-services hook: %v", err)
			}
		}

		// Idempotent blocker conversion: reclassified-buildable rows turn
		// into BUILD tasks whenever a plan exists to hold them.
		if plan.Exists(e.sp.PlanPath()) {
			if _, err := e.planner.ConvertBuildableBlockers(); err != nil {
				return OutcomeIncomplete, err
			}
		}

		// Planning pipeline.
		if !e.planningComplete() {
			e.st.SetPhase(state.PhasePlanning)
			res, err := e.planner.Run(ctx, e.st)
			if err != nil {
				return OutcomeIncomplete, err
			}
			e.observeProgress(ctx, res.FilesChanged || len(res.BuildTasksCreated) > 0)
			continue
		}

		planDoc, err := plan.Load(e.sp.PlanPath())
		if err != nil {
			return OutcomeIncomplete, err
		}

		// Service readiness.
		if !e.st.IsPassed(state.GateServicesReady) {
			e.st.SetPhase(state.PhaseServices)
			res, err := e.super.Run(ctx, e.st, planDoc)
			if err != nil {
				return OutcomeIncomplete, err
			}
			if len(res.TasksCreated) > 0 {
				logging.Loop("service supervision created %d tasks, replanning", len(res.TasksCreated))
				if err := e.st.InvalidateAllPlanning(); err != nil {
					return OutcomeIncomplete, err
				}
			}
			e.observeProgress(ctx, len(res.TasksCreated) > 0)
			continue
		}

		if err := e.checkStructuralThreshold(planDoc); err != nil {
			return OutcomeIncomplete, err
		}

		// Implementation.
		if e.exec.HasPending(e.st, planDoc) {
			e.st.SetPhase(state.PhaseImplement)
			res, err := e.exec.Run(ctx, e.st, planDoc)
			if err != nil {
				return OutcomeIncomplete, err
			}
			if res.Progressed {
				if err := e.maybeQuickCoherence(planDoc); err != nil {
					return OutcomeIncomplete, err
				}
			}
			e.observeProgress(ctx, res.Progressed)
			continue
		}

		// Test-plan generation.
		if !e.st.IsPassed(state.GateTestplanGenerated) {
			e.st.SetPhase(state.PhaseTestgen)
			if err := e.sched.EnsureTestPlan(ctx, e.st); err != nil {
				return OutcomeIncomplete, err
			}
			e.observeProgress(ctx, true)
			continue
		}

		testDoc, err := plan.Load(e.sp.TestPlanPath())
		if err != nil {
			return OutcomeIncomplete, err
		}

		// Testing.
		if e.sched.HasPending(testDoc) {
			e.st.SetPhase(state.PhaseTesting)
			terminated, err := e.testingIteration(ctx, planDoc, testDoc)
			if err != nil {
				return OutcomeIncomplete, err
			}
			if terminated {
				outcome, reenter, err := e.finalPhase(ctx, planDoc, testDoc)
				if err != nil {
					return outcome, err
				}
				if reenter {
					continue
				}
				return outcome, nil
			}
			continue
		}

		// More value is blocked than delivered: hunt for it before
		// declaring anything final.
		counts := testDoc.CountTests()
		if counts.Blocked() > counts.Passed {
			logging.Loop("blocked tests (%d) exceed passed (%d), running value discovery", counts.Blocked(), counts.Passed)
			if err := e.valueDiscovery(ctx); err != nil {
				return OutcomeIncomplete, err
			}
			e.observeProgress(ctx, false)
			continue
		}

		outcome, reenter, err := e.finalPhase(ctx, planDoc, testDoc)
		if err != nil {
			return outcome, err
		}
		if reenter {
			continue
		}
		return outcome, nil
	}
}

// planningComplete reports whether the whole planning pipeline has run.
func (e *Engine) planningComplete() bool {
	return e.st.IsPassed(state.GatePlanning) && e.st.IsPassed(state.GatePreflight)
}

// testingIteration runs one test-phase pass: one test, regression sweeps,
// spot checks, the interval VRC, structural-task accounting, and the stuck
// and strategy reasoning. Returns true when the test phase terminated.
func (e *Engine) testingIteration(ctx context.Context, planDoc, testDoc *plan.Document) (bool, error) {
	res, err := e.sched.RunIteration(ctx, e.st, testDoc, planDoc)
	if err != nil {
		return false, err
	}

	if err := e.checkStructuralThreshold(planDoc); err != nil {
		return false, err
	}

	// Interval vision check keeps long test phases honest.
	interval := e.cfg.Limits.VRCInterval
	if interval > 0 && e.st.Iteration()%interval == 0 {
		r, err := e.caller.Call(ctx, "vrc-interval", "vrc", map[string]string{"VRC_PHASE": "interval"}, agents.Opts{})
		if err != nil {
			return false, err
		}
		logging.Loop("interval vrc outcome: %s", r.Outcome)
	}

	if _, err := e.sched.RunRegressionIfDue(ctx, e.st, testDoc, planDoc); err != nil {
		return false, err
	}
	if _, err := e.sched.SpotCheck(ctx, e.st, testDoc, planDoc); err != nil {
		return false, err
	}

	// Meta-reasoning: cheap metrics, then the layered stuck detector.
	counts := testDoc.CountTests()
	e.metrics.Observe(meta.Observation{
		PassedPlusBlocked: counts.Passed + counts.Blocked(),
		TaskTransitions:   len(res.TasksCreated),
	})
	if e.metrics.Assess() == meta.Red && e.detector.StrategyAllowed(e.st) {
		if err := e.strategyChange(ctx); err != nil {
			return false, err
		}
	}
	e.observeProgress(ctx, false)

	return res.PhaseTerminated, nil
}

// observeProgress feeds the outer stuck detector and triggers value
// discovery when the fingerprint freezes. extraChange marks progress the
// fingerprint cannot see (remediation edits, new tasks).
func (e *Engine) observeProgress(ctx context.Context, extraChange bool) {
	fp := e.currentFingerprint()
	if e.detector.ObserveIteration(e.st, fp, extraChange) {
		if err := e.valueDiscovery(ctx); err != nil {
			logging.Loop("value discovery failed: %v", err)
		}
	}
	if err := e.st.Save(); err != nil {
		logging.Loop("state save failed: %v", err)
	}
}

// currentFingerprint derives the progress fingerprint from the documents as
// they stand.
func (e *Engine) currentFingerprint() string {
	passed, blocked, done := 0, 0, 0
	if plan.Exists(e.sp.TestPlanPath()) {
		if testDoc, err := plan.Load(e.sp.TestPlanPath()); err == nil {
			c := testDoc.CountTests()
			passed, blocked = c.Passed, c.Blocked()
		}
	}
	if plan.Exists(e.sp.PlanPath()) {
		if planDoc, err := plan.Load(e.sp.PlanPath()); err == nil {
			done = planDoc.TaskCounts().Done
		}
	}
	return meta.Fingerprint(passed, blocked, done)
}

// valueDiscovery re-examines blockers and hunts for deliverable value, then
// reopens planning so the findings can land in the plan.
func (e *Engine) valueDiscovery(ctx context.Context) error {
	if _, err := e.caller.Call(ctx, "verify-blockers", "verify_blockers", nil, agents.Opts{}); err != nil {
		return err
	}
	if _, err := e.caller.Call(ctx, "discover-value", "discover_value", nil, agents.Opts{}); err != nil {
		return err
	}
	if plan.Exists(e.sp.PlanPath()) {
		if _, err := e.planner.ConvertBuildableBlockers(); err != nil {
			return err
		}
	}
	return e.st.InvalidateAllPlanning()
}

// strategyChange invokes the strategy sub-agent and records its verdicts.
func (e *Engine) strategyChange(ctx context.Context) error {
	r, err := e.caller.Call(ctx, "strategy", "strategy", nil, agents.Opts{})
	if err != nil {
		return err
	}
	strategies := meta.ParseStrategies(r.Output)
	e.detector.RecordStrategyChange(e.st, strategies)
	return e.st.Save()
}

// checkStructuralThreshold invalidates the quality gates exactly when the
// configured number of newly accumulated structural (SVC/INT/ARCH/PREP)
// tasks appears. The first sighting establishes the baseline.
func (e *Engine) checkStructuralThreshold(planDoc *plan.Document) error {
	count := 0
	for _, t := range planDoc.Tasks() {
		if t.Kind.Structural() {
			count++
		}
	}

	baseline := e.st.Counter(counterStructuralSeen)
	if baseline == 0 {
		e.st.SetCounter(counterStructuralSeen, count+1)
		return nil
	}
	if count-(baseline-1) >= e.cfg.Limits.SignificantTaskThresh {
		logging.Loop("%d new structural tasks accumulated, invalidating quality gates", count-(baseline-1))
		e.st.SetCounter(counterStructuralSeen, count+1)
		return e.st.InvalidateQualityGates()
	}
	return nil
}

// maybeQuickCoherence runs a quick coherence check every few completed
// tasks. Critical findings defer to the next decision.
func (e *Engine) maybeQuickCoherence(planDoc *plan.Document) error {
	n := e.st.IncCounter(counterTasksSinceCoherence)
	interval := e.cfg.Limits.CoherenceQuickInterval
	if interval <= 0 || n < interval {
		return nil
	}
	e.st.SetCounter(counterTasksSinceCoherence, 0)

	var testDoc *plan.Document
	if plan.Exists(e.sp.TestPlanPath()) {
		var err error
		testDoc, err = plan.Load(e.sp.TestPlanPath())
		if err != nil {
			return err
		}
	}
	findings := e.evaluator.QuickCheck(e.st, planDoc, testDoc)
	if coherence.HasCritical(findings) {
		e.pendingInvalidation = true
	}
	return nil
}
