// Package scheduler owns the testing phase: test-plan generation (once,
// gated), per-iteration test selection, direct end-to-end execution for
// annotated tests, sub-agent execution otherwise, outcome classification,
// the fix/re-test cycle, interval regression sweeps, and random spot checks.
// The full captured output of a failing run is carried into the fix
// sub-agent as evidence; the keyword line alone is never enough to fix
// anything.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"telic/internal/agents"
	"telic/internal/config"
	"telic/internal/invoker"
	"telic/internal/logging"
	"telic/internal/plan"
	"telic/internal/state"
)

// State counter names.
const (
	counterFixes              = "fixes_since_regression"
	counterConsecutiveBlocked = "consecutive_blocked"
	lastBlockPrefix           = "lastblock/" // 1 = external, 2 = fixable
)

// CommitFunc records completed work; nil is a no-op.
type CommitFunc func(ctx context.Context, message string) error

// Scheduler drives the testing phase.
type Scheduler struct {
	caller *agents.Caller
	cfg    config.Config
	e2e    invoker.Runner
	commit CommitFunc

	// randPercent and randIndex are seams for the spot-check dice.
	randPercent func() int
	randIndex   func(n int) int
}

// New creates a scheduler. The e2e runner executes the external end-to-end
// command for annotated tests.
func New(caller *agents.Caller, cfg config.Config, e2e invoker.Runner, commit CommitFunc) *Scheduler {
	return &Scheduler{
		caller:      caller,
		cfg:         cfg,
		e2e:         e2e,
		commit:      commit,
		randPercent: defaultRandPercent,
		randIndex:   defaultRandIndex,
	}
}

// EnsureTestPlan generates the test plan exactly once.
func (s *Scheduler) EnsureTestPlan(ctx context.Context, st *state.Store) error {
	if st.IsPassed(state.GateTestplanGenerated) {
		return nil
	}
	sp := s.caller.Sprint()
	r, err := s.caller.Call(ctx, "testplan", "testplan_generate", nil, agents.Opts{})
	if err != nil {
		return err
	}
	logging.Tests("test plan generation outcome: %s", r.Outcome)
	if !plan.Exists(sp.TestPlanPath()) {
		return fmt.Errorf("test plan generation left no %s", sp.TestPlanPath())
	}
	return st.MarkPassed(state.GateTestplanGenerated)
}

// IterResult reports one test iteration.
type IterResult struct {
	Ran             bool
	TestID          string
	Outcome         invoker.Outcome
	AllAtCap        bool
	PhaseTerminated bool
	TasksCreated    []string
}

// RunIteration selects and runs one pending test, then applies the outcome
// policy: fix-and-retest on failure, unblocking tasks on blocked classes,
// terminal classification at the attempt cap.
func (s *Scheduler) RunIteration(ctx context.Context, st *state.Store, testDoc, planDoc *plan.Document) (IterResult, error) {
	var res IterResult

	tc, allAtCap := s.selectNext(st, testDoc)
	if tc == nil {
		if allAtCap {
			// Every pending test is exhausted: classify them all.
			if err := s.blockExhausted(st, testDoc); err != nil {
				return res, err
			}
			res.AllAtCap = true
		}
		return res, nil
	}
	res.Ran = true
	res.TestID = tc.ID

	outcome, evidence, err := s.runTest(ctx, testDoc, *tc)
	if err != nil {
		return res, err
	}
	res.Outcome = outcome
	logging.Tests("test %s: %s", tc.ID, outcome)

	switch outcome {
	case invoker.OutcomePass:
		return res, s.handlePass(ctx, st, testDoc, tc.ID)
	case invoker.OutcomeBlockedExternal, invoker.OutcomeBlocked:
		return s.handleBlocked(ctx, st, testDoc, planDoc, *tc, evidence, blockExternal, res)
	case invoker.OutcomeBlockedFixable:
		return s.handleBlocked(ctx, st, testDoc, planDoc, *tc, evidence, blockFixable, res)
	default: // FAIL
		return s.handleFail(ctx, st, testDoc, planDoc, *tc, evidence, res)
	}
}

// selectNext returns the first pending test under the attempt cap. The
// second return is true when pending tests exist but all are at the cap.
func (s *Scheduler) selectNext(st *state.Store, testDoc *plan.Document) (*plan.TestCase, bool) {
	pending := 0
	for _, tc := range testDoc.Tests() {
		if tc.Status != plan.TestPending {
			continue
		}
		pending++
		if st.Attempt("test", tc.ID) < s.cfg.Limits.MaxTestFixAttempts {
			out := tc
			return &out, false
		}
	}
	return nil, pending > 0
}

// HasPending reports whether any test is still pending.
func (s *Scheduler) HasPending(testDoc *plan.Document) bool {
	return testDoc.CountTests().Pending > 0
}

// blockExhausted marks every pending-at-cap test with its last blocked
// classification.
func (s *Scheduler) blockExhausted(st *state.Store, testDoc *plan.Document) error {
	for _, tc := range testDoc.Tests() {
		if tc.Status != plan.TestPending {
			continue
		}
		status := plan.TestBlockedFixable
		if st.Counter(lastBlockPrefix+tc.ID) == blockExternal {
			status = plan.TestBlockedExternal
		}
		logging.Tests("test %s exhausted, marking %s", tc.ID, status)
		if err := testDoc.SetTestStatus(tc.ID, status); err != nil {
			return err
		}
	}
	return testDoc.Save()
}

// runTest executes one test: the external runner for annotated tests, the
// test-runner sub-agent otherwise. Returns the outcome and the full captured
// output as fix evidence.
func (s *Scheduler) runTest(ctx context.Context, testDoc *plan.Document, tc plan.TestCase) (invoker.Outcome, string, error) {
	block, err := testDoc.ExtractBlock(tc.ID)
	if err != nil {
		return invoker.OutcomeFail, "", err
	}

	if tc.E2EName != "" {
		outcome, output := s.runDirect(ctx, tc)
		return outcome, output, nil
	}

	preamble := s.cfg.Testing.RunnerPreamble
	r := s.caller.CallText(ctx, "test-runner:"+tc.ID, testRunnerTemplate, map[string]string{
		"PREAMBLE":   preamble,
		"TEST_ID":    tc.ID,
		"TEST_BLOCK": block,
	}, agents.Opts{Timeout: s.cfg.Agent.TestRunnerTimeout.Std()})
	return r.Outcome, r.Output, nil
}

// testRunnerTemplate is the inline test-runner prompt; sprints customise it
// through the preamble only.
const testRunnerTemplate = `{PREAMBLE}
Execute the following test against the running system and report a single
line "RESULT: <PASS|FAIL|BLOCKED_EXTERNAL|BLOCKED_FIXABLE>".

Test {TEST_ID}:
{TEST_BLOCK}
`

// runDirect invokes the external end-to-end runner with the annotated name
// as a grep filter. Exit 0 is a pass, anything else a failure. The runner's
// captured output is returned alongside the outcome.
func (s *Scheduler) runDirect(ctx context.Context, tc plan.TestCase) (invoker.Outcome, string) {
	argv := append([]string{}, s.cfg.Testing.E2ECommand...)
	argv = append(argv, tc.E2EName)

	dir := s.cfg.Testing.E2EDir
	if dir != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(s.caller.Sprint().Dir, dir)
	}
	if dir == "" {
		dir = s.caller.Sprint().Dir
	}

	run := s.e2e.Run(ctx, invoker.RunSpec{
		Argv:    argv,
		Dir:     dir,
		Timeout: s.cfg.Agent.TestRunnerTimeout.Std(),
	})
	logging.TestsDebug("direct e2e %q exit=%d timedout=%v", tc.E2EName, run.ExitCode, run.TimedOut)
	if run.Err == nil && run.ExitCode == 0 {
		return invoker.OutcomePass, run.Output
	}
	return invoker.OutcomeFail, run.Output
}

func (s *Scheduler) handlePass(ctx context.Context, st *state.Store, testDoc *plan.Document, testID string) error {
	if err := testDoc.SetTestStatus(testID, plan.TestPassed); err != nil {
		return err
	}
	if err := testDoc.Save(); err != nil {
		return err
	}
	st.ResetAttempt("test", testID)
	st.SetCounter(lastBlockPrefix+testID, 0)
	st.SetCounter(counterConsecutiveBlocked, 0)
	st.IncCounter(counterFixes)
	if s.commit != nil {
		if err := s.commit(ctx, fmt.Sprintf("telic: %s passing", testID)); err != nil {
			logging.Tests("commit after %s failed: %v", testID, err)
		}
	}
	return st.Save()
}

const (
	blockExternal = 1
	blockFixable  = 2
)

// handleBlocked applies the blocked-class policy: below the cap, emit the
// unblocking task (FEAT-* for external, ARCH-* for fixable), run the fix
// agent with the evidence, and re-test immediately; at the cap, classify
// terminally and count toward phase termination.
func (s *Scheduler) handleBlocked(ctx context.Context, st *state.Store, testDoc, planDoc *plan.Document, tc plan.TestCase, evidence string, class int, res IterResult) (IterResult, error) {
	st.SetCounter(lastBlockPrefix+tc.ID, class)
	attempts := st.IncrementAttempt("test", tc.ID)

	if attempts < s.cfg.Limits.MaxTestFixAttempts {
		taskID := "FEAT-" + tc.ID
		if class == blockFixable {
			taskID = "ARCH-" + tc.ID
		}
		if !planDoc.HasTask(taskID) {
			planDoc.AppendTask(plan.Task{ID: taskID, Status: plan.TaskPending,
				Description: fmt.Sprintf("unblock test %s: %s", tc.ID, tc.Description)})
			if err := planDoc.Save(); err != nil {
				return res, err
			}
			res.TasksCreated = append(res.TasksCreated, taskID)
		}
		return s.fixAndRetest(ctx, st, testDoc, planDoc, tc, evidence, res)
	}

	status := plan.TestBlockedExternal
	if class == blockFixable {
		status = plan.TestBlockedFixable
	}
	if err := testDoc.SetTestStatus(tc.ID, status); err != nil {
		return res, err
	}
	if err := testDoc.Save(); err != nil {
		return res, err
	}

	blocked := st.IncCounter(counterConsecutiveBlocked)
	logging.Tests("test %s terminally %s (consecutive blocked: %d)", tc.ID, status, blocked)
	if blocked >= s.cfg.Limits.MaxConsecutiveBlocked {
		logging.Tests("consecutive blocked limit reached, terminating test phase")
		res.PhaseTerminated = true
	}
	return res, st.Save()
}

// handleFail emits a FIX-* task and runs the fix/re-test cycle.
func (s *Scheduler) handleFail(ctx context.Context, st *state.Store, testDoc, planDoc *plan.Document, tc plan.TestCase, evidence string, res IterResult) (IterResult, error) {
	attempts := st.IncrementAttempt("test", tc.ID)
	if attempts >= s.cfg.Limits.MaxTestFixAttempts {
		// Scenario: a test failing every time runs out of fix budget and is
		// classified by its last blocked class, defaulting to fixable.
		status := plan.TestBlockedFixable
		if st.Counter(lastBlockPrefix+tc.ID) == blockExternal {
			status = plan.TestBlockedExternal
		}
		if err := testDoc.SetTestStatus(tc.ID, status); err != nil {
			return res, err
		}
		if err := testDoc.Save(); err != nil {
			return res, err
		}
		blocked := st.IncCounter(counterConsecutiveBlocked)
		if blocked >= s.cfg.Limits.MaxConsecutiveBlocked {
			res.PhaseTerminated = true
		}
		return res, st.Save()
	}

	taskID := "FIX-" + tc.ID
	if !planDoc.HasTask(taskID) {
		planDoc.AppendTask(plan.Task{ID: taskID, Status: plan.TaskPending,
			Description: fmt.Sprintf("fix failing test %s: %s", tc.ID, tc.Description)})
		if err := planDoc.Save(); err != nil {
			return res, err
		}
		res.TasksCreated = append(res.TasksCreated, taskID)
	}
	return s.fixAndRetest(ctx, st, testDoc, planDoc, tc, evidence, res)
}

// fixAndRetest invokes the fix sub-agent with the failure evidence, then
// re-runs the test in the same iteration so the fix is validated
// immediately.
func (s *Scheduler) fixAndRetest(ctx context.Context, st *state.Store, testDoc, planDoc *plan.Document, tc plan.TestCase, evidence string, res IterResult) (IterResult, error) {
	fix := s.caller.CallText(ctx, "fix:"+tc.ID, fixTemplate, map[string]string{
		"TEST_ID":  tc.ID,
		"EVIDENCE": truncateEvidence(evidence),
	}, agents.Opts{Timeout: s.cfg.Agent.FixTimeout.Std()})
	logging.TestsDebug("fix agent for %s: %s", tc.ID, fix.Outcome)

	// The fix may have completed its task; re-read shared documents.
	if err := planDoc.Reload(); err != nil {
		return res, err
	}
	if err := testDoc.Reload(); err != nil {
		return res, err
	}

	outcome, _, err := s.runTest(ctx, testDoc, tc)
	if err != nil {
		return res, err
	}
	res.Outcome = outcome
	logging.Tests("re-test %s after fix: %s", tc.ID, outcome)

	switch outcome {
	case invoker.OutcomePass:
		return res, s.handlePass(ctx, st, testDoc, tc.ID)
	case invoker.OutcomeBlockedExternal, invoker.OutcomeBlocked:
		// A fixable block can reclassify to external on re-test.
		st.SetCounter(lastBlockPrefix+tc.ID, blockExternal)
	case invoker.OutcomeBlockedFixable:
		st.SetCounter(lastBlockPrefix+tc.ID, blockFixable)
	}
	// Still not passing: the test stays pending with its attempt count; the
	// next iteration picks it (or its siblings) back up.
	return res, st.Save()
}

// fixTemplate hands the fix sub-agent the captured failure evidence.
const fixTemplate = `Test {TEST_ID} is not passing. Diagnose and fix the underlying
problem in the codebase, then report "RESULT: PASS" when the fix is in place.

Captured runner output:
{EVIDENCE}
`

// evidenceLimit bounds how much captured output travels into a fix prompt.
const evidenceLimit = 16 * 1024

func truncateEvidence(evidence string) string {
	if len(evidence) <= evidenceLimit {
		return evidence
	}
	// Keep the tail: failure detail clusters at the end of runner output.
	return "...(truncated)...\n" + evidence[len(evidence)-evidenceLimit:]
}

// FixesSinceRegression exposes the counter for the regression scheduler.
func (s *Scheduler) FixesSinceRegression(st *state.Store) int {
	return st.Counter(counterFixes)
}

func defaultRandIndex(n int) int {
	if n <= 0 {
		return 0
	}
	return randInt(n)
}

func defaultRandPercent() int { return randInt(100) }

func joinIDs(ids []string) string { return strings.Join(ids, ", ") }
