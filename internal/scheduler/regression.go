package scheduler

import (
	"context"
	"math/rand"

	"telic/internal/invoker"
	"telic/internal/logging"
	"telic/internal/plan"
	"telic/internal/sprint"
	"telic/internal/state"
)

func randInt(n int) int { return rand.Intn(n) }

// RunRegressionIfDue re-runs every currently passing test once the
// configured number of fixes has accumulated. Tests that no longer pass are
// reset to pending, logged, and get a CRITICAL REG-* task. Returns the ids
// of regressed tests.
func (s *Scheduler) RunRegressionIfDue(ctx context.Context, st *state.Store, testDoc, planDoc *plan.Document) ([]string, error) {
	interval := s.cfg.Testing.RegressionCheckInterval
	if interval <= 0 || st.Counter(counterFixes) < interval {
		return nil, nil
	}
	logging.Tests("regression sweep due after %d fixes", st.Counter(counterFixes))

	regressed, err := s.sweep(ctx, st, testDoc, planDoc, passingTests(testDoc))
	if err != nil {
		return regressed, err
	}
	st.SetCounter(counterFixes, 0)
	return regressed, st.Save()
}

// SpotCheck rolls the configured probability and, when it hits, re-verifies
// up to spot_check_count random passing tests.
func (s *Scheduler) SpotCheck(ctx context.Context, st *state.Store, testDoc, planDoc *plan.Document) ([]string, error) {
	p := s.cfg.Testing.SpotCheckProbability
	if p <= 0 || s.randPercent() >= p {
		return nil, nil
	}

	passing := passingTests(testDoc)
	if len(passing) == 0 {
		return nil, nil
	}

	count := s.cfg.Testing.SpotCheckCount
	if count <= 0 {
		count = 1
	}
	if count > len(passing) {
		count = len(passing)
	}

	// Sample without replacement.
	picked := make([]plan.TestCase, 0, count)
	pool := append([]plan.TestCase{}, passing...)
	for i := 0; i < count; i++ {
		idx := s.randIndex(len(pool))
		picked = append(picked, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	logging.Tests("spot check on %d passing tests", len(picked))
	return s.sweep(ctx, st, testDoc, planDoc, picked)
}

// FinalRegression re-runs every passing test in sequence. Called by the
// completion phase before declaring success.
func (s *Scheduler) FinalRegression(ctx context.Context, st *state.Store, testDoc, planDoc *plan.Document) ([]string, error) {
	passing := passingTests(testDoc)
	logging.Tests("final regression over %d passing tests", len(passing))
	return s.sweep(ctx, st, testDoc, planDoc, passing)
}

// sweep re-verifies a set of passing tests, resetting any that fail.
func (s *Scheduler) sweep(ctx context.Context, st *state.Store, testDoc, planDoc *plan.Document, tests []plan.TestCase) ([]string, error) {
	var regressed []string
	for _, tc := range tests {
		outcome, _, err := s.runTest(ctx, testDoc, tc)
		if err != nil {
			return regressed, err
		}
		if outcome == invoker.OutcomePass {
			continue
		}
		if err := s.recordRegression(st, testDoc, planDoc, tc); err != nil {
			return regressed, err
		}
		regressed = append(regressed, tc.ID)
	}
	if len(regressed) > 0 {
		logging.Tests("regressions detected: %s", joinIDs(regressed))
	}
	return regressed, nil
}

// recordRegression resets one regressed test to pending, appends the
// CRITICAL REG-* task, and writes the regression log entry.
func (s *Scheduler) recordRegression(st *state.Store, testDoc, planDoc *plan.Document, tc plan.TestCase) error {
	sp := s.caller.Sprint()

	if err := testDoc.SetTestStatus(tc.ID, plan.TestPending); err != nil {
		return err
	}
	if err := testDoc.Save(); err != nil {
		return err
	}

	taskID := "REG-" + tc.ID
	if !planDoc.HasTask(taskID) {
		planDoc.AppendTask(plan.Task{
			ID: taskID, Status: plan.TaskPending, Priority: "CRITICAL",
			Description: "re-verify and repair regressed test " + tc.ID,
		})
		if err := planDoc.Save(); err != nil {
			return err
		}
	}

	entry := sprint.NewRegressionEntry(tc.ID, string(plan.TestPassed), string(plan.TestPending), st.Counter(counterFixes))
	if err := sp.AppendRegression(entry); err != nil {
		return err
	}

	// A regressed test keeps its attempt history: regression must not
	// refill a test's fix budget.
	return nil
}

func passingTests(testDoc *plan.Document) []plan.TestCase {
	var out []plan.TestCase
	for _, tc := range testDoc.Tests() {
		if tc.Status == plan.TestPassed {
			out = append(out, tc)
		}
	}
	return out
}
