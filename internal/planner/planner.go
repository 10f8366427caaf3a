// Package planner drives the planning phase: vision-reality check, plan
// generation, blocker verification, the five quality gates, and preflight.
// Every activity is guarded by its own gate so a resumed run never repeats
// proven work. Quality gates run inside a bounded remediation loop: the
// gate's sub-agent edits the plan until a pass leaves it unchanged, and a
// gate that exhausts its budget is marked passed anyway — the loop must make
// forward progress even under imperfect upstream quality.
package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"telic/internal/agents"
	"telic/internal/config"
	"telic/internal/logging"
	"telic/internal/plan"
	"telic/internal/sprint"
	"telic/internal/state"
)

// qualityGate binds a gate identifier to its prompt template.
type qualityGate struct {
	gate     state.Gate
	promptID string
}

var qualityGates = []qualityGate{
	{state.GateQualityCRAAP, "quality_craap"},
	{state.GateQualityClarity, "quality_clarity"},
	{state.GateQualityValidate, "quality_validate"},
	{state.GateQualityConnect, "quality_connect"},
	{state.GateQualityTidy, "quality_tidy"},
}

// Planner owns the planning pipeline.
type Planner struct {
	caller *agents.Caller
	cfg    config.Config
}

// New creates a planner.
func New(caller *agents.Caller, cfg config.Config) *Planner {
	return &Planner{caller: caller, cfg: cfg}
}

// Result reports what a planning pass did.
type Result struct {
	// FilesChanged is true when any remediation pass edited the plan or
	// checklist; the stuck detector counts this as progress.
	FilesChanged bool

	// BuildTasksCreated lists BUILD-* tasks converted from reclassified
	// blockers.
	BuildTasksCreated []string
}

// Run executes the planning sequence up to and including preflight. Gates
// already passed are skipped.
func (p *Planner) Run(ctx context.Context, st *state.Store) (Result, error) {
	var res Result
	sp := p.caller.Sprint()

	// VRC-1: compare current state to the vision, surface gaps.
	if !st.IsPassed(state.GateVRC1) {
		r, err := p.caller.Call(ctx, "vrc1", "vrc", map[string]string{"VRC_PHASE": "initial"}, agents.Opts{})
		if err != nil {
			return res, err
		}
		logging.Planner("vrc1 outcome: %s", r.Outcome)
		if err := st.MarkPassed(state.GateVRC1); err != nil {
			return res, err
		}
	}

	// Plan generation runs exactly once: existence of the plan file is the
	// guard, the planning gate later prevents re-entry.
	if !plan.Exists(sp.PlanPath()) {
		r, err := p.caller.Call(ctx, "plan-generate", "plan_generate", nil, agents.Opts{})
		if err != nil {
			return res, err
		}
		logging.Planner("plan generation outcome: %s", r.Outcome)
		if !plan.Exists(sp.PlanPath()) {
			return res, fmt.Errorf("plan generation left no %s", sprint.FilePlan)
		}
		res.FilesChanged = true
	}

	// Blocker verification: the sub-agent re-examines BLOCKERS.md; any
	// rows it reclassified BUILDABLE become BUILD-* tasks.
	if _, err := p.caller.Call(ctx, "verify-blockers", "verify_blockers", nil, agents.Opts{}); err != nil {
		return res, err
	}
	created, err := p.ConvertBuildableBlockers()
	if err != nil {
		return res, err
	}
	res.BuildTasksCreated = created
	if len(created) > 0 {
		res.FilesChanged = true
	}

	// Quality gates, each with its own remediation loop.
	for _, qg := range qualityGates {
		if st.IsPassed(qg.gate) {
			continue
		}
		changed, err := p.remediate(ctx, qg)
		if err != nil {
			return res, err
		}
		if changed {
			res.FilesChanged = true
		}
		if err := st.MarkPassed(qg.gate); err != nil {
			return res, err
		}
	}

	if !st.IsPassed(state.GatePlanning) {
		if err := st.MarkPassed(state.GatePlanning); err != nil {
			return res, err
		}
	}

	// VRC-2: re-check the finished plan against the vision.
	if !st.IsPassed(state.GateVRC2) {
		r, err := p.caller.Call(ctx, "vrc2", "vrc", map[string]string{"VRC_PHASE": "post-plan"}, agents.Opts{})
		if err != nil {
			return res, err
		}
		logging.Planner("vrc2 outcome: %s", r.Outcome)
		if err := st.MarkPassed(state.GateVRC2); err != nil {
			return res, err
		}
	}

	if !st.IsPassed(state.GatePreflight) {
		r, err := p.caller.Call(ctx, "preflight", "preflight", nil, agents.Opts{})
		if err != nil {
			return res, err
		}
		logging.Planner("preflight outcome: %s", r.Outcome)
		if err := st.MarkPassed(state.GatePreflight); err != nil {
			return res, err
		}
	}

	return res, nil
}

// remediate runs one quality gate's self-healing loop: invoke, re-hash, and
// stop when a pass leaves the plan and checklist untouched. Reports whether
// any pass changed the files.
func (p *Planner) remediate(ctx context.Context, qg qualityGate) (bool, error) {
	maxPasses := p.cfg.Limits.MaxGateRemediation
	if maxPasses <= 0 {
		maxPasses = 3
	}

	changed := false
	for pass := 1; pass <= maxPasses; pass++ {
		before := p.inputsHash()
		if _, err := p.caller.Call(ctx, string(qg.gate), qg.promptID, nil, agents.Opts{}); err != nil {
			return changed, err
		}
		after := p.inputsHash()
		if before == after {
			logging.Planner("gate %s stable after pass %d", qg.gate, pass)
			return changed, nil
		}
		changed = true
		logging.PlannerDebug("gate %s changed its inputs on pass %d", qg.gate, pass)
	}

	logging.Get(logging.CategoryPlanner).Warnf("gate %s still changing after %d passes, marking passed", qg.gate, maxPasses)
	return changed, nil
}

// inputsHash digests the plan and value-checklist files together. Missing
// files hash as empty.
func (p *Planner) inputsHash() string {
	sp := p.caller.Sprint()
	h := sha256.New()
	for _, path := range []string{sp.PlanPath(), sp.ValueChecklistPath()} {
		data, err := os.ReadFile(path)
		if err == nil {
			h.Write(data)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ConvertBuildableBlockers turns BUILDABLE blocker rows into BUILD-* tasks
// and resets their affected tests to pending. Idempotent: rows whose task
// already exists are skipped.
func (p *Planner) ConvertBuildableBlockers() ([]string, error) {
	sp := p.caller.Sprint()
	blockers, err := sp.LoadBlockers()
	if err != nil {
		return nil, err
	}

	var created []string
	var planDoc *plan.Document
	for _, b := range blockers {
		if b.Class != sprint.BlockerBuildable {
			continue
		}
		taskID := "BUILD-" + b.ID
		if planDoc == nil {
			planDoc, err = plan.Load(sp.PlanPath())
			if err != nil {
				return created, err
			}
		}
		if planDoc.HasTask(taskID) {
			continue
		}
		planDoc.AppendTask(plan.Task{ID: taskID, Status: plan.TaskPending, Description: b.Description})
		created = append(created, taskID)
		logging.Planner("blocker %s reclassified buildable, created %s", b.ID, taskID)

		if len(b.AffectedTests) > 0 && sp.HasFile(sprint.FileTestPlan) {
			testDoc, err := plan.Load(sp.TestPlanPath())
			if err != nil {
				return created, err
			}
			for _, testID := range b.AffectedTests {
				if err := testDoc.SetTestStatus(testID, plan.TestPending); err == nil {
					logging.Planner("test %s reset to pending by blocker %s", testID, b.ID)
				}
			}
			if err := testDoc.Save(); err != nil {
				return created, err
			}
		}
	}
	if planDoc != nil && len(created) > 0 {
		if err := planDoc.Save(); err != nil {
			return created, err
		}
	}
	return created, nil
}
