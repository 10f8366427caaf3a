package planner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telic/internal/agents"
	"telic/internal/config"
	"telic/internal/invoker"
	"telic/internal/plan"
	"telic/internal/prompt"
	"telic/internal/sprint"
	"telic/internal/state"
)

// hookRunner lets each test script agent behavior keyed off the prompt text.
type hookRunner struct {
	fn    func(spec invoker.RunSpec) invoker.RunResult
	calls []string
}

func (r *hookRunner) Run(_ context.Context, spec invoker.RunSpec) invoker.RunResult {
	r.calls = append(r.calls, spec.Stdin)
	if r.fn != nil {
		return r.fn(spec)
	}
	return invoker.RunResult{Output: "RESULT: PASS", ExitCode: 0}
}

func (r *hookRunner) countCalls(marker string) int {
	n := 0
	for _, c := range r.calls {
		if strings.Contains(c, marker) {
			n++
		}
	}
	return n
}

var promptIDs = []string{
	"vrc", "plan_generate", "verify_blockers", "preflight",
	"quality_craap", "quality_clarity", "quality_validate", "quality_connect", "quality_tidy",
}

func setup(t *testing.T, runner invoker.Runner) (*Planner, *state.Store, *sprint.Sprint) {
	t.Helper()
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	sp := sprint.New("demo", dir, cfg)

	promptsDir := filepath.Join(dir, "prompts")
	require.NoError(t, os.MkdirAll(promptsDir, 0o755))
	for _, id := range promptIDs {
		// Each template carries its own marker so tests can count calls.
		require.NoError(t, os.WriteFile(filepath.Join(promptsDir, id+".md"),
			[]byte("["+id+"] work on {SPRINT} phase={VRC_PHASE}"), 0o644))
	}

	inv := invoker.NewWithRunner(cfg.Agent, runner)
	caller := agents.New(inv, prompt.NewStore(promptsDir), sp)
	st, err := state.Load(sp.LoopStatePath())
	require.NoError(t, err)
	return New(caller, cfg), st, sp
}

func writePlan(t *testing.T, sp *sprint.Sprint, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(sp.PlanPath(), []byte(contents), 0o644))
}

func TestRunHappyPathPassesAllGates(t *testing.T) {
	var sp *sprint.Sprint
	runner := &hookRunner{}
	runner.fn = func(spec invoker.RunSpec) invoker.RunResult {
		if strings.Contains(spec.Stdin, "[plan_generate]") {
			writeFile(spec.Dir, sprint.FilePlan, "# Plan\n\n- [ ] Task 1.1: build it\n")
		}
		return invoker.RunResult{Output: "RESULT: PASS", ExitCode: 0}
	}
	p, st, s := setup(t, runner)
	sp = s

	res, err := p.Run(context.Background(), st)
	require.NoError(t, err)

	for _, g := range state.PlanningGates {
		assert.True(t, st.IsPassed(g), string(g))
	}
	assert.True(t, res.FilesChanged, "plan generation changed files")
	assert.True(t, plan.Exists(sp.PlanPath()))
	// VRC ran once for phase 1, once for phase 2.
	assert.Equal(t, 1, runner.countCalls("phase=initial"))
	assert.Equal(t, 1, runner.countCalls("phase=post-plan"))
}

func writeFile(dir, name, contents string) {
	_ = os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644)
}

func TestRunSkipsPassedGates(t *testing.T) {
	runner := &hookRunner{}
	p, st, sp := setup(t, runner)
	writePlan(t, sp, "# Plan\n- [ ] Task 1.1: x\n")

	require.NoError(t, st.MarkPassed(state.GateVRC1))
	require.NoError(t, st.MarkPassed(state.GateQualityCRAAP))

	_, err := p.Run(context.Background(), st)
	require.NoError(t, err)

	assert.Zero(t, runner.countCalls("[vrc] work on demo phase=initial"))
	assert.Zero(t, runner.countCalls("[quality_craap]"))
	assert.Equal(t, 1, runner.countCalls("[quality_clarity]"))
}

func TestRemediationLoopStopsWhenStable(t *testing.T) {
	var mutations int
	runner := &hookRunner{}
	p, st, sp := setup(t, runner)
	writePlan(t, sp, "# Plan\n- [ ] Task 1.1: x\n")

	runner.fn = func(spec invoker.RunSpec) invoker.RunResult {
		// The craap gate edits the plan twice, then leaves it alone.
		if strings.Contains(spec.Stdin, "[quality_craap]") && mutations < 2 {
			mutations++
			writeFile(spec.Dir, sprint.FilePlan, strings.Repeat("edited ", mutations))
		}
		return invoker.RunResult{Output: "RESULT: PASS", ExitCode: 0}
	}

	res, err := p.Run(context.Background(), st)
	require.NoError(t, err)

	// Two changing passes plus one stable pass.
	assert.Equal(t, 3, runner.countCalls("[quality_craap]"))
	assert.True(t, st.IsPassed(state.GateQualityCRAAP))
	assert.True(t, res.FilesChanged)
	// A gate that never changes anything runs once.
	assert.Equal(t, 1, runner.countCalls("[quality_tidy]"))
}

func TestRemediationExhaustionMarksPassed(t *testing.T) {
	var edits int
	runner := &hookRunner{}
	p, st, sp := setup(t, runner)
	writePlan(t, sp, "# Plan\n- [ ] Task 1.1: x\n")

	runner.fn = func(spec invoker.RunSpec) invoker.RunResult {
		if strings.Contains(spec.Stdin, "[quality_clarity]") {
			edits++
			writeFile(spec.Dir, sprint.FilePlan, strings.Repeat("churn ", edits))
		}
		return invoker.RunResult{Output: "RESULT: PASS", ExitCode: 0}
	}

	_, err := p.Run(context.Background(), st)
	require.NoError(t, err)

	// Capped at max_gate_remediation and passed regardless.
	assert.Equal(t, 3, runner.countCalls("[quality_clarity]"))
	assert.True(t, st.IsPassed(state.GateQualityClarity))
}

func TestPlanGenerationFailureIsFatal(t *testing.T) {
	runner := &hookRunner{} // never writes the plan file
	p, st, _ := setup(t, runner)

	_, err := p.Run(context.Background(), st)
	assert.Error(t, err)
}

func TestConvertBuildableBlockers(t *testing.T) {
	runner := &hookRunner{}
	p, _, sp := setup(t, runner)
	writePlan(t, sp, "# Plan\n\n- [ ] Task 1.1: x\n")
	require.NoError(t, os.WriteFile(sp.TestPlanPath(),
		[]byte("# Tests\n\n- [B] BT-4: login works (blocked: external)\n"), 0o644))

	require.NoError(t, sp.AddBlocker(sprint.Blocker{
		ID: "BLK-aaaa1111", Class: sprint.BlockerBuildable,
		Description: "build a login UI", AffectedTests: []string{"BT-4"},
	}))
	require.NoError(t, sp.AddBlocker(sprint.Blocker{
		ID: "BLK-bbbb2222", Class: sprint.BlockerCredential, Description: "needs a secret",
	}))

	created, err := p.ConvertBuildableBlockers()
	require.NoError(t, err)
	assert.Equal(t, []string{"BUILD-BLK-aaaa1111"}, created)

	planDoc, err := plan.Load(sp.PlanPath())
	require.NoError(t, err)
	assert.True(t, planDoc.HasTask("BUILD-BLK-aaaa1111"))

	testDoc, err := plan.Load(sp.TestPlanPath())
	require.NoError(t, err)
	assert.Equal(t, plan.TestPending, testDoc.Tests()[0].Status)

	// Idempotent: a second conversion creates nothing.
	created, err = p.ConvertBuildableBlockers()
	require.NoError(t, err)
	assert.Empty(t, created)
}
