package invoker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telic/internal/config"
)

// fakeRunner replays scripted results and records what it was asked to run.
type fakeRunner struct {
	results []RunResult
	calls   []RunSpec
}

func (f *fakeRunner) Run(_ context.Context, spec RunSpec) RunResult {
	f.calls = append(f.calls, spec)
	idx := len(f.calls) - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx]
}

func testInvoker(t *testing.T, runner Runner) *Invoker {
	t.Helper()
	cfg := config.DefaultConfig().Agent
	inv := NewWithRunner(cfg, runner)
	inv.sleep = func(time.Duration) {} // no real backoff sleeps in tests
	return inv
}

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Outcome
	}{
		{"pass token", "doing work\nRESULT: PASS\n", OutcomePass},
		{"fail token", "RESULT: FAIL", OutcomeFail},
		{"blocked external", "logs...\nRESULT: BLOCKED_EXTERNAL", OutcomeBlockedExternal},
		{"blocked fixable", "RESULT: BLOCKED_FIXABLE\n", OutcomeBlockedFixable},
		{"blocked", "RESULT: BLOCKED", OutcomeBlocked},
		{"no token collapses to FAIL", "did some things, who knows", OutcomeFail},
		{"unknown token collapses to FAIL", "RESULT: MAYBE", OutcomeFail},
		{"last token wins", "RESULT: FAIL\nretrying...\nRESULT: PASS", OutcomePass},
		{"leading whitespace tolerated", "  RESULT: PASS", OutcomePass},
		{"empty output", "", OutcomeFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseOutcome(tt.output))
		})
	}
}

func TestInvokeSuccessFirstAttempt(t *testing.T) {
	runner := &fakeRunner{results: []RunResult{{Output: "working\nRESULT: PASS\n", ExitCode: 0}}}
	inv := testInvoker(t, runner)

	res := inv.Invoke(context.Background(), Request{Role: "vrc", Prompt: "check the vision"})

	assert.Equal(t, OutcomePass, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "working\nRESULT: PASS\n", res.Output)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "check the vision", runner.calls[0].Stdin)
}

func TestInvokeRetriesNonZeroExit(t *testing.T) {
	runner := &fakeRunner{results: []RunResult{
		{Output: "crash", ExitCode: 1, Err: assert.AnError},
		{Output: "crash again", ExitCode: 1, Err: assert.AnError},
		{Output: "ok now\nRESULT: PASS", ExitCode: 0},
	}}
	inv := testInvoker(t, runner)

	res := inv.Invoke(context.Background(), Request{Role: "plan"})

	assert.Equal(t, OutcomePass, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, runner.calls, 3)
}

func TestInvokeRetriesExhausted(t *testing.T) {
	runner := &fakeRunner{results: []RunResult{{Output: "boom", ExitCode: 1, Err: assert.AnError}}}
	inv := testInvoker(t, runner)

	res := inv.Invoke(context.Background(), Request{Role: "plan"})

	assert.Equal(t, OutcomeFail, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	// Evidence from the final attempt is preserved.
	assert.Equal(t, "boom", res.Output)
}

func TestInvokeTimeoutSynthesisesBlockedFixable(t *testing.T) {
	runner := &fakeRunner{results: []RunResult{{Output: "partial work...", TimedOut: true, ExitCode: -1, Err: assert.AnError}}}
	inv := testInvoker(t, runner)

	res := inv.Invoke(context.Background(), Request{Role: "test-runner"})

	assert.Equal(t, OutcomeBlockedFixable, res.Outcome)
	assert.True(t, res.TimedOut)
	// Timeouts are not retried.
	assert.Len(t, runner.calls, 1)
	assert.Equal(t, "partial work...", res.Output)
}

func TestInvokeForwardsToolAllowSet(t *testing.T) {
	runner := &fakeRunner{results: []RunResult{{Output: "RESULT: PASS", ExitCode: 0}}}
	inv := testInvoker(t, runner)

	inv.Invoke(context.Background(), Request{Role: "fix", Tools: []string{"edit", "bash", "read"}})

	require.Len(t, runner.calls, 1)
	argv := runner.calls[0].Argv
	require.GreaterOrEqual(t, len(argv), 3)
	assert.Equal(t, "--tools", argv[len(argv)-2])
	assert.Equal(t, "edit,bash,read", argv[len(argv)-1])
}

func TestInvokePerCallTimeoutOverride(t *testing.T) {
	runner := &fakeRunner{results: []RunResult{{Output: "RESULT: PASS", ExitCode: 0}}}
	inv := testInvoker(t, runner)

	inv.Invoke(context.Background(), Request{Role: "fix", Timeout: 300 * time.Second})
	inv.Invoke(context.Background(), Request{Role: "quick"})

	require.Len(t, runner.calls, 2)
	assert.Equal(t, 300*time.Second, runner.calls[0].Timeout)
	assert.Equal(t, config.DefaultConfig().Agent.Timeout.Std(), runner.calls[1].Timeout)
}

func TestInvokeHonoursExplicitTokenAfterExhaustion(t *testing.T) {
	runner := &fakeRunner{results: []RunResult{
		{Output: "env broken\nRESULT: BLOCKED_EXTERNAL", ExitCode: 1, Err: assert.AnError},
	}}
	inv := testInvoker(t, runner)

	res := inv.Invoke(context.Background(), Request{Role: "test-runner"})
	assert.Equal(t, OutcomeBlockedExternal, res.Outcome)
}

func TestBackoffDoubles(t *testing.T) {
	var slept []time.Duration
	runner := &fakeRunner{results: []RunResult{{Output: "no", ExitCode: 1, Err: assert.AnError}}}
	cfg := config.DefaultConfig().Agent
	inv := NewWithRunner(cfg, runner)
	inv.sleep = func(d time.Duration) { slept = append(slept, d) }

	inv.Invoke(context.Background(), Request{Role: "plan"})

	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, slept)
}
