package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Load(filepath.Join(t.TempDir(), "LOOP_STATE.md"))
	require.NoError(t, err)
	return s
}

func TestLoadMissingFileIsFirstRun(t *testing.T) {
	s := tempStore(t)
	assert.Equal(t, PhaseDocs, s.Phase())
	assert.Equal(t, 0, s.Iteration())
	assert.Empty(t, s.Gates())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOOP_STATE.md")
	s, err := Load(path)
	require.NoError(t, err)

	s.SetPhase(PhaseTesting)
	s.AdvanceIteration()
	s.AdvanceIteration()
	require.NoError(t, s.MarkPassed(GateVRC1))
	require.NoError(t, s.MarkPassed(GatePlanning))
	require.NoError(t, s.MarkPassed(EpicGate("epic-1")))
	s.IncrementAttempt("task", "BUILD-3")
	s.IncrementAttempt("task", "BUILD-3")
	s.IncrementAttempt("test", "BT-1")
	s.SetCounter("fixes_since_regression", 4)
	s.SetFingerprint("3-1-7", 2)
	require.NoError(t, s.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(s.Snapshot(), reloaded.Snapshot()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestGateTransitions(t *testing.T) {
	s := tempStore(t)

	assert.False(t, s.IsPassed(GateVRC1))
	require.NoError(t, s.MarkPassed(GateVRC1))
	assert.True(t, s.IsPassed(GateVRC1))
	require.NoError(t, s.Invalidate(GateVRC1))
	assert.False(t, s.IsPassed(GateVRC1))
	require.NoError(t, s.MarkPassed(GateVRC1))
	assert.True(t, s.IsPassed(GateVRC1))
}

func TestMarkPassedRejectsUnknownGate(t *testing.T) {
	s := tempStore(t)
	assert.Error(t, s.MarkPassed(Gate("quality")))
	assert.Error(t, s.MarkPassed(Gate("epic.")))
}

func TestInvalidateQualityGatesIsExact(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.MarkPassed(GateVRC1))
	for _, g := range QualityGates {
		require.NoError(t, s.MarkPassed(g))
	}
	require.NoError(t, s.MarkPassed(GateServicesReady))

	require.NoError(t, s.InvalidateQualityGates())

	// Exactly quality.* cleared; vrc1 and services_ready untouched.
	assert.True(t, s.IsPassed(GateVRC1))
	assert.True(t, s.IsPassed(GateServicesReady))
	for _, g := range QualityGates {
		assert.False(t, s.IsPassed(g), string(g))
	}
}

func TestInvalidateAllPlanning(t *testing.T) {
	s := tempStore(t)
	for _, g := range PlanningGates {
		require.NoError(t, s.MarkPassed(g))
	}
	require.NoError(t, s.MarkPassed(GateTestplanGenerated))
	require.NoError(t, s.MarkPassed(EpicGate("e1")))

	require.NoError(t, s.InvalidateAllPlanning())

	for _, g := range PlanningGates {
		assert.False(t, s.IsPassed(g), string(g))
	}
	assert.True(t, s.IsPassed(GateTestplanGenerated))
	assert.True(t, s.IsPassed(EpicGate("e1")))
}

func TestGateMatchingIsExactNotSubstring(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.MarkPassed(GateQualityCRAAP))

	// A gate whose name is a prefix of another must not match it.
	assert.False(t, s.IsPassed(GatePlanning))
	assert.False(t, s.IsPassed(Gate("quality.craap.extra")))
	assert.False(t, s.IsPassed(Gate("craap")))
}

func TestAttemptCounters(t *testing.T) {
	s := tempStore(t)
	assert.Equal(t, 0, s.Attempt("task", "T1"))
	assert.Equal(t, 1, s.IncrementAttempt("task", "T1"))
	assert.Equal(t, 2, s.IncrementAttempt("task", "T1"))
	// Scopes are independent.
	assert.Equal(t, 0, s.Attempt("test", "T1"))
	s.ResetAttempt("task", "T1")
	assert.Equal(t, 0, s.Attempt("task", "T1"))
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "LOOP_STATE.md")

	tests := []struct {
		name     string
		contents string
	}{
		{"garbage line", "phase testing\n"},
		{"unknown key", "widget: 7\n"},
		{"unknown gate", "gate: quality\n"},
		{"bad iteration", "iteration: many\n"},
		{"bad attempt", "attempt: task/T1 lots\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte(tt.contents), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadSkipsCommentsAndBlanks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "LOOP_STATE.md")
	contents := "# loop state\n\nphase: testing\niteration: 5\n\ngate: planning\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, PhaseTesting, s.Phase())
	assert.Equal(t, 5, s.Iteration())
	assert.True(t, s.IsPassed(GatePlanning))
}

func TestDeleteRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOOP_STATE.md")
	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.Save())
	require.NoError(t, s.Delete())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	// Deleting an already-missing file is not an error.
	require.NoError(t, s.Delete())
}
