package sprint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telic/internal/config"
)

func testSprint(t *testing.T) *Sprint {
	t.Helper()
	return New("demo", t.TempDir(), config.DefaultConfig())
}

func TestCheckRequiredDocs(t *testing.T) {
	s := testSprint(t)
	assert.Error(t, s.CheckRequiredDocs())

	require.NoError(t, os.WriteFile(s.VisionPath(), []byte("# Vision"), 0o644))
	assert.Error(t, s.CheckRequiredDocs(), "PRD still missing")

	require.NoError(t, os.WriteFile(s.PRDPath(), []byte("# PRD"), 0o644))
	assert.NoError(t, s.CheckRequiredDocs())
}

func TestPaths(t *testing.T) {
	s := testSprint(t)
	assert.Equal(t, filepath.Join(s.Dir, "IMPLEMENTATION_PLAN.md"), s.PlanPath())
	assert.Equal(t, filepath.Join(s.Dir, "BETA_TEST_PLAN_v1.md"), s.TestPlanPath())
	assert.Equal(t, filepath.Join(s.Dir, "LOOP_STATE.md"), s.LoopStatePath())
	assert.Equal(t, filepath.Join(s.Dir, "prompts"), s.PromptsDir())
}

func TestBlockersRoundTrip(t *testing.T) {
	s := testSprint(t)

	blockers, err := s.LoadBlockers()
	require.NoError(t, err)
	assert.Empty(t, blockers)

	b1 := Blocker{ID: NewBlockerID(), Class: BlockerCredential, Description: "Stripe secret key needed", AffectedTests: []string{"VAL-1", "BT-3"}}
	b2 := Blocker{ID: NewBlockerID(), Class: BlockerThirdParty, Description: "payments sandbox down"}
	require.NoError(t, s.AddBlocker(b1))
	require.NoError(t, s.AddBlocker(b2))

	loaded, err := s.LoadBlockers()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, b1.ID, loaded[0].ID)
	assert.Equal(t, BlockerCredential, loaded[0].Class)
	assert.Equal(t, []string{"VAL-1", "BT-3"}, loaded[0].AffectedTests)
	assert.Equal(t, b2.ID, loaded[1].ID)
}

func TestReclassifyBlocker(t *testing.T) {
	s := testSprint(t)
	b := Blocker{ID: "BLK-test1234", Class: BlockerThirdParty, Description: "no login UI exists", AffectedTests: []string{"BT-4"}}
	require.NoError(t, s.AddBlocker(b))

	updated, err := s.ReclassifyBlocker("BLK-test1234", BlockerBuildable)
	require.NoError(t, err)
	assert.Equal(t, BlockerBuildable, updated.Class)
	assert.Equal(t, []string{"BT-4"}, updated.AffectedTests)

	loaded, err := s.LoadBlockers()
	require.NoError(t, err)
	assert.Equal(t, BlockerBuildable, loaded[0].Class)

	_, err = s.ReclassifyBlocker("BLK-missing", BlockerBuildable)
	assert.Error(t, err)
	_, err = s.ReclassifyBlocker("BLK-test1234", BlockerClass("SOMETHING"))
	assert.Error(t, err)
}

func TestAppendRegression(t *testing.T) {
	s := testSprint(t)
	e := NewRegressionEntry("BT-2", "passed", "pending", 5)
	require.NoError(t, s.AppendRegression(e))
	require.NoError(t, s.AppendRegression(NewRegressionEntry("VAL-1", "passed", "pending", 5)))

	data, err := os.ReadFile(s.RegressionLogPath())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "BT-2: passed -> pending (after 5 fixes)")
	// ISO-8601 timestamp leads each entry.
	assert.Regexp(t, `^- \d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`, lines[0])
}

func TestAppendRunLog(t *testing.T) {
	s := testSprint(t)
	require.NoError(t, s.AppendRunLog("run finished: partial-success"))
	data, err := os.ReadFile(s.RunLogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "partial-success")
}
