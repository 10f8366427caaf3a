// Package coherence runs periodic system-level health assessment over seven
// fixed dimensions. Quick mode is fully deterministic and covers the first
// two dimensions (document and gate-state integrity); full mode adds an
// LLM-backed review of all seven. Findings are signals, never blocks: the
// decision engine reads them between tasks and a critical finding
// invalidates the planning gates on the next decision.
package coherence

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"telic/internal/agents"
	"telic/internal/logging"
	"telic/internal/plan"
	"telic/internal/sprint"
	"telic/internal/state"
)

// Dimension is one axis of system health.
type Dimension string

const (
	DimStructural    Dimension = "structural_integrity"
	DimInteraction   Dimension = "interaction_coherence"
	DimConceptual    Dimension = "conceptual_integrity"
	DimBehavioural   Dimension = "behavioural_consistency"
	DimInformational Dimension = "informational_flow"
	DimResilience    Dimension = "resilience"
	DimEvolutionary  Dimension = "evolutionary_capacity"
)

// Dimensions lists all seven, in assessment order.
var Dimensions = []Dimension{
	DimStructural, DimInteraction, DimConceptual, DimBehavioural,
	DimInformational, DimResilience, DimEvolutionary,
}

// KnownDimension reports closed-set membership.
func KnownDimension(d Dimension) bool {
	for _, known := range Dimensions {
		if d == known {
			return true
		}
	}
	return false
}

// Severity grades a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one coherence observation.
type Finding struct {
	ID        string
	Dimension Dimension
	Severity  Severity
	Detail    string
}

// HasCritical reports whether any finding is critical.
func HasCritical(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Evaluator runs coherence checks for one sprint.
type Evaluator struct {
	caller *agents.Caller
}

// New creates an evaluator.
func New(caller *agents.Caller) *Evaluator {
	return &Evaluator{caller: caller}
}

func newFinding(dim Dimension, sev Severity, detail string) Finding {
	return Finding{ID: uuid.NewString()[:8], Dimension: dim, Severity: sev, Detail: detail}
}

// QuickCheck covers dimensions 1-2 deterministically: document integrity and
// gate/document consistency. Cheap enough to run every few tasks.
func (e *Evaluator) QuickCheck(st *state.Store, planDoc, testDoc *plan.Document) []Finding {
	var findings []Finding
	sp := e.caller.Sprint()

	// Dimension 1: structural integrity of the shared documents.
	if planDoc != nil {
		tasks := planDoc.Tasks()
		if len(tasks) == 0 {
			findings = append(findings, newFinding(DimStructural, SeverityCritical, "plan file contains no parseable tasks"))
		}
		seen := make(map[string]int)
		for _, t := range tasks {
			seen[t.ID]++
		}
		for id, n := range seen {
			if n > 1 {
				findings = append(findings, newFinding(DimStructural, SeverityWarning, "duplicate task id "+id))
			}
		}
		if testDoc != nil {
			known := make(map[string]bool)
			for _, tc := range testDoc.Tests() {
				known[tc.ID] = true
			}
			for _, t := range tasks {
				ref, ok := referencedTest(t.ID)
				if ok && !known[ref] {
					findings = append(findings, newFinding(DimStructural, SeverityWarning,
						"task "+t.ID+" references unknown test "+ref))
				}
			}
		}
	}
	if testDoc != nil && len(testDoc.Tests()) == 0 {
		findings = append(findings, newFinding(DimStructural, SeverityCritical, "test plan contains no parseable tests"))
	}

	// Dimension 2: interaction coherence between gates and documents.
	if st.IsPassed(state.GatePlanning) && !sp.HasFile(sprint.FilePlan) {
		findings = append(findings, newFinding(DimInteraction, SeverityCritical,
			"planning gate passed but the plan file is missing"))
	}
	if st.IsPassed(state.GateTestplanGenerated) && !sp.HasFile(sprint.FileTestPlan) {
		findings = append(findings, newFinding(DimInteraction, SeverityCritical,
			"testplan_generated gate passed but the test plan file is missing"))
	}

	for _, f := range findings {
		logging.Coherence("[quick] %s/%s: %s", f.Dimension, f.Severity, f.Detail)
	}
	return findings
}

// referencedTest extracts the test id a FIX-/REG-/FEAT-/ARCH- task points
// at, when its suffix looks like a test identifier.
func referencedTest(taskID string) (string, bool) {
	for _, prefix := range []string{"FIX-", "REG-", "FEAT-", "ARCH-"} {
		suffix, ok := strings.CutPrefix(taskID, prefix)
		if !ok {
			continue
		}
		if _, isTest := plan.KindForTestID(suffix); isTest {
			return suffix, true
		}
	}
	return "", false
}

// FullCheck runs the quick pass plus the LLM-backed review of all seven
// dimensions. Agent findings arrive one per line as
// "FINDING: <severity> <dimension> <detail>"; malformed lines are dropped.
func (e *Evaluator) FullCheck(ctx context.Context, st *state.Store, planDoc, testDoc *plan.Document) ([]Finding, error) {
	findings := e.QuickCheck(st, planDoc, testDoc)

	r, err := e.caller.Call(ctx, "coherence", "coherence_full", nil, agents.Opts{})
	if err != nil {
		return findings, err
	}
	parsed := ParseFindings(r.Output)
	for _, f := range parsed {
		logging.Coherence("[full] %s/%s: %s", f.Dimension, f.Severity, f.Detail)
	}
	return append(findings, parsed...), nil
}

// ParseFindings extracts FINDING lines from sub-agent output.
func ParseFindings(output string) []Finding {
	var out []Finding
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "FINDING:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 3 {
			continue
		}
		sev := Severity(fields[0])
		dim := Dimension(fields[1])
		if sev != SeverityInfo && sev != SeverityWarning && sev != SeverityCritical {
			continue
		}
		if !KnownDimension(dim) {
			continue
		}
		out = append(out, newFinding(dim, sev, strings.Join(fields[2:], " ")))
	}
	return out
}
