// Package meta is the meta-reasoning layer: a single stuck detector covering
// both the per-entity layer (one task or test spinning inside a phase) and
// the cross-phase progress fingerprint, plus cheap per-iteration health
// metrics and the strategy-change limiter. Collapsing the two stuck layers
// into one detector keeps their actions from compounding: when the inner
// layer force-blocks an entity in an iteration, the outer layer holds its
// fire until the next one.
package meta

import (
	"fmt"

	"telic/internal/config"
	"telic/internal/logging"
	"telic/internal/state"
)

// Fingerprint derives the compact progress string compared across
// iterations: "<passed_tests>-<blocked_tests>-<done_tasks>".
func Fingerprint(passedTests, blockedTests, doneTasks int) string {
	return fmt.Sprintf("%d-%d-%d", passedTests, blockedTests, doneTasks)
}

// TaskAction is the inner layer's verdict for one entity.
type TaskAction int

const (
	TaskContinue TaskAction = iota
	TaskBlock
)

// Detector owns stuck detection for one sprint run.
type Detector struct {
	limits config.Limits

	// innerActed notes that the per-entity layer escalated this iteration,
	// suppressing the outer layer for one round.
	innerActed bool
}

// NewDetector creates a detector with the configured thresholds.
func NewDetector(limits config.Limits) *Detector {
	return &Detector{limits: limits}
}

// ObserveEntity feeds one per-entity observation to the inner layer.
// progressed means the entity's invocation changed something on disk;
// sameAsLast means the same entity was selected as in the previous
// iteration. Returns TaskBlock when the entity's no-progress streak reaches
// the inner cap.
func (d *Detector) ObserveEntity(st *state.Store, scope, id string, progressed, sameAsLast bool) TaskAction {
	key := "stuck_" + scope
	if progressed {
		st.ResetAttempt(key, id)
		return TaskContinue
	}
	if !sameAsLast {
		// A different entity with no progress starts its own streak.
		st.ResetAttempt(key, id)
		st.IncrementAttempt(key, id)
		return TaskContinue
	}

	streak := st.IncrementAttempt(key, id)
	cap := d.limits.MaxImplNoProgress
	if cap <= 0 {
		cap = 3
	}
	if streak < cap {
		return TaskContinue
	}

	logging.Meta("%s %s made no progress for %d attempts, forcing blocked", scope, id, streak)
	st.ResetAttempt(key, id)
	d.innerActed = true
	return TaskBlock
}

// ObserveIteration feeds the cross-phase fingerprint to the outer layer.
// extraChange marks progress invisible to the fingerprint (remediation-loop
// file edits count: stuckness means no change anywhere). Returns true when
// value discovery should run.
func (d *Detector) ObserveIteration(st *state.Store, fp string, extraChange bool) bool {
	prev := st.Fingerprint()
	stuck := st.StuckCount()

	switch {
	case fp != prev, extraChange:
		stuck = 0
	default:
		stuck++
	}
	st.SetFingerprint(fp, stuck)

	if d.innerActed {
		// The inner layer already escalated this round.
		d.innerActed = false
		return false
	}

	max := d.limits.MaxNoProgress
	if max <= 0 {
		max = 3
	}
	if stuck < max {
		return false
	}

	logging.Meta("fingerprint %s unchanged for %d iterations, triggering value discovery", fp, stuck)
	st.SetFingerprint(fp, 0)
	return true
}
