// Package state persists the loop machine state for one sprint: phase,
// iteration, the passed-gate set, attempt counters, and stuck-detection
// bookkeeping. The backing file (LOOP_STATE.md) is line-oriented and
// human-diffable, one key per line; writes go through an atomic
// write-to-temp-then-rename so a partial write can never be observed.
package state

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"

	"telic/internal/logging"
)

// Phase identifies where the outer loop is.
type Phase string

const (
	PhaseDocs      Phase = "docs"
	PhasePlanning  Phase = "planning"
	PhasePreflight Phase = "preflight"
	PhaseServices  Phase = "services"
	PhaseImplement Phase = "implement"
	PhaseTestgen   Phase = "testgen"
	PhaseTesting   Phase = "testing"
	PhaseFinalVRC  Phase = "final_vrc"
	PhaseComplete  Phase = "complete"
)

// State is the persisted record.
type State struct {
	Phase       Phase
	Iteration   int
	Gates       map[Gate]bool
	Attempts    map[string]int // scoped keys, e.g. "task/BUILD-3"
	Counters    map[string]int // named loop counters
	Fingerprint string         // last progress fingerprint
	Stuck       int            // consecutive unchanged-fingerprint count
}

// Store owns the state file for one sprint.
type Store struct {
	path  string
	state State
}

func newState() State {
	return State{
		Phase:    PhaseDocs,
		Gates:    make(map[Gate]bool),
		Attempts: make(map[string]int),
		Counters: make(map[string]int),
	}
}

// Load opens the store, reading the state file when present. A missing file
// yields first-run state (phase=docs, iteration=0, empty gate set); an
// unreadable or malformed file is fatal.
func Load(path string) (*Store, error) {
	s := &Store{path: path, state: newState()}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		logging.State("no state file at %s, starting fresh", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := s.parseLine(line); err != nil {
			return nil, fmt.Errorf("state file %s line %d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	logging.State("loaded state: phase=%s iteration=%d gates=%d", s.state.Phase, s.state.Iteration, len(s.state.Gates))
	return s, nil
}

func (s *Store) parseLine(line string) error {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return fmt.Errorf("malformed line %q", line)
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	switch key {
	case "phase":
		s.state.Phase = Phase(value)
	case "iteration":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("bad iteration %q", value)
		}
		s.state.Iteration = n
	case "gate":
		g := Gate(value)
		if !Known(g) {
			return fmt.Errorf("unknown gate %q", value)
		}
		s.state.Gates[g] = true
	case "attempt":
		scope, count, ok := strings.Cut(value, " ")
		if !ok {
			return fmt.Errorf("malformed attempt %q", value)
		}
		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil {
			return fmt.Errorf("bad attempt count %q", count)
		}
		s.state.Attempts[strings.TrimSpace(scope)] = n
	case "counter":
		name, count, ok := strings.Cut(value, " ")
		if !ok {
			return fmt.Errorf("malformed counter %q", value)
		}
		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil {
			return fmt.Errorf("bad counter value %q", count)
		}
		s.state.Counters[strings.TrimSpace(name)] = n
	case "fingerprint":
		s.state.Fingerprint = value
	case "stuck":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("bad stuck count %q", value)
		}
		s.state.Stuck = n
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}

// Save writes the state file atomically. Keys emit in a fixed order so the
// file diffs cleanly between iterations.
func (s *Store) Save() error {
	var b strings.Builder
	fmt.Fprintf(&b, "phase: %s\n", s.state.Phase)
	fmt.Fprintf(&b, "iteration: %d\n", s.state.Iteration)
	if s.state.Fingerprint != "" {
		fmt.Fprintf(&b, "fingerprint: %s\n", s.state.Fingerprint)
	}
	if s.state.Stuck != 0 {
		fmt.Fprintf(&b, "stuck: %d\n", s.state.Stuck)
	}

	gates := make([]string, 0, len(s.state.Gates))
	for g := range s.state.Gates {
		gates = append(gates, string(g))
	}
	sort.Strings(gates)
	for _, g := range gates {
		fmt.Fprintf(&b, "gate: %s\n", g)
	}

	for _, key := range sortedKeys(s.state.Attempts) {
		fmt.Fprintf(&b, "attempt: %s %d\n", key, s.state.Attempts[key])
	}
	for _, key := range sortedKeys(s.state.Counters) {
		fmt.Fprintf(&b, "counter: %s %d\n", key, s.state.Counters[key])
	}

	if err := renameio.WriteFile(s.path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Delete removes the state file. Called on full success.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state file: %w", err)
	}
	return nil
}

// Phase returns the current phase.
func (s *Store) Phase() Phase { return s.state.Phase }

// SetPhase records a phase transition. Persisted on the next Save.
func (s *Store) SetPhase(p Phase) {
	if s.state.Phase != p {
		logging.State("phase %s -> %s", s.state.Phase, p)
	}
	s.state.Phase = p
}

// Iteration returns the current iteration counter.
func (s *Store) Iteration() int { return s.state.Iteration }

// AdvanceIteration increments the iteration counter. The counter only ever
// increases within a process lifetime.
func (s *Store) AdvanceIteration() { s.state.Iteration++ }

// IsPassed reports gate membership by exact identity.
func (s *Store) IsPassed(g Gate) bool { return s.state.Gates[g] }

// MarkPassed records a gate pass and persists immediately.
func (s *Store) MarkPassed(g Gate) error {
	if !Known(g) {
		return fmt.Errorf("unknown gate %q", g)
	}
	if s.state.Gates[g] {
		return nil
	}
	s.state.Gates[g] = true
	logging.State("gate passed: %s", g)
	return s.Save()
}

// Invalidate retracts a gate and persists immediately.
func (s *Store) Invalidate(g Gate) error {
	if !s.state.Gates[g] {
		return nil
	}
	delete(s.state.Gates, g)
	logging.State("gate invalidated: %s", g)
	return s.Save()
}

// InvalidateQualityGates clears exactly the five quality.* gates.
func (s *Store) InvalidateQualityGates() error {
	changed := false
	for _, g := range QualityGates {
		if s.state.Gates[g] {
			delete(s.state.Gates, g)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	logging.State("quality gates invalidated")
	return s.Save()
}

// InvalidateAllPlanning clears the planning pipeline gates (vrc1, quality.*,
// planning, vrc2, preflight). services_ready, testplan_generated and epic
// gates survive.
func (s *Store) InvalidateAllPlanning() error {
	changed := false
	for _, g := range PlanningGates {
		if s.state.Gates[g] {
			delete(s.state.Gates, g)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	logging.State("planning gates invalidated")
	return s.Save()
}

// ResetAllGates empties the gate set.
func (s *Store) ResetAllGates() error {
	if len(s.state.Gates) == 0 {
		return nil
	}
	s.state.Gates = make(map[Gate]bool)
	logging.State("all gates reset")
	return s.Save()
}

// Gates returns a sorted snapshot of the passed-gate set.
func (s *Store) Gates() []Gate {
	out := make([]Gate, 0, len(s.state.Gates))
	for g := range s.state.Gates {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AttemptKey builds a scoped attempt-counter key.
func AttemptKey(scope, id string) string { return scope + "/" + id }

// Attempt returns the counter for a scoped entity.
func (s *Store) Attempt(scope, id string) int {
	return s.state.Attempts[AttemptKey(scope, id)]
}

// IncrementAttempt bumps and returns a scoped attempt counter.
func (s *Store) IncrementAttempt(scope, id string) int {
	key := AttemptKey(scope, id)
	s.state.Attempts[key]++
	return s.state.Attempts[key]
}

// ResetAttempt zeroes a scoped attempt counter.
func (s *Store) ResetAttempt(scope, id string) {
	delete(s.state.Attempts, AttemptKey(scope, id))
}

// Counter returns a named loop counter.
func (s *Store) Counter(name string) int { return s.state.Counters[name] }

// SetCounter sets a named loop counter.
func (s *Store) SetCounter(name string, v int) {
	if v == 0 {
		delete(s.state.Counters, name)
		return
	}
	s.state.Counters[name] = v
}

// IncCounter bumps and returns a named loop counter.
func (s *Store) IncCounter(name string) int {
	s.state.Counters[name]++
	return s.state.Counters[name]
}

// Fingerprint returns the last recorded progress fingerprint.
func (s *Store) Fingerprint() string { return s.state.Fingerprint }

// SetFingerprint records the progress fingerprint and the consecutive
// unchanged count.
func (s *Store) SetFingerprint(fp string, stuck int) {
	s.state.Fingerprint = fp
	s.state.Stuck = stuck
}

// StuckCount returns the consecutive unchanged-fingerprint count.
func (s *Store) StuckCount() int { return s.state.Stuck }

// Snapshot returns a deep copy of the current state, for tests and reporting.
func (s *Store) Snapshot() State {
	out := State{
		Phase:       s.state.Phase,
		Iteration:   s.state.Iteration,
		Fingerprint: s.state.Fingerprint,
		Stuck:       s.state.Stuck,
		Gates:       make(map[Gate]bool, len(s.state.Gates)),
		Attempts:    make(map[string]int, len(s.state.Attempts)),
		Counters:    make(map[string]int, len(s.state.Counters)),
	}
	for g := range s.state.Gates {
		out.Gates[g] = true
	}
	for k, v := range s.state.Attempts {
		out.Attempts[k] = v
	}
	for k, v := range s.state.Counters {
		out.Counters[k] = v
	}
	return out
}
