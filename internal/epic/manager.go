package epic

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jedib0t/go-pretty/v6/table"

	"telic/internal/agents"
	"telic/internal/config"
	"telic/internal/logging"
	"telic/internal/state"
)

// Decision is the structured choice a between-epic checkpoint offers.
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionAdjust  Decision = "adjust"
	DecisionStop    Decision = "stop"
)

// Manager owns epic records and checkpoints for one sprint.
type Manager struct {
	caller *agents.Caller
	cfg    config.Config

	// out receives checkpoint summaries; stdout in production.
	out io.Writer
}

// NewManager creates an epic manager.
func NewManager(caller *agents.Caller, cfg config.Config) *Manager {
	return &Manager{caller: caller, cfg: cfg, out: os.Stdout}
}

// EnsureClassified classifies the vision on first contact: the classify
// sub-agent writes EPICS.yaml only for multi-epic visions. Returns the epic
// list, nil for single-run.
func (m *Manager) EnsureClassified(ctx context.Context) ([]Epic, error) {
	sp := m.caller.Sprint()
	epics, err := LoadFile(sp.EpicsPath(), m.cfg.Epics.MaxEpics)
	if err != nil {
		return nil, err
	}
	if epics != nil {
		return epics, nil
	}

	r, err := m.caller.Call(ctx, "epic-classify", "epic_classify", nil, agents.Opts{})
	if err != nil {
		return nil, err
	}
	logging.Epic("classification outcome: %s", r.Outcome)

	epics, err = LoadFile(sp.EpicsPath(), m.cfg.Epics.MaxEpics)
	if err != nil {
		return nil, err
	}
	if epics == nil {
		logging.Epic("vision classified single-run")
		return nil, nil
	}
	logging.Epic("vision decomposed into %d epics", len(epics))
	return epics, nil
}

// Activate moves an epic to active, refining a sketch to a full plan
// just-in-time via the refine sub-agent.
func (m *Manager) Activate(ctx context.Context, epics []Epic, e *Epic) error {
	if e.Detail == DetailSketch {
		logging.Epic("refining epic %s from sketch to full", e.ID)
		r, err := m.caller.Call(ctx, "epic-refine", "epic_refine", map[string]string{
			"EPIC_ID":    e.ID,
			"EPIC_VALUE": e.Value,
		}, agents.Opts{})
		if err != nil {
			return err
		}
		logging.Epic("refine outcome for %s: %s", e.ID, r.Outcome)
		e.Detail = DetailFull
	}
	e.State = StateActive
	return SaveFile(m.caller.Sprint().EpicsPath(), epics)
}

// Complete finishes an epic: the exit gate is recorded, the checkpoint is
// offered, and the decision applied. The returned decision tells the engine
// whether to continue, replan, or stop with partial success.
func (m *Manager) Complete(ctx context.Context, st *state.Store, epics []Epic, e *Epic) (Decision, error) {
	e.State = StateAwaitingCheckpoint
	if err := SaveFile(m.caller.Sprint().EpicsPath(), epics); err != nil {
		return DecisionStop, err
	}
	if err := st.MarkPassed(state.EpicGate(e.ID)); err != nil {
		return DecisionStop, err
	}

	next := nextAfter(epics, e)
	m.printSummary(e, next)

	decision, notes := m.awaitFeedback(ctx)
	logging.Epic("checkpoint decision for %s: %s", e.ID, decision)

	switch decision {
	case DecisionAdjust:
		if next != nil {
			r, err := m.caller.Call(ctx, "epic-replan", "epic_replan", map[string]string{
				"EPIC_ID":     next.ID,
				"HUMAN_NOTES": notes,
			}, agents.Opts{})
			if err != nil {
				return decision, err
			}
			logging.Epic("replan outcome for %s: %s", next.ID, r.Outcome)
			next.Detail = DetailFull
		}
	case DecisionStop:
		// The engine terminates with partial success.
	}

	e.State = StateComplete
	return decision, SaveFile(m.caller.Sprint().EpicsPath(), epics)
}

func nextAfter(epics []Epic, e *Epic) *Epic {
	for i := range epics {
		if epics[i].ID == e.ID {
			for j := i + 1; j < len(epics); j++ {
				if epics[j].State != StateComplete {
					return &epics[j]
				}
			}
			return nil
		}
	}
	return nil
}

// printSummary renders the curated three-section checkpoint summary.
func (m *Manager) printSummary(e *Epic, next *Epic) {
	t := table.NewWriter()
	t.SetOutputMirror(m.out)
	t.SetTitle(fmt.Sprintf("Epic %s complete", e.ID))
	t.AppendHeader(table.Row{"Section", "Detail"})
	t.AppendRow(table.Row{"Delivered", e.Value})
	t.AppendRow(table.Row{"Vision mapping", strings.Join(e.Criteria, "; ")})
	if next != nil {
		t.AppendRow(table.Row{"Next epic", fmt.Sprintf("%s: %s", next.ID, next.Value)})
	} else {
		t.AppendRow(table.Row{"Next epic", "none - this was the last epic"})
	}
	t.Render()
	fmt.Fprintf(m.out, "Reply in %s with Proceed, Adjust <notes>, or Stop (timeout %s auto-proceeds)\n",
		m.caller.Sprint().FeedbackPath(), m.cfg.Epics.FeedbackTimeout)
}

// awaitFeedback waits for FEEDBACK.md up to the configured timeout. The file
// is consumed (deleted) once read so a later checkpoint cannot replay it.
func (m *Manager) awaitFeedback(ctx context.Context) (Decision, string) {
	sp := m.caller.Sprint()
	timeout := m.cfg.Epics.FeedbackTimeout.Std()

	// A response may already be waiting.
	if d, notes, ok := m.consumeFeedback(); ok {
		return d, notes
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Epic("feedback watcher unavailable (%v), auto-proceeding", err)
		return DecisionProceed, ""
	}
	defer watcher.Close()
	if err := watcher.Add(sp.Dir); err != nil {
		logging.Epic("cannot watch sprint dir (%v), auto-proceeding", err)
		return DecisionProceed, ""
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return DecisionStop, ""
		case <-deadline.C:
			logging.Epic("checkpoint timed out after %s, auto-proceeding", timeout)
			return DecisionProceed, ""
		case ev := <-watcher.Events:
			if ev.Name != sp.FeedbackPath() || !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			if d, notes, ok := m.consumeFeedback(); ok {
				return d, notes
			}
		case err := <-watcher.Errors:
			logging.Epic("feedback watcher error: %v", err)
		}
	}
}

// consumeFeedback reads and deletes FEEDBACK.md. The first word is the
// decision; the rest is free-form notes for the replan agent.
func (m *Manager) consumeFeedback() (Decision, string, bool) {
	path := m.caller.Sprint().FeedbackPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return DecisionProceed, "", false
	}
	_ = os.Remove(path)

	text := strings.TrimSpace(string(data))
	word, rest, _ := strings.Cut(text, " ")
	notes := strings.TrimSpace(rest)
	switch strings.ToLower(strings.TrimSpace(word)) {
	case "proceed":
		return DecisionProceed, notes, true
	case "adjust":
		return DecisionAdjust, notes, true
	case "stop":
		return DecisionStop, notes, true
	}
	logging.Epic("unrecognised feedback %q, treating as proceed", word)
	return DecisionProceed, notes, true
}
