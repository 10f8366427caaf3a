// Package epic orchestrates multi-epic visions: classification and
// decomposition into ordered, independently demonstrable slices of value,
// persistence of the epic records, and the between-epic human checkpoint
// with timeout auto-proceed. Simple visions skip all of this: no EPICS.yaml,
// no checkpoints, one inner loop.
package epic

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"telic/internal/logging"
)

// Detail is how far an epic's plan has been developed. Only the active epic
// carries a full plan; later epics stay sketches until they activate.
type Detail string

const (
	DetailSketch Detail = "sketch"
	DetailFull   Detail = "full"
)

// State is an epic's lifecycle position.
type State string

const (
	StatePending            State = "pending"
	StateActive             State = "active"
	StateAwaitingCheckpoint State = "awaiting-checkpoint"
	StateComplete           State = "complete"
)

// Epic is one deliverable block of value.
type Epic struct {
	ID        string   `yaml:"id"`
	Position  int      `yaml:"position"`
	Value     string   `yaml:"value"`
	Criteria  []string `yaml:"criteria"`
	DependsOn []string `yaml:"depends_on,omitempty"`
	Detail    Detail   `yaml:"detail"`
	State     State    `yaml:"state"`
}

// file is the EPICS.yaml document shape.
type file struct {
	Epics []Epic `yaml:"epics"`
}

// LoadFile reads and validates an epic list from path. A missing file
// returns nil (single-run vision).
func LoadFile(path string, maxEpics int) ([]Epic, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading epics: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing epics: %w", err)
	}
	epics := f.Epics

	sort.SliceStable(epics, func(i, j int) bool { return epics[i].Position < epics[j].Position })
	if maxEpics > 0 && len(epics) > maxEpics {
		logging.Epic("decomposition produced %d epics, keeping the first %d", len(epics), maxEpics)
		epics = epics[:maxEpics]
	}
	if err := validate(epics); err != nil {
		return nil, err
	}
	return epics, nil
}

// SaveFile writes the epic list back to path.
func SaveFile(path string, epics []Epic) error {
	data, err := yaml.Marshal(file{Epics: epics})
	if err != nil {
		return fmt.Errorf("marshalling epics: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing epics: %w", err)
	}
	return nil
}

// validate enforces the decomposition invariants: unique ids, defaults
// filled, dependencies resolvable and pointing at earlier epics.
func validate(epics []Epic) error {
	pos := make(map[string]int, len(epics))
	for i := range epics {
		e := &epics[i]
		if e.ID == "" {
			return fmt.Errorf("epic at position %d has no id", e.Position)
		}
		if _, dup := pos[e.ID]; dup {
			return fmt.Errorf("duplicate epic id %s", e.ID)
		}
		pos[e.ID] = i
		if e.Detail == "" {
			e.Detail = DetailSketch
		}
		if e.State == "" {
			e.State = StatePending
		}
	}
	for i := range epics {
		for _, dep := range epics[i].DependsOn {
			j, ok := pos[dep]
			if !ok {
				return fmt.Errorf("epic %s depends on unknown epic %s", epics[i].ID, dep)
			}
			if j >= i {
				return fmt.Errorf("epic %s depends on %s, which does not precede it", epics[i].ID, dep)
			}
		}
	}
	return nil
}

// NextEligible returns the first epic that is not complete and whose named
// dependencies are all complete, or nil when every epic is done.
func NextEligible(epics []Epic) *Epic {
	done := make(map[string]bool)
	for _, e := range epics {
		if e.State == StateComplete {
			done[e.ID] = true
		}
	}
	for i := range epics {
		e := &epics[i]
		if e.State == StateComplete {
			continue
		}
		eligible := true
		for _, dep := range e.DependsOn {
			if !done[dep] {
				eligible = false
				break
			}
		}
		if eligible {
			return e
		}
	}
	return nil
}

// AllComplete reports whether every epic finished.
func AllComplete(epics []Epic) bool {
	for _, e := range epics {
		if e.State != StateComplete {
			return false
		}
	}
	return len(epics) > 0
}
