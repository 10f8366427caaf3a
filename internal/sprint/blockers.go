package sprint

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// BlockerClass classifies why an item cannot proceed without outside help.
type BlockerClass string

const (
	BlockerCredential BlockerClass = "CREDENTIAL"  // secret only a human can supply
	BlockerAuth       BlockerClass = "AUTH"        // human must complete an interactive flow
	BlockerThirdParty BlockerClass = "THIRD_PARTY" // external service unavailable
	BlockerHardware   BlockerClass = "HARDWARE"    // physical
	BlockerBuildable  BlockerClass = "BUILDABLE"   // reclassified as internal work
)

// KnownBlockerClass reports membership in the closed class set.
func KnownBlockerClass(c BlockerClass) bool {
	switch c {
	case BlockerCredential, BlockerAuth, BlockerThirdParty, BlockerHardware, BlockerBuildable:
		return true
	}
	return false
}

// Blocker is one row of the BLOCKERS.md register.
type Blocker struct {
	ID            string
	Class         BlockerClass
	Description   string
	AffectedTests []string
}

// NewBlockerID mints a short unique blocker identifier.
func NewBlockerID() string {
	return "BLK-" + uuid.NewString()[:8]
}

const blockersHeader = `# Blockers

| ID | Class | Description | Affected Tests |
|---|---|---|---|`

// LoadBlockers reads the register. A missing file is an empty register.
func (s *Sprint) LoadBlockers() ([]Blocker, error) {
	data, err := os.ReadFile(s.BlockersPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading blockers: %w", err)
	}

	var out []Blocker
	for _, line := range strings.Split(string(data), "\n") {
		b, ok := parseBlockerRow(line)
		if ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func parseBlockerRow(line string) (Blocker, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "|") {
		return Blocker{}, false
	}
	cells := strings.Split(strings.Trim(line, "|"), "|")
	if len(cells) < 4 {
		return Blocker{}, false
	}
	id := strings.TrimSpace(cells[0])
	class := BlockerClass(strings.TrimSpace(cells[1]))
	if id == "" || id == "ID" || strings.HasPrefix(id, "---") || !KnownBlockerClass(class) {
		return Blocker{}, false
	}
	b := Blocker{
		ID:          id,
		Class:       class,
		Description: strings.TrimSpace(cells[2]),
	}
	for _, t := range strings.Split(cells[3], ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			b.AffectedTests = append(b.AffectedTests, t)
		}
	}
	return b, true
}

// SaveBlockers rewrites the register.
func (s *Sprint) SaveBlockers(blockers []Blocker) error {
	var b strings.Builder
	b.WriteString(blockersHeader)
	b.WriteString("\n")
	for _, row := range blockers {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
			row.ID, row.Class, row.Description, strings.Join(row.AffectedTests, ", "))
	}
	if err := os.WriteFile(s.BlockersPath(), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing blockers: %w", err)
	}
	return nil
}

// AddBlocker appends a row to the register.
func (s *Sprint) AddBlocker(b Blocker) error {
	existing, err := s.LoadBlockers()
	if err != nil {
		return err
	}
	return s.SaveBlockers(append(existing, b))
}

// ReclassifyBlocker changes one blocker's class and returns the updated row.
func (s *Sprint) ReclassifyBlocker(id string, class BlockerClass) (Blocker, error) {
	if !KnownBlockerClass(class) {
		return Blocker{}, fmt.Errorf("unknown blocker class %q", class)
	}
	blockers, err := s.LoadBlockers()
	if err != nil {
		return Blocker{}, err
	}
	for i := range blockers {
		if blockers[i].ID != id {
			continue
		}
		blockers[i].Class = class
		if err := s.SaveBlockers(blockers); err != nil {
			return Blocker{}, err
		}
		return blockers[i], nil
	}
	return Blocker{}, fmt.Errorf("blocker %s not found", id)
}
