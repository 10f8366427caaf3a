package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// blockMaxLines bounds a test block: 25 consecutive lines starting at the
// test identifier, terminated early by another identifier, a section header,
// or a horizontal rule.
const blockMaxLines = 25

// Document is one plan or test-plan markdown file. Mutations flip checkbox
// marks or append lines; every other byte of the file is preserved, since
// sub-agents and humans co-own these files.
type Document struct {
	path  string
	lines []string
}

// Load reads a document. A missing file is an error; callers gate on
// existence first.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}
	return &Document{path: path, lines: splitLines(string(data))}, nil
}

// Exists reports whether a plan file is present.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}

// Save writes the document back to disk.
func (d *Document) Save() error {
	if err := os.WriteFile(d.path, []byte(strings.Join(d.lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("writing plan %s: %w", d.path, err)
	}
	return nil
}

// Reload re-reads the file, discarding in-memory state. Called after a
// sub-agent may have rewritten the file.
func (d *Document) Reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("re-reading plan %s: %w", d.path, err)
	}
	d.lines = splitLines(string(data))
	return nil
}

// Hash returns the SHA-256 of the document's current content.
func (d *Document) Hash() string {
	sum := sha256.Sum256([]byte(strings.Join(d.lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// Path returns the backing file path.
func (d *Document) Path() string { return d.path }

// Tasks scans the document for task lines, in file order.
func (d *Document) Tasks() []Task {
	var out []Task
	for i, line := range d.lines {
		m := taskLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		desc := strings.TrimSpace(m[4])
		priority := ""
		if strings.HasSuffix(desc, "[CRITICAL]") {
			priority = "CRITICAL"
			desc = strings.TrimSpace(strings.TrimSuffix(desc, "[CRITICAL]"))
		}
		out = append(out, Task{
			ID:          normalizeTaskID(m[3]),
			Kind:        KindForTaskID(normalizeTaskID(m[3])),
			Status:      statusForMark(m[2]),
			Description: desc,
			Priority:    priority,
			line:        i,
		})
	}
	return out
}

// normalizeTaskID collapses internal whitespace in "Task  2.1" style ids.
func normalizeTaskID(id string) string {
	return strings.Join(strings.Fields(id), " ")
}

// Tests scans the document for test lines, in file order, resolving each
// test's direct-execution annotation from its block.
func (d *Document) Tests() []TestCase {
	var out []TestCase
	for i, line := range d.lines {
		m := testLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id := m[3]
		kind, _ := KindForTestID(id)
		desc := strings.TrimSpace(blockedNoteRe.ReplaceAllString(m[4], ""))
		tc := TestCase{
			ID:          id,
			Kind:        kind,
			Status:      testStatusForLine(m[2], m[4]),
			Description: desc,
			line:        i,
		}
		if e2e := e2eRe.FindStringSubmatch(d.blockAt(i)); e2e != nil {
			tc.E2EName = e2e[1]
		}
		out = append(out, tc)
	}
	return out
}

// SetTaskStatus flips a task's checkbox mark in place.
func (d *Document) SetTaskStatus(id string, st TaskStatus) error {
	mark, err := markForStatus(st)
	if err != nil {
		return err
	}
	for i, line := range d.lines {
		m := taskLineRe.FindStringSubmatch(line)
		if m == nil || normalizeTaskID(m[3]) != id {
			continue
		}
		d.lines[i] = fmt.Sprintf("%s[%s] %s: %s", m[1], mark, m[3], m[4])
		return nil
	}
	return fmt.Errorf("task %s not found in %s", id, d.path)
}

// SetTestStatus flips a test's checkbox mark and blocked annotation.
func (d *Document) SetTestStatus(id string, st TestStatus) error {
	for i, line := range d.lines {
		m := testLineRe.FindStringSubmatch(line)
		if m == nil || m[3] != id {
			continue
		}
		rendered, err := renderTestLine(m[1], m[3], strings.TrimSpace(m[4]), st)
		if err != nil {
			return err
		}
		d.lines[i] = rendered
		return nil
	}
	return fmt.Errorf("test %s not found in %s", id, d.path)
}

// AppendTask adds a task line at the end of the document.
func (d *Document) AppendTask(t Task) {
	// Trim a single trailing blank line so appends stay tidy.
	if n := len(d.lines); n > 0 && d.lines[n-1] == "" {
		d.lines = d.lines[:n-1]
		defer func() { d.lines = append(d.lines, "") }()
	}
	d.lines = append(d.lines, FormatTaskLine(t))
}

// HasTask reports whether a task id is already present.
func (d *Document) HasTask(id string) bool {
	for _, t := range d.Tasks() {
		if t.ID == id {
			return true
		}
	}
	return false
}

// ExtractBlock returns the test block for a test id: up to 25 consecutive
// lines starting from the identifier line.
func (d *Document) ExtractBlock(testID string) (string, error) {
	for i, line := range d.lines {
		m := testLineRe.FindStringSubmatch(line)
		if m != nil && m[3] == testID {
			return d.blockAt(i), nil
		}
	}
	return "", fmt.Errorf("test %s not found in %s", testID, d.path)
}

// blockAt extracts the block starting at line index i.
func (d *Document) blockAt(i int) string {
	var block []string
	for j := i; j < len(d.lines) && j < i+blockMaxLines; j++ {
		line := d.lines[j]
		if j > i && isBlockTerminator(line) {
			break
		}
		block = append(block, line)
	}
	return strings.Join(block, "\n")
}

func isBlockTerminator(line string) bool {
	trimmed := strings.TrimSpace(line)
	if testLineRe.MatchString(line) {
		return true
	}
	if strings.HasPrefix(trimmed, "#") {
		return true
	}
	// Horizontal rules.
	if trimmed == "---" || trimmed == "***" || trimmed == "___" {
		return true
	}
	return false
}

// Counts summarises checkbox states for tasks.
type Counts struct {
	Pending    int
	Done       int
	Blocked    int
	UserAction int
}

// TaskCounts tallies the document's tasks by status.
func (d *Document) TaskCounts() Counts {
	var c Counts
	for _, t := range d.Tasks() {
		switch t.Status {
		case TaskPending:
			c.Pending++
		case TaskDone:
			c.Done++
		case TaskBlocked:
			c.Blocked++
		case TaskUserAction:
			c.UserAction++
		}
	}
	return c
}

// TestCounts summarises checkbox states for tests.
type TestCounts struct {
	Pending         int
	Passed          int
	BlockedExternal int
	BlockedFixable  int
}

// Blocked returns the total blocked count.
func (c TestCounts) Blocked() int { return c.BlockedExternal + c.BlockedFixable }

// CountTests tallies the document's tests by status.
func (d *Document) CountTests() TestCounts {
	var c TestCounts
	for _, t := range d.Tests() {
		switch t.Status {
		case TestPending:
			c.Pending++
		case TestPassed:
			c.Passed++
		case TestBlockedExternal:
			c.BlockedExternal++
		case TestBlockedFixable:
			c.BlockedFixable++
		}
	}
	return c
}
