package plan

import (
	"fmt"
	"regexp"
	"strings"
)

// TestKind tags what a test case verifies.
type TestKind string

const (
	TestBrowser     TestKind = "browser"     // BT-*: UI behavior
	TestIntegration TestKind = "integration" // INT-*: real integration
	TestValue       TestKind = "value"       // VAL-*: value delivery
	TestUX          TestKind = "ux"          // UX-*: heuristic
	TestEdge        TestKind = "edge"        // EDGE-*
)

// TestStatus is the test-plan checkbox state. Blocked tests carry a trailing
// annotation distinguishing externally blocked from fixably blocked.
type TestStatus string

const (
	TestPending         TestStatus = "pending"          // [ ]
	TestPassed          TestStatus = "passed"           // [x]
	TestBlockedExternal TestStatus = "blocked-external" // [B] (blocked: external)
	TestBlockedFixable  TestStatus = "blocked-fixable"  // [B] (blocked: fixable)
)

// Blocked reports whether the status is either blocked class.
func (s TestStatus) Blocked() bool {
	return s == TestBlockedExternal || s == TestBlockedFixable
}

// TestCase is one unit of verification drawn from the test plan.
type TestCase struct {
	ID          string
	Kind        TestKind
	Status      TestStatus
	Description string

	// E2EName is the direct-execution annotation name, when the test block
	// carries one ((E2E: "checkout happy path")).
	E2EName string

	line int
}

var testPrefixes = map[string]TestKind{
	"BT":   TestBrowser,
	"INT":  TestIntegration,
	"VAL":  TestValue,
	"UX":   TestUX,
	"EDGE": TestEdge,
}

// KindForTestID classifies a test identifier by prefix.
func KindForTestID(id string) (TestKind, bool) {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return "", false
	}
	kind, known := testPrefixes[prefix]
	return kind, known
}

// testLineRe matches a checkbox test line:
//
//   - [ ] BT-1: the dashboard renders
//   - [B] VAL-2: order total matches cart (blocked: external)
var testLineRe = regexp.MustCompile(`^(\s*[-*]\s*)\[([ xB])\]\s+((?:BT|INT|VAL|UX|EDGE)-[A-Za-z0-9._\-]+)\s*:?\s*(.*)$`)

// blockedNoteRe matches the trailing blocked-class annotation.
var blockedNoteRe = regexp.MustCompile(`\s*\(blocked:\s*(external|fixable)\)\s*$`)

// e2eRe matches the direct-execution annotation inside a test block.
var e2eRe = regexp.MustCompile(`\(E2E:\s*"([^"]+)"\)`)

func testStatusForLine(mark, rest string) TestStatus {
	switch mark {
	case "x":
		return TestPassed
	case "B":
		if m := blockedNoteRe.FindStringSubmatch(rest); m != nil && m[1] == "fixable" {
			return TestBlockedFixable
		}
		return TestBlockedExternal
	default:
		return TestPending
	}
}

func renderTestLine(indent, id, desc string, st TestStatus) (string, error) {
	desc = blockedNoteRe.ReplaceAllString(desc, "")
	switch st {
	case TestPending:
		return fmt.Sprintf("%s[ ] %s: %s", indent, id, desc), nil
	case TestPassed:
		return fmt.Sprintf("%s[x] %s: %s", indent, id, desc), nil
	case TestBlockedExternal:
		return fmt.Sprintf("%s[B] %s: %s (blocked: external)", indent, id, desc), nil
	case TestBlockedFixable:
		return fmt.Sprintf("%s[B] %s: %s (blocked: fixable)", indent, id, desc), nil
	}
	return "", fmt.Errorf("unknown test status %q", st)
}
