package sprint

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RegressionEntry is one row of the append-only regression history.
type RegressionEntry struct {
	ID         string
	Time       time.Time
	TestID     string
	PrevStatus string
	NewStatus  string
	FixCount   int // fixes accumulated when the regression was caught
}

// NewRegressionEntry stamps a regression record.
func NewRegressionEntry(testID, prev, next string, fixCount int) RegressionEntry {
	return RegressionEntry{
		ID:         uuid.NewString()[:8],
		Time:       time.Now().UTC(),
		TestID:     testID,
		PrevStatus: prev,
		NewStatus:  next,
		FixCount:   fixCount,
	}
}

// AppendRegression records an entry in REGRESSION_LOG.md. The log is
// append-only; nothing ever rewrites it.
func (s *Sprint) AppendRegression(e RegressionEntry) error {
	line := fmt.Sprintf("- %s [%s] %s: %s -> %s (after %d fixes)",
		e.Time.Format(time.RFC3339), e.ID, e.TestID, e.PrevStatus, e.NewStatus, e.FixCount)
	return s.appendLine(FileRegressionLog, line)
}
