package meta

import (
	"strings"

	"telic/internal/logging"
	"telic/internal/state"
)

// Strategy is a process-level adjustment. The set is closed; sub-agent
// output naming anything else is ignored.
type Strategy string

const (
	StrategyChangeTestApproach   Strategy = "change_test_approach"
	StrategyChangeFixApproach    Strategy = "change_fix_approach"
	StrategyChangeExecutionOrder Strategy = "change_execution_order"
	StrategyReduceScope          Strategy = "reduce_scope"
	StrategyChangeResearchTiming Strategy = "change_research_timing"
	StrategyLowerEscalation      Strategy = "lower_escalation_threshold"
)

// KnownStrategy reports closed-set membership.
func KnownStrategy(s Strategy) bool {
	switch s {
	case StrategyChangeTestApproach, StrategyChangeFixApproach,
		StrategyChangeExecutionOrder, StrategyReduceScope,
		StrategyChangeResearchTiming, StrategyLowerEscalation:
		return true
	}
	return false
}

// ParseStrategies extracts known strategy tokens from sub-agent output, one
// per STRATEGY: line.
func ParseStrategies(output string) []Strategy {
	var out []Strategy
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		token, ok := strings.CutPrefix(line, "STRATEGY:")
		if !ok {
			continue
		}
		s := Strategy(strings.TrimSpace(token))
		if KnownStrategy(s) {
			out = append(out, s)
		}
	}
	return out
}

// counterLastStrategy records the iteration of the last strategy change.
const counterLastStrategy = "last_strategy_iteration"

// StrategyAllowed enforces the bounds on strategy-agent invocation: at most
// once per cooldown window, never during the warmup window, never on the
// iteration right after a prior change, and never above 95% of the
// iteration budget.
func (d *Detector) StrategyAllowed(st *state.Store) bool {
	cooldown := d.limits.StrategyCooldown
	if cooldown <= 0 {
		cooldown = 5
	}
	iter := st.Iteration()
	if iter <= cooldown {
		return false
	}
	if d.limits.MaxIterations > 0 && iter*100 >= d.limits.MaxIterations*95 {
		return false
	}
	last := st.Counter(counterLastStrategy)
	if last > 0 && iter-last <= cooldown {
		return false
	}
	return true
}

// RecordStrategyChange notes that a strategy change fired this iteration.
func (d *Detector) RecordStrategyChange(st *state.Store, strategies []Strategy) {
	st.SetCounter(counterLastStrategy, st.Iteration())
	for _, s := range strategies {
		logging.Meta("strategy change: %s", s)
	}
}
