package state

import "strings"

// Gate is a named one-bit predicate. The identifier set is closed: the named
// constants below plus one "epic.<id>" gate per completed epic. Membership is
// always tested by exact string equality, never by substring.
type Gate string

const (
	GateVRC1              Gate = "vrc1"
	GateQualityCRAAP      Gate = "quality.craap"
	GateQualityClarity    Gate = "quality.clarity"
	GateQualityValidate   Gate = "quality.validate"
	GateQualityConnect    Gate = "quality.connect"
	GateQualityTidy       Gate = "quality.tidy"
	GatePlanning          Gate = "planning"
	GateVRC2              Gate = "vrc2"
	GatePreflight         Gate = "preflight"
	GateServicesReady     Gate = "services_ready"
	GateTestplanGenerated Gate = "testplan_generated"
)

// epicGatePrefix namespaces per-epic completion gates.
const epicGatePrefix = "epic."

// QualityGates is the exact set cleared by InvalidateQualityGates.
var QualityGates = []Gate{
	GateQualityCRAAP,
	GateQualityClarity,
	GateQualityValidate,
	GateQualityConnect,
	GateQualityTidy,
}

// PlanningGates is the exact set cleared by InvalidateAllPlanning.
var PlanningGates = []Gate{
	GateVRC1,
	GateQualityCRAAP,
	GateQualityClarity,
	GateQualityValidate,
	GateQualityConnect,
	GateQualityTidy,
	GatePlanning,
	GateVRC2,
	GatePreflight,
}

// EpicGate returns the completion gate for an epic.
func EpicGate(epicID string) Gate {
	return Gate(epicGatePrefix + epicID)
}

// Known reports whether g is a member of the closed gate-name set.
func Known(g Gate) bool {
	switch g {
	case GateVRC1, GateQualityCRAAP, GateQualityClarity, GateQualityValidate,
		GateQualityConnect, GateQualityTidy, GatePlanning, GateVRC2,
		GatePreflight, GateServicesReady, GateTestplanGenerated:
		return true
	}
	return strings.HasPrefix(string(g), epicGatePrefix) && len(g) > len(epicGatePrefix)
}
