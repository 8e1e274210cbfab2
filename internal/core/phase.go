package core

import "fmt"

// PhaseName identifies a phase of the assessment pipeline.
type PhaseName string

const (
	// PhasePreRecon inspects the target's source and surface before any traffic.
	PhasePreRecon PhaseName = "pre-recon"

	// PhaseRecon maps the live attack surface.
	PhaseRecon PhaseName = "recon"

	// PhaseVulnAnalysis runs one analysis unit per vulnerability class.
	// Each unit writes a Queue Document of candidate findings.
	PhaseVulnAnalysis PhaseName = "vulnerability-analysis"

	// PhaseExploitation attempts every queued finding. A unit only runs when
	// its analysis counterpart queued at least one finding.
	PhaseExploitation PhaseName = "exploitation"

	// PhaseReporting consolidates deliverables into the final report.
	PhaseReporting PhaseName = "reporting"
)

// AllPhases returns all phases in execution order.
func AllPhases() []PhaseName {
	return []PhaseName{PhasePreRecon, PhaseRecon, PhaseVulnAnalysis, PhaseExploitation, PhaseReporting}
}

// PhaseOrder returns the numeric order of a phase (0-indexed), or -1.
func PhaseOrder(p PhaseName) int {
	for i, name := range AllPhases() {
		if name == p {
			return i
		}
	}
	return -1
}

// ValidPhase checks if a phase string is valid.
func ValidPhase(p PhaseName) bool {
	return PhaseOrder(p) >= 0
}

// ParsePhase converts a string to a PhaseName with validation.
func ParsePhase(s string) (PhaseName, error) {
	p := PhaseName(s)
	if !ValidPhase(p) {
		return "", fmt.Errorf("invalid phase: %s", s)
	}
	return p, nil
}

// String returns the string representation of the phase.
func (p PhaseName) String() string {
	return string(p)
}

// Description returns a human-readable description of the phase.
func (p PhaseName) Description() string {
	switch p {
	case PhasePreRecon:
		return "Static inspection of the target before any traffic"
	case PhaseRecon:
		return "Map the live attack surface"
	case PhaseVulnAnalysis:
		return "Analyze each vulnerability class and queue findings"
	case PhaseExploitation:
		return "Attempt queued findings and record evidence"
	case PhaseReporting:
		return "Write the consolidated assessment report"
	default:
		return "Unknown phase"
	}
}

// Phase is an ordered group of units.
type Phase struct {
	Name     PhaseName
	Units    []string
	Parallel bool
}
