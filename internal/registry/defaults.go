package registry

import (
	"github.com/airsalso/dokodemodoor/internal/core"
)

// Unit names of the assessment pipeline.
const (
	UnitPreRecon = "pre-recon"
	UnitRecon    = "recon"
	UnitReport   = "report"
)

// Category describes one vulnerability class, which yields an analysis unit
// and its exploitation counterpart.
type Category struct {
	Key         string
	DisplayName string
}

// Categories are the vulnerability classes in rank order.
var Categories = []Category{
	{Key: "sqli", DisplayName: "SQL Injection"},
	{Key: "codei", DisplayName: "Code Injection"},
	{Key: "xss", DisplayName: "Cross-Site Scripting"},
	{Key: "auth", DisplayName: "Authentication"},
	{Key: "ssrf", DisplayName: "Server-Side Request Forgery"},
	{Key: "authz", DisplayName: "Authorization"},
}

// VulnUnit returns the analysis unit name for a category key.
func VulnUnit(key string) string { return key + "-vuln" }

// ExploitUnit returns the exploitation unit name for a category key.
func ExploitUnit(key string) string { return key + "-exploit" }

// Deliverable file names.
const (
	PreReconDeliverable = "pre_recon_deliverable.md"
	ReconDeliverable    = "recon_deliverable.md"
	ReportDeliverable   = "comprehensive_security_assessment_report.md"
)

// AnalysisDeliverable is the markdown analysis written by a vuln unit.
func AnalysisDeliverable(key string) string { return key + "_analysis_deliverable.md" }

// QueueFile is the Queue Document written by a vuln unit.
func QueueFile(key string) string { return key + "_exploitation_queue.json" }

// EvidenceFile is the Evidence Document written by an exploit unit.
func EvidenceFile(key string) string { return key + "_exploitation_evidence.json" }

// DefaultUnits returns the units of the assessment pipeline.
func DefaultUnits() []core.Unit {
	units := []core.Unit{
		{
			Name:         UnitPreRecon,
			DisplayName:  "Pre-Reconnaissance",
			Phase:        core.PhasePreRecon,
			Rank:         1,
			Deliverables: []string{PreReconDeliverable},
		},
		{
			Name:          UnitRecon,
			DisplayName:   "Reconnaissance",
			Phase:         core.PhaseRecon,
			Rank:          2,
			Prerequisites: []string{UnitPreRecon},
			Deliverables:  []string{ReconDeliverable},
		},
	}

	rank := 3
	for _, c := range Categories {
		units = append(units, core.Unit{
			Name:          VulnUnit(c.Key),
			DisplayName:   c.DisplayName + " Analysis",
			Phase:         core.PhaseVulnAnalysis,
			Rank:          rank,
			Prerequisites: []string{UnitRecon},
			Deliverables:  []string{AnalysisDeliverable(c.Key), QueueFile(c.Key)},
			QueueFile:     QueueFile(c.Key),
			Category:      c.Key,
		})
		rank++
	}
	for _, c := range Categories {
		units = append(units, core.Unit{
			Name:          ExploitUnit(c.Key),
			DisplayName:   c.DisplayName + " Exploitation",
			Phase:         core.PhaseExploitation,
			Rank:          rank,
			Prerequisites: []string{VulnUnit(c.Key)},
			Deliverables:  []string{EvidenceFile(c.Key)},
			EvidenceFile:  EvidenceFile(c.Key),
			Counterpart:   VulnUnit(c.Key),
			Category:      c.Key,
		})
		rank++
	}

	return append(units, core.Unit{
		Name:          UnitReport,
		DisplayName:   "Security Assessment Report",
		Phase:         core.PhaseReporting,
		Rank:          rank,
		Prerequisites: []string{UnitRecon},
		Deliverables:  []string{ReportDeliverable},
	})
}

// DefaultPhases returns the phases of the assessment pipeline.
func DefaultPhases() []core.Phase {
	vuln := make([]string, 0, len(Categories))
	exploit := make([]string, 0, len(Categories))
	for _, c := range Categories {
		vuln = append(vuln, VulnUnit(c.Key))
		exploit = append(exploit, ExploitUnit(c.Key))
	}
	return []core.Phase{
		{Name: core.PhasePreRecon, Units: []string{UnitPreRecon}},
		{Name: core.PhaseRecon, Units: []string{UnitRecon}},
		{Name: core.PhaseVulnAnalysis, Units: vuln, Parallel: true},
		{Name: core.PhaseExploitation, Units: exploit, Parallel: true},
		{Name: core.PhaseReporting, Units: []string{UnitReport}},
	}
}

// Default returns the built-in assessment pipeline.
func Default() *Registry {
	r, err := New(DefaultUnits(), DefaultPhases())
	if err != nil {
		panic("registry: invalid built-in pipeline: " + err.Error())
	}
	return r
}
