package core

// Unit is the static descriptor of one schedulable unit of work ("agent").
type Unit struct {
	Name          string
	DisplayName   string
	Phase         PhaseName
	Rank          int
	Prerequisites []string

	// Deliverables are the file names (relative to the deliverables directory)
	// the unit is expected to produce.
	Deliverables []string

	// QueueFile is set for analysis units that produce a mergeable Queue Document.
	QueueFile string

	// EvidenceFile is set for exploitation units.
	EvidenceFile string

	// Counterpart links an exploitation unit to its upstream analysis unit.
	Counterpart string

	// Category is the vulnerability class for analysis and exploitation
	// units ("sqli", "xss", ...). Empty for the others.
	Category string
}

// ProducesQueue reports whether the unit writes a Queue Document.
func (u *Unit) ProducesQueue() bool {
	return u.QueueFile != ""
}

// ProducesEvidence reports whether the unit writes an Evidence Document.
func (u *Unit) ProducesEvidence() bool {
	return u.EvidenceFile != ""
}
