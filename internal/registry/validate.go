package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/deliverable"
	"github.com/airsalso/dokodemodoor/internal/fsutil"
)

// Dirs locates a unit's deliverables.
type Dirs struct {
	// Workspace is the workspace root. Relative screenshot paths resolve
	// against it as well as against Deliverables.
	Workspace string
	// Deliverables is the directory every deliverable file is written to.
	Deliverables string
}

// ValidationResult is the typed outcome of a unit's validator. Err is a
// validation DomainError when OK is false.
type ValidationResult struct {
	OK  bool
	Err error

	// Stage is the repair stage that made the JSON deliverable parse.
	Stage deliverable.Stage

	// Queue is set for analysis units.
	Queue *deliverable.QueueDocument

	// Evidence is set for exploitation units.
	Evidence *deliverable.EvidenceResult
}

// Verdicts tallies evidence verdicts; nil when the unit writes no evidence.
func (v ValidationResult) Verdicts() map[deliverable.Verdict]int {
	if v.Evidence == nil {
		return nil
	}
	return v.Evidence.Verdicts()
}

func failed(code, format string, args ...any) ValidationResult {
	return ValidationResult{Err: core.ErrValidation(code, fmt.Sprintf(format, args...))}
}

// Validate runs the validator for u against dirs. It never panics on bad
// content; every outcome is reported through the result.
func Validate(u *core.Unit, dirs Dirs) ValidationResult {
	var res ValidationResult
	for _, name := range u.Deliverables {
		if name == u.QueueFile || name == u.EvidenceFile {
			continue
		}
		if r := validateMarkdown(dirs, name); !r.OK {
			return r
		}
	}

	switch {
	case u.ProducesQueue():
		res = validateQueue(dirs, u.QueueFile)
	case u.ProducesEvidence():
		res = validateEvidence(dirs, u.EvidenceFile)
	default:
		res.OK = true
	}
	return res
}

func readDeliverable(dirs Dirs, name string) (string, ValidationResult, bool) {
	data, err := fsutil.ReadInRoot(dirs.Deliverables, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", failed(core.CodeDeliverableMissing, "deliverable %s was not written", name), false
		}
		if core.IsKind(err, core.KindSecurity) {
			return "", ValidationResult{Err: err}, false
		}
		return "", ValidationResult{Err: core.ErrFileSystem("reading deliverable "+name, err)}, false
	}
	return string(data), ValidationResult{}, true
}

func validateMarkdown(dirs Dirs, name string) ValidationResult {
	text, res, ok := readDeliverable(dirs, name)
	if !ok {
		return res
	}
	if strings.TrimSpace(text) == "" {
		return failed(core.CodeDeliverableInvalid, "deliverable %s is empty", name)
	}
	return ValidationResult{OK: true}
}

func validateQueue(dirs Dirs, name string) ValidationResult {
	text, res, ok := readDeliverable(dirs, name)
	if !ok {
		return res
	}
	q := deliverable.ValidateQueue(text)
	if !q.Valid {
		r := failed(core.CodeDeliverableInvalid, "%s: %v", name, q.Err)
		r.Stage = q.Stage
		return r
	}
	return ValidationResult{OK: true, Stage: q.Stage, Queue: q.Doc}
}

func validateEvidence(dirs Dirs, name string) ValidationResult {
	text, res, ok := readDeliverable(dirs, name)
	if !ok {
		return res
	}
	ev := deliverable.ValidateEvidence(text)
	if !ev.Valid {
		r := failed(core.CodeDeliverableInvalid, "%s: %v", name, ev.Err)
		r.Stage = ev.Stage
		return r
	}
	if missing := deliverable.MissingScreenshots(ev.Docs, dirs.Deliverables, dirs.Workspace); len(missing) > 0 {
		r := failed(core.CodeEvidenceMissing, "%s references missing screenshots %v", name, missing)
		r.Stage = ev.Stage
		return r
	}
	return ValidationResult{OK: true, Stage: ev.Stage, Evidence: &ev}
}
