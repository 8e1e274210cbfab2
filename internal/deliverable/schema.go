package deliverable

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity is the fixed four-level finding severity.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// NormalizeSeverity case-normalizes s and reports whether it is one of the
// four known levels.
func NormalizeSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical, true
	case "high":
		return SeverityHigh, true
	case "medium":
		return SeverityMedium, true
	case "low":
		return SeverityLow, true
	default:
		return "", false
	}
}

// Verdict is the outcome of an exploitation attempt.
type Verdict string

const (
	VerdictExploited     Verdict = "EXPLOITED"
	VerdictPotential     Verdict = "POTENTIAL"
	VerdictFalsePositive Verdict = "FALSE_POSITIVE"
)

// NormalizeVerdict accepts any case and space or hyphen separators.
func NormalizeVerdict(s string) (Verdict, bool) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.NewReplacer(" ", "_", "-", "_").Replace(v)
	switch Verdict(v) {
	case VerdictExploited, VerdictPotential, VerdictFalsePositive:
		return Verdict(v), true
	default:
		return "", false
	}
}

// Evidence item types and the fields each one requires.
const (
	ItemHTTP       = "http_request_response"
	ItemScreenshot = "screenshot"
	ItemCommand    = "command_output"
	ItemCode       = "code_snippet"
	ItemLog        = "log_excerpt"
)

var requiredItemFields = map[string][]string{
	ItemHTTP:       {"request", "response"},
	ItemScreenshot: {"path"},
	ItemCommand:    {"command", "output"},
	ItemCode:       {"file", "code"},
	ItemLog:        {"content"},
}

// QueueDocument is the mergeable findings list an analysis unit produces.
// Entries keep every field the unit wrote.
type QueueDocument struct {
	Vulnerabilities []map[string]any `json:"vulnerabilities"`
}

// Len returns the number of entries.
func (q *QueueDocument) Len() int {
	if q == nil {
		return 0
	}
	return len(q.Vulnerabilities)
}

// Marshal encodes the document with stable indentation.
func (q *QueueDocument) Marshal() ([]byte, error) {
	doc := QueueDocument{Vulnerabilities: q.Vulnerabilities}
	if doc.Vulnerabilities == nil {
		doc.Vulnerabilities = []map[string]any{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// QueueResult is the outcome of ValidateQueue.
type QueueResult struct {
	Valid bool
	Doc   *QueueDocument
	Stage Stage
	Err   error
}

// ValidateQueue parses raw and checks it against the Queue Document schema.
// Severities are normalized in place.
func ValidateQueue(raw string) QueueResult {
	parsed := Parse(raw)
	if !parsed.Valid {
		return QueueResult{Err: parsed.Err}
	}
	doc, err := queueFromObject(parsed.Object)
	if err != nil {
		return QueueResult{Stage: parsed.Stage, Err: err}
	}
	return QueueResult{Valid: true, Doc: doc, Stage: parsed.Stage}
}

func queueFromObject(obj map[string]any) (*QueueDocument, error) {
	rawList, ok := obj["vulnerabilities"]
	if !ok {
		return nil, fmt.Errorf("missing required field %q", "vulnerabilities")
	}
	list, ok := rawList.([]any)
	if !ok {
		return nil, fmt.Errorf("%q must be an array, got %s", "vulnerabilities", kindOf(rawList))
	}

	doc := &QueueDocument{Vulnerabilities: make([]map[string]any, 0, len(list))}
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("vulnerabilities[%d] must be an object, got %s", i, kindOf(item))
		}
		sevRaw, ok := entry["severity"].(string)
		if !ok {
			return nil, fmt.Errorf("vulnerabilities[%d]: missing or non-string severity", i)
		}
		sev, ok := NormalizeSeverity(sevRaw)
		if !ok {
			return nil, fmt.Errorf("vulnerabilities[%d]: invalid severity %q", i, sevRaw)
		}
		entry["severity"] = string(sev)
		doc.Vulnerabilities = append(doc.Vulnerabilities, entry)
	}
	return doc, nil
}

// EvidenceItem is one typed piece of evidence.
type EvidenceItem struct {
	Type   string
	Fields map[string]any
}

// EvidenceDocument is a verdict-bearing exploitation record.
type EvidenceDocument struct {
	VulnerabilityID   string
	Verdict           Verdict
	Items             []EvidenceItem
	ReproductionSteps []string
	// Fields holds the full (truncated) document as written.
	Fields map[string]any
}

// ScreenshotPaths returns the paths of screenshot items, for the caller to
// check on disk.
func (d *EvidenceDocument) ScreenshotPaths() []string {
	var paths []string
	for _, item := range d.Items {
		if item.Type != ItemScreenshot {
			continue
		}
		if p, ok := item.Fields["path"].(string); ok {
			paths = append(paths, p)
		}
	}
	return paths
}

// EvidenceResult is the outcome of ValidateEvidence.
type EvidenceResult struct {
	Valid bool
	Docs  []*EvidenceDocument
	// Truncated counts fields shortened to their size limit.
	Truncated int
	Stage     Stage
	Err       error
}

// Verdicts tallies the documents by verdict.
func (r EvidenceResult) Verdicts() map[Verdict]int {
	out := make(map[Verdict]int)
	for _, d := range r.Docs {
		out[d.Verdict]++
	}
	return out
}

// ValidateEvidence parses raw as either one Evidence Document or
// {"results": [...]} and validates every document. Oversized text is
// truncated rather than rejected.
func ValidateEvidence(raw string) EvidenceResult {
	parsed := Parse(raw)
	if !parsed.Valid {
		return EvidenceResult{Err: parsed.Err}
	}

	objects := []any{parsed.Object}
	if results, ok := parsed.Object["results"]; ok {
		list, ok := results.([]any)
		if !ok {
			return EvidenceResult{Stage: parsed.Stage, Err: fmt.Errorf("%q must be an array", "results")}
		}
		if len(list) == 0 {
			return EvidenceResult{Stage: parsed.Stage, Err: fmt.Errorf("%q is empty", "results")}
		}
		objects = list
	}

	res := EvidenceResult{Stage: parsed.Stage}
	for i, o := range objects {
		obj, ok := o.(map[string]any)
		if !ok {
			return EvidenceResult{Stage: parsed.Stage, Err: fmt.Errorf("results[%d] must be an object", i)}
		}
		doc, truncated, err := evidenceFromObject(obj)
		if err != nil {
			if len(objects) > 1 {
				err = fmt.Errorf("results[%d]: %w", i, err)
			}
			return EvidenceResult{Stage: parsed.Stage, Err: err}
		}
		res.Docs = append(res.Docs, doc)
		res.Truncated += truncated
	}
	res.Valid = true
	return res
}

func evidenceFromObject(obj map[string]any) (*EvidenceDocument, int, error) {
	id, err := requireString(obj, "vulnerability_id")
	if err != nil {
		return nil, 0, err
	}

	verdictRaw, err := requireString(obj, "verdict")
	if err != nil {
		return nil, 0, err
	}
	verdict, ok := NormalizeVerdict(verdictRaw)
	if !ok {
		return nil, 0, fmt.Errorf("invalid verdict %q", verdictRaw)
	}
	obj["verdict"] = string(verdict)
	// Items are cut by their own limits below.
	truncated := truncateDocument(obj, "vulnerability_id", "verdict", "evidence")

	steps, err := reproductionSteps(obj["reproduction_steps"])
	if err != nil {
		return nil, 0, err
	}

	rawItems, ok := obj["evidence"].([]any)
	if !ok {
		return nil, 0, fmt.Errorf("missing or non-array field %q", "evidence")
	}

	doc := &EvidenceDocument{
		VulnerabilityID:   id,
		Verdict:           verdict,
		ReproductionSteps: steps,
		Fields:            obj,
	}
	for i, raw := range rawItems {
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, 0, fmt.Errorf("evidence[%d] must be an object", i)
		}
		typ, _ := fields["type"].(string)
		required, known := requiredItemFields[typ]
		if !known {
			return nil, 0, fmt.Errorf("evidence[%d]: unknown type %q", i, typ)
		}
		for _, name := range required {
			if isBlank(fields[name]) {
				return nil, 0, fmt.Errorf("evidence[%d]: %s item requires %q", i, typ, name)
			}
		}
		truncated += truncateItem(fields)
		doc.Items = append(doc.Items, EvidenceItem{Type: typ, Fields: fields})
	}
	return doc, truncated, nil
}

func requireString(obj map[string]any, name string) (string, error) {
	v, ok := obj[name]
	if !ok {
		return "", fmt.Errorf("missing required field %q", name)
	}
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return "", fmt.Errorf("field %q is empty", name)
		}
		return t, nil
	case float64:
		return fmt.Sprintf("%v", t), nil
	default:
		return "", fmt.Errorf("field %q must be a string, got %s", name, kindOf(v))
	}
}

// reproductionSteps accepts a non-empty array of strings or one string.
func reproductionSteps(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("missing required field %q", "reproduction_steps")
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("field %q is empty", "reproduction_steps")
		}
		return []string{t}, nil
	case []any:
		steps := make([]string, 0, len(t))
		for _, s := range t {
			if str, ok := s.(string); ok && strings.TrimSpace(str) != "" {
				steps = append(steps, str)
			}
		}
		if len(steps) == 0 {
			return nil, fmt.Errorf("field %q has no steps", "reproduction_steps")
		}
		return steps, nil
	default:
		return nil, fmt.Errorf("field %q must be an array of strings", "reproduction_steps")
	}
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}
