package logging

import (
	"regexp"
	"strings"
)

// Placeholder replaces every redacted secret.
const Placeholder = "[REDACTED]"

// rule redacts one family of secrets. repl is an expansion template in
// which "{}" stands for the placeholder, so a rule can keep the header or
// parameter name that preceded the secret.
type rule struct {
	name string
	re   *regexp.Regexp
	repl string
}

// Sanitizer scrubs credentials from log lines and audit event data. Agents
// replay captured HTTP traffic and tool output, so headers, cookies and URL
// userinfo are covered alongside provider API keys.
type Sanitizer struct {
	rules    []rule
	redacted string
}

// NewSanitizer creates a sanitizer with the built-in rules.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		rules:    defaultRules(),
		redacted: Placeholder,
	}
}

func defaultRules() []rule {
	specs := []struct {
		name, pattern, repl string
	}{
		{"anthropic-key", `sk-ant-[A-Za-z0-9_-]{20,}`, "{}"},
		{"openai-key", `sk-(?:proj-)?[A-Za-z0-9]{20,}`, "{}"},
		{"google-key", `AIza[A-Za-z0-9_-]{35}`, "{}"},
		{"github-token", `gh[pousr]_[A-Za-z0-9]{36,}`, "{}"},
		{"aws-access-key", `AKIA[0-9A-Z]{16}`, "{}"},
		{"slack-token", `xox[baprs]-[0-9A-Za-z-]{10,}`, "{}"},
		{"jwt", `eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`, "{}"},
		{"private-key", `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`, "{}"},
		{"authorization", `(?i)(authorization:\s*(?:basic|bearer|digest|token)\s+)[^\s"',]+`, "${1}{}"},
		{"bearer", `(?i)(bearer\s+)[A-Za-z0-9._~+/=-]{16,}`, "${1}{}"},
		{"cookie", `(?im)((?:set-)?cookie:\s*)[^\r\n"]+`, "${1}{}"},
		{"url-userinfo", `([a-z][a-z0-9+.-]*://[^/\s:@]+:)[^/\s@]+@`, "${1}{}@"},
		{"query-secret", `(?i)([?&](?:access_token|api_key|apikey|token|password|session|sid)=)[^&\s"']+`, "${1}{}"},
		{"assignment", `(?i)((?:api[_-]?key|secret|password|passwd|token)["']?\s*[:=]\s*["']?)[^\s"',}&]{8,}`, "${1}{}"},
	}

	rules := make([]rule, 0, len(specs))
	for _, s := range specs {
		rules = append(rules, rule{name: s.name, re: regexp.MustCompile(s.pattern), repl: s.repl})
	}
	return rules
}

// Sanitize redacts every secret in input.
func (s *Sanitizer) Sanitize(input string) string {
	out := input
	for _, r := range s.rules {
		out = r.re.ReplaceAllString(out, strings.ReplaceAll(r.repl, "{}", s.redacted))
	}
	return out
}

// SanitizeMap returns a copy of m with every string redacted, descending
// into nested maps and slices.
func (s *Sanitizer) SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = s.SanitizeValue(v)
	}
	return out
}

// SanitizeValue redacts strings inside v. Other scalar types pass through.
func (s *Sanitizer) SanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return s.Sanitize(val)
	case map[string]any:
		return s.SanitizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = s.SanitizeValue(e)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, e := range val {
			out[i] = s.Sanitize(e)
		}
		return out
	default:
		return v
	}
}

// AddPattern registers an extra pattern whose matches are fully redacted.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.rules = append(s.rules, rule{name: "custom", re: re, repl: "{}"})
	return nil
}

// SetRedactedPlaceholder sets the placeholder text for redacted content.
func (s *Sanitizer) SetRedactedPlaceholder(placeholder string) {
	s.redacted = placeholder
}
