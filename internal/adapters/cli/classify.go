package cli

import (
	"strings"
)

// SubtypeMaxTurns marks a run stopped at its turn ceiling. It is a soft
// error: the run may still have written valid deliverables.
const SubtypeMaxTurns = "error_max_turns"

// fatalSignatures are lower-case fragments of runtime messages that no retry
// can fix.
var fatalSignatures = []string{
	"credit balance",
	"billing",
	"insufficient credits",
	"session limit",
	"usage limit",
	"spending limit",
}

// IsFatal reports whether msg carries a billing or session-limit signature.
func IsFatal(msg string) bool {
	lower := strings.ToLower(msg)
	for _, sig := range fatalSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// lastLine returns the last non-empty line of s, capped at limit bytes.
func lastLine(s string, limit int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) > limit {
			return line[:limit] + "..."
		}
		return line
	}
	return ""
}
