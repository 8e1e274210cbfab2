package deliverable

import (
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\r?\n?(.*?)```")

// preprocess applies the non-structural cleanups: fenced block extraction,
// comment removal, placeholder removal and trailing comma removal.
func preprocess(s string) string {
	s = extractFence(s)
	s = stripComments(s)
	s = extractSpan(s)
	s = removePlaceholders(s)
	s = stripTrailingCommas(s)
	return strings.TrimSpace(s)
}

// extractFence keeps the body of the last fenced block, or drops a lone
// opening fence when the block was never closed.
func extractFence(s string) string {
	matches := fencePattern.FindAllStringSubmatch(s, -1)
	if len(matches) > 0 {
		return matches[len(matches)-1][1]
	}
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			return rest[nl+1:]
		}
		return rest
	}
	return s
}

// extractSpan trims prose around the JSON: it starts at the first opening
// bracket and ends after the last top-level value that closed. Input that
// never returns to depth zero is kept whole for structural repair.
func extractSpan(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}

	depth, lastClose := 0, -1
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			if depth > 0 {
				depth--
				if depth == 0 {
					lastClose = i
				}
			}
		}
	}

	if depth > 0 || lastClose < 0 {
		return s[start:]
	}
	return s[start : lastClose+1]
}

// stripComments removes // line and /* block */ comments outside strings.
func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == '/' && i+1 < len(s) {
			switch s[i+1] {
			case '/':
				for i < len(s) && s[i] != '\n' {
					i++
				}
				if i < len(s) {
					b.WriteByte('\n')
				}
				continue
			case '*':
				end := strings.Index(s[i+2:], "*/")
				if end < 0 {
					return b.String()
				}
				i += end + 3
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// removePlaceholders deletes unresolved {{...}} tokens outside strings.
// A placeholder in value position takes its key with it, and exactly one
// adjacent comma is removed so the container stays well formed.
func removePlaceholders(s string) string {
	for {
		start, end := findPlaceholder(s)
		if start < 0 {
			return s
		}

		// "key": {{X}}  -> drop the member.
		if p := prevNonSpace(s, start); p >= 0 && s[p] == ':' {
			if q := prevNonSpace(s, p); q >= 0 && s[q] == '"' {
				if open := openingQuote(s, q); open >= 0 {
					start = open
				}
			}
		}

		if n := nextNonSpace(s, end); n < len(s) && s[n] == ',' {
			end = n + 1
		} else if p := prevNonSpace(s, start); p >= 0 && s[p] == ',' {
			start = p
		}

		s = s[:start] + s[end:]
	}
}

// findPlaceholder returns the byte range of the first {{...}} outside a
// string, or -1.
func findPlaceholder(s string) (int, int) {
	inString, escaped := false, false
	for i := 0; i < len(s)-1; i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			continue
		}
		if c == '{' && s[i+1] == '{' {
			if j := strings.Index(s[i+2:], "}}"); j >= 0 {
				return i, i + 2 + j + 2
			}
			return -1, -1
		}
	}
	return -1, -1
}

// openingQuote walks back from the closing quote at q to its opening quote.
func openingQuote(s string, q int) int {
	for i := q - 1; i >= 0; i-- {
		if s[i] != '"' {
			continue
		}
		backslashes := 0
		for j := i - 1; j >= 0 && s[j] == '\\'; j-- {
			backslashes++
		}
		if backslashes%2 == 0 {
			return i
		}
	}
	return -1
}

// stripTrailingCommas removes a comma that directly precedes } or ].
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
		}
		if c == ',' {
			if n := nextNonSpace(s, i+1); n < len(s) && (s[n] == '}' || s[n] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func prevNonSpace(s string, i int) int {
	for j := i - 1; j >= 0; j-- {
		if !isSpace(s[j]) {
			return j
		}
	}
	return -1
}

func nextNonSpace(s string, i int) int {
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
