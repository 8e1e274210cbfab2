package deliverable

import (
	"fmt"
	"strings"
)

// sanitizeStrings repairs string literal contents only: raw control
// characters become escapes, and a backslash that does not start a legal
// escape is itself escaped. Text outside strings is copied unchanged.
func sanitizeStrings(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)

	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			b.WriteByte(c)
			continue
		}

		switch {
		case c == '"':
			inString = false
			b.WriteByte(c)
		case c == '\\':
			if i+1 >= len(s) {
				b.WriteString(`\\`)
				continue
			}
			next := s[i+1]
			switch {
			case strings.IndexByte(`"\/bfnrt`, next) >= 0:
				b.WriteByte(c)
				b.WriteByte(next)
				i++
			case next == 'u' && isHex4(s, i+2):
				b.WriteString(s[i : i+6])
				i += 5
			default:
				b.WriteString(`\\`)
			}
		case c < 0x20:
			b.WriteString(escapeControl(c))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func escapeControl(c byte) string {
	switch c {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\b':
		return `\b`
	case '\f':
		return `\f`
	default:
		return fmt.Sprintf(`\u%04x`, c)
	}
}

func isHex4(s string, i int) bool {
	if i+4 > len(s) {
		return false
	}
	for _, c := range []byte(s[i : i+4]) {
		if !strings.ContainsRune("0123456789abcdefABCDEF", rune(c)) {
			return false
		}
	}
	return true
}
