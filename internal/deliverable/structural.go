package deliverable

import "strings"

// colonKeys are field names that generated text sometimes follows with a
// comma instead of a colon. Only these are rewritten.
var colonKeys = map[string]bool{
	"vulnerabilities":    true,
	"results":            true,
	"ID":                 true,
	"id":                 true,
	"vulnerability_id":   true,
	"vulnerability_type": true,
	"type":               true,
	"source":             true,
	"severity":           true,
	"verdict":            true,
	"evidence":           true,
	"reproduction_steps": true,
	"request":            true,
	"response":           true,
	"path":               true,
}

type expect int

const (
	expectKey   expect = iota // object: key or '}'
	expectColon               // object: key read, ':' due
	expectValue               // value or closer
	expectNext                // value read: ',' or closer
)

type frame struct {
	closer byte // '}' or ']'; 0 for the top level
	state  expect
	key    string
	values int
	// comma is the output offset of a comma not yet followed by a value.
	comma int
}

func (f *frame) isObject() bool { return f.closer == '}' }

// repairer rewrites structurally broken JSON in one left-to-right pass.
// For each token, a missing separator is inserted first; the comma-to-colon
// fix applies at the separator itself; bracket balancing runs on closers
// and at end of input.
type repairer struct {
	out   []byte
	stack []*frame
}

func repairStructure(s string) string {
	r := &repairer{
		out:   make([]byte, 0, len(s)+16),
		stack: []*frame{{state: expectValue, comma: -1}},
	}

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case isSpace(c):
			r.out = append(r.out, c)
			i++
		case c == '"':
			i = r.readString(s, i)
		case c == '{' || c == '[':
			r.beginValue()
			r.out = append(r.out, c)
			f := &frame{closer: '}', state: expectKey, comma: -1}
			if c == '[' {
				f.closer, f.state = ']', expectValue
			}
			r.stack = append(r.stack, f)
			i++
		case c == '}' || c == ']':
			if r.close(c) {
				i++
			}
		case c == ',':
			r.comma()
			i++
		case c == ':':
			if top := r.top(); top.isObject() && top.state == expectColon {
				top.state = expectValue
			}
			r.out = append(r.out, c)
			i++
		default:
			i = r.readLiteral(s, i)
		}
	}

	r.finish()
	if r.stack[0].values > 1 {
		return "[" + strings.TrimSpace(string(r.out)) + "]"
	}
	return string(r.out)
}

func (r *repairer) top() *frame { return r.stack[len(r.stack)-1] }

// beginValue inserts the separator a value needs in the current state.
func (r *repairer) beginValue() {
	top := r.top()
	switch {
	case top.isObject() && top.state == expectColon:
		r.out = append(r.out, ':')
		top.state = expectValue
	case top.isObject() && top.state == expectNext:
		// A value where a key belongs cannot be repaired; leave it.
	case top.state == expectNext:
		r.out = append(r.out, ',')
		top.state = expectValue
	}
	top.comma = -1
}

// endValue records a completed value (or key) in the current frame.
func (r *repairer) endValue() {
	top := r.top()
	if top.isObject() && top.state == expectKey {
		top.state = expectColon
		return
	}
	top.state = expectNext
	top.values++
}

func (r *repairer) readString(s string, i int) int {
	top := r.top()
	isKey := false
	if top.isObject() && (top.state == expectKey || top.state == expectNext) {
		if top.state == expectNext {
			// "a":1 "b":2 is missing the comma before the next key.
			r.out = append(r.out, ',')
		}
		top.state = expectKey
		top.comma = -1
		isKey = true
	} else {
		r.beginValue()
	}

	start := len(r.out)
	r.out = append(r.out, '"')
	j := i + 1
	escaped, closed := false, false
	for ; j < len(s); j++ {
		c := s[j]
		r.out = append(r.out, c)
		if escaped {
			escaped = false
		} else if c == '\\' {
			escaped = true
		} else if c == '"' {
			j++
			closed = true
			break
		}
	}
	if !closed {
		if escaped {
			r.out = r.out[:len(r.out)-1]
		}
		r.out = append(r.out, '"')
	}

	if isKey {
		top.key = string(r.out[start+1 : len(r.out)-1])
	}
	r.endValue()
	return j
}

func (r *repairer) readLiteral(s string, i int) int {
	r.beginValue()

	j := i
	for j < len(s) && !isSpace(s[j]) && strings.IndexByte(`{}[],:"`, s[j]) < 0 {
		j++
	}
	r.out = append(r.out, s[i:j]...)
	r.endValue()
	return j
}

// comma handles an explicit separator. A known key followed by a comma gets
// a colon instead; duplicate and leading commas are dropped.
func (r *repairer) comma() {
	top := r.top()
	switch {
	case top.isObject() && top.state == expectColon:
		if colonKeys[top.key] {
			r.out = append(r.out, ':')
			top.state = expectValue
			return
		}
		r.out = append(r.out, ',')
	case top.state == expectNext:
		top.comma = len(r.out)
		r.out = append(r.out, ',')
		if top.isObject() {
			top.state = expectKey
		} else {
			top.state = expectValue
		}
	}
}

// close handles a closer and reports whether the input byte was consumed.
// A mismatched closer first closes the innermost container and is re-read.
func (r *repairer) close(c byte) bool {
	top := r.top()
	if top.closer == 0 {
		return true // stray closer at top level
	}
	r.closeFrame()
	return top.closer == c
}

func (r *repairer) closeFrame() {
	f := r.top()
	if f.comma >= 0 {
		r.out = append(r.out[:f.comma], r.out[f.comma+1:]...)
	}
	if f.isObject() {
		switch f.state {
		case expectColon:
			r.out = append(r.out, ":null"...)
		case expectValue:
			r.out = append(r.out, "null"...)
		}
	}
	r.out = append(r.out, f.closer)
	r.stack = r.stack[:len(r.stack)-1]
	r.endValue()
}

func (r *repairer) finish() {
	for len(r.stack) > 1 {
		r.closeFrame()
	}
	if f := r.stack[0]; f.comma >= 0 {
		r.out = append(r.out[:f.comma], r.out[f.comma+1:]...)
	}
}
