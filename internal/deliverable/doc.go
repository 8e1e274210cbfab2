// Package deliverable turns the semi-structured text units write into
// validated Queue and Evidence documents.
//
// Parsing runs a fixed ladder of repairs, each more aggressive than the
// last, and stops at the first candidate that decodes:
//
//	raw -> preprocess -> sanitize strings -> structural repair
//
// Every function here is pure; file access lives in files.go.
package deliverable
