package deliverable

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Stage names the repair step that produced a parse, or for a failure the
// step whose error is reported.
type Stage int

const (
	StageRaw Stage = iota
	StagePreprocess
	StageSanitize
	StageStructural
)

func (s Stage) String() string {
	switch s {
	case StageRaw:
		return "raw"
	case StagePreprocess:
		return "preprocess"
	case StageSanitize:
		return "sanitize"
	case StageStructural:
		return "structural"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// ErrEmpty is returned for blank input.
var ErrEmpty = errors.New("empty input")

// ParseResult is the typed outcome of Parse and ParseAny. Exactly one of
// Value and Err is set.
type ParseResult struct {
	Valid bool
	// Object is set by Parse.
	Object map[string]any
	// Value is the decoded value (object or array).
	Value any
	Stage Stage
	Err   error
}

// Parse repairs raw and decodes it as a JSON object. The first candidate
// in the repair ladder that decodes to an object wins; otherwise the error
// from the most repaired candidate is returned.
func Parse(raw string) ParseResult {
	return parse(raw, true)
}

// ParseAny is Parse without the object requirement, so several
// concatenated objects come back as an array.
func ParseAny(raw string) ParseResult {
	return parse(raw, false)
}

func parse(raw string, requireObject bool) ParseResult {
	if strings.TrimSpace(raw) == "" {
		return ParseResult{Err: ErrEmpty}
	}

	var (
		lastErr   error
		lastStage Stage
	)
	candidate := raw
	for stage, step := range ladder {
		candidate = step(candidate)
		lastStage = Stage(stage)
		v, err := decode(candidate)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", Stage(stage), err)
			continue
		}
		obj, isObject := v.(map[string]any)
		if requireObject && !isObject {
			lastErr = fmt.Errorf("%s: expected a JSON object, got %s", Stage(stage), kindOf(v))
			continue
		}
		return ParseResult{Valid: true, Object: obj, Value: v, Stage: Stage(stage)}
	}
	return ParseResult{Stage: lastStage, Err: lastErr}
}

// ladder lists the repair steps, least aggressive first. Each step runs on
// the previous step's output and only when that output failed to decode.
var ladder = []func(string) string{
	func(s string) string { return s },
	preprocess,
	sanitizeStrings,
	repairStructure,
}

func decode(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func kindOf(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
