package core

import (
	"context"
	"time"
)

// RuntimeEventType identifies an event streamed by the task runtime.
type RuntimeEventType string

const (
	// RuntimeEventAssistant carries assistant-turn content.
	RuntimeEventAssistant RuntimeEventType = "assistant"

	// RuntimeEventToolStart is emitted when the runtime invokes a tool.
	RuntimeEventToolStart RuntimeEventType = "tool_start"

	// RuntimeEventToolEnd carries a tool invocation result.
	RuntimeEventToolEnd RuntimeEventType = "tool_end"

	// RuntimeEventResult is the terminal event of an execution.
	RuntimeEventResult RuntimeEventType = "result"
)

// RuntimeRequest is the input handed to the task runtime for one attempt.
type RuntimeRequest struct {
	Unit          string
	Prompt        string
	WorkspacePath string
	AllowedTools  []string
	TurnCeiling   int
}

// RuntimeResult is the terminal classification of an execution.
type RuntimeResult struct {
	Success bool
	// Subtype is the runtime's own classification ("success",
	// "error_max_turns", "error_during_execution", ...).
	Subtype  string
	Message  string
	Fatal    bool
	CostUSD  float64
	Duration time.Duration
	Turns    int
}

// SoftError reports a non-success result that still may have produced output,
// such as hitting the turn ceiling.
func (r *RuntimeResult) SoftError() bool {
	return r != nil && !r.Success && !r.Fatal
}

// RuntimeEvent is a single typed event from the runtime stream.
type RuntimeEvent struct {
	Type      RuntimeEventType
	Timestamp time.Time

	// Content holds assistant text or a tool result body.
	Content string

	// Tool fields for tool_start / tool_end.
	ToolID    string
	ToolName  string
	ToolInput map[string]any
	IsError   bool

	// Result is set only on RuntimeEventResult.
	Result *RuntimeResult
}

// Runtime is the external generative task runtime. The returned channel is
// closed after the terminal result event (or on failure to produce one).
type Runtime interface {
	Execute(ctx context.Context, req RuntimeRequest) (<-chan RuntimeEvent, error)
}
