package cli

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/airsalso/dokodemodoor/internal/core"
)

// StreamParser decodes the runtime's newline-delimited JSON output into
// core.RuntimeEvents. Expected line shapes:
//
//	{"type":"system","subtype":"init",...}
//	{"type":"assistant","message":{"content":[{"type":"text","text":"..."},{"type":"tool_use","id":"t1","name":"Bash","input":{...}}]}}
//	{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"...","is_error":false}]}}
//	{"type":"tool_use","id":"t1","name":"Bash","input":{...}}
//	{"type":"tool_result","tool_use_id":"t1","content":"..."}
//	{"type":"result","subtype":"success","is_error":false,"result":"...","total_cost_usd":0.12,"duration_ms":5400,"num_turns":7}
//
// A parser is stateful (it pairs tool results with tool names) and must not
// be shared between executions.
type StreamParser struct {
	tools map[string]string
	now   func() time.Time
}

// NewStreamParser creates a parser for one execution.
func NewStreamParser() *StreamParser {
	return &StreamParser{tools: make(map[string]string), now: time.Now}
}

type streamLine struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype"`
	Message *streamMessage `json:"message,omitempty"`

	// Top-level tool lines.
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// Result lines.
	Result       string  `json:"result,omitempty"`
	Error        string  `json:"error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
}

type streamMessage struct {
	Content []streamContent `json:"content"`
}

type streamContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ParseLine converts one output line into zero or more events. Lines that are
// not JSON objects are ignored.
func (p *StreamParser) ParseLine(line string) []core.RuntimeEvent {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil
	}

	var ev streamLine
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil
	}

	now := p.now()
	var events []core.RuntimeEvent

	switch ev.Type {
	case "assistant", "user":
		if ev.Message == nil {
			return nil
		}
		for _, c := range ev.Message.Content {
			switch c.Type {
			case "text":
				if c.Text != "" {
					events = append(events, core.RuntimeEvent{
						Type:      core.RuntimeEventAssistant,
						Timestamp: now,
						Content:   c.Text,
					})
				}
			case "tool_use":
				events = append(events, p.toolStart(now, c.ID, c.Name, c.Input))
			case "tool_result":
				events = append(events, p.toolEnd(now, c.ToolUseID, c.Content, c.IsError))
			}
		}

	case "tool_use":
		events = append(events, p.toolStart(now, ev.ID, ev.Name, ev.Input))

	case "tool_result":
		events = append(events, p.toolEnd(now, ev.ToolUseID, ev.Content, ev.IsError))

	case "result":
		events = append(events, core.RuntimeEvent{
			Type:      core.RuntimeEventResult,
			Timestamp: now,
			Content:   ev.Result,
			Result:    classifyResult(ev),
		})

	case "error":
		msg := ev.Error
		if msg == "" {
			msg = ev.Result
		}
		events = append(events, core.RuntimeEvent{
			Type:      core.RuntimeEventResult,
			Timestamp: now,
			Content:   msg,
			Result: &core.RuntimeResult{
				Subtype: "error",
				Message: msg,
				Fatal:   IsFatal(msg),
			},
		})
	}

	return events
}

func (p *StreamParser) toolStart(now time.Time, id, name string, input map[string]any) core.RuntimeEvent {
	if id != "" {
		p.tools[id] = name
	}
	return core.RuntimeEvent{
		Type:      core.RuntimeEventToolStart,
		Timestamp: now,
		ToolID:    id,
		ToolName:  name,
		ToolInput: input,
	}
}

func (p *StreamParser) toolEnd(now time.Time, id string, content json.RawMessage, isError bool) core.RuntimeEvent {
	return core.RuntimeEvent{
		Type:      core.RuntimeEventToolEnd,
		Timestamp: now,
		ToolID:    id,
		ToolName:  p.tools[id],
		Content:   toolResultText(content),
		IsError:   isError,
	}
}

// toolResultText flattens a tool result that is either a string or a list of
// content blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []streamContent
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func classifyResult(ev streamLine) *core.RuntimeResult {
	cost := ev.TotalCostUSD
	if cost == 0 {
		cost = ev.CostUSD
	}
	msg := ev.Result
	if msg == "" {
		msg = ev.Error
	}

	res := &core.RuntimeResult{
		Success:  ev.Subtype == "success" && !ev.IsError,
		Subtype:  ev.Subtype,
		Message:  msg,
		CostUSD:  cost,
		Duration: time.Duration(ev.DurationMS) * time.Millisecond,
		Turns:    ev.NumTurns,
	}
	if res.Subtype == "" {
		res.Subtype = "success"
		if ev.IsError {
			res.Subtype = "error"
		}
		res.Success = !ev.IsError
	}
	if !res.Success && res.Subtype != SubtypeMaxTurns {
		res.Fatal = IsFatal(msg)
	}
	return res
}
