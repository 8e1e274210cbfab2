package audit

import (
	"time"
)

// EventType identifies an audit log entry.
type EventType string

const (
	EventHeader      EventType = "header"
	EventAgentStart  EventType = "agent_start"
	EventToolStart   EventType = "tool_start"
	EventToolEnd     EventType = "tool_end"
	EventLLMResponse EventType = "llm_response"
	EventAgentEnd    EventType = "agent_end"
	EventError       EventType = "error"
	// EventNote carries orchestrator bookkeeping such as queue merge stats.
	EventNote EventType = "note"
)

// SchemaVersion is written in every log header.
const SchemaVersion = 1

// Entry is one line of an attempt log. Entries are appended once and never
// rewritten.
type Entry struct {
	Seq       int            `json:"seq"`
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	Unit      string         `json:"unit"`
	Attempt   int            `json:"attempt"`
	Data      map[string]any `json:"data,omitempty"`
}

// Header is the first line of every attempt log.
type Header struct {
	Type          EventType `json:"type"`
	SchemaVersion int       `json:"schema_version"`
	SessionID     string    `json:"session_id"`
	Target        string    `json:"target,omitempty"`
	Unit          string    `json:"unit"`
	Attempt       int       `json:"attempt"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
}
