package core

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

// SessionStatus is the overall state of a session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in-progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// UnitStatus is the per-session state of one unit of work.
type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitRunning   UnitStatus = "running"
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
	UnitSkipped   UnitStatus = "skipped"
)

// IsTerminal reports whether the status ends a unit's lifecycle.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitCompleted || s == UnitFailed || s == UnitSkipped
}

// Session is the persisted record of one end-to-end run.
type Session struct {
	ID            string            `json:"id"`
	Target        string            `json:"target"`
	WorkspacePath string            `json:"workspace_path"`
	Completed     []string          `json:"completed_agents"`
	Failed        []string          `json:"failed_agents"`
	Skipped       []string          `json:"skipped_agents"`
	Running       []string          `json:"running_agents"`
	Checkpoints   map[string]string `json:"checkpoints"`
	Status        SessionStatus     `json:"status"`
	ArchivedPath  string            `json:"archived_path,omitempty"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActivity  time.Time         `json:"last_activity"`
}

// NewSession creates an in-progress session.
func NewSession(id, target, workspace string) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		Target:        target,
		WorkspacePath: workspace,
		Completed:     []string{},
		Failed:        []string{},
		Skipped:       []string{},
		Running:       []string{},
		Checkpoints:   make(map[string]string),
		Status:        SessionInProgress,
		CreatedAt:     now,
		LastActivity:  now,
	}
}

// StatusOf returns the unit's current status.
func (s *Session) StatusOf(unit string) UnitStatus {
	switch {
	case contains(s.Completed, unit):
		return UnitCompleted
	case contains(s.Failed, unit):
		return UnitFailed
	case contains(s.Skipped, unit):
		return UnitSkipped
	case contains(s.Running, unit):
		return UnitRunning
	default:
		return UnitPending
	}
}

// SetStatus moves a unit into exactly one status set. UnitPending removes it
// from all of them.
func (s *Session) SetStatus(unit string, status UnitStatus) {
	s.Completed = remove(s.Completed, unit)
	s.Failed = remove(s.Failed, unit)
	s.Skipped = remove(s.Skipped, unit)
	s.Running = remove(s.Running, unit)

	switch status {
	case UnitCompleted:
		s.Completed = append(s.Completed, unit)
	case UnitFailed:
		s.Failed = append(s.Failed, unit)
	case UnitSkipped:
		s.Skipped = append(s.Skipped, unit)
	case UnitRunning:
		s.Running = append(s.Running, unit)
	}
	s.LastActivity = time.Now()
}

// IsCompleted reports whether the unit finished successfully.
func (s *Session) IsCompleted(unit string) bool {
	return contains(s.Completed, unit)
}

// CompletedSet returns the completed units as a set.
func (s *Session) CompletedSet() map[string]bool {
	set := make(map[string]bool, len(s.Completed))
	for _, name := range s.Completed {
		set[name] = true
	}
	return set
}

// RecordCheckpoint stores the checkpoint commit for a unit.
func (s *Session) RecordCheckpoint(unit, commit string) {
	if s.Checkpoints == nil {
		s.Checkpoints = make(map[string]string)
	}
	s.Checkpoints[unit] = commit
	s.LastActivity = time.Now()
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Completed = append([]string{}, s.Completed...)
	c.Failed = append([]string{}, s.Failed...)
	c.Skipped = append([]string{}, s.Skipped...)
	c.Running = append([]string{}, s.Running...)
	c.Checkpoints = make(map[string]string, len(s.Checkpoints))
	for k, v := range s.Checkpoints {
		c.Checkpoints[k] = v
	}
	return &c
}

// ShortID returns the first eight characters of the session id.
func (s *Session) ShortID() string {
	if len(s.ID) <= 8 {
		return s.ID
	}
	return s.ID[:8]
}

// SessionSummary is a lightweight listing entry.
type SessionSummary struct {
	ID           string        `json:"id"`
	Target       string        `json:"target"`
	Status       SessionStatus `json:"status"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
	LastActivity time.Time     `json:"last_activity"`
}

// Summary builds a listing entry for the session.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:           s.ID,
		Target:       s.Target,
		Status:       s.Status,
		Completed:    len(s.Completed),
		Failed:       len(s.Failed),
		LastActivity: s.LastActivity,
	}
}

// SortSummaries orders listings by most recent activity first.
func SortSummaries(list []SessionSummary) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].LastActivity.After(list[j].LastActivity)
	})
}

var unsafeTargetChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// NormalizeTarget turns a target URL or host into a path-safe identifier.
func NormalizeTarget(target string) string {
	t := strings.TrimSpace(target)
	if u, err := url.Parse(t); err == nil && u.Host != "" {
		t = u.Host + u.Path
	}
	t = strings.ToLower(strings.Trim(t, "/"))
	t = unsafeTargetChars.ReplaceAllString(t, "_")
	t = strings.Trim(t, "_")
	if t == "" {
		return "unknown-target"
	}
	return t
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	if out == nil {
		return []string{}
	}
	return out
}
