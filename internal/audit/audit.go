package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/lock"
	"github.com/airsalso/dokodemodoor/internal/logging"
)

// Attempt statuses recorded in the metrics history.
const (
	AttemptRunning   = "running"
	AttemptSucceeded = "succeeded"
	AttemptFailed    = "failed"
)

// Options configures a session audit log.
type Options struct {
	// Redact scrubs credentials from event data before it is written.
	Redact bool
	Lock   lock.Options
	Logger *logging.Logger
}

// Log is the audit facade for one session.
type Log struct {
	dir       string
	sessionID string
	target    string
	metrics   *MetricsTracker
	sanitizer *logging.Sanitizer
	logger    *logging.Logger
}

// SessionDir returns the audit directory of a session under root.
func SessionDir(root, sessionID string) string {
	return filepath.Join(root, sessionID)
}

// New opens the audit log of session under root.
func New(root string, session *core.Session, opts Options) (*Log, error) {
	dir := SessionDir(root, session.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, core.ErrFileSystem("creating audit dir", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	l := &Log{
		dir:       dir,
		sessionID: session.ID,
		target:    session.Target,
		metrics:   NewMetricsTracker(dir, session.ID, session.Target, opts.Lock),
		logger:    logger.WithSession(session.ID),
	}
	if opts.Redact {
		l.sanitizer = logging.NewSanitizer()
	}
	return l, nil
}

// Dir returns the session audit directory.
func (l *Log) Dir() string {
	return l.dir
}

// Metrics returns the session's metrics tracker.
func (l *Log) Metrics() *MetricsTracker {
	return l.metrics
}

// StartInfo describes an attempt that is about to run.
type StartInfo struct {
	Unit       string
	Phase      core.PhaseName
	Attempt    int
	Prompt     string
	Workspace  string
	Checkpoint string
}

// Attempt is an open attempt log returned by StartUnit.
type Attempt struct {
	log       *AttemptLog
	unit      string
	number    int
	startedAt time.Time
}

// Unit returns the unit name.
func (a *Attempt) Unit() string { return a.unit }

// Number returns the 1-based attempt number.
func (a *Attempt) Number() int { return a.number }

// Path returns the NDJSON log path.
func (a *Attempt) Path() string { return a.log.Path() }

// StartUnit opens the attempt log, records agent_start, snapshots the prompt
// on the first attempt and marks the unit running in the metrics document.
func (l *Log) StartUnit(ctx context.Context, info StartInfo) (*Attempt, error) {
	started := time.Now().UTC()
	al, err := openAttemptLog(l.dir, Header{
		SessionID: l.sessionID,
		Target:    l.target,
		Unit:      info.Unit,
		Attempt:   info.Attempt,
		PID:       os.Getpid(),
		StartedAt: started,
	}, l.sanitizer)
	if err != nil {
		return nil, err
	}
	a := &Attempt{log: al, unit: info.Unit, number: info.Attempt, startedAt: started}

	if err := al.Append(EventAgentStart, map[string]any{
		"phase":         string(info.Phase),
		"checkpoint":    info.Checkpoint,
		"workspace":     info.Workspace,
		"prompt_length": len(info.Prompt),
	}); err != nil {
		_ = al.Close()
		return nil, err
	}

	if info.Attempt == 1 && info.Prompt != "" {
		if _, err := savePrompt(l.dir, PromptMeta{
			SessionID: l.sessionID,
			Unit:      info.Unit,
			Target:    l.target,
			Workspace: info.Workspace,
			CreatedAt: started,
		}, info.Prompt); err != nil {
			l.logger.Warn("prompt snapshot failed", "unit", info.Unit, "error", err)
		}
	}

	err = l.metrics.Update(ctx, func(doc *MetricsDocument) error {
		u := doc.Unit(info.Unit)
		u.Phase = string(info.Phase)
		if info.Attempt > u.Attempts {
			u.Attempts = info.Attempt
		}
		u.Status = core.UnitRunning
		u.Blocked = ""
		u.History = append(u.History, AttemptMetrics{
			Attempt:    info.Attempt,
			StartedAt:  started,
			Status:     AttemptRunning,
			Checkpoint: info.Checkpoint,
		})
		return nil
	})
	if err != nil {
		_ = al.Close()
		return nil, err
	}
	return a, nil
}

// SetCheckpoint records the pre-attempt checkpoint of an open attempt, both
// in its log and in the attempt's metrics entry. Crash recovery rolls back
// to it.
func (l *Log) SetCheckpoint(ctx context.Context, a *Attempt, checkpoint string) error {
	appendErr := a.log.Append(EventNote, map[string]any{
		"message":    "checkpoint taken",
		"checkpoint": checkpoint,
	})
	err := l.metrics.Update(ctx, func(doc *MetricsDocument) error {
		u := doc.Unit(a.unit)
		for i := len(u.History) - 1; i >= 0; i-- {
			if u.History[i].Attempt == a.number && u.History[i].EndedAt == nil {
				u.History[i].Checkpoint = checkpoint
				return nil
			}
		}
		return nil
	})
	return errors.Join(appendErr, err)
}

// RecordFailure stores an error for an attempt whose log could not be
// opened. The metrics document is then the only record of it.
func (l *Log) RecordFailure(ctx context.Context, unit string, attempt int, cause error) error {
	now := time.Now().UTC()
	return l.metrics.Update(ctx, func(doc *MetricsDocument) error {
		u := doc.Unit(unit)
		if attempt > u.Attempts {
			u.Attempts = attempt
		}
		u.History = append(u.History, AttemptMetrics{
			Attempt:   attempt,
			StartedAt: now,
			EndedAt:   &now,
			Status:    AttemptFailed,
			Error:     cause.Error(),
		})
		return nil
	})
}

// LogEvent appends one runtime event to the attempt log.
func (l *Log) LogEvent(a *Attempt, ev core.RuntimeEvent) error {
	switch ev.Type {
	case core.RuntimeEventAssistant:
		return a.log.Append(EventLLMResponse, map[string]any{"content": ev.Content})
	case core.RuntimeEventToolStart:
		return a.log.Append(EventToolStart, map[string]any{
			"tool_id": ev.ToolID,
			"tool":    ev.ToolName,
			"input":   ev.ToolInput,
		})
	case core.RuntimeEventToolEnd:
		return a.log.Append(EventToolEnd, map[string]any{
			"tool_id":  ev.ToolID,
			"tool":     ev.ToolName,
			"content":  ev.Content,
			"is_error": ev.IsError,
		})
	case core.RuntimeEventResult:
		data := map[string]any{"final": true}
		if r := ev.Result; r != nil {
			data["success"] = r.Success
			data["subtype"] = r.Subtype
			data["message"] = r.Message
			data["fatal"] = r.Fatal
			data["cost_usd"] = r.CostUSD
			data["duration_ms"] = r.Duration.Milliseconds()
			data["turns"] = r.Turns
		}
		return a.log.Append(EventLLMResponse, data)
	default:
		return a.log.Append(EventNote, map[string]any{"runtime_event": string(ev.Type), "content": ev.Content})
	}
}

// LogError appends an error entry. It is called before an error propagates.
func (l *Log) LogError(a *Attempt, err error) error {
	data := map[string]any{"message": err.Error()}
	var de *core.DomainError
	if errors.As(err, &de) {
		data["kind"] = string(de.Kind)
		data["code"] = de.Code
		data["retryable"] = de.Retryable
	}
	return a.log.Append(EventError, data)
}

// Note appends orchestrator bookkeeping to the attempt log.
func (l *Log) Note(a *Attempt, message string, data map[string]any) error {
	out := map[string]any{"message": message}
	for k, v := range data {
		out[k] = v
	}
	return a.log.Append(EventNote, out)
}

// EndInfo is the outcome of an attempt.
type EndInfo struct {
	Succeeded  bool
	Result     *core.RuntimeResult
	Checkpoint string
	Err        error

	// Final marks the attempt that decided the unit's status; Status is then
	// written to the unit's rollup.
	Final  bool
	Status core.UnitStatus

	Verdicts     map[string]int
	QueueEntries *int
}

// EndUnit records agent_end, closes the attempt log and updates metrics. The
// attempt log is closed even when the metrics update fails.
func (l *Log) EndUnit(ctx context.Context, a *Attempt, end EndInfo) error {
	ended := time.Now().UTC()
	elapsed := ended.Sub(a.startedAt)

	status := AttemptFailed
	if end.Succeeded {
		status = AttemptSucceeded
	}
	data := map[string]any{
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
		"checkpoint":  end.Checkpoint,
	}
	if end.Result != nil {
		data["cost_usd"] = end.Result.CostUSD
		data["turns"] = end.Result.Turns
	}
	if end.Err != nil {
		data["error"] = end.Err.Error()
	}
	appendErr := a.log.Append(EventAgentEnd, data)
	closeErr := a.log.Close()

	err := l.metrics.Update(ctx, func(doc *MetricsDocument) error {
		u := doc.Unit(a.unit)
		if a.number > u.Attempts {
			u.Attempts = a.number
		}
		am := AttemptMetrics{
			Attempt:    a.number,
			StartedAt:  a.startedAt,
			EndedAt:    &ended,
			Status:     status,
			DurationMS: elapsed.Milliseconds(),
			Checkpoint: end.Checkpoint,
		}
		if end.Result != nil {
			am.CostUSD = end.Result.CostUSD
			am.Turns = end.Result.Turns
		}
		if end.Err != nil {
			am.Error = end.Err.Error()
		}
		replaced := false
		for i := len(u.History) - 1; i >= 0; i-- {
			if u.History[i].Attempt == a.number && u.History[i].EndedAt == nil {
				u.History[i] = am
				replaced = true
				break
			}
		}
		if !replaced {
			u.History = append(u.History, am)
		}

		u.CostUSD += am.CostUSD
		u.DurationMS += am.DurationMS
		if end.Succeeded {
			u.Checkpoint = end.Checkpoint
		}
		if end.Verdicts != nil {
			u.Verdicts = end.Verdicts
		}
		if end.QueueEntries != nil {
			n := *end.QueueEntries
			u.QueueEntries = &n
		}
		if end.Final {
			u.Status = end.Status
		} else if u.Status == core.UnitRunning {
			u.Status = core.UnitPending
		}
		return nil
	})

	return errors.Join(err, appendErr, closeErr)
}

// MarkUnit sets a unit's status without an attempt, for units that are
// skipped or reset.
func (l *Log) MarkUnit(ctx context.Context, unit string, status core.UnitStatus) error {
	return l.metrics.Update(ctx, func(doc *MetricsDocument) error {
		doc.Unit(unit).Status = status
		return nil
	})
}

// MarkBlocked leaves a unit pending and records why it was not scheduled.
func (l *Log) MarkBlocked(ctx context.Context, unit, reason string) error {
	return l.metrics.Update(ctx, func(doc *MetricsDocument) error {
		u := doc.Unit(unit)
		u.Status = core.UnitPending
		u.Blocked = reason
		return nil
	})
}

// Snapshot returns the current metrics document.
func (l *Log) Snapshot() (*MetricsDocument, error) {
	return l.metrics.Snapshot()
}
