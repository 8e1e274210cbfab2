package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/logging"
)

// transcriptTypes are mirrored to the readable .debug.log.
var transcriptTypes = map[EventType]bool{
	EventAgentStart:  true,
	EventToolStart:   true,
	EventToolEnd:     true,
	EventLLMResponse: true,
	EventAgentEnd:    true,
	EventError:       true,
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// AttemptLog is the append-only log of one (session, unit, attempt).
type AttemptLog struct {
	sessionID string
	unit      string
	attempt   int
	path      string
	sanitizer *logging.Sanitizer

	mu     sync.Mutex
	events *os.File
	debug  *os.File
	seq    int
	closed bool
}

// LogFileName returns the base name of an attempt log.
func LogFileName(started time.Time, unit string, attempt int) string {
	ts := started.UTC().Format("20060102T150405.000Z")
	return fmt.Sprintf("%s_%s_attempt-%d.log", ts, unsafeFileChars.ReplaceAllString(unit, "_"), attempt)
}

// openAttemptLog creates both streams and writes the header. sanitizer may
// be nil to store content unredacted.
func openAttemptLog(dir string, h Header, sanitizer *logging.Sanitizer) (*AttemptLog, error) {
	agents := filepath.Join(dir, "agents")
	if err := os.MkdirAll(agents, 0o750); err != nil {
		return nil, core.ErrFileSystem("creating audit agents dir", err)
	}

	path := filepath.Join(agents, LogFileName(h.StartedAt, h.Unit, h.Attempt))
	events, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, core.ErrFileSystem("opening attempt log", err)
	}
	debugPath := strings.TrimSuffix(path, ".log") + ".debug.log"
	debug, err := os.OpenFile(debugPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		_ = events.Close()
		return nil, core.ErrFileSystem("opening attempt transcript", err)
	}

	l := &AttemptLog{
		sessionID: h.SessionID,
		unit:      h.Unit,
		attempt:   h.Attempt,
		path:      path,
		sanitizer: sanitizer,
		events:    events,
		debug:     debug,
	}

	h.Type = EventHeader
	h.SchemaVersion = SchemaVersion
	if err := l.writeLine(h); err != nil {
		_ = l.Close()
		return nil, err
	}
	fmt.Fprintf(debug, "=== %s attempt %d (session %s) started %s ===\n",
		h.Unit, h.Attempt, h.SessionID, h.StartedAt.UTC().Format(time.RFC3339))
	return l, nil
}

// Path returns the NDJSON log path.
func (l *AttemptLog) Path() string {
	return l.path
}

// Append writes one event and returns once it is on stable storage.
func (l *AttemptLog) Append(typ EventType, data map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return core.ErrState("AUDIT_CLOSED", fmt.Sprintf("attempt log %s is closed", filepath.Base(l.path)))
	}

	l.seq++
	e := Entry{
		Seq:       l.seq,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      typ,
		SessionID: l.sessionID,
		Unit:      l.unit,
		Attempt:   l.attempt,
		Data:      l.redact(data),
	}
	if err := l.writeLine(e); err != nil {
		return err
	}
	if transcriptTypes[typ] {
		l.transcribe(e)
	}
	return nil
}

func (l *AttemptLog) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.events.Write(data); err != nil {
		return core.ErrFileSystem("writing audit entry", err)
	}
	if err := l.events.Sync(); err != nil {
		return core.ErrFileSystem("syncing audit entry", err)
	}
	return nil
}

// transcribe is best effort; the NDJSON stream is the record of truth.
func (l *AttemptLog) transcribe(e Entry) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Timestamp.Format("15:04:05.000"), strings.ToUpper(string(e.Type)))
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := e.Data[k]
		if s, ok := v.(string); ok && strings.Contains(s, "\n") {
			fmt.Fprintf(&b, "\n  %s:\n    %s", k, strings.ReplaceAll(s, "\n", "\n    "))
			continue
		}
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	b.WriteByte('\n')
	_, _ = l.debug.WriteString(b.String())
}

func (l *AttemptLog) redact(data map[string]any) map[string]any {
	if l.sanitizer == nil || data == nil {
		return data
	}
	return l.sanitizer.SanitizeMap(data)
}

// Close flushes and closes both streams. It is safe to call twice.
func (l *AttemptLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	if err := l.events.Sync(); err != nil {
		firstErr = err
	}
	if err := l.events.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.debug.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.debug.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return core.ErrFileSystem("closing attempt log", firstErr)
	}
	return nil
}

// ReadEntries parses an attempt log, skipping the header line.
func ReadEntries(path string) (*Header, []Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var header *Header
	var entries []Entry
	for i, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if i == 0 {
			var h Header
			if err := json.Unmarshal([]byte(line), &h); err != nil {
				return nil, nil, fmt.Errorf("%s: header: %w", filepath.Base(path), err)
			}
			header = &h
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return header, entries, fmt.Errorf("%s line %d: %w", filepath.Base(path), i+1, err)
		}
		entries = append(entries, e)
	}
	return header, entries, nil
}
