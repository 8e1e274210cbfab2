package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/fsutil"
	"github.com/airsalso/dokodemodoor/internal/lock"
)

// MetricsFile is the metrics document name inside a session's audit dir.
const MetricsFile = "session.json"

// sessionLocks serializes metrics updates per session within the process.
var sessionLocks = lock.NewKeyedMutex()

// AttemptMetrics describes one attempt of a unit.
type AttemptMetrics struct {
	Attempt    int        `json:"attempt"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Status     string     `json:"status"`
	CostUSD    float64    `json:"cost_usd"`
	DurationMS int64      `json:"duration_ms"`
	Turns      int        `json:"turns"`
	Checkpoint string     `json:"checkpoint,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// UnitMetrics is the rollup for one unit. Attempts only grow.
type UnitMetrics struct {
	Unit         string           `json:"unit"`
	Phase        string           `json:"phase,omitempty"`
	Attempts     int              `json:"attempts"`
	Status       core.UnitStatus  `json:"status"`
	CostUSD      float64          `json:"cost_usd"`
	DurationMS   int64            `json:"duration_ms"`
	Checkpoint   string           `json:"checkpoint,omitempty"`
	Verdicts     map[string]int   `json:"verdicts,omitempty"`
	QueueEntries *int             `json:"queue_entries,omitempty"`
	Blocked      string           `json:"blocked,omitempty"` // why a pending unit was not scheduled
	History      []AttemptMetrics `json:"history"`
}

// MetricsDocument is the per-session rollup persisted as session.json.
type MetricsDocument struct {
	SessionID    string                  `json:"session_id"`
	Target       string                  `json:"target"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
	Updates      int64                   `json:"updates"`
	TotalCostUSD float64                 `json:"total_cost_usd"`
	Units        map[string]*UnitMetrics `json:"units"`
}

// Unit returns the metrics for name, creating them if needed.
func (d *MetricsDocument) Unit(name string) *UnitMetrics {
	if d.Units == nil {
		d.Units = make(map[string]*UnitMetrics)
	}
	u, ok := d.Units[name]
	if !ok {
		u = &UnitMetrics{Unit: name, Status: core.UnitPending, History: []AttemptMetrics{}}
		d.Units[name] = u
	}
	return u
}

func (d *MetricsDocument) recomputeTotals() {
	total := 0.0
	for _, u := range d.Units {
		total += u.CostUSD
	}
	d.TotalCostUSD = total
}

// Clone returns a deep copy.
func (d *MetricsDocument) Clone() *MetricsDocument {
	data, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	var c MetricsDocument
	if err := json.Unmarshal(data, &c); err != nil {
		return nil
	}
	return &c
}

// MetricsTracker owns the metrics document of one session.
type MetricsTracker struct {
	sessionID string
	target    string
	path      string
	lockOpts  lock.Options

	mu  sync.RWMutex
	doc *MetricsDocument
}

// NewMetricsTracker creates a tracker writing dir/session.json.
func NewMetricsTracker(dir, sessionID, target string, lockOpts lock.Options) *MetricsTracker {
	return &MetricsTracker{
		sessionID: sessionID,
		target:    target,
		path:      filepath.Join(dir, MetricsFile),
		lockOpts:  lockOpts,
	}
}

// Path returns the session.json path.
func (t *MetricsTracker) Path() string {
	return t.path
}

// Update reloads the document from disk, applies fn and atomically replaces
// the file, all inside the session's critical section. Writers in other
// goroutines and other processes never lose each other's updates.
func (t *MetricsTracker) Update(ctx context.Context, fn func(*MetricsDocument) error) error {
	return sessionLocks.WithLock(ctx, t.sessionID, func() error {
		return lock.WithFileLock(ctx, t.path+".lock", t.lockOpts, func() error {
			doc, err := t.load()
			if err != nil {
				return err
			}
			if err := fn(doc); err != nil {
				return err
			}
			doc.Updates++
			doc.UpdatedAt = time.Now().UTC()
			doc.recomputeTotals()

			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding metrics: %w", err)
			}
			if err := fsutil.WriteFileAtomic(t.path, append(data, '\n'), 0o644); err != nil {
				return core.ErrFileSystem("writing "+MetricsFile, err)
			}

			t.mu.Lock()
			t.doc = doc
			t.mu.Unlock()
			return nil
		})
	})
}

// load reads the on-disk document, or starts a new one when none exists.
func (t *MetricsTracker) load() (*MetricsDocument, error) {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		now := time.Now().UTC()
		return &MetricsDocument{
			SessionID: t.sessionID,
			Target:    t.target,
			CreatedAt: now,
			UpdatedAt: now,
			Units:     make(map[string]*UnitMetrics),
		}, nil
	}
	if err != nil {
		return nil, core.ErrFileSystem("reading "+MetricsFile, err)
	}
	var doc MetricsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, fmt.Sprintf("%s is not valid JSON: %v", t.path, err))
	}
	if doc.Units == nil {
		doc.Units = make(map[string]*UnitMetrics)
	}
	return &doc, nil
}

// Snapshot returns the persisted document, which includes updates made by
// other trackers of the same session. If the file cannot be read the
// in-memory copy of this tracker's last write is returned.
func (t *MetricsTracker) Snapshot() (*MetricsDocument, error) {
	doc, err := t.load()
	if err == nil {
		return doc, nil
	}
	t.mu.RLock()
	cached := t.doc
	t.mu.RUnlock()
	if cached != nil {
		return cached.Clone(), nil
	}
	return nil, err
}

// ReadMetrics loads a session.json file without taking any lock. The
// document is always complete because it is only replaced by rename.
func ReadMetrics(dir string) (*MetricsDocument, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetricsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.ErrNotFound("metrics", dir)
		}
		return nil, core.ErrFileSystem("reading "+MetricsFile, err)
	}
	var doc MetricsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, err.Error())
	}
	return &doc, nil
}
