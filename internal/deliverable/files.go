package deliverable

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/airsalso/dokodemodoor/internal/fsutil"
)

// ReadQueueFile reads and validates the queue at path. A missing file is
// reported through Err with os.ErrNotExist.
func ReadQueueFile(path string) QueueResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return QueueResult{Err: err}
	}
	return ValidateQueue(string(data))
}

// WriteQueueFile writes doc to path atomically.
func WriteQueueFile(path string, doc *QueueDocument) error {
	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("encoding queue: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

// MergeIntoFile merges the queue currently at path into prior (prior's
// entries win) and rewrites path with the result.
func MergeIntoFile(path string, prior *QueueDocument) (MergeStats, error) {
	current := ReadQueueFile(path)
	if !current.Valid {
		return MergeStats{}, fmt.Errorf("reading %s: %w", filepath.Base(path), current.Err)
	}
	merged, stats := MergeQueues(prior, current.Doc)
	if err := WriteQueueFile(path, merged); err != nil {
		return stats, fmt.Errorf("writing merged queue: %w", err)
	}
	return stats, nil
}

// MissingScreenshots returns the screenshot paths in docs that do not exist.
// Relative paths are tried against each of the given roots.
func MissingScreenshots(docs []*EvidenceDocument, roots ...string) []string {
	var missing []string
	for _, d := range docs {
		for _, p := range d.ScreenshotPaths() {
			if !screenshotExists(p, roots) {
				missing = append(missing, p)
			}
		}
	}
	return missing
}

func screenshotExists(p string, roots []string) bool {
	if filepath.IsAbs(p) {
		return fsutil.Exists(p)
	}
	for _, root := range roots {
		if fsutil.Exists(filepath.Join(root, p)) {
			return true
		}
	}
	return false
}
