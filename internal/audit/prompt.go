package audit

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/fsutil"
)

// PromptMeta is the YAML front matter of a prompt snapshot.
type PromptMeta struct {
	SessionID string    `yaml:"session_id"`
	Unit      string    `yaml:"unit"`
	Target    string    `yaml:"target,omitempty"`
	Workspace string    `yaml:"workspace,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// PromptPath returns where the prompt snapshot of unit is stored.
func PromptPath(dir, unit string) string {
	return filepath.Join(dir, "prompts", unsafeFileChars.ReplaceAllString(unit, "_")+".md")
}

// savePrompt writes the snapshot once. An existing snapshot is kept, so
// retries and resumed sessions do not overwrite the first input.
func savePrompt(dir string, meta PromptMeta, prompt string) (bool, error) {
	path := PromptPath(dir, meta.Unit)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, core.ErrFileSystem("checking prompt snapshot", err)
	}

	front, err := yaml.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("encoding prompt front matter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(front)
	buf.WriteString("---\n\n")
	buf.WriteString(prompt)
	if !strings.HasSuffix(prompt, "\n") {
		buf.WriteByte('\n')
	}
	if err := fsutil.WriteFileAtomic(path, buf.Bytes(), 0o600); err != nil {
		return false, core.ErrFileSystem("writing prompt snapshot", err)
	}
	return true, nil
}

// ReadPrompt parses a prompt snapshot into its front matter and body.
func ReadPrompt(dir, unit string) (*PromptMeta, string, error) {
	data, err := os.ReadFile(PromptPath(dir, unit))
	if err != nil {
		return nil, "", err
	}
	text := string(data)
	if !strings.HasPrefix(text, "---\n") {
		return nil, text, nil
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return nil, text, fmt.Errorf("%s: unterminated front matter", unit)
	}
	var meta PromptMeta
	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return nil, text, fmt.Errorf("%s: front matter: %w", unit, err)
	}
	body := strings.TrimPrefix(rest[end+len("\n---\n"):], "\n")
	return &meta, body, nil
}
