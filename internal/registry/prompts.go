package registry

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/airsalso/dokodemodoor/internal/core"
)

//go:embed prompts/*.md.tmpl
var builtinPrompts embed.FS

// PromptParams are the per-session values a prompt is rendered with.
type PromptParams struct {
	Target       string
	Workspace    string
	Deliverables string
}

type promptData struct {
	PromptParams
	Unit             string
	DisplayName      string
	CategoryName     string
	Files            []string
	QueueFile        string
	EvidenceFile     string
	CounterpartQueue string
}

// Prompts renders unit prompts. Templates in the override directory take
// precedence over the built-in ones.
type Prompts struct {
	dir      string
	builtin  map[string]*template.Template
	mu       sync.Mutex
	external map[string]*template.Template
}

// NewPrompts loads the built-in templates. dir may be empty.
func NewPrompts(dir string) (*Prompts, error) {
	p := &Prompts{
		dir:      dir,
		builtin:  make(map[string]*template.Template),
		external: make(map[string]*template.Template),
	}
	err := fs.WalkDir(builtinPrompts, "prompts", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		content, err := builtinPrompts.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(path, "prompts/"), ".md.tmpl")
		tmpl, err := parsePrompt(name, string(content))
		if err != nil {
			return err
		}
		p.builtin[name] = tmpl
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading prompts: %w", err)
	}
	return p, nil
}

func parsePrompt(name, content string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
		"join":  strings.Join,
	}).Option("missingkey=error").Parse(content)
	if err != nil {
		return nil, fmt.Errorf("parsing prompt %s: %w", name, err)
	}
	return tmpl, nil
}

// Render produces the prompt for u.
func (p *Prompts) Render(u *core.Unit, params PromptParams) (string, error) {
	tmpl, err := p.lookup(u)
	if err != nil {
		return "", err
	}

	data := promptData{
		PromptParams: params,
		Unit:         u.Name,
		DisplayName:  u.DisplayName,
		CategoryName: categoryName(u.Category),
		Files:        u.Deliverables,
		QueueFile:    u.QueueFile,
		EvidenceFile: u.EvidenceFile,
	}
	if u.Counterpart != "" && u.Category != "" {
		data.CounterpartQueue = QueueFile(u.Category)
	}
	if len(data.Files) == 0 {
		data.Files = []string{u.Name + ".md"}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering prompt for %s: %w", u.Name, err)
	}
	return buf.String(), nil
}

func (p *Prompts) lookup(u *core.Unit) (*template.Template, error) {
	if p.dir != "" {
		p.mu.Lock()
		defer p.mu.Unlock()
		if tmpl, ok := p.external[u.Name]; ok {
			return tmpl, nil
		}
		for _, name := range []string{u.Name + ".md.tmpl", u.Name + ".txt"} {
			content, err := os.ReadFile(filepath.Join(p.dir, name))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, core.ErrFileSystem("reading prompt "+name, err)
			}
			tmpl, err := parsePrompt(u.Name, string(content))
			if err != nil {
				return nil, core.ErrConfig(err.Error())
			}
			p.external[u.Name] = tmpl
			return tmpl, nil
		}
	}

	if tmpl, ok := p.builtin[u.Name]; ok {
		return tmpl, nil
	}
	switch {
	case u.ProducesQueue():
		return p.builtin["vuln"], nil
	case u.ProducesEvidence():
		return p.builtin["exploit"], nil
	}
	return nil, core.ErrNotFound("prompt", u.Name)
}

func categoryName(key string) string {
	for _, c := range Categories {
		if c.Key == key {
			return c.DisplayName
		}
	}
	return key
}
