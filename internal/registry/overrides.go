package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/airsalso/dokodemodoor/internal/core"
)

// Settings tune how one unit is run. Zero fields fall back to the
// orchestrator's configuration.
type Settings struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	TurnCeiling  int      `yaml:"turn_ceiling"`
	AllowedTools []string `yaml:"allowed_tools"`
}

// Overrides maps unit names to their settings.
type Overrides map[string]Settings

type overridesFile struct {
	Units map[string]Settings `yaml:"units"`
}

// LoadOverrides reads a YAML overrides file of the form
//
//	units:
//	  sqli-vuln:
//	    max_attempts: 5
//	    turn_ceiling: 200
//
// A missing file yields no overrides. Unknown unit names are rejected.
func (r *Registry) LoadOverrides(path string) (Overrides, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Overrides{}, nil
	}
	if err != nil {
		return nil, core.ErrFileSystem("reading overrides "+path, err)
	}

	var f overridesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, core.ErrConfig(fmt.Sprintf("parsing %s: %v", path, err))
	}

	out := make(Overrides, len(f.Units))
	for name, s := range f.Units {
		if _, err := r.ValidateUnit(name); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if s.MaxAttempts < 0 || s.TurnCeiling < 0 {
			return nil, core.ErrConfig(fmt.Sprintf("%s: unit %s has a negative limit", path, name))
		}
		out[name] = s
	}
	return out, nil
}

// For returns the settings for unit merged over defaults.
func (o Overrides) For(unit string, defaults Settings) Settings {
	s, ok := o[unit]
	if !ok {
		return defaults
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = defaults.MaxAttempts
	}
	if s.TurnCeiling == 0 {
		s.TurnCeiling = defaults.TurnCeiling
	}
	if s.AllowedTools == nil {
		s.AllowedTools = defaults.AllowedTools
	}
	return s
}
