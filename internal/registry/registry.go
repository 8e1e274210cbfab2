// Package registry holds the static description of the assessment pipeline:
// its units of work, their phases and prerequisites, and the validator that
// decides whether a unit's deliverables are acceptable.
package registry

import (
	"fmt"
	"sort"

	"github.com/sahilm/fuzzy"

	"github.com/airsalso/dokodemodoor/internal/core"
)

// Registry is an immutable, validated set of units and phases.
type Registry struct {
	units  map[string]*core.Unit
	ranked []*core.Unit
	phases []core.Phase
	graph  *Graph
}

// New validates units and phases and builds a registry. It rejects duplicate
// names, units outside every phase, unknown or later-ranked prerequisites and
// prerequisite cycles.
func New(units []core.Unit, phases []core.Phase) (*Registry, error) {
	r := &Registry{
		units:  make(map[string]*core.Unit, len(units)),
		phases: make([]core.Phase, 0, len(phases)),
		graph:  NewGraph(),
	}

	for i := range units {
		u := units[i]
		u.Prerequisites = append([]string(nil), u.Prerequisites...)
		u.Deliverables = append([]string(nil), u.Deliverables...)
		if err := r.graph.AddNode(u.Name); err != nil {
			return nil, core.ErrConfig(err.Error())
		}
		r.units[u.Name] = &u
		r.ranked = append(r.ranked, &u)
	}
	sort.SliceStable(r.ranked, func(i, j int) bool { return r.ranked[i].Rank < r.ranked[j].Rank })

	for _, u := range r.ranked {
		for _, p := range u.Prerequisites {
			if err := r.graph.AddEdge(u.Name, p); err != nil {
				return nil, core.ErrConfig(err.Error())
			}
		}
		if u.Counterpart != "" {
			if _, ok := r.units[u.Counterpart]; !ok {
				return nil, core.ErrConfig(fmt.Sprintf("unit %s names unknown counterpart %s", u.Name, u.Counterpart))
			}
		}
	}

	if cycle := r.graph.DetectCycle(); cycle != nil {
		return nil, core.ErrState(core.CodeGraphCycle, fmt.Sprintf("prerequisite cycle: %v", cycle)).
			WithDetail("cycle", cycle)
	}
	if _, err := r.graph.TopologicalOrder(); err != nil {
		return nil, err
	}

	for _, u := range r.ranked {
		for _, p := range u.Prerequisites {
			if r.units[p].Rank >= u.Rank {
				return nil, core.ErrConfig(fmt.Sprintf("unit %s (rank %d) requires %s of equal or later rank %d",
					u.Name, u.Rank, p, r.units[p].Rank))
			}
		}
	}

	seen := make(map[string]core.PhaseName, len(units))
	for _, ph := range phases {
		for _, name := range ph.Units {
			u, ok := r.units[name]
			if !ok {
				return nil, core.ErrConfig(fmt.Sprintf("phase %s lists unknown unit %s", ph.Name, name))
			}
			if prev, dup := seen[name]; dup {
				return nil, core.ErrConfig(fmt.Sprintf("unit %s listed in phases %s and %s", name, prev, ph.Name))
			}
			if u.Phase != ph.Name {
				return nil, core.ErrConfig(fmt.Sprintf("unit %s declares phase %s but is listed in %s", name, u.Phase, ph.Name))
			}
			seen[name] = ph.Name
		}
		ph.Units = append([]string(nil), ph.Units...)
		r.phases = append(r.phases, ph)
	}
	for _, u := range r.ranked {
		if _, ok := seen[u.Name]; !ok {
			return nil, core.ErrConfig(fmt.Sprintf("unit %s belongs to no phase", u.Name))
		}
	}

	return r, nil
}

// ValidateUnit returns the unit named name or a not-found error that
// suggests the closest known name.
func (r *Registry) ValidateUnit(name string) (*core.Unit, error) {
	if u, ok := r.units[name]; ok {
		return u, nil
	}
	err := core.ErrNotFound("unit", name)
	if s := r.suggest(name); s != "" {
		err.Message = fmt.Sprintf("%s (did you mean %s?)", err.Message, s)
		err = err.WithDetail("suggestion", s)
	}
	return nil, err
}

func (r *Registry) suggest(name string) string {
	names := r.Names()
	matches := fuzzy.Find(name, names)
	if len(matches) > 0 {
		return matches[0].Str
	}
	return ""
}

// CheckPrerequisites fails unless every prerequisite of name is in the
// session's completed set.
func (r *Registry) CheckPrerequisites(session *core.Session, name string) error {
	u, err := r.ValidateUnit(name)
	if err != nil {
		return err
	}
	var missing []string
	for _, p := range u.Prerequisites {
		if !session.IsCompleted(p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return core.ErrPrerequisitesNotMet(name, missing)
	}
	return nil
}

// NextRunnable returns the lowest-ranked unit that is neither completed nor
// skipped and whose prerequisites are all completed. It returns false when
// no such unit exists.
func (r *Registry) NextRunnable(session *core.Session) (*core.Unit, bool) {
	for _, u := range r.ranked {
		switch session.StatusOf(u.Name) {
		case core.UnitCompleted, core.UnitSkipped:
			continue
		}
		if r.CheckPrerequisites(session, u.Name) == nil {
			return u, true
		}
	}
	return nil, false
}

// NextPhase returns the first phase that still has a unit which is neither
// completed nor skipped.
func (r *Registry) NextPhase(session *core.Session) (core.Phase, bool) {
	for _, ph := range r.phases {
		for _, name := range ph.Units {
			switch session.StatusOf(name) {
			case core.UnitCompleted, core.UnitSkipped:
				continue
			}
			return ph, true
		}
	}
	return core.Phase{}, false
}

// Done reports whether every unit has reached a terminal status.
func (r *Registry) Done(session *core.Session) bool {
	for _, u := range r.ranked {
		if !session.StatusOf(u.Name).IsTerminal() {
			return false
		}
	}
	return true
}

// Unit returns the unit named name.
func (r *Registry) Unit(name string) (*core.Unit, bool) {
	u, ok := r.units[name]
	return u, ok
}

// Units returns every unit in rank order.
func (r *Registry) Units() []*core.Unit {
	return append([]*core.Unit(nil), r.ranked...)
}

// Names returns every unit name in rank order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.ranked))
	for i, u := range r.ranked {
		names[i] = u.Name
	}
	return names
}

// Phases returns the phases in execution order.
func (r *Registry) Phases() []core.Phase {
	return append([]core.Phase(nil), r.phases...)
}

// Phase returns the phase named name.
func (r *Registry) Phase(name core.PhaseName) (core.Phase, bool) {
	for _, ph := range r.phases {
		if ph.Name == name {
			return ph, true
		}
	}
	return core.Phase{}, false
}

// RankedFrom returns name and every unit ranked after it. Rolling back to a
// unit's checkpoint invalidates all of them.
func (r *Registry) RankedFrom(name string) ([]string, error) {
	u, err := r.ValidateUnit(name)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, other := range r.ranked {
		if other.Rank >= u.Rank {
			out = append(out, other.Name)
		}
	}
	return out, nil
}

// Dependents returns the units that directly require name.
func (r *Registry) Dependents(name string) []string {
	return r.graph.Dependents(name)
}
