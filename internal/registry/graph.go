package registry

import (
	"fmt"
	"sort"

	"github.com/airsalso/dokodemodoor/internal/core"
)

// Graph is the prerequisite graph over unit names. An edge from a unit to
// one of its prerequisites means "prerequisite-of".
type Graph struct {
	nodes   map[string]bool
	edges   map[string][]string // unit -> prerequisites
	reverse map[string][]string // unit -> dependents
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:   make(map[string]bool),
		edges:   make(map[string][]string),
		reverse: make(map[string][]string),
	}
}

// AddNode adds a unit to the graph.
func (g *Graph) AddNode(name string) error {
	if g.nodes[name] {
		return fmt.Errorf("unit %s already registered", name)
	}
	g.nodes[name] = true
	return nil
}

// AddEdge records that unit requires prerequisite.
func (g *Graph) AddEdge(unit, prerequisite string) error {
	if !g.nodes[unit] {
		return fmt.Errorf("unit %s not found", unit)
	}
	if !g.nodes[prerequisite] {
		return fmt.Errorf("unit %s requires unknown unit %s", unit, prerequisite)
	}
	for _, p := range g.edges[unit] {
		if p == prerequisite {
			return nil
		}
	}
	g.edges[unit] = append(g.edges[unit], prerequisite)
	g.reverse[prerequisite] = append(g.reverse[prerequisite], unit)
	return nil
}

// Prerequisites returns a copy of the direct prerequisites of unit.
func (g *Graph) Prerequisites(unit string) []string {
	return append([]string(nil), g.edges[unit]...)
}

// Dependents returns a copy of the units that directly require unit.
func (g *Graph) Dependents(unit string) []string {
	return append([]string(nil), g.reverse[unit]...)
}

// TopologicalOrder returns every unit after all of its prerequisites, using
// Kahn's algorithm. Ties are broken by name so the order is stable. It fails
// with a graph-cycle error naming the units left on the cycle.
func (g *Graph) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for name := range g.nodes {
		inDegree[name] = len(g.edges[name])
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		var ready []string
		for _, dependent := range g.reverse[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(order) != len(g.nodes) {
		var stuck []string
		for name, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, core.ErrState(core.CodeGraphCycle, fmt.Sprintf("prerequisite graph contains a cycle through %v", stuck))
	}
	return order, nil
}

// DetectCycle walks the graph depth-first and returns the first cycle found
// as a path that starts and ends with the same unit.
func (g *Graph) DetectCycle() []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = onStack
		stack = append(stack, name)
		for _, dep := range g.edges[name] {
			switch state[dep] {
			case onStack:
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}
