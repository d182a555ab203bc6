package plan

import (
	"errors"
	"fmt"
	"sort"
)

// =============================================================================
// Graph Errors
// =============================================================================

var (
	// ErrDuplicateStep is returned when a step name is added twice.
	ErrDuplicateStep = errors.New("duplicate step name")

	// ErrUnknownStep is returned when an edge references a step that is
	// not in the graph.
	ErrUnknownStep = errors.New("edge references unknown step")

	// ErrCycle is returned when the merged graph contains a cycle. This is
	// a fatal configuration error, reported before any step runs.
	ErrCycle = errors.New("dependency cycle detected")

	// ErrFinalized is returned when the graph is mutated after the
	// wire-up phase has closed.
	ErrFinalized = errors.New("graph is finalized")

	// ErrNotFinalized is returned when execution is attempted before
	// Finalize.
	ErrNotFinalized = errors.New("graph is not finalized")
)

// =============================================================================
// Graph
// =============================================================================

type edge struct {
	before, after string
}

// Graph is a set of steps plus their dependency edges. It is assembled in
// two phases: steps and edges are declared (including a one-time wire-up
// pass where a consumer may add or remove edges against a base plan it
// does not own), then Finalize merges both edge directions into forward
// adjacency, validates names, and rejects cycles. After Finalize the graph
// is append-only: no mutation is permitted once execution can start.
type Graph struct {
	steps map[string]*Step
	order []string // insertion order, for deterministic reporting

	added   []edge
	removed []edge

	// preds is the merged predecessor adjacency, built by Finalize.
	preds     map[string]map[string]struct{}
	finalized bool
	executed  bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		steps: make(map[string]*Step),
	}
}

// AddStep adds a step to the graph. Duplicate names are rejected.
func (g *Graph) AddStep(s *Step) error {
	if g.finalized {
		return ErrFinalized
	}
	if s.Name == "" {
		return errors.New("step name is required")
	}
	if _, ok := g.steps[s.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, s.Name)
	}
	g.steps[s.Name] = s
	g.order = append(g.order, s.Name)
	return nil
}

// AddEdge declares during wire-up that before must complete before after.
func (g *Graph) AddEdge(before, after string) error {
	if g.finalized {
		return ErrFinalized
	}
	g.added = append(g.added, edge{before: before, after: after})
	return nil
}

// RemoveEdge drops the ordering constraint between before and after,
// regardless of which direction originally declared it.
func (g *Graph) RemoveEdge(before, after string) error {
	if g.finalized {
		return ErrFinalized
	}
	g.removed = append(g.removed, edge{before: before, after: after})
	return nil
}

// Finalize merges DependsOn and RequiredBy declarations plus wire-up edges
// into one predecessor adjacency, then validates that every referenced
// step exists and that the result is acyclic. After a successful Finalize
// the graph accepts no further mutation.
func (g *Graph) Finalize() error {
	if g.finalized {
		return ErrFinalized
	}

	preds := make(map[string]map[string]struct{}, len(g.steps))
	for name := range g.steps {
		preds[name] = make(map[string]struct{})
	}

	addPred := func(before, after string) error {
		if _, ok := g.steps[before]; !ok {
			return fmt.Errorf("%w: %q (required before %q)", ErrUnknownStep, before, after)
		}
		if _, ok := g.steps[after]; !ok {
			return fmt.Errorf("%w: %q (required after %q)", ErrUnknownStep, after, before)
		}
		preds[after][before] = struct{}{}
		return nil
	}

	for _, name := range g.order {
		s := g.steps[name]
		for _, dep := range s.DependsOn {
			if err := addPred(dep, name); err != nil {
				return err
			}
		}
		for _, succ := range s.RequiredBy {
			if err := addPred(name, succ); err != nil {
				return err
			}
		}
	}
	for _, e := range g.added {
		if err := addPred(e.before, e.after); err != nil {
			return err
		}
	}
	for _, e := range g.removed {
		if m, ok := preds[e.after]; ok {
			delete(m, e.before)
		}
	}

	if err := detectCycle(g.order, preds); err != nil {
		return err
	}

	g.preds = preds
	g.finalized = true
	return nil
}

// Predecessors returns the resolved predecessor names of a step, sorted.
// Only valid after Finalize.
func (g *Graph) Predecessors(name string) []string {
	m := g.preds[name]
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// StepNames returns all step names in insertion order.
func (g *Graph) StepNames() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// successors inverts the predecessor adjacency.
func (g *Graph) successors() map[string][]string {
	succ := make(map[string][]string, len(g.steps))
	for after, m := range g.preds {
		for before := range m {
			succ[before] = append(succ[before], after)
		}
	}
	return succ
}

// detectCycle runs Kahn's algorithm over the merged adjacency; if any step
// cannot be ordered, the remainder forms a cycle.
func detectCycle(order []string, preds map[string]map[string]struct{}) error {
	inDegree := make(map[string]int, len(order))
	succ := make(map[string][]string, len(order))
	for after, m := range preds {
		inDegree[after] = len(m)
		for before := range m {
			succ[before] = append(succ[before], after)
		}
	}

	var queue []string
	for _, name := range order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range succ[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed < len(order) {
		var stuck []string
		for _, name := range order {
			if inDegree[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return fmt.Errorf("%w: involving %v", ErrCycle, stuck)
	}
	return nil
}
