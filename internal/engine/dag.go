package engine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Graph is the precedence graph of a workflow definition.
//
// Steps named in a loop or parallel step's config.steps are owned by that
// step: they run inside it and are never scheduled on their own. Their
// dependencies are lifted onto their top-level ancestor, and any dependency
// on them becomes a dependency on that ancestor. A dependency between two
// steps under the same top-level ancestor is kept inside the structural step
// they share: Siblings holds it, and ChildOrder runs children after the
// siblings they wait for.
type Graph struct {
	Steps      map[string]schema.WorkflowStep // name → definition, all steps
	Order      []string                       // all step names in declaration order
	TopLevel   []string                       // scheduled step names in declaration order
	Edges      map[string][]string            // top-level step → top-level dependencies
	Reverse    map[string][]string            // top-level step → top-level dependents
	Owner      map[string]string              // child → owning structural step
	Siblings   map[string][]string            // child → siblings it waits for under the same owner
	ChildOrder map[string][]string            // structural step → children in dependency order
}

// BuildGraph validates steps and builds their precedence graph.
// It fails with UNKNOWN_DEPENDENCY when a dependency or child name does not
// exist, and with CYCLE_DETECTED (details["cycle"] lists the names) when the
// lifted graph contains a directed cycle.
func BuildGraph(steps []schema.WorkflowStep) (*Graph, error) {
	if len(steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	g := &Graph{
		Steps:   make(map[string]schema.WorkflowStep, len(steps)),
		Order:   make([]string, 0, len(steps)),
		Edges:   make(map[string][]string, len(steps)),
		Reverse: make(map[string][]string, len(steps)),
		Owner:   make(map[string]string),

		Siblings:   make(map[string][]string),
		ChildOrder: make(map[string][]string),
	}

	for i, step := range steps {
		if step.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has an empty name", i)
		}
		if _, dup := g.Steps[step.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step name: %s", step.Name)
		}
		g.Steps[step.Name] = step
		g.Order = append(g.Order, step.Name)
	}

	for _, name := range g.Order {
		step := g.Steps[name]
		for _, dep := range step.DependsOn {
			if _, ok := g.Steps[dep]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"step %s depends on unknown step %s", name, dep).
					WithStep(name).
					WithDetails(map[string]any{"step": name, "dependency": dep})
			}
			if dep == name {
				return nil, cycleError([]string{name, name})
			}
		}
	}

	if err := g.assignOwners(); err != nil {
		return nil, err
	}

	for _, name := range g.Order {
		if _, owned := g.Owner[name]; !owned {
			g.TopLevel = append(g.TopLevel, name)
			g.Edges[name] = nil
		}
	}

	if err := g.liftEdges(); err != nil {
		return nil, err
	}

	if cycle := findCycle(g.TopLevel, g.Edges); cycle != nil {
		return nil, cycleError(cycle)
	}
	if err := g.orderChildren(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) assignOwners() error {
	for _, name := range g.Order {
		step := g.Steps[name]
		for _, child := range step.Children() {
			if _, ok := g.Steps[child]; !ok {
				return schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"%s step %s runs unknown step %s", step.Kind, name, child).
					WithStep(name).
					WithDetails(map[string]any{"step": name, "child": child})
			}
			if child == name {
				return cycleError([]string{name, name})
			}
			if prev, taken := g.Owner[child]; taken {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %s is run by both %s and %s", child, prev, name).WithStep(child)
			}
			g.Owner[child] = name
		}
	}

	// An ownership chain must end at a top-level step.
	for _, name := range g.Order {
		seen := map[string]bool{name: true}
		chain := []string{name}
		for cur := name; ; {
			parent, ok := g.Owner[cur]
			if !ok {
				break
			}
			if seen[parent] {
				return cycleError(append(chain, parent))
			}
			seen[parent] = true
			chain = append(chain, parent)
			cur = parent
		}
	}
	return nil
}

func (g *Graph) liftEdges() error {
	added := make(map[string]map[string]bool, len(g.TopLevel))
	for _, name := range g.Order {
		from := g.Root(name)
		for _, dep := range g.Steps[name].DependsOn {
			if g.isAncestor(name, dep) || g.isAncestor(dep, name) {
				// A structural step cannot wait on a step it runs, nor a
				// child on the step running it.
				return cycleError([]string{name, dep, name})
			}
			to := g.Root(dep)
			if to == from {
				g.addSibling(name, dep)
				continue
			}
			if added[from] == nil {
				added[from] = map[string]bool{}
			}
			if added[from][to] {
				continue
			}
			added[from][to] = true
			g.Edges[from] = append(g.Edges[from], to)
			g.Reverse[to] = append(g.Reverse[to], from)
		}
	}
	return nil
}

// addSibling records that step waits for dep under their closest common
// owner. The wait is placed between the two children of that owner that
// contain them.
func (g *Graph) addSibling(step, dep string) {
	below := make(map[string]string)
	prev := step
	for cur, ok := g.Owner[step]; ok; cur, ok = g.Owner[cur] {
		below[cur] = prev
		prev = cur
	}
	prev = dep
	for cur, ok := g.Owner[dep]; ok; cur, ok = g.Owner[cur] {
		if waiter, shared := below[cur]; shared {
			if waiter == prev || slices.Contains(g.Siblings[waiter], prev) {
				return
			}
			g.Siblings[waiter] = append(g.Siblings[waiter], prev)
			return
		}
		prev = cur
	}
}

// orderChildren fills ChildOrder with each structural step's children sorted
// so every child follows the siblings it waits for. Ties keep config order.
func (g *Graph) orderChildren() error {
	for _, name := range g.Order {
		children := g.Children(name)
		if len(children) == 0 {
			continue
		}
		if cycle := findCycle(children, g.Siblings); cycle != nil {
			return cycleError(cycle)
		}
		placed := make(map[string]bool, len(children))
		order := make([]string, 0, len(children))
		for len(order) < len(children) {
			for _, child := range children {
				if placed[child] || !g.siblingsDone(child, placed) {
					continue
				}
				placed[child] = true
				order = append(order, child)
				break
			}
		}
		g.ChildOrder[name] = order
	}
	return nil
}

func (g *Graph) siblingsDone(child string, done map[string]bool) bool {
	for _, dep := range g.Siblings[child] {
		if !done[dep] {
			return false
		}
	}
	return true
}

// isAncestor reports whether a owns b directly or transitively.
func (g *Graph) isAncestor(a, b string) bool {
	for cur, ok := g.Owner[b]; ok; cur, ok = g.Owner[cur] {
		if cur == a {
			return true
		}
	}
	return false
}

// findCycle runs a depth-first search with recursion-stack colouring over
// nodes and returns the first cycle found as a closed path (first name
// repeated at the end), or nil. Edges leading outside nodes are ignored.
func findCycle(nodes []string, edges map[string][]string) []string {
	const (
		white = iota
		grey
		black
	)
	in := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		in[n] = true
	}
	colour := make(map[string]int, len(nodes))
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		colour[n] = grey
		stack = append(stack, n)
		for _, dep := range edges[n] {
			if !in[dep] {
				continue
			}
			switch colour[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[n] = black
		return false
	}

	for _, n := range nodes {
		if colour[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}

func cycleError(cycle []string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeCycleDetected,
		"cycle detected: %s", strings.Join(cycle, " -> ")).
		WithDetails(map[string]any{"cycle": cycle})
}

// Root returns the top-level step that schedules name (name itself when it
// is not owned).
func (g *Graph) Root(name string) string {
	for {
		parent, ok := g.Owner[name]
		if !ok {
			return name
		}
		name = parent
	}
}

// Children returns the steps run by a structural step, in config order.
// Use ChildOrder for the order they run in.
func (g *Graph) Children(name string) []string {
	return g.Steps[name].Children()
}

// Descendants returns every step run directly or transitively by name.
func (g *Graph) Descendants(name string) []string {
	var out []string
	for _, child := range g.Children(name) {
		out = append(out, child)
		out = append(out, g.Descendants(child)...)
	}
	return out
}

// ReadyBatch returns, in declaration order, every top-level step that is not
// in executed and whose dependencies all are. It fails with
// SCHEDULING_DEADLOCK when nothing is ready but some steps remain.
func (g *Graph) ReadyBatch(executed map[string]bool) ([]string, error) {
	var ready, pending []string
	for _, name := range g.TopLevel {
		if executed[name] {
			continue
		}
		pending = append(pending, name)
		if g.depsSatisfied(name, executed) {
			ready = append(ready, name)
		}
	}
	if len(ready) == 0 && len(pending) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeSchedulingDeadlock,
			"no step is ready but %d remain: %s", len(pending), strings.Join(pending, ", ")).
			WithDetails(map[string]any{"pending": pending})
	}
	return ready, nil
}

func (g *Graph) depsSatisfied(name string, executed map[string]bool) bool {
	for _, dep := range g.Edges[name] {
		if !executed[dep] {
			return false
		}
	}
	return true
}

// Plan returns the batches a fully successful run would execute, in order.
func (g *Graph) Plan() ([][]string, error) {
	executed := make(map[string]bool, len(g.TopLevel))
	var batches [][]string
	for len(executed) < len(g.TopLevel) {
		batch, err := g.ReadyBatch(executed)
		if err != nil {
			return nil, err
		}
		for _, name := range batch {
			executed[name] = true
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// String renders the top-level graph as "name <- dep, dep" lines.
func (g *Graph) String() string {
	var b strings.Builder
	for _, name := range g.TopLevel {
		fmt.Fprintf(&b, "%s <- %s\n", name, strings.Join(g.Edges[name], ", "))
	}
	return b.String()
}
