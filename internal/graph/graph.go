// Package graph holds the validated target dependency graph of one build
// session. A Graph is immutable once built.
package graph

// Graph is a directed acyclic graph over build targets. An edge from A to B
// means A must finish before B starts; B lists A among its dependencies.
type Graph struct {
	order      []string
	index      map[string]int
	deps       map[string][]string
	dependents map[string][]string
}

// New validates targets and their dependencies and returns the graph.
// Every dependency must name a declared target; self references, duplicate
// names and cycles are rejected.
func New(targets []string, deps map[string][]string) (*Graph, error) {
	errs := &InvalidGraphError{}
	declared := make(map[string]bool, len(targets))
	for i, t := range targets {
		if t == "" {
			errs.addf("", "target #%d has an empty name", i+1)
			continue
		}
		if declared[t] {
			errs.addf(t, "declared more than once")
			continue
		}
		declared[t] = true
	}

	cleanDeps := make(map[string][]string, len(deps))
	for name, ds := range deps {
		if !declared[name] {
			errs.addf(name, "has dependencies but is not a declared target")
			continue
		}
		seen := make(map[string]bool, len(ds))
		for _, dep := range ds {
			switch {
			case dep == name:
				errs.addf(name, "depends on itself")
			case !declared[dep]:
				errs.addf(name, "depends on undeclared target %q", dep)
			case seen[dep]:
				// Repeated edges collapse into one.
			default:
				seen[dep] = true
				cleanDeps[name] = append(cleanDeps[name], dep)
			}
		}
	}
	if len(errs.Problems) > 0 {
		return nil, errs
	}

	unique := make([]string, 0, len(declared))
	for _, t := range targets {
		if declared[t] {
			unique = append(unique, t)
			declared[t] = false
		}
	}

	order, err := topoOrder(unique, cleanDeps)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		order:      order,
		index:      make(map[string]int, len(order)),
		deps:       cleanDeps,
		dependents: make(map[string][]string),
	}
	for i, t := range order {
		g.index[t] = i
	}
	// Walk in topological order so dependents lists are deterministic.
	for _, t := range order {
		for _, dep := range cleanDeps[t] {
			g.dependents[dep] = append(g.dependents[dep], t)
		}
	}
	return g, nil
}

// Len returns the number of targets.
func (g *Graph) Len() int {
	return len(g.order)
}

// Has reports whether target is part of the graph.
func (g *Graph) Has(target string) bool {
	_, ok := g.index[target]
	return ok
}

// Targets returns every target in a topological order.
func (g *Graph) Targets() []string {
	return append([]string(nil), g.order...)
}

// Dependencies returns the targets that must finish before target starts.
func (g *Graph) Dependencies(target string) []string {
	return append([]string(nil), g.deps[target]...)
}

// Dependents returns the targets that depend directly on target.
func (g *Graph) Dependents(target string) []string {
	return append([]string(nil), g.dependents[target]...)
}

// Roots returns the targets without dependencies, in topological order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, t := range g.order {
		if len(g.deps[t]) == 0 {
			roots = append(roots, t)
		}
	}
	return roots
}

// Leaves returns the targets nothing depends on. These are the top-level
// targets a plain local build needs to request.
func (g *Graph) Leaves() []string {
	var leaves []string
	for _, t := range g.order {
		if len(g.dependents[t]) == 0 {
			leaves = append(leaves, t)
		}
	}
	return leaves
}
