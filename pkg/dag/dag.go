// Package dag provides the validated-acyclic dependency graph the diff and
// plan layers traverse. Nodes are interned by name at construction; every
// lookup afterwards is index-based.
package dag

import (
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// CycleError reports a dependency cycle found at construction time.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Graph is an immutable DAG over interned node names.
type Graph struct {
	names      []string
	index      map[string]int
	upstream   [][]int
	downstream [][]int
	topo       []int
}

// New builds a graph from a name -> upstream-references mapping. Self
// references (a node reading its own past output) are dropped from the edge
// set; references to names outside the mapping are ignored, since external
// tables are not part of the planning DAG. Any cycle is rejected.
func New(deps map[string][]string) (*Graph, error) {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	index := make(map[string]int, len(names))
	for i, name := range names {
		index[name] = i
	}

	g := &Graph{
		names:      names,
		index:      index,
		upstream:   make([][]int, len(names)),
		downstream: make([][]int, len(names)),
	}

	for name, refs := range deps {
		child := index[name]
		for _, ref := range refs {
			parent, ok := index[ref]
			if !ok || parent == child {
				continue
			}
			g.upstream[child] = append(g.upstream[child], parent)
			g.downstream[parent] = append(g.downstream[parent], child)
		}
	}
	for i := range g.upstream {
		sort.Ints(g.upstream[i])
		sort.Ints(g.downstream[i])
	}

	if err := g.buildTopo(); err != nil {
		return nil, err
	}
	return g, nil
}

const (
	unvisited = iota
	visiting
	visited
)

func (g *Graph) buildTopo() error {
	state := make([]int, len(g.names))
	g.topo = g.topo[:0]

	var path []int
	var visit func(n int) error
	visit = func(n int) error {
		switch state[n] {
		case visited:
			return nil
		case visiting:
			return g.cycleError(append(path, n))
		}
		state[n] = visiting
		path = append(path, n)
		for _, parent := range g.upstream[n] {
			if err := visit(parent); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[n] = visited
		g.topo = append(g.topo, n)
		return nil
	}

	for n := range g.names {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) cycleError(path []int) error {
	tail := path[len(path)-1]
	start := 0
	for i, n := range path {
		if n == tail {
			start = i
			break
		}
	}
	names := make([]string, 0, len(path)-start)
	for _, n := range path[start:] {
		names = append(names, g.names[n])
	}
	return &CycleError{Path: names}
}

// Contains reports whether the graph has a node with the given name.
func (g *Graph) Contains(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Sorted returns every node name in topological order, upstream first.
func (g *Graph) Sorted() []string {
	out := make([]string, len(g.topo))
	for i, n := range g.topo {
		out[i] = g.names[n]
	}
	return out
}

// Upstream returns the direct parents of a node.
func (g *Graph) Upstream(name string) []string {
	n, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.resolve(g.upstream[n])
}

// Downstream returns every transitive dependent of a node, in topological
// order. The node itself is not included.
func (g *Graph) Downstream(name string) []string {
	root, ok := g.index[name]
	if !ok {
		return nil
	}
	reached := mapset.NewThreadUnsafeSet[int]()
	var walk func(n int)
	walk = func(n int) {
		for _, child := range g.downstream[n] {
			if reached.Add(child) {
				walk(child)
			}
		}
	}
	walk(root)

	var out []string
	for _, n := range g.topo {
		if reached.Contains(n) {
			out = append(out, g.names[n])
		}
	}
	return out
}

// DirectDownstream returns the direct children of a node.
func (g *Graph) DirectDownstream(name string) []string {
	n, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.resolve(g.downstream[n])
}

func (g *Graph) resolve(ids []int) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, n := range ids {
		out[i] = g.names[n]
	}
	return out
}
