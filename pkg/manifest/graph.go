package manifest

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
)

// Graph is the module dependency graph.
// Edges point from a module to the modules it depends on.
type Graph struct {
	// modules maps module IDs to their modules
	modules map[string]*Module

	// dependencies maps a module ID to the IDs it depends on
	dependencies map[string][]string

	// dependents maps a module ID to the IDs that depend on it
	dependents map[string][]string

	// ids is the sorted set of module IDs
	ids []string
}

// newGraph builds a graph from modules. References to unknown modules are
// dropped; the validator reports them separately.
func newGraph(modules []Module) *Graph {
	g := &Graph{
		modules:      make(map[string]*Module, len(modules)),
		dependencies: make(map[string][]string, len(modules)),
		dependents:   make(map[string][]string, len(modules)),
	}

	for i := range modules {
		mod := &modules[i]
		if _, exists := g.modules[mod.ID]; exists {
			continue
		}
		g.modules[mod.ID] = mod
		g.ids = append(g.ids, mod.ID)
	}
	sort.Strings(g.ids)

	for _, id := range g.ids {
		seen := make(map[string]bool)
		for _, dep := range g.modules[id].Dependencies {
			if _, ok := g.modules[dep]; !ok || seen[dep] {
				continue
			}
			seen[dep] = true
			g.dependencies[id] = append(g.dependencies[id], dep)
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	return g
}

// Module returns the module with the given ID.
func (g *Graph) Module(id string) (*Module, bool) {
	m, ok := g.modules[id]
	return m, ok
}

// Dependencies returns the direct dependencies of a module.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.dependencies[id]...)
}

// Dependents returns the modules that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// TransitiveDependents returns every module that depends on id directly or
// indirectly, sorted by ID.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.dependents[next]...)
	}

	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Cycles returns one chain per group of mutually dependent modules. A chain
// starts and ends with the same ID, e.g. [a b c a] meaning a depends on b, b
// on c and c on a, and names every module of its group. Groups are found as
// strongly connected components (Tarjan); a self-dependency is a group of one.
// Output is deterministic.
func (g *Graph) Cycles() [][]string {
	var cycles [][]string
	for _, scc := range g.components() {
		if len(scc) == 1 && !g.dependsOn(scc[0], scc[0]) {
			continue
		}
		cycles = append(cycles, g.cycleThrough(scc))
	}
	return cycles
}

// components returns the strongly connected components in ID order, each
// sorted by ID.
func (g *Graph) components() [][]string {
	index := make(map[string]int, len(g.ids))
	low := make(map[string]int, len(g.ids))
	onStack := make(map[string]bool, len(g.ids))
	var stack []string
	var sccs [][]string
	next := 0

	var connect func(id string)
	connect = func(id string) {
		index[id] = next
		low[id] = next
		next++
		stack = append(stack, id)
		onStack[id] = true

		for _, dep := range g.dependencies[id] {
			if _, seen := index[dep]; !seen {
				connect(dep)
				low[id] = min(low[id], low[dep])
			} else if onStack[dep] {
				low[id] = min(low[id], index[dep])
			}
		}

		if low[id] != index[id] {
			return
		}
		var scc []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			scc = append(scc, top)
			if top == id {
				break
			}
		}
		sort.Strings(scc)
		sccs = append(sccs, scc)
	}

	for _, id := range g.ids {
		if _, seen := index[id]; !seen {
			connect(id)
		}
	}
	sort.Slice(sccs, func(i, j int) bool { return sccs[i][0] < sccs[j][0] })
	return sccs
}

func (g *Graph) dependsOn(id, dep string) bool {
	for _, d := range g.dependencies[id] {
		if d == dep {
			return true
		}
	}
	return false
}

// maxCycleSearch bounds the search for a simple cycle covering a component.
const maxCycleSearch = 10000

// cycleThrough returns a closed chain from the component's first ID that
// visits every member. A simple cycle is preferred; when none is found within
// maxCycleSearch steps the chain is a walk that may revisit members.
func (g *Graph) cycleThrough(scc []string) []string {
	start := scc[0]
	if len(scc) == 1 {
		return []string{start, start}
	}
	member := make(map[string]bool, len(scc))
	for _, id := range scc {
		member[id] = true
	}

	steps := 0
	onPath := map[string]bool{start: true}
	path := []string{start}
	var search func(id string) bool
	search = func(id string) bool {
		for _, dep := range g.dependencies[id] {
			if !member[dep] || steps >= maxCycleSearch {
				continue
			}
			steps++
			if dep == start && len(path) == len(scc) {
				path = append(path, start)
				return true
			}
			if onPath[dep] {
				continue
			}
			onPath[dep] = true
			path = append(path, dep)
			if search(dep) {
				return true
			}
			path = path[:len(path)-1]
			onPath[dep] = false
		}
		return false
	}
	if search(start) {
		return path
	}

	// Stitch shortest paths between members into one closed walk.
	walk := []string{start}
	covered := map[string]bool{start: true}
	current := start
	for _, target := range append(scc[1:], start) {
		if covered[target] && target != start {
			continue
		}
		hop := g.shortestPath(current, target, member)
		for _, id := range hop[1:] {
			covered[id] = true
		}
		walk = append(walk, hop[1:]...)
		current = target
	}
	return walk
}

// shortestPath returns the BFS path from one member to another (inclusive)
// along dependency edges inside the component.
func (g *Graph) shortestPath(from, to string, member map[string]bool) []string {
	prev := map[string]string{}
	queue := []string{from}
	seen := map[string]bool{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependencies[id] {
			if !member[dep] || seen[dep] {
				continue
			}
			seen[dep] = true
			prev[dep] = id
			if dep == to {
				path := []string{to}
				for at := to; at != from || len(path) == 1; {
					at = prev[at]
					path = append([]string{at}, path...)
					if at == from {
						break
					}
				}
				return path
			}
			queue = append(queue, dep)
		}
	}
	return []string{from, to}
}

// FormatCycle formats a cycle chain for error messages.
func FormatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// TopologicalOrder returns module IDs with dependencies before dependents.
// Among modules that are ready at the same time, lower phases come first and
// then IDs in ascending order. Modules caught in a cycle are omitted.
func (g *Graph) TopologicalOrder() []string {
	inDegree := make(map[string]int, len(g.ids))
	ready := &moduleHeap{}
	for _, id := range g.ids {
		inDegree[id] = len(g.dependencies[id])
		if inDegree[id] == 0 {
			heap.Push(ready, g.modules[id])
		}
	}

	order := make([]string, 0, len(g.ids))
	for ready.Len() > 0 {
		mod := heap.Pop(ready).(*Module)
		order = append(order, mod.ID)
		for _, dependent := range g.dependents[mod.ID] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, g.modules[dependent])
			}
		}
	}
	return order
}

// Levels groups module IDs by dependency depth. Modules within a level share
// no dependency edge. IDs within a level are sorted by phase then ID.
func (g *Graph) Levels() [][]string {
	depth := make(map[string]int, len(g.ids))
	var levels [][]string
	for _, id := range g.TopologicalOrder() {
		d := 0
		for _, dep := range g.dependencies[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], id)
	}
	return levels
}

// ToDOT generates a DOT representation of the graph, clustered by phase.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Modules {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	byPhase := make(map[int][]string)
	var phases []int
	for _, id := range g.ids {
		p := g.modules[id].Phase
		if _, ok := byPhase[p]; !ok {
			phases = append(phases, p)
		}
		byPhase[p] = append(byPhase[p], id)
	}
	sort.Ints(phases)

	for _, p := range phases {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_phase_%d {\n", p))
		sb.WriteString(fmt.Sprintf("    label=\"Phase %d\";\n", p))
		sb.WriteString("    style=dashed;\n")
		for _, id := range byPhase[p] {
			sb.WriteString(fmt.Sprintf("    \"%s\" [fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, runAsColor(g.modules[id].Identity())))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.ids {
		for _, dep := range g.dependencies[id] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func runAsColor(r RunAs) string {
	switch r {
	case RunAsRoot:
		return "lightcoral"
	case RunAsCurrent:
		return "lightgray"
	default:
		return "lightgreen"
	}
}

// moduleHeap is a min-heap of modules keyed by (phase, id).
type moduleHeap []*Module

func (h moduleHeap) Len() int { return len(h) }

func (h moduleHeap) Less(i, j int) bool {
	if h[i].Phase != h[j].Phase {
		return h[i].Phase < h[j].Phase
	}
	return h[i].ID < h[j].ID
}

func (h moduleHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *moduleHeap) Push(x any) { *h = append(*h, x.(*Module)) }

func (h *moduleHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
