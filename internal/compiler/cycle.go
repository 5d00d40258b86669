package compiler

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// CycleWarning represents a loop in the propagation graph: a save on one
// type updates a target whose own saves lead back to the first type.
//
// Cycles are warnings, not errors. Propagation writes only changed values,
// so a loop settles once every copy agrees, but each lap costs a full
// round of queued requests.
type CycleWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["Author", "Book", "Author"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeCycles reports the loops of a configuration's propagation graph.
//
// The graph has one edge source type -> target type per relation. Each
// strongly connected component with more than one type, or a type
// denormalizing from itself, becomes one warning. An acyclic configuration
// returns an empty list.
func AnalyzeCycles(cfg *Config) []CycleWarning {
	warnings := []CycleWarning{}
	if len(cfg.Targets) == 0 {
		return warnings
	}

	edges := propagationEdges(cfg)
	for _, comp := range components(edges) {
		switch {
		case len(comp) > 1:
			path := loopThrough(comp, edges)
			warnings = append(warnings, CycleWarning{
				Path:    path,
				Message: "Potential propagation cycle detected: " + strings.Join(path, " -> "),
				Level:   "warning",
			})
		case slices.Contains(edges[comp[0]], comp[0]):
			warnings = append(warnings, CycleWarning{
				Path:    []string{comp[0], comp[0]},
				Message: fmt.Sprintf("Self-denormalizing type detected: %s -> %s", comp[0], comp[0]),
				Level:   "warning",
			})
		}
	}
	return warnings
}

// propagationEdges maps each source type to the target types its saves
// propagate to.
func propagationEdges(cfg *Config) map[string][]string {
	edges := make(map[string][]string)
	for _, decl := range cfg.Targets {
		target, ok := cfg.Schema.Model(decl.Target)
		if !ok {
			continue
		}
		if _, seen := edges[decl.Target]; !seen {
			edges[decl.Target] = nil
		}
		for _, src := range decl.Sources {
			source := src.Model
			if source == "" {
				if f, ok := target.Field(src.Relation); ok {
					source = f.Ref
				}
			}
			if source == "" || slices.Contains(edges[source], decl.Target) {
				continue
			}
			edges[source] = append(edges[source], decl.Target)
		}
	}
	return edges
}

// sccWalker carries the state of one Tarjan pass.
type sccWalker struct {
	edges   map[string][]string
	next    int
	order   map[string]int
	low     map[string]int
	pending []string
	open    map[string]bool
	found   [][]string
}

// components returns the strongly connected components of edges. Types are
// visited in sorted order and each component is sorted, so the result is
// deterministic.
func components(edges map[string][]string) [][]string {
	w := &sccWalker{
		edges: edges,
		order: make(map[string]int),
		low:   make(map[string]int),
		open:  make(map[string]bool),
	}
	for _, typ := range slices.Sorted(maps.Keys(edges)) {
		if _, done := w.order[typ]; !done {
			w.visit(typ)
		}
	}
	return w.found
}

func (w *sccWalker) visit(typ string) {
	w.order[typ], w.low[typ] = w.next, w.next
	w.next++
	w.pending = append(w.pending, typ)
	w.open[typ] = true

	for _, to := range w.edges[typ] {
		if _, done := w.order[to]; !done {
			w.visit(to)
			w.low[typ] = min(w.low[typ], w.low[to])
		} else if w.open[to] {
			w.low[typ] = min(w.low[typ], w.order[to])
		}
	}
	if w.low[typ] != w.order[typ] {
		return
	}

	var comp []string
	for {
		top := w.pending[len(w.pending)-1]
		w.pending = w.pending[:len(w.pending)-1]
		w.open[top] = false
		comp = append(comp, top)
		if top == typ {
			break
		}
	}
	slices.Sort(comp)
	w.found = append(w.found, comp)
}

// loopThrough walks edges inside comp from its first type until the walk
// returns to it or runs out of unvisited members.
func loopThrough(comp []string, edges map[string][]string) []string {
	start := comp[0]
	path := []string{start}
	seen := map[string]bool{start: true}
	for cur := start; ; {
		step := ""
		for _, to := range edges[cur] {
			if to == start || (!seen[to] && slices.Contains(comp, to)) {
				step = to
				break
			}
		}
		if step == "" {
			return path
		}
		path = append(path, step)
		if step == start {
			return path
		}
		seen[step] = true
		cur = step
	}
}
