// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package servicegraph reconstructs the directed dependency graph between
// service units from a systemd snapshot and renders it for external
// visualization. Building is a pure function of the unit relationships;
// cloud-init frames only annotate the rendering, never the topology.
package servicegraph

import (
	"sort"

	"github.com/go-logr/logr"

	"github.com/antimetal/bootlens/pkg/sources/cloudinit"
	"github.com/antimetal/bootlens/pkg/sources/systemd"
)

// EdgeKind distinguishes hard requirement edges (Requires/Wants) from
// ordering-only edges (After/Before).
type EdgeKind string

const (
	EdgeRequirement EdgeKind = "requirement"
	EdgeOrdering    EdgeKind = "ordering"
)

// Edge is a directed edge From -> To, read as "From depends on / is
// ordered after To".
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// Graph is the built dependency graph. Nodes and Edges are in
// deterministic (lexicographic) order so textual diffs between runs are
// meaningful.
type Graph struct {
	Nodes []string
	Edges []Edge

	units  systemd.Snapshot
	frames []cloudinit.Frame
}

// Unit returns the snapshot entry for a node. Roots that were not present
// in the snapshot report ok=false; they are legitimate graph nodes with
// no known relationships.
func (g *Graph) Unit(name string) (systemd.UnitNode, bool) {
	u, ok := g.units[name]
	return u, ok
}

// Skipped reports whether a node's unit was skipped because a condition
// evaluated false.
func (g *Graph) Skipped(name string) bool {
	return g.units[name].Condition == systemd.ConditionSkippedFalse
}

// Stage returns the name of the cloud-init stage during which the unit's
// activation fell, or "" when that cannot be determined. Best-effort
// annotation for human readability only.
func (g *Graph) Stage(name string) string {
	unit, ok := g.units[name]
	if !ok || !unit.ActiveEnter.Known() {
		return ""
	}
	for _, f := range g.frames {
		if f.Contains(unit.ActiveEnter) {
			return f.Name
		}
	}
	return ""
}

// Options are the graph-mode selection knobs.
type Options struct {
	// ExcludeServices stops expansion through the named units. The units
	// themselves stay in the graph so the caller can see they were cut.
	ExcludeServices []string
	// ExcludeConditionalSkips drops units whose condition evaluated false
	// from the output, answering "what would run if conditions differ".
	ExcludeConditionalSkips bool
}

type Builder struct {
	logger logr.Logger
}

func NewBuilder(logger logr.Logger) *Builder {
	return &Builder{logger: logger.WithName("servicegraph")}
}

// Build expands breadth-first from the root services, following Requires,
// Wants, and After relationships. Requirement edges come from
// Requires/Wants, ordering edges from After/Before. Circular unit
// dependencies are legal in systemd, so every node is expanded at most
// once. Given identical inputs the output is byte-identical.
func (b *Builder) Build(roots []string, units systemd.Snapshot, frames []cloudinit.Frame, opts Options) *Graph {
	excluded := make(map[string]bool, len(opts.ExcludeServices))
	for _, name := range opts.ExcludeServices {
		excluded[name] = true
	}

	visited := make(map[string]bool)
	edgeSeen := make(map[Edge]bool)
	var edges []Edge

	// Before declarations point at units that may only join the graph
	// through a branch expanded later, so they are resolved against the
	// final node set once traversal completes.
	type beforeDecl struct {
		from string // the unit named by Before=
		to   string // the declaring unit
	}
	var pendingBefore []beforeDecl

	queue := append([]string(nil), roots...)
	sort.Strings(queue)

	addEdge := func(e Edge) {
		if !edgeSeen[e] {
			edgeSeen[e] = true
			edges = append(edges, e)
		}
	}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true

		if excluded[name] {
			b.logger.V(1).Info("not expanding excluded service", "unit", name)
			continue
		}
		unit, ok := units[name]
		if !ok {
			// A root that does not exist on this system is still a valid
			// query; it contributes a bare node.
			continue
		}

		for _, dep := range unit.Requires {
			addEdge(Edge{From: name, To: dep, Kind: EdgeRequirement})
			queue = append(queue, dep)
		}
		for _, dep := range unit.Wants {
			addEdge(Edge{From: name, To: dep, Kind: EdgeRequirement})
			queue = append(queue, dep)
		}
		for _, dep := range unit.After {
			addEdge(Edge{From: name, To: dep, Kind: EdgeOrdering})
			queue = append(queue, dep)
		}
		// Before relationships are ordering edges pointing back at this
		// unit; they do not widen the traversal.
		for _, other := range unit.Before {
			pendingBefore = append(pendingBefore, beforeDecl{from: other, to: name})
		}
	}

	for _, decl := range pendingBefore {
		if visited[decl.from] {
			addEdge(Edge{From: decl.from, To: decl.to, Kind: EdgeOrdering})
		}
	}

	if opts.ExcludeConditionalSkips {
		kept := make([]Edge, 0, len(edges))
		for _, e := range edges {
			if units[e.From].Condition == systemd.ConditionSkippedFalse ||
				units[e.To].Condition == systemd.ConditionSkippedFalse {
				continue
			}
			kept = append(kept, e)
		}
		edges = kept
		for name := range visited {
			if units[name].Condition == systemd.ConditionSkippedFalse {
				delete(visited, name)
			}
		}
	}

	nodes := make([]string, 0, len(visited))
	for name := range visited {
		nodes = append(nodes, name)
	}
	sort.Strings(nodes)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].Kind < edges[j].Kind
	})

	return &Graph{Nodes: nodes, Edges: edges, units: units, frames: frames}
}
