// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package servicegraph

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/bootlens/pkg/boottime"
	"github.com/antimetal/bootlens/pkg/sources/cloudinit"
	"github.com/antimetal/bootlens/pkg/sources/systemd"
)

func unit(name string, mutate func(*systemd.UnitNode)) systemd.UnitNode {
	u := systemd.UnitNode{
		Name:        name,
		ActiveState: "active",
		Condition:   systemd.ConditionRan,
	}
	if mutate != nil {
		mutate(&u)
	}
	return u
}

func TestBuild_RequirementAndOrderingEdges(t *testing.T) {
	units := systemd.Snapshot{
		"a.service": unit("a.service", func(u *systemd.UnitNode) {
			u.Requires = []string{"b.service"}
			u.Wants = []string{"c.service"}
			u.After = []string{"b.service"}
		}),
		"b.service": unit("b.service", nil),
		"c.service": unit("c.service", nil),
	}

	g := NewBuilder(logr.Discard()).Build([]string{"a.service"}, units, nil, Options{})

	assert.Equal(t, []string{"a.service", "b.service", "c.service"}, g.Nodes)
	assert.Equal(t, []Edge{
		{From: "a.service", To: "b.service", Kind: EdgeOrdering},
		{From: "a.service", To: "b.service", Kind: EdgeRequirement},
		{From: "a.service", To: "c.service", Kind: EdgeRequirement},
	}, g.Edges)
}

// Circular unit dependencies occur legitimately; traversal must terminate
// with every node visited exactly once.
func TestBuild_CycleTerminates(t *testing.T) {
	units := systemd.Snapshot{
		"a.service": unit("a.service", func(u *systemd.UnitNode) { u.Requires = []string{"b.service"} }),
		"b.service": unit("b.service", func(u *systemd.UnitNode) { u.Requires = []string{"c.service"} }),
		"c.service": unit("c.service", func(u *systemd.UnitNode) { u.Requires = []string{"a.service"} }),
	}

	g := NewBuilder(logr.Discard()).Build([]string{"a.service"}, units, nil, Options{})

	require.Len(t, g.Nodes, 3)
	require.Len(t, g.Edges, 3)
	for _, e := range g.Edges {
		assert.Equal(t, EdgeRequirement, e.Kind)
	}
}

func TestBuild_UnknownRootYieldsBareNode(t *testing.T) {
	g := NewBuilder(logr.Discard()).Build([]string{"missing.service"}, systemd.Snapshot{}, nil, Options{})

	assert.Equal(t, []string{"missing.service"}, g.Nodes)
	assert.Empty(t, g.Edges)
	_, known := g.Unit("missing.service")
	assert.False(t, known)
}

func TestBuild_ExcludeServicesStopsExpansion(t *testing.T) {
	units := systemd.Snapshot{
		"a.service": unit("a.service", func(u *systemd.UnitNode) { u.Requires = []string{"b.service"} }),
		"b.service": unit("b.service", func(u *systemd.UnitNode) { u.Requires = []string{"c.service"} }),
		"c.service": unit("c.service", nil),
	}

	g := NewBuilder(logr.Discard()).Build([]string{"a.service"}, units, nil,
		Options{ExcludeServices: []string{"b.service"}})

	// The excluded node stays visible; its own dependencies do not.
	assert.Equal(t, []string{"a.service", "b.service"}, g.Nodes)
	assert.Equal(t, []Edge{{From: "a.service", To: "b.service", Kind: EdgeRequirement}}, g.Edges)
}

func TestBuild_ConditionalSkipFiltering(t *testing.T) {
	units := systemd.Snapshot{
		"a.service": unit("a.service", func(u *systemd.UnitNode) {
			u.After = []string{"d.service"}
			u.Wants = []string{"b.service"}
		}),
		"b.service": unit("b.service", nil),
		"d.service": unit("d.service", func(u *systemd.UnitNode) {
			u.ActiveState = "inactive"
			u.Condition = systemd.ConditionSkippedFalse
		}),
	}

	builder := NewBuilder(logr.Discard())

	// Included and marked when not filtering.
	g := builder.Build([]string{"a.service"}, units, nil, Options{})
	assert.Contains(t, g.Nodes, "d.service")
	assert.True(t, g.Skipped("d.service"))

	// Dropped entirely when filtering, with unrelated edges unaffected.
	g = builder.Build([]string{"a.service"}, units, nil, Options{ExcludeConditionalSkips: true})
	assert.NotContains(t, g.Nodes, "d.service")
	assert.Equal(t, []Edge{{From: "a.service", To: "b.service", Kind: EdgeRequirement}}, g.Edges)
}

func TestBuild_BeforeEdgesPointBack(t *testing.T) {
	units := systemd.Snapshot{
		"a.service": unit("a.service", func(u *systemd.UnitNode) { u.Requires = []string{"b.service"} }),
		"b.service": unit("b.service", func(u *systemd.UnitNode) { u.Before = []string{"a.service"} }),
	}

	g := NewBuilder(logr.Discard()).Build([]string{"a.service"}, units, nil, Options{})

	assert.Contains(t, g.Edges, Edge{From: "a.service", To: "b.service", Kind: EdgeOrdering})
}

// A Before target discovered through a branch expanded after the
// declaring unit must still receive its ordering edge.
func TestBuild_BeforeEdgeToLaterDiscoveredUnit(t *testing.T) {
	units := systemd.Snapshot{
		"a.service": unit("a.service", func(u *systemd.UnitNode) {
			u.Wants = []string{"b.service", "m.service"}
		}),
		"b.service": unit("b.service", func(u *systemd.UnitNode) { u.Before = []string{"c.service"} }),
		"m.service": unit("m.service", func(u *systemd.UnitNode) { u.Requires = []string{"c.service"} }),
		"c.service": unit("c.service", nil),
	}

	g := NewBuilder(logr.Discard()).Build([]string{"a.service"}, units, nil, Options{})

	require.Contains(t, g.Nodes, "c.service")
	assert.Contains(t, g.Edges, Edge{From: "c.service", To: "b.service", Kind: EdgeOrdering})
}

// Before targets outside the graph contribute no edge; every edge
// endpoint must be a node.
func TestBuild_BeforeEdgeToAbsentUnitDropped(t *testing.T) {
	units := systemd.Snapshot{
		"a.service": unit("a.service", func(u *systemd.UnitNode) { u.Before = []string{"shutdown.target"} }),
	}

	g := NewBuilder(logr.Discard()).Build([]string{"a.service"}, units, nil, Options{})

	assert.Equal(t, []string{"a.service"}, g.Nodes)
	assert.Empty(t, g.Edges)
}

func TestBuild_Deterministic(t *testing.T) {
	units := systemd.Snapshot{
		"a.service": unit("a.service", func(u *systemd.UnitNode) {
			u.Wants = []string{"z.service", "m.service", "b.service"}
		}),
		"z.service": unit("z.service", nil),
		"m.service": unit("m.service", nil),
		"b.service": unit("b.service", nil),
	}

	builder := NewBuilder(logr.Discard())
	first := RenderDOT(builder.Build([]string{"a.service"}, units, nil, Options{}))
	for i := 0; i < 10; i++ {
		again := RenderDOT(builder.Build([]string{"a.service"}, units, nil, Options{}))
		require.Equal(t, first, again)
	}
}

func TestGraph_StageAnnotation(t *testing.T) {
	activeAt := boottime.FromTime(time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC))
	units := systemd.Snapshot{
		"a.service": unit("a.service", func(u *systemd.UnitNode) { u.ActiveEnter = activeAt }),
	}
	frames := []cloudinit.Frame{
		{
			Name:  "init-local",
			Start: boottime.FromTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
			End:   boottime.FromTime(time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)),
		},
	}

	g := NewBuilder(logr.Discard()).Build([]string{"a.service"}, units, frames, Options{})
	assert.Equal(t, "init-local", g.Stage("a.service"))

	// Frames never change topology.
	bare := NewBuilder(logr.Discard()).Build([]string{"a.service"}, units, nil, Options{})
	assert.Equal(t, bare.Nodes, g.Nodes)
	assert.Equal(t, bare.Edges, g.Edges)
}
