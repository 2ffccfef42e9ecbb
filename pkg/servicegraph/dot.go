// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package servicegraph

import (
	"fmt"
	"strings"
)

// RenderDOT serializes a graph as a Graphviz digraph. Unit names contain
// characters special to the DOT grammar ('.', '@', '-'), so every name is
// quoted. Requirement edges are solid, ordering edges dashed;
// conditionally-skipped units render greyed out and dashed. Output is
// deterministic for identical graphs.
func RenderDOT(g *Graph) string {
	var sb strings.Builder
	sb.WriteString("digraph services {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box];\n")

	for _, name := range g.Nodes {
		labelParts := []string{escape(name)}
		if stage := g.Stage(name); stage != "" {
			labelParts = append(labelParts, "["+escape(stage)+"]")
		}
		var attrs []string
		if g.Skipped(name) {
			labelParts = append(labelParts, "(condition failed)")
			attrs = append(attrs, "style=dashed", "color=gray60", "fontcolor=gray60")
		}
		if len(labelParts) > 1 {
			attrs = append([]string{`label="` + strings.Join(labelParts, `\n`) + `"`}, attrs...)
		}
		if len(attrs) > 0 {
			fmt.Fprintf(&sb, "  \"%s\" [%s];\n", escape(name), strings.Join(attrs, ", "))
		} else {
			fmt.Fprintf(&sb, "  \"%s\";\n", escape(name))
		}
	}

	for _, e := range g.Edges {
		switch e.Kind {
		case EdgeOrdering:
			fmt.Fprintf(&sb, "  \"%s\" -> \"%s\" [style=dashed];\n", escape(e.From), escape(e.To))
		default:
			fmt.Fprintf(&sb, "  \"%s\" -> \"%s\";\n", escape(e.From), escape(e.To))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// escape makes a string safe for use inside a double-quoted DOT ID.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
