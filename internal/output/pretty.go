// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package output

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/antimetal/bootlens/pkg/analysis"
)

// RenderPretty renders a report for terminal viewing: one line per event
// plus the duration summary. Failed services stand out; unknown instants
// are marked rather than hidden.
func RenderPretty(report analysis.Report) string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render("bootlens")
	eventStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	failStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	lines := []string{title, ""}
	for _, ev := range report.Events {
		ts := "unknown-time          "
		if ev.Instant.Known() {
			ts = ev.Instant.Time().Format("2006-01-02T15:04:05.000Z")
		}
		line := fmt.Sprintf("%s boot=%-3d %-22s %-10s %s", ts, ev.Boot, ev.Kind, ev.Source, ev.Subject)
		if ev.Kind == analysis.KindServiceFailed {
			lines = append(lines, failStyle.Render(line))
		} else {
			lines = append(lines, eventStyle.Render(line))
		}
	}

	lines = append(lines, "")
	names := make([]string, 0, len(report.Durations))
	for name := range report.Durations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if d := report.Durations[name]; d != nil {
			lines = append(lines, fmt.Sprintf("%s = %.3fs", name, *d))
		} else {
			lines = append(lines, dimStyle.Render(name+" = n/a"))
		}
	}

	return strings.Join(lines, "\n")
}
