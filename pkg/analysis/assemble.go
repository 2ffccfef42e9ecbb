// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package analysis

import (
	"sort"

	"github.com/go-logr/logr"

	"github.com/antimetal/bootlens/pkg/sources"
	"github.com/antimetal/bootlens/pkg/sources/systemd"
)

// Options are the caller-supplied selection knobs for one analysis run.
type Options struct {
	// CurrentBootOnly restricts the timeline to boot 0 before merging.
	CurrentBootOnly bool
	// Kinds is the event-kind allow-list. Empty means no restriction.
	Kinds []EventKind
}

// durationMetrics are the well-known event pairs the report summarizes.
// Each is measured from the first matching "from" event to the last
// matching "to" event within the most recent boot on the timeline.
var durationMetrics = []struct {
	name        string
	fromKind    EventKind
	fromSubject string
	toKind      EventKind
	toSubject   string
}{
	{"kernel_start_to_cloudinit_final", KindBootMilestone, "kernel-start", KindStageEnd, "modules:final"},
	{"kernel_start_to_network_up", KindBootMilestone, "kernel-start", KindBootMilestone, "network-up"},
	{"cloudinit_total", KindStageStart, "init-local", KindStageEnd, "modules:final"},
}

// Assemble merges classified events from all supplied sources into one
// time-ordered report. Each source is optional: a nil slice or snapshot
// contributes zero events, the degraded-source posture of a diagnostic
// tool. Identical inputs produce byte-identical output.
func Assemble(cloudinitRecords, journalRecords []sources.RawRecord, snapshot systemd.Snapshot, opts Options, logger logr.Logger) Report {
	var events []ClassifiedEvent

	classify := func(records []sources.RawRecord) {
		for _, r := range records {
			if opts.CurrentBootOnly && r.Boot != sources.CurrentBoot {
				continue
			}
			if ev, ok := Classify(r); ok {
				events = append(events, ev)
			}
		}
	}
	classify(cloudinitRecords)
	classify(journalRecords)
	events = append(events, snapshotEvents(snapshot)...)

	// Merge: boots in chronological order, known instants ascending
	// within a boot, unknown instants after them preserving source-local
	// order. Stability keeps unknown-vs-unknown order intact.
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Boot != b.Boot {
			return a.Boot < b.Boot
		}
		if a.Instant.Known() != b.Instant.Known() {
			return a.Instant.Known()
		}
		return a.Instant.Before(b.Instant)
	})

	durations := computeDurations(events)

	// The kind filter is applied last so it never changes the relative
	// order of retained events.
	if len(opts.Kinds) > 0 {
		allowed := make(map[EventKind]bool, len(opts.Kinds))
		for _, k := range opts.Kinds {
			allowed[k] = true
		}
		filtered := events[:0:0]
		for _, ev := range events {
			if allowed[ev.Kind] {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}

	logger.V(1).Info("assembled timeline", "events", len(events))
	return Report{Events: events, Durations: durations}
}

// snapshotEvents derives service-start events from the unit snapshot's
// activation timestamps. The snapshot is inherently a view of the current
// boot, so these always carry boot 0.
func snapshotEvents(snapshot systemd.Snapshot) []ClassifiedEvent {
	var events []ClassifiedEvent
	for _, name := range snapshot.Names() {
		unit := snapshot[name]
		if !unit.ActiveEnter.Known() || unit.ActiveState != "active" {
			continue
		}
		events = append(events, ClassifiedEvent{
			Instant: unit.ActiveEnter,
			Kind:    KindServiceStart,
			Boot:    sources.CurrentBoot,
			Subject: unit.Name,
			Source:  sources.SourceSystemd,
			Message: "unit entered active state",
		})
	}
	return events
}

// computeDurations evaluates the well-known metric pairs against the most
// recent boot present on the merged timeline. A metric with a missing
// endpoint stays null.
func computeDurations(events []ClassifiedEvent) map[string]*float64 {
	durations := make(map[string]*float64, len(durationMetrics))
	for _, m := range durationMetrics {
		durations[m.name] = nil
	}
	if len(events) == 0 {
		return durations
	}

	latest := events[0].Boot
	for _, ev := range events {
		if ev.Boot > latest {
			latest = ev.Boot
		}
	}

	for _, m := range durationMetrics {
		var from, to *ClassifiedEvent
		for i := range events {
			ev := &events[i]
			if ev.Boot != latest || !ev.Instant.Known() {
				continue
			}
			if from == nil && ev.Kind == m.fromKind && ev.Subject == m.fromSubject {
				from = ev
			}
			if ev.Kind == m.toKind && ev.Subject == m.toSubject {
				to = ev
			}
		}
		if from == nil || to == nil {
			continue
		}
		if d, ok := to.Instant.Sub(from.Instant); ok {
			secs := d.Seconds()
			durations[m.name] = &secs
		}
	}
	return durations
}
