// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package analysis

import (
	"regexp"
	"strings"

	"github.com/antimetal/bootlens/pkg/sources"
	"github.com/antimetal/bootlens/pkg/sources/cloudinit"
)

// bootUnits are the pseudo-units whose messages can carry boot milestones.
var bootUnits = map[string]bool{
	"kernel":     true,
	"systemd":    true,
	"init.scope": true,
}

// milestonePatterns map recognized boot-milestone messages to a milestone
// subject. Checked in order; first match wins.
var milestonePatterns = []struct {
	re      *regexp.Regexp
	subject string
}{
	{regexp.MustCompile(`^Linux version `), "kernel-start"},
	{regexp.MustCompile(`Freeing unused kernel (image )?memory`), "kernel-ready"},
	{regexp.MustCompile(`^Startup finished in `), "startup-finished"},
	{regexp.MustCompile(`^Reached target .*Network is Online`), "network-online"},
	{regexp.MustCompile(`^Reached target .*Network\.?$`), "network-up"},
	{regexp.MustCompile(`^Reached target .*Multi-User System`), "multi-user"},
}

var (
	startedPattern = regexp.MustCompile(`^Started .+\.$`)
	failedPattern  = regexp.MustCompile(`^Failed to start .+\.$`)
	stoppedPattern = regexp.MustCompile(`^Stopped .+\.$`)
)

// Classify maps a raw record to a classified event. The second return is
// false when the record is semantically uninteresting; that is a filtering
// decision, not an error. Rules are priority-ordered, first match wins.
func Classify(record sources.RawRecord) (ClassifiedEvent, bool) {
	switch record.Source {
	case sources.SourceJournal:
		return classifyJournal(record)
	case sources.SourceCloudInit:
		return classifyCloudInit(record)
	}
	return ClassifiedEvent{}, false
}

func classifyJournal(record sources.RawRecord) (ClassifiedEvent, bool) {
	// Rule 1: boot milestones from kernel/boot pseudo-units.
	if bootUnits[record.Unit] {
		for _, mp := range milestonePatterns {
			if mp.re.MatchString(record.Message) {
				return event(record, KindBootMilestone, mp.subject), true
			}
		}
	}

	// Rule 2: unit state transitions logged by the service manager. The
	// affected unit is in the UNIT field; fall back to the record's own
	// unit attribution when absent.
	subject := record.Fields["UNIT"]
	if subject == "" {
		subject = record.Unit
	}
	switch {
	case startedPattern.MatchString(record.Message):
		return event(record, KindServiceStart, subject), true
	case failedPattern.MatchString(record.Message):
		return event(record, KindServiceFailed, subject), true
	case stoppedPattern.MatchString(record.Message):
		return event(record, KindServiceStop, subject), true
	}
	return ClassifiedEvent{}, false
}

func classifyCloudInit(record sources.RawRecord) (ClassifiedEvent, bool) {
	// Rule 3: stage boundary markers.
	switch {
	case strings.HasPrefix(record.Message, cloudinit.StageStartPrefix):
		subject := strings.TrimSpace(strings.TrimPrefix(record.Message, cloudinit.StageStartPrefix))
		return event(record, KindStageStart, subject), true
	case strings.HasPrefix(record.Message, cloudinit.StageFinishPrefix):
		subject := strings.TrimSpace(strings.TrimPrefix(record.Message, cloudinit.StageFinishPrefix))
		return event(record, KindStageEnd, subject), true
	}
	return ClassifiedEvent{}, false
}

func event(record sources.RawRecord, kind EventKind, subject string) ClassifiedEvent {
	return ClassifiedEvent{
		Instant: record.Instant,
		Kind:    kind,
		Boot:    record.Boot,
		Subject: subject,
		Source:  record.Source,
		Message: record.Message,
		Raw:     record,
	}
}
