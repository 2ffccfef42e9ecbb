// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/bootlens/pkg/boottime"
	"github.com/antimetal/bootlens/pkg/sources"
)

func journalRecord(unit, message string, fields map[string]string) sources.RawRecord {
	if fields == nil {
		fields = map[string]string{}
	}
	return sources.RawRecord{
		Source:  sources.SourceJournal,
		Instant: boottime.FromTime(time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)),
		Unit:    unit,
		Message: message,
		Fields:  fields,
	}
}

func TestClassify_BootMilestones(t *testing.T) {
	tests := []struct {
		name    string
		unit    string
		message string
		subject string
		want    bool
	}{
		{"kernel version banner", "kernel", "Linux version 6.5.0-generic (build@host)", "kernel-start", true},
		{"kernel ready", "kernel", "Freeing unused kernel image memory: 2048K", "kernel-ready", true},
		{"startup finished", "systemd", "Startup finished in 4.2s (kernel) + 10.1s (userspace) = 14.3s.", "startup-finished", true},
		{"network target", "init.scope", "Reached target Network.", "network-up", true},
		{"network online target", "init.scope", "Reached target Network is Online.", "network-online", true},
		{"milestone pattern from ordinary unit", "nginx.service", "Linux version 6.5.0", "", false},
		{"uninteresting kernel chatter", "kernel", "audit: type=1400 apparmor", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Classify(journalRecord(tt.unit, tt.message, nil))
			if !tt.want {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, KindBootMilestone, ev.Kind)
			assert.Equal(t, tt.subject, ev.Subject)
			assert.Equal(t, sources.SourceJournal, ev.Source)
		})
	}
}

func TestClassify_ServiceTransitions(t *testing.T) {
	tests := []struct {
		name    string
		message string
		fields  map[string]string
		kind    EventKind
		subject string
	}{
		{
			name:    "started with UNIT field",
			message: "Started OpenBSD Secure Shell server.",
			fields:  map[string]string{"UNIT": "ssh.service"},
			kind:    KindServiceStart,
			subject: "ssh.service",
		},
		{
			name:    "failed to start",
			message: "Failed to start Snap Daemon.",
			fields:  map[string]string{"UNIT": "snapd.service"},
			kind:    KindServiceFailed,
			subject: "snapd.service",
		},
		{
			name:    "stopped",
			message: "Stopped Getty on tty1.",
			fields:  map[string]string{"UNIT": "getty@tty1.service"},
			kind:    KindServiceStop,
			subject: "getty@tty1.service",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Classify(journalRecord("init.scope", tt.message, tt.fields))
			require.True(t, ok)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.subject, ev.Subject)
		})
	}
}

func TestClassify_SubjectFallsBackToRecordUnit(t *testing.T) {
	ev, ok := Classify(journalRecord("cron.service", "Started Regular background program processing daemon.", nil))
	require.True(t, ok)
	assert.Equal(t, "cron.service", ev.Subject)
}

func TestClassify_CloudInitStages(t *testing.T) {
	start := sources.RawRecord{
		Source:  sources.SourceCloudInit,
		Message: "Starting stage: init-local",
	}
	ev, ok := Classify(start)
	require.True(t, ok)
	assert.Equal(t, KindStageStart, ev.Kind)
	assert.Equal(t, "init-local", ev.Subject)

	end := sources.RawRecord{
		Source:  sources.SourceCloudInit,
		Message: "Finished stage: init-local",
	}
	ev, ok = Classify(end)
	require.True(t, ok)
	assert.Equal(t, KindStageEnd, ev.Kind)
	assert.Equal(t, "init-local", ev.Subject)

	chatter := sources.RawRecord{
		Source:  sources.SourceCloudInit,
		Message: "reading config file /etc/cloud/cloud.cfg",
	}
	_, ok = Classify(chatter)
	assert.False(t, ok)
}

// A monotonic-only record with no anchoring reference keeps its unknown
// instant through classification; it is retained, not dropped.
func TestClassify_UnknownInstantRetained(t *testing.T) {
	rec := sources.RawRecord{
		Source:  sources.SourceJournal,
		Instant: boottime.Unknown(),
		Unit:    "kernel",
		Message: "Linux version 6.5.0",
		Fields:  map[string]string{},
	}
	ev, ok := Classify(rec)
	require.True(t, ok)
	assert.False(t, ev.Instant.Known())
	assert.Equal(t, KindBootMilestone, ev.Kind)
}
