// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package systemd

import (
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleShow = `Id=ssh.service
Wants=network-online.target
Requires=sysinit.target
After=network.target sysinit.target
Before=multi-user.target
ActiveState=active
SubState=running
ConditionResult=yes
LoadState=loaded
ActiveEnterTimestamp=Mon 2024-01-01 00:00:05 UTC

Id=systemd-fsck-root.service
Wants=
Requires=
After=
Before=local-fs.target
ActiveState=inactive
SubState=dead
ConditionResult=no
LoadState=loaded
ActiveEnterTimestamp=

Id=ghost.service
ActiveState=inactive
SubState=dead
ConditionResult=
LoadState=not-found
`

func TestParse(t *testing.T) {
	p := NewParser(logr.Discard())
	snapshot, err := p.Parse(strings.NewReader(sampleShow))
	require.NoError(t, err)
	require.Len(t, snapshot, 3)

	ssh, ok := snapshot["ssh.service"]
	require.True(t, ok)
	assert.Equal(t, []string{"network-online.target"}, ssh.Wants)
	assert.Equal(t, []string{"sysinit.target"}, ssh.Requires)
	assert.Equal(t, []string{"network.target", "sysinit.target"}, ssh.After)
	assert.Equal(t, []string{"multi-user.target"}, ssh.Before)
	assert.Equal(t, "active", ssh.ActiveState)
	assert.Equal(t, ConditionRan, ssh.Condition)
	require.True(t, ssh.ActiveEnter.Known())
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC), ssh.ActiveEnter.Time())

	fsck := snapshot["systemd-fsck-root.service"]
	assert.Equal(t, ConditionSkippedFalse, fsck.Condition)
	assert.False(t, fsck.ActiveEnter.Known())
	assert.Empty(t, fsck.Wants)

	ghost := snapshot["ghost.service"]
	assert.Equal(t, ConditionSkippedOther, ghost.Condition)
}

func TestParse_DropsBlockWithoutId(t *testing.T) {
	input := "ActiveState=active\nSubState=running\n\nId=a.service\nActiveState=active\n"
	p := NewParser(logr.Discard())
	snapshot, err := p.Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Contains(t, snapshot, "a.service")
}

func TestParse_EmptyOutput(t *testing.T) {
	p := NewParser(logr.Discard())
	_, err := p.Parse(strings.NewReader(""))
	require.ErrorIs(t, err, ErrUnitQueryFailed)
}

func TestSnapshot_Names(t *testing.T) {
	p := NewParser(logr.Discard())
	snapshot, err := p.Parse(strings.NewReader(sampleShow))
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost.service", "ssh.service", "systemd-fsck-root.service"}, snapshot.Names())
}

func TestParseSystemdTimestamp(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    time.Time
		unknown bool
	}{
		{
			name: "weekday prefix",
			raw:  "Mon 2024-01-01 00:00:05 UTC",
			want: time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC),
		},
		{
			name: "fractional seconds",
			raw:  "Mon 2024-01-01 00:00:05.123456 UTC",
			want: time.Date(2024, 1, 1, 0, 0, 5, 123456000, time.UTC),
		},
		{
			name: "no weekday prefix",
			raw:  "2024-01-01 00:00:05 UTC",
			want: time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC),
		},
		{name: "empty", raw: "", unknown: true},
		{name: "never entered", raw: "n/a", unknown: true},
		{name: "garbage", raw: "last tuesday", unknown: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseSystemdTimestamp(tt.raw)
			if tt.unknown {
				assert.False(t, got.Known())
				return
			}
			require.True(t, got.Known())
			assert.Equal(t, tt.want, got.Time())
		})
	}
}

func TestConditionResult_ActiveWithoutConditionField(t *testing.T) {
	input := "Id=b.service\nActiveState=active\nLoadState=loaded\n"
	p := NewParser(logr.Discard())
	snapshot, err := p.Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, ConditionRan, snapshot["b.service"].Condition)
}
