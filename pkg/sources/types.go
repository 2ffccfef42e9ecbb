// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sources holds the record types shared by the boot log parsers.
// Each parser under pkg/sources/... turns one raw log surface into an
// ordered []RawRecord; everything downstream (classification, timeline
// assembly) consumes only these value types.
package sources

import (
	"github.com/antimetal/bootlens/pkg/boottime"
)

// SourceKind identifies which log surface produced a record.
type SourceKind string

const (
	SourceJournal   SourceKind = "journal"
	SourceCloudInit SourceKind = "cloud-init"
	SourceSystemd   SourceKind = "systemd"
)

// CurrentBoot is the boot number of the most recent boot. Earlier boots
// count backward (-1 is the previous boot), matching journalctl's
// relative boot addressing. This is the single boot-numbering policy for
// all three sources.
const CurrentBoot = 0

// RawRecord is one parsed line or entry from a source log. Immutable once
// produced by its parser.
type RawRecord struct {
	Source  SourceKind
	Boot    int
	Instant boottime.Instant
	Unit    string
	Message string
	// Priority is the syslog priority for journal records, -1 elsewhere.
	Priority int
	// Fields retains the raw structured fields for debugging context.
	Fields map[string]string
}

// FilterBoot returns the records belonging to one boot, preserving order.
// A nil filter (represented by calling code skipping this) keeps all boots.
func FilterBoot(records []RawRecord, boot int) []RawRecord {
	out := make([]RawRecord, 0, len(records))
	for _, r := range records {
		if r.Boot == boot {
			out = append(out, r)
		}
	}
	return out
}
