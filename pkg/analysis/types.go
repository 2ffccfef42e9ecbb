// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package analysis classifies parsed boot records into a closed event
// taxonomy and assembles them onto one merged timeline per analysis run.
// Every run is a pure function of its inputs: no shared state, safe to
// invoke concurrently.
package analysis

import (
	"github.com/antimetal/bootlens/pkg/boottime"
	"github.com/antimetal/bootlens/pkg/sources"
)

// EventKind is the closed set of semantic event categories. Fixed at
// build time, not user-defined.
type EventKind string

const (
	KindBootMilestone EventKind = "boot-milestone"
	KindServiceStart  EventKind = "service-start"
	KindServiceFailed EventKind = "service-failed"
	KindServiceStop   EventKind = "service-stop"
	KindStageStart    EventKind = "cloud-init-stage-start"
	KindStageEnd      EventKind = "cloud-init-stage-end"
)

// ClassifiedEvent is one semantically interesting boot event. Raw keeps a
// back-reference to the producing record so reports can include source
// context.
type ClassifiedEvent struct {
	Instant boottime.Instant   `json:"instant"`
	Kind    EventKind          `json:"kind"`
	Boot    int                `json:"boot"`
	Subject string             `json:"subject"`
	Source  sources.SourceKind `json:"source"`
	Message string             `json:"message"`

	Raw sources.RawRecord `json:"-"`
}

// Report is the assembler's output: the merged, ordered event sequence
// plus derived duration metrics. Durations that could not be computed
// (missing endpoint) are null, never an error.
type Report struct {
	Events    []ClassifiedEvent   `json:"events"`
	Durations map[string]*float64 `json:"durations_seconds"`
}
