// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package systemd parses the service manager's unit snapshot: the output
// of `systemctl show '*' --all`, blocks of Property=Value lines separated
// by blank lines, one block per unit. Unlike the journal and cloud-init
// parsers this produces a unit graph snapshot, not a time series.
package systemd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-logr/logr"

	"github.com/antimetal/bootlens/pkg/boottime"
)

// ErrUnitQueryFailed is returned when the unit query produced no usable
// snapshot (non-zero exit, empty or unparseable output).
var ErrUnitQueryFailed = errors.New("unit query failed")

// ConditionResult is a unit's last-known condition outcome.
type ConditionResult string

const (
	ConditionRan          ConditionResult = "ran"
	ConditionSkippedFalse ConditionResult = "skipped-condition-false"
	ConditionSkippedOther ConditionResult = "skipped-other"
	ConditionUnknown      ConditionResult = "unknown"
)

// UnitNode is one unit's declared relationships and state as reported by
// the service manager at query time. A snapshot, not a live subscription.
type UnitNode struct {
	Name        string
	Wants       []string
	Requires    []string
	After       []string
	Before      []string
	ActiveState string
	SubState    string
	Condition   ConditionResult
	// ActiveEnter is when the unit last entered the active state; unknown
	// for units that never ran.
	ActiveEnter boottime.Instant
}

// Snapshot is the full unit set keyed by unit name.
type Snapshot map[string]UnitNode

// Names returns the unit names in lexicographic order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Parser struct {
	logger logr.Logger
}

func NewParser(logger logr.Logger) *Parser {
	return &Parser{logger: logger.WithName("systemd")}
}

// Parse reads `systemctl show` block output into a Snapshot. A block
// without an Id property cannot be attributed to a unit and is dropped
// with a warning. An input with no attributable blocks at all fails with
// ErrUnitQueryFailed.
func (p *Parser) Parse(r io.Reader) (Snapshot, error) {
	snapshot := make(Snapshot)
	props := map[string]string{}

	flush := func() {
		if len(props) == 0 {
			return
		}
		name := props["Id"]
		if name == "" {
			p.logger.Info("dropping unit block without Id property")
			props = map[string]string{}
			return
		}
		snapshot[name] = buildUnit(name, props)
		props = map[string]string{}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		props[line[:idx]] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnitQueryFailed, err)
	}
	flush()

	if len(snapshot) == 0 {
		return nil, fmt.Errorf("%w: no unit blocks in output", ErrUnitQueryFailed)
	}
	return snapshot, nil
}

func buildUnit(name string, props map[string]string) UnitNode {
	return UnitNode{
		Name:        name,
		Wants:       splitUnitList(props["Wants"]),
		Requires:    splitUnitList(props["Requires"]),
		After:       splitUnitList(props["After"]),
		Before:      splitUnitList(props["Before"]),
		ActiveState: props["ActiveState"],
		SubState:    props["SubState"],
		Condition:   conditionResult(props),
		ActiveEnter: parseSystemdTimestamp(props["ActiveEnterTimestamp"]),
	}
}

// conditionResult maps systemd's reporting onto the closed taxonomy.
// ConditionResult=no means the unit was skipped because a Condition*=
// check evaluated false. Units that never got as far as a condition check
// (not-found, masked) are skipped for other reasons.
func conditionResult(props map[string]string) ConditionResult {
	switch props["ConditionResult"] {
	case "yes":
		return ConditionRan
	case "no":
		return ConditionSkippedFalse
	}
	switch props["LoadState"] {
	case "not-found", "masked", "error":
		return ConditionSkippedOther
	}
	if props["ActiveState"] == "active" {
		return ConditionRan
	}
	return ConditionUnknown
}

func splitUnitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Fields(raw)
	sort.Strings(parts)
	return parts
}

// parseSystemdTimestamp parses timestamps of the form
// "Mon 2024-01-01 00:00:05 UTC". Empty or "n/a" values mean the unit
// never entered the state. The weekday prefix is presentation only;
// what remains is a normalizer-shaped timestamp.
func parseSystemdTimestamp(raw string) boottime.Instant {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "n/a" {
		return boottime.Unknown()
	}
	if len(raw) > 0 && (raw[0] < '0' || raw[0] > '9') {
		if i := strings.IndexByte(raw, ' '); i >= 0 {
			raw = raw[i+1:]
		}
	}
	instant, err := boottime.ParseISO8601(raw)
	if err != nil {
		return boottime.Unknown()
	}
	return instant
}
