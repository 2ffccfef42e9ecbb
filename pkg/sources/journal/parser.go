// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package journal parses systemd journal export-format streams into
// RawRecords. The export format is what `journalctl -o export` emits:
// entries are blocks of FIELD=VALUE lines separated by a blank line, with
// an alternate length-prefixed encoding for fields containing newlines.
//
// Reference: https://systemd.io/JOURNAL_EXPORT_FORMATS/
package journal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/antimetal/bootlens/pkg/boottime"
	"github.com/antimetal/bootlens/pkg/sources"
)

// ErrUnreadableJournal is returned when the input is not a valid journal
// export stream.
var ErrUnreadableJournal = errors.New("unreadable journal")

// maxFieldSize bounds a single length-prefixed field so a corrupt size
// header cannot make us allocate gigabytes.
const maxFieldSize = 64 * 1024 * 1024

type Parser struct {
	logger logr.Logger
}

func NewParser(logger logr.Logger) *Parser {
	return &Parser{logger: logger.WithName("journal")}
}

// Parse reads an export-format stream and returns the records in stream
// order. Boots are numbered per sources.CurrentBoot: the last _BOOT_ID to
// appear is boot 0, earlier ones count backward. Monotonic-only entries
// are anchored against the first entry in the same boot that carries both
// a monotonic and a realtime timestamp; without such an entry they keep
// an unknown Instant.
func (p *Parser) Parse(r io.Reader) ([]sources.RawRecord, error) {
	entries, err := readEntries(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries in export stream", ErrUnreadableJournal)
	}

	// First pass: number the boots and pick an anchoring reference per
	// boot. Export streams are ordered, so first appearance order is
	// chronological boot order.
	bootOrder := make([]string, 0, 4)
	seen := make(map[string]bool)
	refs := make(map[string]*boottime.Reference)
	for _, e := range entries {
		id := e.fields["_BOOT_ID"]
		if !seen[id] {
			seen[id] = true
			bootOrder = append(bootOrder, id)
		}
		if refs[id] == nil {
			mono, monoOK := parseUsec(e.fields["__MONOTONIC_TIMESTAMP"])
			real, realOK := parseUsec(e.fields["__REALTIME_TIMESTAMP"])
			if monoOK && realOK {
				refs[id] = boottime.NewReference(mono, real)
			}
		}
	}
	bootNum := make(map[string]int, len(bootOrder))
	for i, id := range bootOrder {
		bootNum[id] = i - (len(bootOrder) - 1)
	}

	records := make([]sources.RawRecord, 0, len(entries))
	missingBootID := 0
	for _, e := range entries {
		id := e.fields["_BOOT_ID"]
		if id == "" {
			missingBootID++
		}
		priority := -1
		if raw := e.fields["PRIORITY"]; raw != "" {
			pr, err := strconv.Atoi(raw)
			if err != nil {
				p.logger.V(1).Info("ignoring unparseable PRIORITY field", "value", raw)
			} else {
				priority = pr
			}
		}
		records = append(records, sources.RawRecord{
			Source:   sources.SourceJournal,
			Boot:     bootNum[id],
			Instant:  entryInstant(e.fields, refs[id]),
			Unit:     entryUnit(e.fields),
			Message:  e.fields["MESSAGE"],
			Priority: priority,
			Fields:   e.fields,
		})
	}
	if missingBootID > 0 {
		p.logger.V(1).Info("entries without _BOOT_ID grouped as one pseudo-boot", "count", missingBootID)
	}
	return records, nil
}

// ParseBytes is Parse over an in-memory export capture, the shape the
// remote collection path produces.
func (p *Parser) ParseBytes(data []byte) ([]sources.RawRecord, error) {
	return p.Parse(bytes.NewReader(data))
}

type entry struct {
	fields map[string]string
}

func readEntries(r *bufio.Reader) ([]entry, error) {
	var entries []entry
	cur := map[string]string{}

	flush := func() {
		if len(cur) > 0 {
			entries = append(entries, entry{fields: cur})
			cur = map[string]string{}
		}
	}

	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimSuffix(line, []byte("\n"))
			switch {
			case len(trimmed) == 0:
				flush()
			case bytes.ContainsRune(trimmed, '='):
				idx := bytes.IndexByte(trimmed, '=')
				cur[string(trimmed[:idx])] = string(trimmed[idx+1:])
			default:
				// Length-prefixed binary field: name line, then a 64-bit
				// little-endian size, the raw data, and a trailing newline.
				name := string(trimmed)
				var size uint64
				if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
					return nil, fmt.Errorf("%w: truncated binary field %q: %v", ErrUnreadableJournal, name, err)
				}
				if size > maxFieldSize {
					return nil, fmt.Errorf("%w: binary field %q claims %d bytes", ErrUnreadableJournal, name, size)
				}
				data := make([]byte, size)
				if _, err := io.ReadFull(r, data); err != nil {
					return nil, fmt.Errorf("%w: truncated binary field %q: %v", ErrUnreadableJournal, name, err)
				}
				if nl, err := r.ReadByte(); err != nil || nl != '\n' {
					return nil, fmt.Errorf("%w: binary field %q missing terminator", ErrUnreadableJournal, name)
				}
				cur[name] = string(data)
			}
		}
		if err == io.EOF {
			flush()
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreadableJournal, err)
		}
	}
}

func entryInstant(fields map[string]string, ref *boottime.Reference) boottime.Instant {
	if usec, ok := parseUsec(fields["__REALTIME_TIMESTAMP"]); ok {
		return boottime.FromRealtimeUsec(usec)
	}
	if usec, ok := parseUsec(fields["__MONOTONIC_TIMESTAMP"]); ok {
		return boottime.FromMonotonic(usec, ref)
	}
	return boottime.Unknown()
}

// entryUnit resolves the unit a record belongs to. Kernel messages carry
// no unit; they are attributed to the "kernel" pseudo-unit so the
// classifier can recognize boot milestones.
func entryUnit(fields map[string]string) string {
	if u := fields["_SYSTEMD_UNIT"]; u != "" {
		return u
	}
	if u := fields["UNIT"]; u != "" {
		return u
	}
	if fields["_TRANSPORT"] == "kernel" {
		return "kernel"
	}
	return fields["SYSLOG_IDENTIFIER"]
}

func parseUsec(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	usec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || usec < 0 {
		return 0, false
	}
	return usec, true
}
