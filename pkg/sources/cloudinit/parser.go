// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package cloudinit parses /var/log/cloud-init.log text. The line grammar
// varies across distro and cloud-init version combinations, so parsing is
// best-effort: a line that fits no known shape is skipped with a warning,
// never fatal.
package cloudinit

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"github.com/go-logr/logr"

	"github.com/antimetal/bootlens/pkg/boottime"
	"github.com/antimetal/bootlens/pkg/sources"
)

// Stage boundary markers. Subject is the stage name ("init-local",
// "modules:final", ...).
const (
	StageStartPrefix  = "Starting stage: "
	StageFinishPrefix = "Finished stage: "
)

// linePattern matches the common cloud-init log shapes:
//
//	2024-01-01 00:00:01,123 - main.py[DEBUG]: message
//	1704067201.25 - main.py[DEBUG]: message
//
// Group 1 is the timestamp, 2 the logger/module, 3 the level, 4 the text.
var linePattern = regexp.MustCompile(`^(\S+ \S+|\S+) - ([^\[]+)\[([A-Z]+)\]: (.*)$`)

// bootMarker matches the line cloud-init logs when its first stage starts
// after a (re)boot. Log files survive reboots, so these markers are the
// only boot boundary the file gives us.
var bootMarker = regexp.MustCompile(`running 'init-local'`)

// Frame is a named half-open [Start, End) interval bounding one cloud-init
// stage's execution within one boot.
type Frame struct {
	Name  string
	Boot  int
	Start boottime.Instant
	End   boottime.Instant
}

// Contains reports whether t falls inside the frame. Frames with an
// unknown endpoint never contain anything.
func (f Frame) Contains(t boottime.Instant) bool {
	if !t.Known() || !f.Start.Known() || !f.End.Known() {
		return false
	}
	return !t.Before(f.Start) && t.Before(f.End)
}

type Parser struct {
	logger logr.Logger
}

func NewParser(logger logr.Logger) *Parser {
	return &Parser{logger: logger.WithName("cloud-init")}
}

// Parse reads a cloud-init log and returns its records in file order,
// partitioned into boots by the init-local restart markers. Malformed or
// continuation lines (tracebacks, YAML dumps) are dropped with a warning.
func (p *Parser) Parse(r io.Reader) ([]sources.RawRecord, error) {
	var raw []sources.RawRecord
	bootStarts := []int{0} // record index at which each boot segment begins

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		m := linePattern.FindStringSubmatch(line)
		if m == nil {
			p.logger.V(1).Info("skipping unparseable line", "line", lineNo)
			continue
		}

		instant, err := parseTimestamp(m[1])
		if err != nil {
			p.logger.Info("skipping line with malformed timestamp", "line", lineNo, "timestamp", m[1])
			continue
		}

		message := m[4]
		if bootMarker.MatchString(message) || strings.HasPrefix(message, StageStartPrefix+"init-local") {
			if len(raw) > 0 {
				bootStarts = append(bootStarts, len(raw))
			}
		}

		raw = append(raw, sources.RawRecord{
			Source:   sources.SourceCloudInit,
			Instant:  instant,
			Unit:     strings.TrimSpace(m[2]),
			Message:  message,
			Priority: -1,
			Fields:   map[string]string{"level": m[3], "timestamp": m[1]},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// The last segment is the current boot; earlier segments count
	// backward, same policy as the journal parser.
	for seg := 0; seg < len(bootStarts); seg++ {
		end := len(raw)
		if seg+1 < len(bootStarts) {
			end = bootStarts[seg+1]
		}
		boot := seg - (len(bootStarts) - 1)
		for i := bootStarts[seg]; i < end; i++ {
			raw[i].Boot = boot
		}
	}
	return raw, nil
}

// Frames extracts the stage intervals from parsed records. A stage with a
// start marker but no finish marker yields a frame with an unknown End; a
// finish without a start is dropped with a warning.
func (p *Parser) Frames(records []sources.RawRecord) []Frame {
	var frames []Frame
	open := make(map[string]int) // stage name -> index in frames, per boot
	lastBoot := 0

	for _, r := range records {
		if r.Boot != lastBoot {
			// Stages never span boots; drop any still-open frames.
			open = make(map[string]int)
			lastBoot = r.Boot
		}
		switch {
		case strings.HasPrefix(r.Message, StageStartPrefix):
			name := strings.TrimSpace(strings.TrimPrefix(r.Message, StageStartPrefix))
			frames = append(frames, Frame{Name: name, Boot: r.Boot, Start: r.Instant, End: boottime.Unknown()})
			open[name] = len(frames) - 1
		case strings.HasPrefix(r.Message, StageFinishPrefix):
			name := strings.TrimSpace(strings.TrimPrefix(r.Message, StageFinishPrefix))
			idx, ok := open[name]
			if !ok {
				p.logger.Info("stage finished without a start marker", "stage", name, "boot", r.Boot)
				continue
			}
			frames[idx].End = r.Instant
			delete(open, name)
		}
	}
	return frames
}

func parseTimestamp(raw string) (boottime.Instant, error) {
	if strings.Contains(raw, " ") {
		return boottime.ParseCloudInitLocal(raw)
	}
	return boottime.ParseEpoch(raw)
}
