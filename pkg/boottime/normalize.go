// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package boottime

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedTimestamp is returned when raw timestamp text matches none
// of the known patterns for its source.
var ErrMalformedTimestamp = errors.New("malformed timestamp")

// Reference anchors a monotonic clock to real time: at MonotonicAtBoot on
// the boot's monotonic clock, the wall clock read RealAtBoot. Derived from
// the first record in a boot that carries both timestamps.
type Reference struct {
	MonotonicAtBoot time.Duration
	RealAtBoot      time.Time
}

// NewReference builds a Reference from a record carrying both a monotonic
// and a realtime timestamp, both in microseconds.
func NewReference(monotonicUsec, realtimeUsec int64) *Reference {
	return &Reference{
		MonotonicAtBoot: time.Duration(monotonicUsec) * time.Microsecond,
		RealAtBoot:      time.UnixMicro(realtimeUsec).UTC(),
	}
}

// FromMonotonic converts a journal monotonic timestamp (microseconds since
// boot) to an Instant using ref. Without a reference there is no defensible
// anchoring, so the result is unknown rather than a guess.
func FromMonotonic(usec int64, ref *Reference) Instant {
	if ref == nil {
		return Unknown()
	}
	offset := time.Duration(usec)*time.Microsecond - ref.MonotonicAtBoot
	return FromTime(ref.RealAtBoot.Add(offset))
}

// FromRealtimeUsec converts a journal realtime timestamp (microseconds
// since the Unix epoch) to an Instant.
func FromRealtimeUsec(usec int64) Instant {
	return FromTime(time.UnixMicro(usec))
}

// iso8601Layouts are tried in order. Journal exports and cloud-init logs
// disagree on fractional seconds and on space vs 'T' separators.
var iso8601Layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999-0700",
	"2006-01-02 15:04:05.999999Z07:00",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05.999999 MST",
}

// ParseISO8601 parses an ISO-8601 timestamp with an explicit offset and
// canonicalizes it to UTC.
func ParseISO8601(raw string) (Instant, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range iso8601Layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return FromTime(t), nil
		}
	}
	return Unknown(), fmt.Errorf("%w: %q is not ISO-8601", ErrMalformedTimestamp, raw)
}

// ParseEpoch parses a cloud-init style epoch timestamp: a float number of
// seconds since the Unix epoch with an optional fraction.
func ParseEpoch(raw string) (Instant, error) {
	raw = strings.TrimSpace(raw)
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return Unknown(), fmt.Errorf("%w: %q is not epoch seconds", ErrMalformedTimestamp, raw)
	}
	whole, frac := math.Modf(secs)
	return FromTime(time.Unix(int64(whole), int64(frac*float64(time.Second)))), nil
}

// ParseCloudInitLocal parses the human-readable timestamp cloud-init
// writes at the front of each log line ("2024-01-01 00:00:01,123"). These
// carry no offset; cloud-init logs in the machine's local clock which is
// UTC on every cloud image this tool targets.
func ParseCloudInitLocal(raw string) (Instant, error) {
	raw = strings.TrimSpace(raw)
	// Comma millisecond separator comes from Python's logging module.
	normalized := strings.Replace(raw, ",", ".", 1)
	for _, layout := range []string{"2006-01-02 15:04:05.000", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, normalized, time.UTC); err == nil {
			return FromTime(t), nil
		}
	}
	return Unknown(), fmt.Errorf("%w: %q is not a cloud-init log timestamp", ErrMalformedTimestamp, raw)
}
