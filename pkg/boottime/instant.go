// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package boottime

import (
	"time"
)

// Instant is a single point in time normalized to UTC, comparable across
// the journal, cloud-init, and systemd clock domains. The zero value is
// unknown: a record whose source clock could not be anchored to real time.
// Unknown instants never participate in cross-source ordering.
type Instant struct {
	t     time.Time
	known bool
}

// FromTime builds a known Instant from t, normalized to UTC.
func FromTime(t time.Time) Instant {
	return Instant{t: t.UTC(), known: true}
}

// Unknown returns the unknown Instant.
func Unknown() Instant {
	return Instant{}
}

func (i Instant) Known() bool {
	return i.known
}

// Time returns the underlying UTC time. Only meaningful when Known.
func (i Instant) Time() time.Time {
	return i.t
}

// Before reports whether i is strictly earlier than other. Comparisons
// involving an unknown Instant are always false, so unknown records sort
// by their source-local order instead.
func (i Instant) Before(other Instant) bool {
	if !i.known || !other.known {
		return false
	}
	return i.t.Before(other.t)
}

// Sub returns the duration i - other. ok is false when either side is
// unknown; callers must not fabricate a duration in that case.
func (i Instant) Sub(other Instant) (time.Duration, bool) {
	if !i.known || !other.known {
		return 0, false
	}
	return i.t.Sub(other.t), true
}

// Add returns i shifted by d. Adding to an unknown Instant stays unknown.
func (i Instant) Add(d time.Duration) Instant {
	if !i.known {
		return i
	}
	return Instant{t: i.t.Add(d), known: true}
}

// MarshalJSON renders a known Instant as an RFC 3339 string and an
// unknown one as null, matching the report schema.
func (i Instant) MarshalJSON() ([]byte, error) {
	if !i.known {
		return []byte("null"), nil
	}
	return []byte(`"` + i.t.Format(time.RFC3339Nano) + `"`), nil
}

// String renders a known Instant in RFC 3339 form and "unknown" otherwise.
func (i Instant) String() string {
	if !i.known {
		return "unknown"
	}
	return i.t.Format(time.RFC3339Nano)
}
