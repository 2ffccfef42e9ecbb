// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package output renders analysis reports for consumption: indented JSON
// for machines, a styled terminal view for humans. Pure formatting over
// the report value, no analysis logic.
package output

import (
	"encoding/json"

	"github.com/antimetal/bootlens/internal/selftest"
	"github.com/antimetal/bootlens/pkg/analysis"
)

// RenderJSON serializes a report as indented JSON, the tool's structured
// output format.
func RenderJSON(report analysis.Report) (string, error) {
	data, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RenderChecks serializes selftest results as indented JSON.
func RenderChecks(checks []selftest.Check) (string, error) {
	data, err := json.MarshalIndent(checks, "", "    ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
