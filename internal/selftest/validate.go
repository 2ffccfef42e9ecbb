// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package selftest

import (
	"fmt"
	"strings"
)

// Check is one validation outcome.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Validate checks an observed topology against a profile. All checks run
// even after a failure so the result shows every mismatch at once.
func Validate(topo Topology, profile Profile) []Check {
	var checks []Check

	checks = append(checks, Check{
		Name:   "disk-count",
		Passed: len(topo.Disks) >= profile.MinDisks,
		Detail: fmt.Sprintf("found %d disks, expected at least %d", len(topo.Disks), profile.MinDisks),
	})

	if profile.MinDiskSizeGB > 0 {
		smallest := -1
		smallestName := ""
		for _, d := range topo.Disks {
			if smallest < 0 || d.SizeGB < smallest {
				smallest = d.SizeGB
				smallestName = d.Name
			}
		}
		checks = append(checks, Check{
			Name:   "disk-size",
			Passed: smallest >= profile.MinDiskSizeGB,
			Detail: fmt.Sprintf("smallest disk %s is %dGB, expected at least %dGB", smallestName, smallest, profile.MinDiskSizeGB),
		})
	}

	if profile.RequireNVMe {
		var nvme []string
		for _, d := range topo.Disks {
			if d.NVMe {
				nvme = append(nvme, d.Name)
			}
		}
		checks = append(checks, Check{
			Name:   "nvme-present",
			Passed: len(nvme) > 0,
			Detail: fmt.Sprintf("nvme devices: [%s]", strings.Join(nvme, " ")),
		})
	}

	checks = append(checks, Check{
		Name:   "nic-count",
		Passed: len(topo.NICs) >= profile.MinNICs,
		Detail: fmt.Sprintf("found %d interfaces [%s], expected at least %d", len(topo.NICs), strings.Join(topo.NICs, " "), profile.MinNICs),
	})

	return checks
}

// Passed reports whether every check succeeded.
func Passed(checks []Check) bool {
	for _, c := range checks {
		if !c.Passed {
			return false
		}
	}
	return true
}
