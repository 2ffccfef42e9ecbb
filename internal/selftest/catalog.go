// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package selftest validates a machine's disk and network topology
// against an expected hardware profile catalog. It is a rule checker,
// deliberately separate from the event analysis core.
package selftest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile describes the topology one VM size/SKU is expected to present.
type Profile struct {
	Name string `yaml:"name"`
	// MinDisks is the minimum number of whole block devices expected,
	// including the OS disk.
	MinDisks int `yaml:"min_disks"`
	// MinDiskSizeGB bounds the smallest acceptable disk.
	MinDiskSizeGB int `yaml:"min_disk_size_gb"`
	// MinNICs is the minimum number of non-loopback network interfaces.
	MinNICs int `yaml:"min_nics"`
	// RequireNVMe requires at least one NVMe block device.
	RequireNVMe bool `yaml:"require_nvme"`
}

// Catalog is the full set of known profiles keyed by name.
type Catalog struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadCatalog reads a YAML profile catalog.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("failed to read profile catalog %s: %w", path, err)
	}
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("failed to parse profile catalog %s: %w", path, err)
	}
	if len(catalog.Profiles) == 0 {
		return Catalog{}, fmt.Errorf("profile catalog %s contains no profiles", path)
	}
	return catalog, nil
}

// Lookup finds a profile by name.
func (c Catalog) Lookup(name string) (Profile, bool) {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}
