// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package selftest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixtureSys builds a minimal sysfs tree with the given block devices
// (name -> size in 512-byte sectors) and network interfaces.
func fixtureSys(t *testing.T, disks map[string]string, nics []string) string {
	t.Helper()
	root := t.TempDir()
	for name, sectors := range disks {
		dir := filepath.Join(root, "block", name)
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "size"), []byte(sectors+"\n"), 0644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "class", "net"), 0755))
	for _, nic := range nics {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "class", "net", nic), 0755))
	}
	return root
}

func TestGather(t *testing.T) {
	// 64GB OS disk plus a 440GB local NVMe; loop device must be ignored.
	sys := fixtureSys(t, map[string]string{
		"sda":     "125000000",
		"nvme0n1": "859375000",
		"loop0":   "1000",
	}, []string{"eth0", "lo"})

	topo, err := NewGatherer(logr.Discard(), sys).Gather()
	require.NoError(t, err)

	require.Len(t, topo.Disks, 2)
	assert.Equal(t, "nvme0n1", topo.Disks[0].Name)
	assert.True(t, topo.Disks[0].NVMe)
	assert.Equal(t, 440, topo.Disks[0].SizeGB)
	assert.Equal(t, "sda", topo.Disks[1].Name)
	assert.Equal(t, 64, topo.Disks[1].SizeGB)

	assert.Equal(t, []string{"eth0"}, topo.NICs)
}

func TestGather_MissingSysfs(t *testing.T) {
	_, err := NewGatherer(logr.Discard(), filepath.Join(t.TempDir(), "nope")).Gather()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	topo := Topology{
		Disks: []Disk{
			{Name: "nvme0n1", SizeGB: 440, NVMe: true},
			{Name: "sda", SizeGB: 64},
		},
		NICs: []string{"eth0"},
	}

	tests := []struct {
		name    string
		profile Profile
		pass    bool
	}{
		{
			name:    "matching profile",
			profile: Profile{Name: "d4", MinDisks: 2, MinDiskSizeGB: 64, MinNICs: 1, RequireNVMe: true},
			pass:    true,
		},
		{
			name:    "not enough disks",
			profile: Profile{Name: "d8", MinDisks: 3, MinNICs: 1},
			pass:    false,
		},
		{
			name:    "disk too small",
			profile: Profile{Name: "big", MinDisks: 1, MinDiskSizeGB: 128, MinNICs: 1},
			pass:    false,
		},
		{
			name:    "not enough nics",
			profile: Profile{Name: "multi-nic", MinDisks: 1, MinNICs: 4},
			pass:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checks := Validate(topo, tt.profile)
			assert.Equal(t, tt.pass, Passed(checks))
		})
	}
}

func TestValidate_ReportsAllFailures(t *testing.T) {
	topo := Topology{}
	profile := Profile{Name: "d4", MinDisks: 2, MinNICs: 2, RequireNVMe: true}

	checks := Validate(topo, profile)
	failed := 0
	for _, c := range checks {
		if !c.Passed {
			failed++
		}
	}
	assert.Equal(t, 3, failed)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`profiles:
  - name: standard-ds1-v2
    min_disks: 2
    min_disk_size_gb: 32
    min_nics: 1
  - name: d4plds-v5
    min_disks: 1
    min_nics: 1
    require_nvme: true
`), 0644))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, catalog.Profiles, 2)

	p, ok := catalog.Lookup("d4plds-v5")
	require.True(t, ok)
	assert.True(t, p.RequireNVMe)

	_, ok = catalog.Lookup("missing")
	assert.False(t, ok)
}

func TestLoadCatalog_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles: [}"), 0644))
	_, err := LoadCatalog(path)
	require.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("profiles: []"), 0644))
	_, err = LoadCatalog(empty)
	require.Error(t, err)
}
