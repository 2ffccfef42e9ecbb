// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package selftest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

// blockSectorSize is the unit of /sys/block/<dev>/size entries.
const blockSectorSize = 512

// Disk is one whole block device as seen through sysfs.
type Disk struct {
	Name   string
	SizeGB int
	NVMe   bool
}

// Topology is the machine's observed disk and network layout.
type Topology struct {
	Disks []Disk
	NICs  []string
}

// Gatherer reads topology from sysfs. Paths are injectable so tests can
// point it at a fixture tree.
type Gatherer struct {
	logger  logr.Logger
	sysPath string
}

func NewGatherer(logger logr.Logger, sysPath string) *Gatherer {
	if sysPath == "" {
		sysPath = "/sys"
	}
	return &Gatherer{logger: logger.WithName("selftest"), sysPath: sysPath}
}

// Gather walks /sys/block and /sys/class/net. Virtual devices (loop,
// ram, dm) and the loopback interface are not part of the hardware
// topology and are skipped.
func (g *Gatherer) Gather() (Topology, error) {
	topo := Topology{}

	blockDir := filepath.Join(g.sysPath, "block")
	entries, err := os.ReadDir(blockDir)
	if err != nil {
		return topo, fmt.Errorf("failed to read %s: %w", blockDir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") ||
			strings.HasPrefix(name, "dm-") || strings.HasPrefix(name, "zram") {
			continue
		}
		sizePath := filepath.Join(blockDir, name, "size")
		data, err := os.ReadFile(sizePath)
		if err != nil {
			g.logger.Error(err, "failed to read device size, skipping", "device", name)
			continue
		}
		sectors, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			g.logger.Error(err, "unparseable device size, skipping", "device", name)
			continue
		}
		topo.Disks = append(topo.Disks, Disk{
			Name:   name,
			SizeGB: int(sectors * blockSectorSize / (1000 * 1000 * 1000)),
			NVMe:   strings.HasPrefix(name, "nvme"),
		})
	}
	sort.Slice(topo.Disks, func(i, j int) bool { return topo.Disks[i].Name < topo.Disks[j].Name })

	netDir := filepath.Join(g.sysPath, "class", "net")
	netEntries, err := os.ReadDir(netDir)
	if err != nil {
		return topo, fmt.Errorf("failed to read %s: %w", netDir, err)
	}
	for _, entry := range netEntries {
		name := entry.Name()
		if name == "lo" {
			continue
		}
		topo.NICs = append(topo.NICs, name)
	}
	sort.Strings(topo.NICs)

	return topo, nil
}
