// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package collect fetches the three boot log surfaces through a
// remote.Runner and hands parsed results to the analysis core. Raw bytes
// are cached as artifact files in the output directory for debugging and
// re-analysis. Each source fails independently; callers decide whether a
// missing source degrades or aborts the run.
package collect

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/antimetal/bootlens/pkg/remote"
	"github.com/antimetal/bootlens/pkg/sources"
	"github.com/antimetal/bootlens/pkg/sources/cloudinit"
	"github.com/antimetal/bootlens/pkg/sources/journal"
	"github.com/antimetal/bootlens/pkg/sources/systemd"
)

const DefaultCloudInitLogPath = "/var/log/cloud-init.log"

type Option func(*options)

type options struct {
	logger           logr.Logger
	outputDir        string
	cloudInitLogPath string
	journalDir       string
}

func WithLogger(logger logr.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithOutputDir enables artifact caching of the raw bytes fetched from
// the target.
func WithOutputDir(dir string) Option {
	return func(o *options) {
		o.outputDir = dir
	}
}

func WithCloudInitLogPath(path string) Option {
	return func(o *options) {
		o.cloudInitLogPath = path
	}
}

// WithJournalDir points journalctl at an offline journal directory
// instead of the system journal.
func WithJournalDir(dir string) Option {
	return func(o *options) {
		o.journalDir = dir
	}
}

// Collector fetches and parses boot data from one target machine.
type Collector struct {
	runner remote.Runner
	opts   options
}

func New(runner remote.Runner, opts ...Option) (*Collector, error) {
	o := options{
		logger:           logr.Discard(),
		cloudInitLogPath: DefaultCloudInitLogPath,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	return &Collector{runner: runner, opts: o}, nil
}

// CloudInit fetches and parses the cloud-init log, returning records and
// stage frames.
func (c *Collector) CloudInit(ctx context.Context) ([]sources.RawRecord, []cloudinit.Frame, error) {
	data, err := c.runner.ReadFile(ctx, c.opts.cloudInitLogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch cloud-init log %s: %w", c.opts.cloudInitLogPath, err)
	}
	c.saveArtifact("cloud-init.log", data)

	parser := cloudinit.NewParser(c.opts.logger)
	records, err := parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse cloud-init log: %w", err)
	}
	return records, parser.Frames(records), nil
}

// Journal queries the journal in export format and parses it.
func (c *Collector) Journal(ctx context.Context) ([]sources.RawRecord, error) {
	argv := []string{"journalctl", "-o", "export", "--no-pager"}
	if c.opts.journalDir != "" {
		argv = append(argv, "-D", c.opts.journalDir)
	}

	res, err := c.runner.Run(ctx, argv...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	if res.ExitCode != 0 {
		// Journal access typically needs membership in systemd-journal;
		// retry elevated before giving up.
		res, err = c.runner.Run(ctx, append([]string{"sudo", "-n"}, argv...)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query journal: %w", err)
		}
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("%w: journalctl exited %d: %s",
				journal.ErrUnreadableJournal, res.ExitCode, bytes.TrimSpace(res.Stderr))
		}
	}
	c.saveArtifact("journal.export", res.Stdout)

	return journal.NewParser(c.opts.logger).ParseBytes(res.Stdout)
}

// Systemd queries the full unit snapshot.
func (c *Collector) Systemd(ctx context.Context) (systemd.Snapshot, error) {
	res, err := c.runner.Run(ctx, "systemctl", "show", "*", "--all", "--no-pager")
	if err != nil {
		return nil, fmt.Errorf("failed to query unit states: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: systemctl exited %d: %s",
			systemd.ErrUnitQueryFailed, res.ExitCode, bytes.TrimSpace(res.Stderr))
	}
	c.saveArtifact("systemd.show", res.Stdout)

	return systemd.NewParser(c.opts.logger).Parse(bytes.NewReader(res.Stdout))
}

// saveArtifact caches raw fetched bytes for debugging. Failure to cache
// never fails the collection.
func (c *Collector) saveArtifact(name string, data []byte) {
	if c.opts.outputDir == "" {
		return
	}
	path := filepath.Join(c.opts.outputDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		c.opts.logger.Error(err, "failed to save artifact", "path", path)
	}
}
