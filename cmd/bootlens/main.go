// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/antimetal/bootlens/internal/collect"
	"github.com/antimetal/bootlens/internal/output"
	"github.com/antimetal/bootlens/internal/selftest"
	"github.com/antimetal/bootlens/pkg/analysis"
	"github.com/antimetal/bootlens/pkg/remote"
	"github.com/antimetal/bootlens/pkg/servicegraph"
	"github.com/antimetal/bootlens/pkg/sources"
	"github.com/antimetal/bootlens/pkg/sources/cloudinit"
	"github.com/antimetal/bootlens/pkg/sources/systemd"
)

var Version = "dev"

type CLI struct {
	Debug     bool   `help:"Enable debug logging."`
	Verbose   bool   `help:"Enable verbose logging."`
	Output    string `enum:"pretty,json" default:"pretty" help:"Output format."`
	OutputDir string `help:"Directory to save raw artifacts fetched from the target."`

	SSH sshFlags `embed:"" prefix:"ssh-"`

	Analyze          AnalyzeCmd          `cmd:"" default:"1" help:"Correlate cloud-init, journal, and unit state into one boot timeline."`
	AnalyzeCloudinit AnalyzeCloudinitCmd `cmd:"" name:"analyze-cloudinit" help:"Analyze the cloud-init log only."`
	AnalyzeJournal   AnalyzeJournalCmd   `cmd:"" name:"analyze-journal" help:"Analyze the systemd journal only."`
	Graph            GraphCmd            `cmd:"" help:"Render the dependency graph of one or more services as DOT."`
	Selftest         SelftestCmd         `cmd:"" help:"Validate local disk and NIC topology against a hardware profile."`
	Version          VersionCmd          `cmd:"" help:"Print version."`
}

type sshFlags struct {
	Host      string `help:"Analyze a remote machine over SSH instead of the local one."`
	User      string `default:"root" help:"SSH user on the target."`
	ProxyHost string `help:"SSH jump host."`
	ProxyUser string `help:"SSH user on the jump host."`
	Key       string `type:"path" help:"Private key file. Falls back to the SSH agent."`
}

type AnalyzeCmd struct {
	Boot             *int     `help:"Boot to analyze: 0 is the most recent, negative counts backward. Default is all boots."`
	EventType        []string `name:"event-type" help:"Restrict output to these event kinds (repeatable)."`
	CloudinitLogPath string   `name:"cloudinit-log-path" default:"/var/log/cloud-init.log" help:"Path of the cloud-init log on the target."`
	JournalPath      string   `name:"journal-path" help:"Offline journal directory instead of the system journal."`
}

type AnalyzeCloudinitCmd struct {
	Boot             *int     `help:"Boot to analyze: 0 is the most recent, negative counts backward. Default is all boots."`
	EventType        []string `name:"event-type" help:"Restrict output to these event kinds (repeatable)."`
	CloudinitLogPath string   `name:"cloudinit-log-path" default:"/var/log/cloud-init.log" help:"Path of the cloud-init log on the target."`
}

type AnalyzeJournalCmd struct {
	Boot        *int     `help:"Boot to analyze: 0 is the most recent, negative counts backward. Default is all boots."`
	EventType   []string `name:"event-type" help:"Restrict output to these event kinds (repeatable)."`
	JournalPath string   `name:"journal-path" help:"Offline journal directory instead of the system journal."`
}

type GraphCmd struct {
	Services                  []string `arg:"" name:"service" help:"Root services to expand from."`
	FilterService             []string `name:"filter-service" help:"Stop expansion through these units (repeatable)."`
	FilterConditionalResultNo bool     `name:"filter-conditional-result-no" help:"Drop units that were skipped because a condition evaluated false."`
	CloudinitLogPath          string   `name:"cloudinit-log-path" default:"/var/log/cloud-init.log" help:"Path of the cloud-init log on the target."`
}

type SelftestCmd struct {
	Catalog string `required:"" type:"path" help:"YAML hardware profile catalog."`
	Profile string `required:"" help:"Profile name to validate against."`
}

type VersionCmd struct{}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("bootlens"),
		kong.Description("Correlate cloud-init and systemd boot events to diagnose slow or failed VM provisioning."),
	)

	logger, err := newLogger(cli.Verbose, cli.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := ctx.Run(&cli, zapr.NewLogger(logger)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (c *VersionCmd) Run() error {
	fmt.Println(Version)
	return nil
}

func (c *AnalyzeCmd) Run(cli *CLI, logger logr.Logger) error {
	ctx := context.Background()
	collector, closer, err := newCollector(ctx, cli, logger,
		collect.WithCloudInitLogPath(c.CloudinitLogPath),
		collect.WithJournalDir(c.JournalPath),
	)
	if err != nil {
		return err
	}
	defer closer()

	kinds, err := parseKinds(c.EventType)
	if err != nil {
		return err
	}

	// Each source degrades independently. A machine mid-provisioning may
	// have a journal but no cloud-init log yet, or vice versa.
	ciRecords, _, ciErr := collector.CloudInit(ctx)
	if ciErr != nil {
		logger.Error(ciErr, "cloud-init source unavailable, continuing without it")
	}
	jRecords, jErr := collector.Journal(ctx)
	if jErr != nil {
		logger.Error(jErr, "journal source unavailable, continuing without it")
	}
	snapshot, sErr := collector.Systemd(ctx)
	if sErr != nil {
		logger.Error(sErr, "unit state unavailable, continuing without it")
	}
	if ciErr != nil && jErr != nil && sErr != nil {
		return fmt.Errorf("no usable boot data source on the target")
	}

	ciRecords, jRecords, snapshot = applyBootFilter(c.Boot, ciRecords, jRecords, snapshot)
	report := analysis.Assemble(ciRecords, jRecords, snapshot, analysis.Options{Kinds: kinds}, logger)
	return renderReport(cli.Output, report)
}

func (c *AnalyzeCloudinitCmd) Run(cli *CLI, logger logr.Logger) error {
	ctx := context.Background()
	collector, closer, err := newCollector(ctx, cli, logger,
		collect.WithCloudInitLogPath(c.CloudinitLogPath),
	)
	if err != nil {
		return err
	}
	defer closer()

	kinds, err := parseKinds(c.EventType)
	if err != nil {
		return err
	}

	records, _, err := collector.CloudInit(ctx)
	if err != nil {
		return err
	}
	records, _, _ = applyBootFilter(c.Boot, records, nil, nil)
	report := analysis.Assemble(records, nil, nil, analysis.Options{Kinds: kinds}, logger)
	return renderReport(cli.Output, report)
}

func (c *AnalyzeJournalCmd) Run(cli *CLI, logger logr.Logger) error {
	ctx := context.Background()
	collector, closer, err := newCollector(ctx, cli, logger,
		collect.WithJournalDir(c.JournalPath),
	)
	if err != nil {
		return err
	}
	defer closer()

	kinds, err := parseKinds(c.EventType)
	if err != nil {
		return err
	}

	records, err := collector.Journal(ctx)
	if err != nil {
		return err
	}
	_, records, _ = applyBootFilter(c.Boot, nil, records, nil)
	report := analysis.Assemble(nil, records, nil, analysis.Options{Kinds: kinds}, logger)
	return renderReport(cli.Output, report)
}

func (c *GraphCmd) Run(cli *CLI, logger logr.Logger) error {
	ctx := context.Background()
	collector, closer, err := newCollector(ctx, cli, logger,
		collect.WithCloudInitLogPath(c.CloudinitLogPath),
	)
	if err != nil {
		return err
	}
	defer closer()

	// Graph mode is meaningless without unit state, so this error is fatal.
	snapshot, err := collector.Systemd(ctx)
	if err != nil {
		return fmt.Errorf("failed to query unit state: %w", err)
	}

	// Stage frames only annotate nodes. Missing cloud-init log is fine.
	var frames []cloudinit.Frame
	if _, f, err := collector.CloudInit(ctx); err != nil {
		logger.V(1).Info("cloud-init log unavailable, rendering without stage annotations", "error", err.Error())
	} else {
		frames = f
	}

	graph := servicegraph.NewBuilder(logger).Build(c.Services, snapshot, frames, servicegraph.Options{
		ExcludeServices:         c.FilterService,
		ExcludeConditionalSkips: c.FilterConditionalResultNo,
	})
	fmt.Print(servicegraph.RenderDOT(graph))
	return nil
}

func (c *SelftestCmd) Run(cli *CLI, logger logr.Logger) error {
	catalog, err := selftest.LoadCatalog(c.Catalog)
	if err != nil {
		return err
	}
	profile, ok := catalog.Lookup(c.Profile)
	if !ok {
		return fmt.Errorf("profile %q not found in %s", c.Profile, c.Catalog)
	}

	topo, err := selftest.NewGatherer(logger, "").Gather()
	if err != nil {
		return fmt.Errorf("failed to gather topology: %w", err)
	}

	checks := selftest.Validate(topo, profile)
	if cli.Output == "json" {
		rendered, err := output.RenderChecks(checks)
		if err != nil {
			return err
		}
		fmt.Println(rendered)
	} else {
		for _, check := range checks {
			status := "PASS"
			if !check.Passed {
				status = "FAIL"
			}
			fmt.Printf("[%s] %s: %s\n", status, check.Name, check.Detail)
		}
	}
	if !selftest.Passed(checks) {
		os.Exit(2)
	}
	return nil
}

// newCollector builds a collector over either the local machine or an SSH
// target, per the global --ssh-* flags. The returned closer releases the
// underlying runner.
func newCollector(ctx context.Context, cli *CLI, logger logr.Logger, opts ...collect.Option) (*collect.Collector, func(), error) {
	var runner remote.Runner
	if cli.SSH.Host != "" {
		sshRunner := remote.NewSSHRunner(logger, remote.SSHConfig{
			Host:           cli.SSH.Host,
			User:           cli.SSH.User,
			ProxyHost:      cli.SSH.ProxyHost,
			ProxyUser:      cli.SSH.ProxyUser,
			PrivateKeyPath: cli.SSH.Key,
		})
		if err := sshRunner.ConnectWithRetries(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to %s: %w", cli.SSH.Host, err)
		}
		// Freshly launched VMs come up mid-boot. Wait for the service
		// manager to settle, but collect regardless: a system stuck in
		// "starting" is a diagnosis target, not a connection failure.
		if status, err := remote.WaitSystemReady(ctx, logger, sshRunner, 30, 2*time.Second); err != nil {
			logger.Info("collecting without system-ready confirmation", "status", status, "error", err.Error())
		}
		runner = sshRunner
	} else {
		runner = remote.NewLocal()
	}

	opts = append(opts, collect.WithLogger(logger))
	if cli.OutputDir != "" {
		opts = append(opts, collect.WithOutputDir(cli.OutputDir))
	}
	collector, err := collect.New(runner, opts...)
	if err != nil {
		runner.Close()
		return nil, nil, err
	}
	return collector, func() { runner.Close() }, nil
}

// applyBootFilter restricts record slices to one boot. The unit state
// snapshot describes the running system, so it only survives a filter
// that selects the current boot.
func applyBootFilter(boot *int, ci, j []sources.RawRecord, snapshot systemd.Snapshot) ([]sources.RawRecord, []sources.RawRecord, systemd.Snapshot) {
	if boot == nil {
		return ci, j, snapshot
	}
	if *boot != sources.CurrentBoot {
		snapshot = nil
	}
	return sources.FilterBoot(ci, *boot), sources.FilterBoot(j, *boot), snapshot
}

func parseKinds(names []string) ([]analysis.EventKind, error) {
	valid := map[string]analysis.EventKind{
		string(analysis.KindBootMilestone): analysis.KindBootMilestone,
		string(analysis.KindServiceStart):  analysis.KindServiceStart,
		string(analysis.KindServiceFailed): analysis.KindServiceFailed,
		string(analysis.KindServiceStop):   analysis.KindServiceStop,
		string(analysis.KindStageStart):    analysis.KindStageStart,
		string(analysis.KindStageEnd):      analysis.KindStageEnd,
	}
	kinds := make([]analysis.EventKind, 0, len(names))
	for _, name := range names {
		kind, ok := valid[name]
		if !ok {
			known := make([]string, 0, len(valid))
			for k := range valid {
				known = append(known, k)
			}
			sort.Strings(known)
			return nil, fmt.Errorf("unknown event type %q, expected one of: %s", name, strings.Join(known, ", "))
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func renderReport(format string, report analysis.Report) error {
	if format == "json" {
		rendered, err := output.RenderJSON(report)
		if err != nil {
			return err
		}
		fmt.Println(rendered)
		return nil
	}
	fmt.Println(output.RenderPretty(report))
	return nil
}

func newLogger(verbose, debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}
