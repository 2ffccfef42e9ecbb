// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package remote abstracts "run a command, get stdout/stderr/exit code"
// and "fetch a file's bytes" over either the local machine or an SSH
// connection. The analysis core never touches this package; it only sees
// the bytes the collection layer hands it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// Result is the outcome of one command invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes commands and fetches files on a target machine.
type Runner interface {
	// Run executes argv. A non-zero exit is not an error; it is reported
	// through Result.ExitCode so callers can decide.
	Run(ctx context.Context, argv ...string) (Result, error)
	// ReadFile returns the contents of a file on the target, retrying
	// with elevated privileges when plain access is denied.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Close() error
}

// ErrFileNotFound is returned by ReadFile when the file does not exist on
// the target even with elevated privileges.
var ErrFileNotFound = errors.New("file not found on target")

// Local runs commands on this machine.
type Local struct{}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Run(ctx context.Context, argv ...string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: []byte(stdout.String()), Stderr: []byte(stderr.String())}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, err
	}
	return res, nil
}

func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return catWithSudoFallback(ctx, l, path)
}

func (l *Local) Close() error {
	return nil
}

// WaitSystemReady polls the target's service manager until the system
// reports running or degraded. Degraded still counts as ready: a boot
// with failed units is exactly what this tool is for. Freshly launched
// VMs report "starting" for a while, so polling is the normal path.
func WaitSystemReady(ctx context.Context, logger logr.Logger, r Runner, attempts int, sleep time.Duration) (string, error) {
	var status string
	for i := 0; i < attempts; i++ {
		res, err := r.Run(ctx, "systemctl", "is-system-running")
		if err != nil {
			return "", err
		}
		status = strings.TrimSpace(string(res.Stdout))
		switch status {
		case "running":
			return status, nil
		case "degraded":
			logger.Info("system ready but degraded")
			return status, nil
		}
		logger.V(1).Info("system not ready", "status", status)
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return status, fmt.Errorf("timed out waiting for system ready (last status %q)", status)
}

// catWithSudoFallback reads a file through the runner itself, escalating
// to sudo when plain cat fails. Boot logs are commonly root-readable
// only, and sudo on cloud test images is passwordless.
func catWithSudoFallback(ctx context.Context, r Runner, path string) ([]byte, error) {
	res, err := r.Run(ctx, "cat", path)
	if err != nil {
		return nil, err
	}
	if res.ExitCode == 0 {
		return res.Stdout, nil
	}

	res, err = r.Run(ctx, "sudo", "-n", "cat", path)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, ErrFileNotFound
	}
	return res.Stdout, nil
}
