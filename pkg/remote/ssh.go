// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// agentSigners exposes the keys held by a running ssh-agent.
func agentSigners(conn net.Conn) func() ([]ssh.Signer, error) {
	return agent.NewClient(conn).Signers
}

// SSHConfig describes how to reach a target host, optionally through a
// jump host.
type SSHConfig struct {
	Host           string
	User           string
	ProxyHost      string
	ProxyUser      string
	PrivateKeyPath string
	// ConnectTimeout bounds one dial attempt.
	ConnectTimeout time.Duration
	// RetryDeadline bounds ConnectWithRetries overall. Freshly launched
	// VMs refuse connections until sshd is up, so retrying is the normal
	// path, not the exception.
	RetryDeadline time.Duration
	RetrySleep    time.Duration
}

func (c *SSHConfig) withDefaults() SSHConfig {
	out := *c
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = 30 * time.Second
	}
	if out.RetryDeadline == 0 {
		out.RetryDeadline = 5 * time.Minute
	}
	if out.RetrySleep == 0 {
		out.RetrySleep = time.Second
	}
	return out
}

// SSHRunner runs commands on a remote host over SSH.
type SSHRunner struct {
	config SSHConfig
	logger logr.Logger

	client      *ssh.Client
	proxyClient *ssh.Client
}

func NewSSHRunner(logger logr.Logger, config SSHConfig) *SSHRunner {
	return &SSHRunner{
		config: config.withDefaults(),
		logger: logger.WithName("ssh"),
	}
}

// ConnectWithRetries dials until the connection succeeds or the retry
// deadline passes.
func (r *SSHRunner) ConnectWithRetries(ctx context.Context) error {
	deadline := time.Now().Add(r.config.RetryDeadline)
	var lastErr error
	for {
		if err := r.connect(ctx); err == nil {
			return nil
		} else {
			lastErr = err
			r.logger.V(1).Info("connect attempt failed", "host", r.config.Host, "error", err.Error())
			r.close()
		}

		if time.Now().Add(r.config.RetrySleep).After(deadline) {
			return fmt.Errorf("failed to connect to %s@%s: %w", r.config.User, r.config.Host, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.config.RetrySleep):
		}
	}
}

func (r *SSHRunner) connect(ctx context.Context) error {
	clientConfig, err := r.clientConfig(r.config.User)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(r.config.Host, "22")
	var conn net.Conn
	if r.config.ProxyHost != "" {
		proxyConfig, err := r.clientConfig(r.config.ProxyUser)
		if err != nil {
			return err
		}
		proxyAddr := net.JoinHostPort(r.config.ProxyHost, "22")
		r.logger.Info("connecting via proxy", "proxy", proxyAddr, "host", addr)
		proxyClient, err := ssh.Dial("tcp", proxyAddr, proxyConfig)
		if err != nil {
			return fmt.Errorf("failed to connect to proxy %s: %w", proxyAddr, err)
		}
		r.proxyClient = proxyClient
		conn, err = proxyClient.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to open channel to %s via proxy: %w", addr, err)
		}
	} else {
		dialer := net.Dialer{Timeout: r.config.ConnectTimeout}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", addr, err)
		}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	r.client = ssh.NewClient(sshConn, chans, reqs)
	r.logger.Info("connected", "host", addr, "user", r.config.User)
	return nil
}

func (r *SSHRunner) clientConfig(user string) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if r.config.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(r.config.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" && len(methods) == 0 {
		if agentConn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agentSigners(agentConn)))
		}
	}
	if len(methods) == 0 {
		return nil, errors.New("no usable ssh auth method (set a private key or SSH_AUTH_SOCK)")
	}

	return &ssh.ClientConfig{
		User: user,
		Auth: methods,
		// Ephemeral test VMs have fresh host keys every launch; there is
		// nothing to pin against.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.config.ConnectTimeout,
	}, nil
}

// Run executes argv in a fresh session. Arguments are shell-quoted since
// SSH hands the command line to the remote shell.
func (r *SSHRunner) Run(ctx context.Context, argv ...string) (Result, error) {
	if r.client == nil {
		return Result{}, errors.New("not connected")
	}
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}

	session, err := r.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmdLine := shellJoin(argv)
	r.logger.V(1).Info("running command", "cmd", cmdLine)

	done := make(chan error, 1)
	go func() { done <- session.Run(cmdLine) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	default:
		return res, fmt.Errorf("command %q failed: %w", cmdLine, err)
	}
	r.logger.V(1).Info("command exited",
		"cmd", cmdLine, "code", res.ExitCode,
		"stdout_len", len(res.Stdout), "stderr_len", len(res.Stderr))
	return res, nil
}

func (r *SSHRunner) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return catWithSudoFallback(ctx, r, path)
}

func (r *SSHRunner) Close() error {
	r.close()
	return nil
}

func (r *SSHRunner) close() {
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
	if r.proxyClient != nil {
		r.proxyClient.Close()
		r.proxyClient = nil
	}
}

// shellJoin quotes argv for POSIX sh.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$`!*?[]{}();<>|&~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
