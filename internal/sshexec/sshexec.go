// Package sshexec is the shared remote-execution helper used by the
// Snapshot Engine (C3), Checkpoint Engine (C4), and Sync Loop (C5): all
// three drive a remote tool (restic, cuda-checkpoint/criu, rsync) over a
// secure shell channel exactly the way the original Python services shelled
// out to `ssh ... "<command>"`. Built on golang.org/x/crypto/ssh instead of
// subprocess+openssh so host-key handling, timeouts, and output capture are
// explicit Go rather than a wrapped CLI call.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"golang.org/x/crypto/ssh"
)

// Target addresses one remote host over SSH.
type Target struct {
	Host string
	Port int
	User string
}

func (t Target) addr() string {
	user := t.User
	if user == "" {
		user = "root"
	}
	return fmt.Sprintf("%s@%s:%d", user, t.Host, t.Port)
}

// Result is the captured output of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Dialer opens SSH connections. Tests substitute a fake implementation;
// production uses DefaultDialer, which accepts any host key — matching the
// original's `StrictHostKeyChecking=no`, appropriate for the ephemeral,
// freshly-provisioned marketplace hosts this system talks to.
type Dialer interface {
	Dial(ctx context.Context, target Target, signer ssh.Signer) (*ssh.Client, error)
}

type defaultDialer struct{}

// DefaultDialer is the production Dialer.
var DefaultDialer Dialer = defaultDialer{}

func (defaultDialer) Dial(ctx context.Context, target Target, signer ssh.Signer) (*ssh.Client, error) {
	user := target.User
	if user == "" {
		user = "root"
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", target.Host, target.Port)
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.KindShellFailed, "dial ssh target", err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindShellFailed, "ssh handshake", err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Run executes command on target with a hard deadline, matching the
// original's subprocess.run(..., timeout=N) pattern. The command string is
// passed through verbatim to the remote shell, so callers are responsible
// for quoting (as restic_provider.py and checkpoint.py do with single
// quotes around credential values).
func Run(ctx context.Context, dialer Dialer, target Target, signer ssh.Signer, command string, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := dialer.Dial(ctx, target, signer)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, errs.Wrap(errs.KindShellFailed, "open ssh session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, errs.Wrap(errs.KindShellFailed, "remote command timed out", ctx.Err())
	case err := <-done:
		result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				result.ExitCode = exitErr.ExitStatus()
				return result, errs.New(errs.KindShellFailed, fmt.Sprintf("remote command exited %d: %s", result.ExitCode, lastLines(result.Stderr, 5))).WithDetail("stderr", result.Stderr)
			}
			return result, errs.Wrap(errs.KindShellFailed, "run remote command", err)
		}
		return result, nil
	}
}

// lastLines returns at most n trailing lines of s, used when surfacing a
// SnapshotFailed/ShellFailed error so the message stays bounded.
func lastLines(s string, n int) string {
	lines := splitLines(s)
	if len(lines) <= n {
		return s
	}
	return joinLines(lines[len(lines)-n:])
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func joinLines(lines []string) string {
	var buf bytes.Buffer
	for i, l := range lines {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(l)
	}
	return buf.String()
}
