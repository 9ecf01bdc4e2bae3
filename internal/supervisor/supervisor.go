// Package supervisor starts engine subprocesses and owns their whole
// lifecycle: process-group creation, stdout line streaming, bounded
// waits, and two-tier (TERM then KILL) group teardown.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agusx1211/courier/internal/debug"
)

// maxLineSize bounds a single stdout line. Engine CLIs emit NDJSON
// events that can carry whole file diffs, so the default 64 KB scanner
// limit is far too small.
const maxLineSize = 1024 * 1024 // 1 MB

// waitDelay forces pipes closed if the process ignores cancellation.
const waitDelay = 5 * time.Second

// Options configures a spawn. The zero value inherits the parent's
// working directory and environment and leaves stdin empty.
type Options struct {
	// Dir is the working directory for the child. It is passed to the
	// process directly; the parent never changes its own directory.
	Dir string
	// Env is overlaid on the parent environment.
	Env map[string]string
	// Stdin, when non-empty, is piped to the child's stdin.
	Stdin string
}

// Process is a running (or finished) supervised subprocess.
type Process struct {
	cmd   *exec.Cmd
	lines chan string

	done    chan struct{} // closed once Wait has returned
	waitErr error

	stderrMu sync.Mutex
	stderr   bytes.Buffer
}

// Start launches name with args in its own process group and begins
// pumping stdout lines. Cancelling ctx kills the whole group.
func Start(ctx context.Context, name string, args []string, opts Options) (*Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	// Engine CLIs spawn their own children; a process group lets one
	// signal reach the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	p := &Process{
		cmd:   cmd,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}
	cmd.Stderr = &lockedWriter{mu: &p.stderrMu, buf: &p.stderr}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	debug.LogKV("supervisor", "process started", "cmd", name, "pid", cmd.Process.Pid, "dir", opts.Dir)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer close(p.lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, maxLineSize), maxLineSize)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			debug.LogKV("supervisor", "stdout read error", "pid", cmd.Process.Pid, "err", err)
		}
	}()

	go func() {
		// Wait must not run until the stdout pipe is drained.
		<-readDone
		p.waitErr = cmd.Wait()
		debug.LogKV("supervisor", "process exited", "pid", cmd.Process.Pid, "code", p.ExitCode())
		close(p.done)
	}()

	return p, nil
}

// PID reports the child's process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Lines returns the stdout line stream. The channel is closed when the
// child closes stdout.
func (p *Process) Lines() <-chan string { return p.lines }

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the child exits or ctx is done. It returns the
// process error (nil on a clean exit) once reaped.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout waits up to d for the child to exit and reports whether
// the wait timed out. The child keeps running when it does.
func (p *Process) WaitTimeout(d time.Duration) (timedOut bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return false
	case <-timer.C:
		return true
	}
}

// ExitCode returns the child's exit code, or -1 if it has not exited
// or was killed by a signal.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	if p.waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Stderr returns everything the child wrote to stderr so far.
func (p *Process) Stderr() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return p.stderr.String()
}

// Terminate sends SIGTERM to the child's process group.
func (p *Process) Terminate() { p.signal(syscall.SIGTERM) }

// Kill sends SIGKILL to the child's process group.
func (p *Process) Kill() { p.signal(syscall.SIGKILL) }

// signal delivers sig group-first. An already-reaped child is a no-op.
// ESRCH on the group means every member is gone, so there is nothing
// left to signal; any other failure falls back to signalling the child
// directly.
func (p *Process) signal(sig syscall.Signal) {
	if p.Exited() {
		return
	}
	pid := p.cmd.Process.Pid
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return
	}
	debug.LogKV("supervisor", "group signal failed, signalling child", "pid", pid, "sig", sig, "err", err)
	_ = p.cmd.Process.Signal(sig)
}

// Shutdown terminates the child gracefully: SIGTERM, wait up to grace,
// then SIGKILL and reap. Safe to call on an exited process.
func (p *Process) Shutdown(grace time.Duration) {
	if p.Exited() {
		return
	}
	p.Terminate()
	if !p.WaitTimeout(grace) {
		return
	}
	p.Kill()
	<-p.done
}

// lockedWriter serializes the exec-internal stderr copier against
// concurrent Stderr() reads.
type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(b)
}
