// Package process supervises the interactive program attached to a session's
// pseudo-terminal.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/acolita/tuibridge/internal/adapters/realclock"
	"github.com/acolita/tuibridge/internal/ports"
)

// DefaultGracePeriod is how long Terminate waits after SIGTERM before SIGKILL.
const DefaultGracePeriod = 2 * time.Second

// ErrExited is returned when signalling a process that has already been reaped.
var ErrExited = errors.New("process already exited")

// Spec describes the program to run.
type Spec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// ExitStatus is how the child ended. Signal holds the signal name without the
// SIG prefix when the child was killed by a signal, in which case Code is
// 128 plus the signal number.
type ExitStatus struct {
	Code   int
	Signal string
}

// Signaled reports whether the child was terminated by a signal.
func (s ExitStatus) Signaled() bool {
	return s.Signal != ""
}

func (s ExitStatus) String() string {
	if s.Signaled() {
		return "signal " + s.Signal
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// Process is a running child in its own session and process group.
type Process struct {
	cmd    *exec.Cmd
	pid    int
	clock  ports.Clock
	logger *slog.Logger

	done    chan struct{}
	status  ExitStatus
	waitErr error
}

// Option configures Spawn.
type Option func(*Process)

// WithClock sets the clock used for the termination grace period.
func WithClock(c ports.Clock) Option {
	return func(p *Process) { p.clock = c }
}

// WithLogger sets the logger used to report the child's exit.
func WithLogger(l *slog.Logger) Option {
	return func(p *Process) { p.logger = l }
}

// Spawn starts the program with stdin, stdout and stderr bound to tty, which
// becomes the controlling terminal of a new session. The caller keeps
// ownership of tty and should close its copy once Spawn returns.
func Spawn(spec Spec, tty *os.File, opts ...Option) (*Process, error) {
	if spec.Path == "" {
		return nil, errors.New("spawn: empty program path")
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // tty is the child's fd 0
	}

	p := &Process{
		cmd:    cmd,
		clock:  realclock.New(),
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Path, err)
	}
	p.pid = cmd.Process.Pid
	p.logger = p.logger.With("pid", p.pid)

	go p.reap()
	return p, nil
}

// reap runs on its own goroutine so the blocking wait never holds up anything else.
func (p *Process) reap() {
	err := p.cmd.Wait()
	p.status = exitStatusOf(p.cmd.ProcessState)

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}

	switch {
	case p.waitErr != nil:
		p.logger.Error("child wait failed", "error", p.waitErr)
	case p.status.Signaled():
		p.logger.Info("child killed by signal", "signal", p.status.Signal)
	case p.status.Code != 0:
		p.logger.Info("child exited with non-zero status", "code", p.status.Code)
	default:
		p.logger.Debug("child exited", "code", 0)
	}
	close(p.done)
}

func exitStatusOf(ps *os.ProcessState) ExitStatus {
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return ExitStatus{Code: 128 + int(sig), Signal: signalName(sig)}
	}
	return ExitStatus{Code: ps.ExitCode()}
}

func signalName(sig syscall.Signal) string {
	name := unix.SignalName(sig)
	if name == "" {
		return fmt.Sprintf("%d", int(sig))
	}
	return strings.TrimPrefix(name, "SIG")
}

// Pid returns the child's process ID, which is also its process group ID.
func (p *Process) Pid() int {
	return p.pid
}

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the child has been reaped or ctx is done.
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		return p.status, p.waitErr
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Signal delivers sig to the child's whole process group.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.Exited() {
		return ErrExited
	}
	if err := unix.Kill(-p.pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrExited
		}
		return fmt.Errorf("signal %s: %w", signalName(sig), err)
	}
	return nil
}

// Terminate sends SIGTERM to the process group, waits up to grace for the
// child to exit, then sends SIGKILL and waits for the reap. It returns once the
// child has been reaped. Calling it on an exited process is a no-op.
func (p *Process) Terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, ErrExited) {
		p.logger.Warn("graceful termination failed", "error", err)
	}

	select {
	case <-p.done:
		return nil
	case <-p.clock.After(grace):
	}

	p.logger.Warn("child ignored termination, killing", "grace_period", grace)
	if err := p.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, ErrExited) {
		// The leader may be gone while the group lingers; fall back to the pid.
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return fmt.Errorf("kill: %w", err)
		}
	}
	<-p.done
	return nil
}
