// Package procgroup starts child processes in their own process group and
// tears the whole group down on request.
package procgroup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultGrace is how long Terminate waits after SIGTERM before SIGKILL.
const DefaultGrace = 10 * time.Second

// Process is a started child that leads its own process group.
type Process struct {
	cmd   *exec.Cmd
	done  chan struct{}
	grace time.Duration

	waitErr  error
	termOnce sync.Once
	termErr  error
}

// Start starts cmd as the leader of a new process group.
func Start(cmd *exec.Cmd, grace time.Duration) (*Process, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true // New process group
	cmd.SysProcAttr.Pgid = 0

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	if grace <= 0 {
		grace = DefaultGrace
	}

	p := &Process{
		cmd:   cmd,
		done:  make(chan struct{}),
		grace: grace,
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// PID returns the process id (and process group id).
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has already terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Exit describes how the process ended. Reason is "running" until then.
func (p *Process) Exit() Exit {
	if !p.Exited() {
		return Exit{Code: -1, Reason: ExitReasonRunning}
	}
	return DescribeExit(p.waitErr)
}

// Terminate sends SIGTERM to the process group, escalating to SIGKILL after
// the grace period. A process that already exited is not an error. Safe to
// call more than once.
func (p *Process) Terminate() error {
	p.termOnce.Do(func() {
		p.termErr = terminateGroup(p.PID(), p.done, p.grace)
	})
	return p.termErr
}

func terminateGroup(pid int, done <-chan struct{}, grace time.Duration) error {
	select {
	case <-done:
		return nil
	default:
	}

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !IsGone(err) {
		return fmt.Errorf("failed to signal process group %d: %w", pid, err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !IsGone(err) {
		return fmt.Errorf("failed to kill process group %d: %w", pid, err)
	}
	<-done
	return nil
}

// IsGone reports whether err means the target process no longer exists.
func IsGone(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone)
}
