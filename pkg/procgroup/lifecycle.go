package procgroup

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// ExitReason describes why a child process terminated
type ExitReason string

const (
	ExitReasonRunning ExitReason = "running"
	ExitReasonSuccess ExitReason = "success" // Exit code 0
	ExitReasonError   ExitReason = "error"   // Exit code != 0
	ExitReasonSignal  ExitReason = "signal"  // Killed by signal
	ExitReasonUnknown ExitReason = "unknown"
)

// Exit is the decoded result of cmd.Wait.
type Exit struct {
	Code   int
	Reason ExitReason
	Signal string
}

func (e Exit) String() string {
	switch e.Reason {
	case ExitReasonSignal:
		return "killed by " + e.Signal
	case ExitReasonSuccess, ExitReasonError:
		return fmt.Sprintf("exited with code %d", e.Code)
	default:
		return string(e.Reason)
	}
}

// DescribeExit analyzes the error returned by cmd.Wait.
func DescribeExit(err error) Exit {
	if err == nil {
		return Exit{Code: 0, Reason: ExitReasonSuccess}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Exit{Code: -1, Reason: ExitReasonUnknown}
	}

	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return Exit{Code: exitErr.ExitCode(), Reason: ExitReasonError}
	}
	if status.Signaled() {
		return Exit{Code: -1, Reason: ExitReasonSignal, Signal: SignalName(status.Signal())}
	}
	return Exit{Code: status.ExitStatus(), Reason: ExitReasonError}
}

// SignalName returns the signal name for a signal number
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	default:
		return fmt.Sprintf("SIG%d", sig)
	}
}
