//go:build !windows

package session

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// startPTY starts the command attached to a new pty with the given dimensions.
func startPTY(cmd *exec.Cmd, cols, rows int) (*os.File, error) {
	return pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// resizePTY changes the pty window size.
func resizePTY(f *os.File, cols, rows int) error {
	return pty.Setsize(f, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// terminateProcess sends SIGTERM to the process for graceful shutdown.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// waitProcess waits for the pty process to exit and returns its exit code.
// A signal-terminated process reports 128+signal, matching shell convention.
func waitProcess(cmd *exec.Cmd) (exitCode int, err error) {
	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, err
	}
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1, err
	}
	if waitStatus.Signaled() {
		return 128 + int(waitStatus.Signal()), err
	}
	return waitStatus.ExitStatus(), err
}
