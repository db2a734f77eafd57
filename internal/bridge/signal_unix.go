//go:build unix

package bridge

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// The agent runs as a session leader, so its pid is also its process group.

func interruptGroup(p *os.Process) error {
	if err := unix.Kill(-p.Pid, unix.SIGINT); err != nil {
		return p.Signal(os.Interrupt)
	}
	return nil
}

func killGroup(p *os.Process) error {
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}

func exitOf(ps *os.ProcessState) Exit {
	if ps == nil {
		code := -1
		return Exit{Code: &code}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Exit{Signal: unix.SignalName(ws.Signal())}
	}
	code := ps.ExitCode()
	return Exit{Code: &code}
}
