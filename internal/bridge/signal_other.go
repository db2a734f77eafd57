//go:build !unix

package bridge

import "os"

func interruptGroup(p *os.Process) error {
	return p.Signal(os.Interrupt)
}

func killGroup(p *os.Process) error {
	return p.Kill()
}

func exitOf(ps *os.ProcessState) Exit {
	code := -1
	if ps != nil {
		code = ps.ExitCode()
	}
	return Exit{Code: &code}
}
