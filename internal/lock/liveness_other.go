//go:build !unix

package lock

import "os"

// processAlive reports whether pid names a process on this host. Without
// signal 0 the best available probe is whether the process can be opened.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
