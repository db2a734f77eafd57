package lock

// ProcessAlive reports whether pid names a live process on this host.
func ProcessAlive(pid int) bool {
	return processAlive(pid)
}
