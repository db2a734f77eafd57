//go:build unix

package session

import (
	"os"

	"github.com/Iron-Ham/branchyard/internal/errors"
	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive flock(2) on f, blocking until it is free.
func lockFile(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return errors.Wrap(err, "flock")
	}
	return nil
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
