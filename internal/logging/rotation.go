package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Rotation bounds the size of the log file. When a write would push the file
// past MaxSizeMB it is renamed to branchyard.log.1, older backups shift up by
// one, and anything beyond MaxBackups is removed.
type Rotation struct {
	// MaxSizeMB of 0 disables rotation.
	MaxSizeMB int
	// MaxBackups of 0 discards the rotated file.
	MaxBackups int
}

// DefaultRotation keeps three 10MB backups.
func DefaultRotation() Rotation {
	return Rotation{MaxSizeMB: 10, MaxBackups: 3}
}

// rollingFile is the log sink used when logging to a directory.
type rollingFile struct {
	mu      sync.Mutex
	path    string
	limit   int64
	backups int

	f    *os.File
	size int64
}

func openRollingFile(path string, r Rotation) (*rollingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rf := &rollingFile{
		path:    path,
		limit:   int64(r.MaxSizeMB) << 20,
		backups: r.MaxBackups,
	}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rollingFile) open() error {
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	rf.f = f
	rf.size = info.Size()
	return nil
}

// Write appends one log line, rolling the file first when the line would
// not fit. A line larger than the limit still goes into a fresh file.
func (rf *rollingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.f == nil {
		return 0, os.ErrClosed
	}
	if rf.limit > 0 && rf.size > 0 && rf.size+int64(len(p)) > rf.limit {
		if err := rf.roll(); err != nil {
			fmt.Fprintf(os.Stderr, "branchyard: log rotation failed: %v\n", err)
			if rf.f == nil {
				return 0, err
			}
		}
	}
	n, err := rf.f.Write(p)
	rf.size += int64(n)
	return n, err
}

// roll must be called with mu held. On a failed rename the current file is
// reopened so logging continues.
func (rf *rollingFile) roll() error {
	if err := rf.f.Close(); err != nil {
		return err
	}
	rf.f = nil

	if rf.backups <= 0 {
		if err := os.Remove(rf.path); err != nil && !os.IsNotExist(err) {
			return withReopen(err, rf.open())
		}
		return rf.open()
	}

	_ = os.Remove(rf.backup(rf.backups))
	for i := rf.backups - 1; i >= 1; i-- {
		_ = os.Rename(rf.backup(i), rf.backup(i+1))
	}
	if err := os.Rename(rf.path, rf.backup(1)); err != nil {
		return withReopen(err, rf.open())
	}
	return rf.open()
}

func (rf *rollingFile) backup(n int) string {
	return fmt.Sprintf("%s.%d", rf.path, n)
}

// Close syncs and closes the current file.
func (rf *rollingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.f == nil {
		return nil
	}
	f := rf.f
	rf.f = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// withReopen reports the rotation error, noting when the reopen failed as well.
func withReopen(rollErr, reopenErr error) error {
	if reopenErr != nil {
		return fmt.Errorf("%w (reopen: %v)", rollErr, reopenErr)
	}
	return rollErr
}
