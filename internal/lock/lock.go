// Package lock provides advisory, cross-process locks on worktree paths.
//
// A lock is a marker file created with O_EXCL next to the worktree directory
// (<parent>/<name>.lock), so it never shows up inside the checkout and never
// blocks `git worktree add` from populating the directory. The marker records
// the owner's token, pid, hostname and acquisition time as JSON.
//
// A marker whose owner process no longer exists on this host, and which is at
// least StaleAfter old, is reclaimed: it is removed and the lock taken over,
// reported as [StaleReclaimed]. Markers owned by live processes or written on
// another host are never reclaimed.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Iron-Ham/branchyard/internal/errors"
	"github.com/Iron-Ham/branchyard/internal/event"
	"github.com/Iron-Ham/branchyard/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
)

// MarkerSuffix is appended to the worktree directory name to form the marker.
const MarkerSuffix = ".lock"

const (
	maxBackoff = time.Second
	// guardStaleAfter bounds how long a crashed reclaimer can block others.
	guardStaleAfter = 5 * time.Second
	// unparsableGrace protects a marker that was just created but whose body
	// has not been written yet.
	unparsableGrace = time.Second
)

// Result reports how a lock was obtained.
type Result int

const (
	// Acquired means no marker existed.
	Acquired Result = iota
	// StaleReclaimed means a dead owner's marker was removed first.
	StaleReclaimed
)

func (r Result) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case StaleReclaimed:
		return "stale-reclaimed"
	}
	return "unknown"
}

// Owner is the content of a marker file.
type Owner struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Options configures a Manager.
type Options struct {
	// StaleAfter is the minimum marker age before a dead owner's lock is
	// reclaimed. Zero means a dead owner is enough.
	StaleAfter time.Duration
	// AcquireTimeout bounds Acquire's wait for a busy lock. Zero means one
	// attempt.
	AcquireTimeout time.Duration
	// RetryInterval is the initial backoff; it doubles up to one second.
	RetryInterval time.Duration

	Fs     afero.Fs
	Events event.Publisher
	Logger *logging.Logger
}

// Manager acquires and inspects worktree locks.
type Manager struct {
	opts     Options
	fs       afero.Fs
	events   event.Publisher
	logger   *logging.Logger
	hostname string
	pid      int
	alive    func(pid int) bool
	now      func() time.Time
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	m := &Manager{
		opts:   opts,
		fs:     opts.Fs,
		events: opts.Events,
		logger: opts.Logger,
		pid:    os.Getpid(),
		alive:  processAlive,
		now:    time.Now,
	}
	if m.fs == nil {
		m.fs = afero.NewOsFs()
	}
	if m.events == nil {
		m.events = event.Discard
	}
	if m.logger == nil {
		m.logger = logging.NopLogger()
	}
	m.logger = m.logger.WithComponent("lock")
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	m.hostname = host
	return m
}

// MarkerPath returns the marker file guarding worktreePath.
func MarkerPath(worktreePath string) string {
	clean := filepath.Clean(worktreePath)
	return filepath.Join(filepath.Dir(clean), filepath.Base(clean)+MarkerSuffix)
}

// Acquire takes the lock on worktreePath, waiting up to AcquireTimeout while
// it is busy. A busy lock is reported as a *errors.LockError wrapping
// errors.ErrLockBusy.
func (m *Manager) Acquire(ctx context.Context, worktreePath string) (*Handle, Result, error) {
	path := filepath.Clean(worktreePath)
	marker := MarkerPath(path)

	if err := m.fs.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		return nil, 0, errors.NewLockError("create lock directory", err).WithPath(path)
	}

	h, res, holder, err := m.tryOnce(path, marker)
	if err == nil || holder == nil || m.opts.AcquireTimeout <= 0 {
		return h, res, err
	}

	deadline := time.NewTimer(m.opts.AcquireTimeout)
	defer deadline.Stop()

	wake, stop := m.watch(marker)
	defer stop()

	backoff := m.opts.RetryInterval
	for {
		retry := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			retry.Stop()
			return nil, 0, errors.NewLockError("acquire", ctx.Err()).WithPath(path).WithOwnerPID(holder.PID)
		case <-deadline.C:
			retry.Stop()
			m.logger.Debug("lock acquire timed out", "path", path, "owner_pid", holder.PID)
			return nil, 0, errors.NewTimeoutError("acquire worktree lock", m.opts.AcquireTimeout).WithCause(err)
		case <-wake:
			retry.Stop()
		case <-retry.C:
		}

		h, res, holder, err = m.tryOnce(path, marker)
		if err == nil || holder == nil {
			return h, res, err
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// tryOnce makes one acquisition attempt. A non-nil holder with a non-nil
// error means the lock is busy and the attempt may be retried.
func (m *Manager) tryOnce(path, marker string) (*Handle, Result, *Owner, error) {
	h, err := m.create(path, marker)
	if err == nil {
		m.logger.Debug("lock acquired", "path", path)
		return h, Acquired, nil, nil
	}
	if !os.IsExist(err) {
		return nil, 0, nil, errors.NewLockError("write marker", err).WithPath(path)
	}

	owner, readErr := m.readMarker(marker)
	if readErr != nil && os.IsNotExist(readErr) {
		// Released between our create and read.
		if h, err := m.create(path, marker); err == nil {
			return h, Acquired, nil, nil
		}
		return nil, 0, &Owner{}, busy(path, nil)
	}
	if !m.reclaimable(marker, owner, readErr) {
		return nil, 0, holderOrUnknown(owner), busy(path, owner)
	}

	h, reclaimed, err := m.reclaim(path, marker, owner)
	if err != nil {
		return nil, 0, nil, err
	}
	if h == nil {
		// Someone else reclaimed first, or is reclaiming now.
		current, _ := m.readMarker(marker)
		return nil, 0, holderOrUnknown(current), busy(path, current)
	}

	prevPID, prevHost := 0, ""
	if reclaimed != nil {
		prevPID, prevHost = reclaimed.PID, reclaimed.Hostname
	}
	m.logger.Warn("stale lock reclaimed", "path", path, "old_pid", prevPID, "old_host", prevHost)
	m.events.Publish(event.NewLockReclaimedEvent(path, prevPID, prevHost))
	return h, StaleReclaimed, nil, nil
}

// reclaim removes a stale marker and creates ours. Reclaimers serialize on a
// guard file and re-check the marker under it, so a fresh marker written by a
// faster reclaimer is never deleted. A nil handle with nil error means the
// race was lost.
func (m *Manager) reclaim(path, marker string, stale *Owner) (*Handle, *Owner, error) {
	guard := marker + ".reclaim"
	g, err := m.fs.OpenFile(guard, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, nil, errors.NewLockError("create reclaim guard", err).WithPath(path)
		}
		if info, statErr := m.fs.Stat(guard); statErr == nil && m.now().Sub(info.ModTime()) > guardStaleAfter {
			_ = m.fs.Remove(guard)
		}
		return nil, nil, nil
	}
	_ = g.Close()
	defer func() { _ = m.fs.Remove(guard) }()

	current, readErr := m.readMarker(marker)
	if readErr != nil && os.IsNotExist(readErr) {
		current = nil
	} else if !m.reclaimable(marker, current, readErr) || !sameOwner(stale, current) {
		return nil, nil, nil
	}

	if err := m.fs.Remove(marker); err != nil && !os.IsNotExist(err) {
		return nil, nil, errors.NewLockError("remove stale marker", err).WithPath(path)
	}

	h, err := m.create(path, marker)
	if err != nil {
		if os.IsExist(err) {
			return nil, nil, nil
		}
		return nil, nil, errors.NewLockError("write marker", err).WithPath(path)
	}
	return h, current, nil
}

// reclaimable decides whether an existing marker may be taken over.
func (m *Manager) reclaimable(marker string, owner *Owner, readErr error) bool {
	if readErr != nil {
		info, err := m.fs.Stat(marker)
		if err != nil {
			return false
		}
		return m.now().Sub(info.ModTime()) >= max(m.opts.StaleAfter, unparsableGrace)
	}
	if owner.Hostname != m.hostname {
		return false
	}
	if owner.PID == m.pid || m.alive(owner.PID) {
		return false
	}
	return m.now().Sub(owner.AcquiredAt) >= m.opts.StaleAfter
}

func (m *Manager) create(path, marker string) (*Handle, error) {
	owner := Owner{
		Token:      fmt.Sprintf("%d-%s", m.pid, ulid.Make().String()),
		PID:        m.pid,
		Hostname:   m.hostname,
		AcquiredAt: m.now().UTC(),
	}
	data, err := json.MarshalIndent(owner, "", "  ")
	if err != nil {
		return nil, err
	}

	f, err := m.fs.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = m.fs.Remove(marker)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = m.fs.Remove(marker)
		return nil, err
	}

	return &Handle{m: m, path: path, marker: marker, owner: owner}, nil
}

func (m *Manager) readMarker(marker string) (*Owner, error) {
	data, err := afero.ReadFile(m.fs, marker)
	if err != nil {
		return nil, err
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil, fmt.Errorf("parse lock marker: %w", err)
	}
	if owner.Token == "" {
		return nil, fmt.Errorf("parse lock marker: missing token")
	}
	return &owner, nil
}

// watch returns a channel that fires when the marker's directory changes.
// Filesystems without notification support fall back to polling only.
func (m *Manager) watch(marker string) (<-chan struct{}, func()) {
	if _, ok := m.fs.(*afero.OsFs); !ok {
		return nil, func() {}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, func() {}
	}
	if err := w.Add(filepath.Dir(marker)); err != nil {
		_ = w.Close()
		return nil, func() {}
	}

	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != marker || ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	var once sync.Once
	return wake, func() {
		once.Do(func() {
			close(done)
			_ = w.Close()
		})
	}
}

// Inspect reports the current holder of worktreePath's lock. held is false
// when there is no marker or the marker would be reclaimed.
func (m *Manager) Inspect(worktreePath string) (owner *Owner, held bool) {
	marker := MarkerPath(worktreePath)
	owner, err := m.readMarker(marker)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false
		}
		return nil, !m.reclaimable(marker, nil, err)
	}
	return owner, !m.reclaimable(marker, owner, nil)
}

// Handle is a held lock.
type Handle struct {
	m      *Manager
	path   string
	marker string
	owner  Owner

	mu       sync.Mutex
	released bool
}

// Path returns the locked worktree path.
func (h *Handle) Path() string { return h.path }

// Owner returns the marker content written for this handle.
func (h *Handle) Owner() Owner { return h.owner }

// Release removes the marker if it still carries this handle's token.
// Releasing twice is a no-op.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil
	}
	h.released = true

	current, err := h.m.readMarker(h.marker)
	if err != nil {
		// Marker gone or unreadable: nothing of ours to remove.
		return nil
	}
	if current.Token != h.owner.Token {
		h.m.logger.Warn("lock marker replaced while held", "path", h.path, "owner_pid", current.PID)
		return nil
	}
	if err := h.m.fs.Remove(h.marker); err != nil && !os.IsNotExist(err) {
		return errors.NewLockError("release", err).WithPath(h.path)
	}
	h.m.logger.Debug("lock released", "path", h.path)
	return nil
}

func busy(path string, owner *Owner) error {
	err := errors.NewLockError("acquire", errors.ErrLockBusy).WithPath(path)
	if owner != nil {
		err = err.WithOwnerPID(owner.PID)
	}
	return err
}

func holderOrUnknown(owner *Owner) *Owner {
	if owner != nil {
		return owner
	}
	return &Owner{}
}

func sameOwner(a, b *Owner) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Token == b.Token
}
