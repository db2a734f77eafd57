package lock

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/branchyard/internal/errors"
	"github.com/Iron-Ham/branchyard/internal/event"
)

// deadPID is never reported alive by managers built with newTestManager.
const deadPID = 999_999_999

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := NewManager(opts)
	m.alive = func(pid int) bool { return pid != deadPID && processAlive(pid) }
	return m
}

func writeMarker(t *testing.T, worktree string, owner Owner) {
	t.Helper()
	data, err := json.Marshal(owner)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(MarkerPath(worktree), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func hostname(t *testing.T) string {
	t.Helper()
	h, err := os.Hostname()
	if err != nil {
		t.Skip("hostname unavailable")
	}
	return h
}

func TestMarkerPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/repo/.worktrees/feature-x", "/repo/.worktrees/feature-x.lock"},
		{"/repo/.worktrees/feature-x/", "/repo/.worktrees/feature-x.lock"},
		{"/repo", "/repo.lock"},
	}
	for _, tt := range tests {
		if got := MarkerPath(tt.in); got != tt.want {
			t.Errorf("MarkerPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	wt := filepath.Join(dir, ".worktrees", "feature-x")
	m := newTestManager(t, Options{})

	h, res, err := m.Acquire(context.Background(), wt)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if res != Acquired {
		t.Errorf("Result = %v, want acquired", res)
	}
	if h.Path() != wt {
		t.Errorf("Path() = %q, want %q", h.Path(), wt)
	}
	if h.Owner().PID != os.Getpid() {
		t.Errorf("Owner().PID = %d, want %d", h.Owner().PID, os.Getpid())
	}

	if _, err := os.Stat(MarkerPath(wt)); err != nil {
		t.Fatalf("marker missing: %v", err)
	}
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Error("acquiring a lock must not create the worktree directory")
	}

	owner, held := m.Inspect(wt)
	if !held || owner.Token != h.Owner().Token {
		t.Errorf("Inspect() = %+v, %v", owner, held)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(MarkerPath(wt)); !os.IsNotExist(err) {
		t.Error("marker should be removed after Release")
	}
	if err := h.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if _, held := m.Inspect(wt); held {
		t.Error("Inspect() should report unheld after release")
	}
}

func TestAcquire_BusyWithoutWait(t *testing.T) {
	wt := filepath.Join(t.TempDir(), "wt")
	m := newTestManager(t, Options{})

	h, _, err := m.Acquire(context.Background(), wt)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	_, _, err = m.Acquire(context.Background(), wt)
	if !errors.Is(err, errors.ErrLockBusy) {
		t.Fatalf("second Acquire() error = %v, want ErrLockBusy", err)
	}
	var lockErr *errors.LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("error type = %T, want *LockError", err)
	}
	if lockErr.OwnerPID != os.Getpid() {
		t.Errorf("OwnerPID = %d, want %d", lockErr.OwnerPID, os.Getpid())
	}
	if !errors.IsRetryable(err) {
		t.Error("busy lock should be retryable")
	}
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	wt := filepath.Join(t.TempDir(), "wt")
	m := newTestManager(t, Options{AcquireTimeout: 5 * time.Second, RetryInterval: 20 * time.Millisecond})

	h, _, err := m.Acquire(context.Background(), wt)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = h.Release()
	}()

	start := time.Now()
	h2, res, err := m.Acquire(context.Background(), wt)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer h2.Release()
	if res != Acquired {
		t.Errorf("Result = %v, want acquired", res)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("Acquire should wake shortly after release")
	}
}

func TestAcquire_TimesOut(t *testing.T) {
	wt := filepath.Join(t.TempDir(), "wt")
	m := newTestManager(t, Options{AcquireTimeout: 150 * time.Millisecond, RetryInterval: 10 * time.Millisecond})

	h, _, err := m.Acquire(context.Background(), wt)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	start := time.Now()
	_, _, err = m.Acquire(context.Background(), wt)
	if !errors.Is(err, errors.ErrLockBusy) {
		t.Fatalf("Acquire() error = %v, want ErrLockBusy", err)
	}
	if !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("Acquire() error = %v, want a timeout", err)
	}
	var lockErr *errors.LockError
	if !errors.As(err, &lockErr) || lockErr.OwnerPID != os.Getpid() {
		t.Errorf("timeout does not carry the holder: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("returned after %v, want at least the timeout", elapsed)
	}
}

func TestAcquire_ContextCancel(t *testing.T) {
	wt := filepath.Join(t.TempDir(), "wt")
	m := newTestManager(t, Options{AcquireTimeout: 10 * time.Second})

	h, _, err := m.Acquire(context.Background(), wt)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = m.Acquire(ctx, wt)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() error = %v, want context deadline", err)
	}
}

func TestAcquire_StaleReclaim(t *testing.T) {
	host := hostname(t)
	old := time.Now().Add(-time.Hour).UTC()

	tests := []struct {
		name       string
		owner      Owner
		staleAfter time.Duration
		wantBusy   bool
	}{
		{
			name:  "dead owner is reclaimed",
			owner: Owner{Token: "dead-1", PID: deadPID, Hostname: host, AcquiredAt: time.Now().UTC()},
		},
		{
			name:       "dead owner older than stale_after is reclaimed",
			owner:      Owner{Token: "dead-2", PID: deadPID, Hostname: host, AcquiredAt: old},
			staleAfter: time.Minute,
		},
		{
			name:       "dead owner younger than stale_after is kept",
			owner:      Owner{Token: "dead-3", PID: deadPID, Hostname: host, AcquiredAt: time.Now().UTC()},
			staleAfter: time.Hour,
			wantBusy:   true,
		},
		{
			name:     "live owner is never reclaimed regardless of age",
			owner:    Owner{Token: "live", PID: os.Getpid(), Hostname: host, AcquiredAt: old},
			wantBusy: true,
		},
		{
			name:     "owner on another host is treated as alive",
			owner:    Owner{Token: "remote", PID: deadPID, Hostname: host + "-elsewhere", AcquiredAt: old},
			wantBusy: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wt := filepath.Join(t.TempDir(), "wt")
			writeMarker(t, wt, tt.owner)

			stream := event.NewStream(4)
			m := newTestManager(t, Options{StaleAfter: tt.staleAfter, Events: stream})

			h, res, err := m.Acquire(context.Background(), wt)
			if tt.wantBusy {
				if !errors.Is(err, errors.ErrLockBusy) {
					t.Fatalf("Acquire() error = %v, want ErrLockBusy", err)
				}
				if len(stream.Events()) != 0 {
					t.Error("no reclaim event expected")
				}
				return
			}
			if err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}
			defer h.Release()
			if res != StaleReclaimed {
				t.Errorf("Result = %v, want stale-reclaimed", res)
			}
			if h.Owner().Token == tt.owner.Token {
				t.Error("reclaimed lock must carry a fresh token")
			}

			select {
			case e := <-stream.Events():
				reclaimed, ok := e.(event.LockReclaimedEvent)
				if !ok || reclaimed.PreviousPID != deadPID || reclaimed.Path != wt {
					t.Errorf("event = %+v", e)
				}
			default:
				t.Error("expected lock.reclaimed event")
			}
		})
	}
}

func TestAcquire_ReclaimsExitedProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process liveness probe is approximate on windows")
	}
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run helper process: %v", err)
	}
	pid := cmd.ProcessState.Pid()

	wt := filepath.Join(t.TempDir(), "wt")
	writeMarker(t, wt, Owner{Token: "exited", PID: pid, Hostname: hostname(t), AcquiredAt: time.Now().UTC()})

	m := NewManager(Options{})
	h, res, err := m.Acquire(context.Background(), wt)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer h.Release()
	if res != StaleReclaimed {
		t.Errorf("Result = %v, want stale-reclaimed", res)
	}
}

func TestAcquire_UnparsableMarker(t *testing.T) {
	wt := filepath.Join(t.TempDir(), "wt")
	if err := os.WriteFile(MarkerPath(wt), []byte("{garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := newTestManager(t, Options{})

	if _, _, err := m.Acquire(context.Background(), wt); !errors.Is(err, errors.ErrLockBusy) {
		t.Fatalf("fresh unparsable marker: error = %v, want ErrLockBusy", err)
	}

	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(MarkerPath(wt), past, past); err != nil {
		t.Fatal(err)
	}
	h, res, err := m.Acquire(context.Background(), wt)
	if err != nil {
		t.Fatalf("old unparsable marker: error = %v", err)
	}
	defer h.Release()
	if res != StaleReclaimed {
		t.Errorf("Result = %v, want stale-reclaimed", res)
	}
}

func TestRelease_KeepsForeignMarker(t *testing.T) {
	wt := filepath.Join(t.TempDir(), "wt")
	m := newTestManager(t, Options{})

	h, _, err := m.Acquire(context.Background(), wt)
	if err != nil {
		t.Fatal(err)
	}

	foreign := Owner{Token: "someone-else", PID: os.Getpid(), Hostname: hostname(t), AcquiredAt: time.Now().UTC()}
	writeMarker(t, wt, foreign)

	if err := h.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	owner, _ := m.Inspect(wt)
	if owner == nil || owner.Token != "someone-else" {
		t.Errorf("foreign marker should survive release, got %+v", owner)
	}
}

func TestAcquire_MutualExclusion(t *testing.T) {
	wt := filepath.Join(t.TempDir(), "wt")
	m := newTestManager(t, Options{AcquireTimeout: 10 * time.Second, RetryInterval: 5 * time.Millisecond})

	var (
		holders    atomic.Int32
		maxHolders atomic.Int32
		wg         sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, _, err := m.Acquire(context.Background(), wt)
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			n := holders.Add(1)
			for {
				cur := maxHolders.Load()
				if n <= cur || maxHolders.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			holders.Add(-1)
			if err := h.Release(); err != nil {
				t.Errorf("Release() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxHolders.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxHolders.Load())
	}
}

func TestResult_String(t *testing.T) {
	if Acquired.String() != "acquired" || StaleReclaimed.String() != "stale-reclaimed" || Result(9).String() != "unknown" {
		t.Error("unexpected Result strings")
	}
}
