package worktree

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/branchyard/internal/errors"
	"github.com/Iron-Ham/branchyard/internal/testutil"
)

func TestFindGitRoot(t *testing.T) {
	testutil.SkipIfNoGit(t)

	tests := []struct {
		name    string
		setup   func(t *testing.T) (startDir string, wantRoot string)
		wantErr bool
	}{
		{
			name: "from repository root",
			setup: func(t *testing.T) (string, string) {
				repoDir := testutil.SetupTestRepo(t)
				return repoDir, repoDir
			},
		},
		{
			name: "from subdirectory",
			setup: func(t *testing.T) (string, string) {
				repoDir := testutil.SetupTestRepo(t)
				subDir := filepath.Join(repoDir, "web_app", "src", "components")
				if err := os.MkdirAll(subDir, 0755); err != nil {
					t.Fatalf("failed to create subdirectory: %v", err)
				}
				return subDir, repoDir
			},
		},
		{
			name: "non-git directory",
			setup: func(t *testing.T) (string, string) {
				return t.TempDir(), ""
			},
			wantErr: true,
		},
		{
			name: "non-existent directory",
			setup: func(t *testing.T) (string, string) {
				return "/non/existent/path", ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			startDir, wantRoot := tt.setup(t)
			gotRoot, err := FindGitRoot(startDir)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FindGitRoot() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, errors.ErrNotGitRepository) {
					t.Errorf("error should wrap ErrNotGitRepository, got %v", err)
				}
				return
			}
			resolvedWant, _ := filepath.EvalSymlinks(wantRoot)
			resolvedGot, _ := filepath.EvalSymlinks(gotRoot)
			if resolvedGot != resolvedWant {
				t.Errorf("FindGitRoot() = %v, want %v", gotRoot, wantRoot)
			}
		})
	}
}

func TestOpenRepo_FromLinkedWorktree(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	linked := filepath.Join(repoDir, ".worktrees", "side")
	testutil.Git(t, repoDir, "worktree", "add", "-b", "side", linked)

	repo, err := OpenRepo(context.Background(), linked, nil)
	if err != nil {
		t.Fatalf("OpenRepo() error = %v", err)
	}
	if repo.Root() != repoDir {
		t.Errorf("Root() = %q, want main worktree %q", repo.Root(), repoDir)
	}
	if repo.CommonDir() != filepath.Join(repoDir, ".git") {
		t.Errorf("CommonDir() = %q, want %q", repo.CommonDir(), filepath.Join(repoDir, ".git"))
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		branch string
		want   string
	}{
		{"main", "main"},
		{"feature/x", "feature-x"},
		{`fix\windows`, "fix-windows"},
		{"user/jane/topic", "user-jane-topic"},
		{"v1.2_rc", "v1.2_rc"},
		{"what?*:", "what---"},
		{"..hidden", "hidden"},
		{"ünïcode", "-n-code"},
		{"...", "worktree"},
	}
	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			if got := Sanitize(tt.branch); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.branch, got, tt.want)
			}
		})
	}
}

func TestCandidatePath(t *testing.T) {
	dir := "/repo/.worktrees"
	tests := []struct {
		name    string
		branch  string
		entries []Entry
		want    string
	}{
		{
			name:   "free",
			branch: "feature/x",
			want:   "/repo/.worktrees/feature-x",
		},
		{
			name:    "owned by same branch",
			branch:  "feature/x",
			entries: []Entry{{Path: "/repo/.worktrees/feature-x", Branch: "feature/x"}},
			want:    "/repo/.worktrees/feature-x",
		},
		{
			name:    "owned by another branch",
			branch:  "feature/x",
			entries: []Entry{{Path: "/repo/.worktrees/feature-x", Branch: "feature-x"}},
			want:    "/repo/.worktrees/feature-x-2",
		},
		{
			name:   "several collisions",
			branch: "feature/x",
			entries: []Entry{
				{Path: "/repo/.worktrees/feature-x", Branch: "feature-x"},
				{Path: "/repo/.worktrees/feature-x-2", Branch: "feature_x"},
			},
			want: "/repo/.worktrees/feature-x-3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := candidatePath(dir, tt.branch, tt.entries); got != tt.want {
				t.Errorf("candidatePath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestState_CanTransition(t *testing.T) {
	allowed := map[State][]State{
		StateAbsent:    {StateCreating},
		StateCreating:  {StateReady, StateAbsent},
		StateReady:     {StateRepairing, StateRemoving},
		StateRepairing: {StateReady, StateRemoved},
		StateRemoving:  {StateRemoved, StateReady},
		StateRemoved:   {StateCreating},
	}
	all := []State{StateAbsent, StateCreating, StateReady, StateRepairing, StateRemoving, StateRemoved}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s.CanTransition(%s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestIndex_SettleAndTransition(t *testing.T) {
	ix := newIndex()
	now := time.Unix(1_700_000_000, 0)

	ix.settle("/w", "b", StateAbsent)
	if _, err := ix.transition("/w", "b", StateReady, now); err == nil {
		t.Fatal("absent -> ready should be rejected")
	}
	if from, err := ix.transition("/w", "b", StateCreating, now); err != nil || from != StateAbsent {
		t.Fatalf("transition to creating = (%s, %v)", from, err)
	}
	if _, err := ix.transition("/w", "b", StateReady, now); err != nil {
		t.Fatalf("transition to ready: %v", err)
	}
	e, ok := ix.get("/w")
	if !ok || e.state != StateReady || !e.createdAt.Equal(now) || e.branch != "b" {
		t.Errorf("entry = %+v, want ready/b created at %v", e, now)
	}

	// Settling to the same state keeps the creation time.
	ix.settle("/w", "b", StateReady)
	if e, _ := ix.get("/w"); !e.createdAt.Equal(now) {
		t.Errorf("createdAt reset by no-op settle")
	}
}

func TestEventAction(t *testing.T) {
	tests := []struct {
		from, to State
		want     string
	}{
		{StateAbsent, StateCreating, "creating"},
		{StateCreating, StateReady, "created"},
		{StateCreating, StateAbsent, "create_failed"},
		{StateReady, StateRepairing, "repairing"},
		{StateRepairing, StateReady, "repaired"},
		{StateRepairing, StateRemoved, "removed"},
		{StateReady, StateRemoving, "removing"},
		{StateRemoving, StateRemoved, "removed"},
		{StateRemoving, StateReady, "remove_failed"},
	}
	for _, tt := range tests {
		if got := eventAction(tt.from, tt.to); got != tt.want {
			t.Errorf("eventAction(%s, %s) = %q, want %q", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidateBranch(t *testing.T) {
	for _, bad := range []string{"", "  ", "-rf", "has space"} {
		err := validateBranch(bad)
		if !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("validateBranch(%q) = %v, want ErrInvalidInput", bad, err)
		}
	}
	if err := validateBranch("feature/ok"); err != nil {
		t.Errorf("validateBranch(feature/ok) = %v", err)
	}
}
