package worktree

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/Iron-Ham/branchyard/internal/errors"
)

// -----------------------------------------------------------------------------
// Mock Command Executor for Unit Tests
// -----------------------------------------------------------------------------

// mockCall records a single command invocation
type mockCall struct {
	dir  string
	name string
	args []string
}

// mockExecutor is a test double for CommandExecutor
type mockExecutor struct {
	calls      []mockCall
	runOutputs [][]byte
	runErrors  []error
	callIndex  int
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{}
}

func (m *mockExecutor) addResponse(output []byte, err error) {
	m.runOutputs = append(m.runOutputs, output)
	m.runErrors = append(m.runErrors, err)
}

func (m *mockExecutor) Run(_ context.Context, dir string, name string, args ...string) ([]byte, error) {
	m.calls = append(m.calls, mockCall{dir: dir, name: name, args: args})
	idx := m.callIndex
	m.callIndex++
	if idx < len(m.runOutputs) {
		return m.runOutputs[idx], m.runErrors[idx]
	}
	return nil, nil
}

func (m *mockExecutor) RunQuiet(_ context.Context, dir string, name string, args ...string) error {
	m.calls = append(m.calls, mockCall{dir: dir, name: name, args: args})
	idx := m.callIndex
	m.callIndex++
	if idx < len(m.runErrors) {
		return m.runErrors[idx]
	}
	return nil
}

func (m *mockExecutor) lastCall() mockCall {
	if len(m.calls) == 0 {
		return mockCall{}
	}
	return m.calls[len(m.calls)-1]
}

// exitStatus mimics *exec.ExitError for the mock.
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitStatus) ExitCode() int { return int(e) }

func newTestRepo(exec *mockExecutor) *Repo {
	return NewRepo("/repo", "/repo/.git", exec)
}

// -----------------------------------------------------------------------------
// Repo Unit Tests
// -----------------------------------------------------------------------------

func TestRepo_CurrentBranch(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		err     error
		want    string
		wantErr bool
	}{
		{name: "on branch", output: "feature/x\n", want: "feature/x"},
		{name: "detached head", err: exitStatus(1), want: ""},
		{name: "git failure", output: "fatal: not a git repository", err: exitStatus(128), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newMockExecutor()
			exec.addResponse([]byte(tt.output), tt.err)

			got, err := newTestRepo(exec).CurrentBranch(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("CurrentBranch() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("CurrentBranch() = %q, want %q", got, tt.want)
			}
			if tt.wantErr {
				var gitErr *errors.GitError
				if !errors.As(err, &gitErr) {
					t.Errorf("error should be *GitError, got %T", err)
				}
			}
		})
	}
}

func TestParseBranches(t *testing.T) {
	out := "refs/heads/main\torigin/main\t*\n" +
		"refs/heads/feature/x\t\t \n" +
		"refs/remotes/origin/HEAD\t\t \n" +
		"refs/remotes/origin/main\t\t \n" +
		"refs/remotes/upstream/feature/y\t\t \n"

	want := []Branch{
		{Name: "main", Scope: ScopeLocal, IsCurrent: true, Upstream: "origin/main"},
		{Name: "feature/x", Scope: ScopeLocal},
		{Name: "origin/main", Scope: ScopeRemote},
		{Name: "upstream/feature/y", Scope: ScopeRemote},
	}
	got := parseBranches(out)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseBranches() =\n%+v\nwant\n%+v", got, want)
	}
}

func TestRepo_RemoteBranch(t *testing.T) {
	tests := []struct {
		name   string
		refs   string
		branch string
		want   string
		wantOK bool
	}{
		{
			name:   "prefers origin",
			refs:   "refs/remotes/fork/feature/x\t\t \nrefs/remotes/origin/feature/x\t\t \n",
			branch: "feature/x",
			want:   "origin/feature/x",
			wantOK: true,
		},
		{
			name:   "falls back to first remote",
			refs:   "refs/remotes/fork/feature/x\t\t \n",
			branch: "feature/x",
			want:   "fork/feature/x",
			wantOK: true,
		},
		{
			name:   "local only",
			refs:   "refs/heads/feature/x\t\t \n",
			branch: "feature/x",
		},
		{
			name:   "suffix does not match",
			refs:   "refs/remotes/origin/other/feature/x\t\t \n",
			branch: "feature/x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newMockExecutor()
			exec.addResponse([]byte(tt.refs), nil)

			got, ok, err := newTestRepo(exec).RemoteBranch(context.Background(), tt.branch)
			if err != nil {
				t.Fatalf("RemoteBranch() error = %v", err)
			}
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("RemoteBranch() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRepo_DefaultBranch(t *testing.T) {
	t.Run("origin head", func(t *testing.T) {
		exec := newMockExecutor()
		exec.addResponse([]byte("origin/trunk\n"), nil)
		if got := newTestRepo(exec).DefaultBranch(context.Background()); got != "trunk" {
			t.Errorf("DefaultBranch() = %q, want trunk", got)
		}
	})

	t.Run("falls back to master", func(t *testing.T) {
		exec := newMockExecutor()
		exec.addResponse(nil, exitStatus(1)) // no origin/HEAD
		exec.addResponse(nil, exitStatus(1)) // no main
		exec.addResponse(nil, nil)           // master exists
		if got := newTestRepo(exec).DefaultBranch(context.Background()); got != "master" {
			t.Errorf("DefaultBranch() = %q, want master", got)
		}
	})
}

func TestRepo_IsAncestor(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    bool
		wantErr bool
	}{
		{name: "ancestor", want: true},
		{name: "not ancestor", err: exitStatus(1), want: false},
		{name: "bad revision", err: exitStatus(128), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newMockExecutor()
			exec.addResponse(nil, tt.err)

			got, err := newTestRepo(exec).IsAncestor(context.Background(), "feature/x", "main")
			if (err != nil) != tt.wantErr {
				t.Fatalf("IsAncestor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IsAncestor() = %v, want %v", got, tt.want)
			}
			wantArgs := []string{"merge-base", "--is-ancestor", "feature/x", "main"}
			if !reflect.DeepEqual(exec.lastCall().args, wantArgs) {
				t.Errorf("args = %v, want %v", exec.lastCall().args, wantArgs)
			}
		})
	}
}

func TestRepo_AheadOfUpstream(t *testing.T) {
	t.Run("no upstream", func(t *testing.T) {
		exec := newMockExecutor()
		exec.addResponse(nil, exitStatus(128))

		n, err := newTestRepo(exec).AheadOfUpstream(context.Background(), "/repo/.worktrees/x")
		if err != nil || n != 0 {
			t.Errorf("AheadOfUpstream() = (%d, %v), want (0, nil)", n, err)
		}
		if len(exec.calls) != 1 {
			t.Errorf("expected only the upstream probe, got %d calls", len(exec.calls))
		}
	})

	t.Run("ahead", func(t *testing.T) {
		exec := newMockExecutor()
		exec.addResponse(nil, nil)
		exec.addResponse([]byte("3\n"), nil)

		n, err := newTestRepo(exec).AheadOfUpstream(context.Background(), "/repo/.worktrees/x")
		if err != nil || n != 3 {
			t.Errorf("AheadOfUpstream() = (%d, %v), want (3, nil)", n, err)
		}
		if exec.lastCall().dir != "/repo/.worktrees/x" {
			t.Errorf("ran in %q, want the worktree", exec.lastCall().dir)
		}
	})
}

func TestRepo_AddWorktreeArgs(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		call func(r *Repo) error
		want []string
	}{
		{
			name: "existing branch",
			call: func(r *Repo) error { return r.AddWorktree(ctx, "/repo/.worktrees/x", "x") },
			want: []string{"worktree", "add", "/repo/.worktrees/x", "x"},
		},
		{
			name: "new branch from HEAD",
			call: func(r *Repo) error { return r.AddWorktreeNewBranch(ctx, "/repo/.worktrees/x", "x", "") },
			want: []string{"worktree", "add", "-b", "x", "/repo/.worktrees/x"},
		},
		{
			name: "new branch from base",
			call: func(r *Repo) error { return r.AddWorktreeNewBranch(ctx, "/repo/.worktrees/x", "x", "develop") },
			want: []string{"worktree", "add", "-b", "x", "/repo/.worktrees/x", "develop"},
		},
		{
			name: "tracking remote branch",
			call: func(r *Repo) error { return r.AddWorktreeTracking(ctx, "/repo/.worktrees/x", "x", "origin/x") },
			want: []string{"worktree", "add", "--track", "-b", "x", "/repo/.worktrees/x", "origin/x"},
		},
		{
			name: "forced remove",
			call: func(r *Repo) error { return r.RemoveWorktree(ctx, "/repo/.worktrees/x", true) },
			want: []string{"worktree", "remove", "--force", "/repo/.worktrees/x"},
		},
		{
			name: "safe branch delete",
			call: func(r *Repo) error { return r.DeleteBranch(ctx, "x", false) },
			want: []string{"branch", "-d", "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newMockExecutor()
			if err := tt.call(newTestRepo(exec)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			call := exec.lastCall()
			if call.name != "git" || call.dir != "/repo" {
				t.Errorf("ran %s in %s, want git in /repo", call.name, call.dir)
			}
			if !reflect.DeepEqual(call.args, tt.want) {
				t.Errorf("args = %v, want %v", call.args, tt.want)
			}
		})
	}
}

func TestRepo_AddWorktreeError(t *testing.T) {
	exec := newMockExecutor()
	exec.addResponse([]byte("fatal: 'x' is already checked out"), exitStatus(128))

	err := newTestRepo(exec).AddWorktree(context.Background(), "/repo/.worktrees/x", "x")
	var gitErr *errors.GitError
	if !errors.As(err, &gitErr) {
		t.Fatalf("error should be *GitError, got %T", err)
	}
	if gitErr.Branch != "x" || gitErr.GitOutput != "fatal: 'x' is already checked out" {
		t.Errorf("GitError = %+v", gitErr)
	}
}

func TestParsePorcelain(t *testing.T) {
	out := "worktree /repo\nHEAD aaa\nbranch refs/heads/main\n\n" +
		"worktree /repo/.worktrees/feature-x\nHEAD bbb\nbranch refs/heads/feature/x\nlocked\n\n" +
		"worktree /repo/.worktrees/gone\nHEAD ccc\ndetached\nprunable gitdir file points to non-existent location\n\n"

	want := []Entry{
		{Path: "/repo", Head: "aaa", Branch: "main", Main: true},
		{Path: "/repo/.worktrees/feature-x", Head: "bbb", Branch: "feature/x", Locked: true},
		{Path: "/repo/.worktrees/gone", Head: "ccc", Detached: true, Prunable: true},
	}
	got := parsePorcelain(out)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parsePorcelain() =\n%+v\nwant\n%+v", got, want)
	}
}

func TestParsePorcelain_Bare(t *testing.T) {
	got := parsePorcelain("worktree /srv/repo.git\nbare\n")
	if len(got) != 1 || !got[0].Bare || !got[0].Main {
		t.Errorf("parsePorcelain() = %+v, want one bare main entry", got)
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(exitStatus(2)); got != 2 {
		t.Errorf("exitCode() = %d, want 2", got)
	}
	if got := exitCode(fmt.Errorf("wrapped: %w", exitStatus(1))); got != 1 {
		t.Errorf("exitCode(wrapped) = %d, want 1", got)
	}
	if got := exitCode(errors.New("boom")); got != -1 {
		t.Errorf("exitCode(plain) = %d, want -1", got)
	}
}
