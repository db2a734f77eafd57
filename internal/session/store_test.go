package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/branchyard/internal/agent"
	"github.com/Iron-Ham/branchyard/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestJSONStore(t *testing.T) *JSONStore {
	t.Helper()
	s, err := NewJSONStore(filepath.Join(t.TempDir(), "history", "sessions.json"))
	require.NoError(t, err)
	return s
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
	t.Run("json", func(t *testing.T) { fn(t, newTestJSONStore(t)) })
}

var baseTime = time.Unix(1_760_000_000, 0)

func testRecord(id string, startOffset time.Duration) Record {
	return Record{
		ID:           id,
		Branch:       "feature/x",
		WorktreePath: "/repo/.worktrees/feature-x",
		AgentID:      "claude",
		Mode:         agent.ModeNormal,
		OwnerPID:     4242,
		StartedAt:    baseTime.Add(startOffset),
	}
}

func TestStore_InsertGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := testRecord("s1", 0)
		rec.ResumeID = "conv-1"
		rec.SkipPermissions = true
		rec.ToolVersion = "1.2.3"
		rec.Mode = agent.ModeResume
		require.NoError(t, s.Insert(ctx, rec))

		got, err := s.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "conv-1", got.ResumeID)
		assert.Equal(t, rec.Branch, got.Branch)
		assert.Equal(t, rec.WorktreePath, got.WorktreePath)
		assert.Equal(t, agent.ModeResume, got.Mode)
		assert.True(t, got.SkipPermissions)
		assert.Equal(t, "1.2.3", got.ToolVersion)
		assert.Equal(t, 4242, got.OwnerPID)
		assert.True(t, got.StartedAt.Equal(rec.StartedAt))
		assert.True(t, got.Running())
		assert.Nil(t, got.Exit)

		assert.Error(t, s.Insert(ctx, rec), "duplicate id must be rejected")
	})
}

func TestStore_GetUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "nope")
		require.Error(t, err)
		var nf *errors.NotFoundError
		assert.True(t, errors.As(err, &nf))
		assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
	})
}

func TestStore_FinalizeOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, testRecord("s1", 0)))

		end := baseTime.Add(time.Minute)
		ok, err := s.Finalize(ctx, "s1", end, Exited(3))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Finalize(ctx, "s1", end.Add(time.Hour), Signaled("SIGKILL"))
		require.NoError(t, err)
		assert.False(t, ok, "a finished record must not be finalized twice")

		got, err := s.Get(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, got.EndedAt)
		assert.True(t, got.EndedAt.Equal(end))
		require.NotNil(t, got.Exit)
		assert.Equal(t, ExitExited, got.Exit.Kind)
		require.NotNil(t, got.Exit.Code)
		assert.Equal(t, 3, *got.Exit.Code)
		assert.Empty(t, got.Exit.Signal)

		ok, err = s.Finalize(ctx, "missing", end, Exited(0))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_SetResumeIDOnlyWhileRunning(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, testRecord("s1", 0)))

		ok, err := s.SetResumeID(ctx, "s1", "conv-9")
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = s.Finalize(ctx, "s1", baseTime.Add(time.Second), Exited(0))
		require.NoError(t, err)

		ok, err = s.SetResumeID(ctx, "s1", "conv-10")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "conv-9", got.ResumeID)
	})
}

func TestStore_QueryOrderAndFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := testRecord("a", 0)
		b := testRecord("b", time.Minute)
		c := testRecord("c", time.Minute) // same start as b, inserted later
		d := testRecord("d", 2*time.Minute)
		d.AgentID = "codex"
		e := testRecord("e", 3*time.Minute)
		e.Branch = "other"
		e.WorktreePath = "/repo/.worktrees/other"
		for _, r := range []Record{a, b, c, d, e} {
			require.NoError(t, s.Insert(ctx, r))
		}
		_, err := s.Finalize(ctx, "a", baseTime.Add(10*time.Minute), Exited(0))
		require.NoError(t, err)

		ids := func(records []Record) []string {
			out := make([]string, 0, len(records))
			for _, r := range records {
				out = append(out, r.ID)
			}
			return out
		}

		all, err := s.Query(ctx, Query{})
		require.NoError(t, err)
		assert.Equal(t, []string{"e", "d", "c", "b", "a"}, ids(all))

		key, err := s.Query(ctx, Query{Branch: "feature/x", WorktreePath: a.WorktreePath, AgentID: "claude"})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b", "a"}, ids(key))

		anyAgent, err := s.Query(ctx, Query{Branch: "feature/x", WorktreePath: a.WorktreePath})
		require.NoError(t, err)
		assert.Equal(t, []string{"d", "c", "b", "a"}, ids(anyAgent))

		running, err := s.Query(ctx, Query{RunningOnly: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"e", "d", "c", "b"}, ids(running))

		limited, err := s.Query(ctx, Query{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"e", "d"}, ids(limited))
	})
}

func TestStore_Prune(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"old", "new", "running"} {
			require.NoError(t, s.Insert(ctx, testRecord(id, 0)))
		}
		_, err := s.Finalize(ctx, "old", baseTime.Add(time.Hour), Exited(0))
		require.NoError(t, err)
		_, err = s.Finalize(ctx, "new", baseTime.Add(48*time.Hour), Exited(0))
		require.NoError(t, err)

		n, err := s.Prune(ctx, baseTime.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "old")
		assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
		_, err = s.Get(ctx, "new")
		assert.NoError(t, err)
		_, err = s.Get(ctx, "running")
		assert.NoError(t, err, "running records are never pruned")
	})
}

func TestStore_ConcurrentInserts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec := testRecord(string(rune('a'+i)), time.Duration(i)*time.Second)
				assert.NoError(t, s.Insert(ctx, rec))
			}()
		}
		wg.Wait()

		all, err := s.Query(ctx, Query{})
		require.NoError(t, err)
		assert.Len(t, all, 20)
	})
}

func TestSQLiteStore_MigrateIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestSQLiteStore_ReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Insert(ctx, testRecord("s1", 0)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Migrate(ctx))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "feature/x", got.Branch)
}

func TestJSONStore_FileLayout(t *testing.T) {
	s := newTestJSONStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, testRecord("s1", 0)))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version": 1`)
	assert.Contains(t, string(data), `"id": "s1"`)

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "temp files must not be left behind")
	}
}

func TestJSONStore_CorruptFileIsNotOverwritten(t *testing.T) {
	s := newTestJSONStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))

	err := s.Insert(context.Background(), testRecord("s1", 0))
	require.Error(t, err)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestJSONStore_NewerVersionRejected(t *testing.T) {
	s := newTestJSONStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"version": 99, "sessions": []}`), 0o644))

	_, err := s.Query(context.Background(), Query{})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	common := t.TempDir()

	s, err := OpenStore(ctx, "", common)
	require.NoError(t, err)
	_, isSQLite := s.(*SQLiteStore)
	assert.True(t, isSQLite)
	require.NoError(t, s.Close())
	assert.FileExists(t, filepath.Join(common, "branchyard", "sessions.db"))

	s, err = OpenStore(ctx, "json", common)
	require.NoError(t, err)
	_, isJSON := s.(*JSONStore)
	assert.True(t, isJSON)

	_, err = OpenStore(ctx, "redis", common)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		status  ExitStatus
		success bool
		str     string
	}{
		{Exited(0), true, "exited (0)"},
		{Exited(2), false, "exited (2)"},
		{Signaled("SIGTERM"), false, "signaled (SIGTERM)"},
		{Orphaned(), false, "orphaned"},
		{Failed("exec: not found"), false, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			assert.Equal(t, tt.success, tt.status.Success())
			assert.Equal(t, tt.str, tt.status.String())
		})
	}
}
