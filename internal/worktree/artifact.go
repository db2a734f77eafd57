package worktree

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/branchyard/internal/errors"
	"github.com/spf13/afero"
)

// dirKind classifies what sits at a worktree path on disk.
type dirKind int

const (
	dirMissing dirKind = iota
	// dirCheckout is a linked worktree of this repository whose admin
	// directory still exists.
	dirCheckout
	// dirStaleArtifact is an empty directory, or one holding only a .git file
	// that points at a vanished admin directory of this repository. Both are
	// leftovers of an interrupted create or remove and safe to delete.
	dirStaleArtifact
	// dirForeign is anything else: user data we must not touch.
	dirForeign
	dirUnreadable
)

func (k dirKind) String() string {
	switch k {
	case dirMissing:
		return "missing"
	case dirCheckout:
		return "checkout"
	case dirStaleArtifact:
		return "stale-artifact"
	case dirForeign:
		return "foreign"
	case dirUnreadable:
		return "unreadable"
	}
	return "unknown"
}

func (m *Manager) inspectDir(path string) dirKind {
	info, err := m.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return dirMissing
		}
		return dirUnreadable
	}
	if !info.IsDir() {
		return dirForeign
	}
	children, err := afero.ReadDir(m.fs, path)
	if err != nil {
		return dirUnreadable
	}
	if len(children) == 0 {
		return dirStaleArtifact
	}

	adminDir, ok := m.readGitFile(path)
	if !ok || !within(filepath.Join(m.repo.CommonDir(), "worktrees"), adminDir) {
		return dirForeign
	}
	if exists, _ := afero.DirExists(m.fs, adminDir); exists {
		return dirCheckout
	}
	if len(children) == 1 && children[0].Name() == ".git" {
		return dirStaleArtifact
	}
	return dirForeign
}

// readGitFile returns the admin directory named by a linked worktree's .git
// file ("gitdir: <path>").
func (m *Manager) readGitFile(path string) (string, bool) {
	gitFile := filepath.Join(path, ".git")
	info, err := m.fs.Stat(gitFile)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	data, err := afero.ReadFile(m.fs, gitFile)
	if err != nil {
		return "", false
	}
	line, _, _ := strings.Cut(string(data), "\n")
	dir, ok := strings.CutPrefix(strings.TrimSpace(line), "gitdir:")
	if !ok {
		return "", false
	}
	dir = strings.TrimSpace(dir)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(path, dir)
	}
	return filepath.Clean(dir), true
}

// Prepare creates the worktree directory and lists it in .git/info/exclude.
// It returns the directory and whether the exclude file changed. Create does
// the same lazily, so calling Prepare is optional.
func (m *Manager) Prepare() (string, bool, error) {
	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return "", false, errors.NewWorktreeError("create worktree directory", err).WithPath(m.dir)
	}
	added, err := m.ensureExcluded()
	if err != nil {
		return "", false, errors.Wrap(err, "update info/exclude")
	}
	return m.dir, added, nil
}

// ensureExcluded adds the worktree directory to .git/info/exclude so new
// checkouts never show up as untracked files in the main worktree. A
// directory outside the repository needs no entry.
func (m *Manager) ensureExcluded() (bool, error) {
	rel, err := filepath.Rel(m.repo.Root(), m.dir)
	if err != nil || !within(m.repo.Root(), m.dir) || rel == "." {
		return false, nil
	}
	pattern := "/" + filepath.ToSlash(rel) + "/"
	excludePath := filepath.Join(m.repo.CommonDir(), "info", "exclude")

	data, err := afero.ReadFile(m.fs, excludePath)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == pattern {
			return false, nil
		}
	}

	if err := m.fs.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return false, err
	}
	f, err := m.fs.OpenFile(excludePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()
	prefix := ""
	if len(data) > 0 && data[len(data)-1] != '\n' {
		prefix = "\n"
	}
	if _, err := f.WriteString(prefix + pattern + "\n"); err != nil {
		return false, err
	}
	return true, nil
}
