package worktree

import (
	"path/filepath"
	"strconv"
	"strings"
)

// Sanitize turns a branch name into a single filesystem-safe path segment.
// Path separators and any character outside [A-Za-z0-9._-] become '-'.
func Sanitize(branch string) string {
	var b strings.Builder
	b.Grow(len(branch))
	for _, r := range branch {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		return "worktree"
	}
	return name
}

// candidatePath picks the directory for branch under dir. The sanitized name
// gets a numeric suffix (-2, -3, ...) while the path is registered to a
// different branch.
func candidatePath(dir, branch string, entries []Entry) string {
	owners := make(map[string]string, len(entries))
	for _, e := range entries {
		owners[e.Path] = e.Branch
	}
	base := filepath.Join(dir, Sanitize(branch))
	path := base
	for n := 2; ; n++ {
		owner, taken := owners[path]
		if !taken || owner == branch {
			return path
		}
		path = base + "-" + strconv.Itoa(n)
	}
}

// within reports whether path is dir or below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
