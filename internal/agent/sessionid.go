package agent

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// SessionIDFinder reads the state files coding tools keep under the user's
// home directory to find the conversation id of a finished run, so a later
// resume launch can continue it.
type SessionIDFinder struct {
	fs   afero.Fs
	home string
}

// NewSessionIDFinder creates a finder over home. A nil fs means the OS
// filesystem.
func NewSessionIDFinder(fs afero.Fs, home string) *SessionIDFinder {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &SessionIDFinder{fs: fs, home: home}
}

// Find returns the id of the newest conversation the tool behind def wrote
// for worktreePath at or after since. ok is false for tools whose files are
// not understood and when nothing new was written.
func (f *SessionIDFinder) Find(def Definition, worktreePath string, since time.Time) (id string, ok bool) {
	if f == nil || f.home == "" {
		return "", false
	}
	since = since.Truncate(time.Second)
	tool := strings.ToLower(def.ID)
	switch {
	case strings.Contains(tool, "codex"):
		return f.codex(worktreePath, since)
	case strings.Contains(tool, "claude"):
		return f.claude(worktreePath, since)
	case strings.Contains(tool, "gemini"):
		return f.newestGeneric(filepath.Join(f.home, ".gemini", "tmp"), since, func(path string) bool {
			return filepath.Ext(path) == ".json" && strings.Contains(filepath.ToSlash(path), "/chats/")
		})
	case strings.Contains(tool, "opencode"), strings.Contains(tool, "open-code"):
		return f.newestGeneric(filepath.Join(f.home, ".local", "share", "opencode"), since, func(path string) bool {
			ext := filepath.Ext(path)
			return ext == ".json" || ext == ".jsonl"
		})
	}
	return "", false
}

// claudeProjectDir is the directory claude keeps the conversations of one
// project in: the path with separators, dots and colons turned into dashes.
func claudeProjectDir(worktreePath string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '.', ':':
			return '-'
		}
		return r
	}, worktreePath)
}

func (f *SessionIDFinder) claude(worktreePath string, since time.Time) (string, bool) {
	dir := filepath.Join(f.home, ".claude", "projects", claudeProjectDir(worktreePath))
	entries, err := afero.ReadDir(f.fs, dir)
	if err != nil {
		return "", false
	}
	var newest os.FileInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" || e.ModTime().Before(since) {
			continue
		}
		if newest == nil || e.ModTime().After(newest.ModTime()) {
			newest = e
		}
	}
	if newest == nil {
		return "", false
	}
	return strings.TrimSuffix(newest.Name(), ".jsonl"), true
}

// codex session files start with a meta line carrying the id and the
// working directory of the run.
func (f *SessionIDFinder) codex(worktreePath string, since time.Time) (string, bool) {
	target := filepath.Clean(worktreePath)
	var (
		id     string
		newest time.Time
	)
	f.walk(filepath.Join(f.home, ".codex", "sessions"), since, func(path string, info os.FileInfo) {
		if filepath.Ext(path) != ".jsonl" {
			return
		}
		metaID, cwd, ok := f.codexMeta(path)
		if !ok || filepath.Clean(cwd) != target {
			return
		}
		if id == "" || info.ModTime().After(newest) {
			id, newest = metaID, info.ModTime()
		}
	})
	return id, id != ""
}

func (f *SessionIDFinder) codexMeta(path string) (id, cwd string, ok bool) {
	file, err := f.fs.Open(path)
	if err != nil {
		return "", "", false
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for i := 0; i < 5 && scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var meta struct {
			Payload *struct {
				ID  string `json:"id"`
				Cwd string `json:"cwd"`
			} `json:"payload"`
		}
		if err := json.Unmarshal([]byte(line), &meta); err != nil || meta.Payload == nil || meta.Payload.ID == "" {
			return "", "", false
		}
		return meta.Payload.ID, meta.Payload.Cwd, true
	}
	return "", "", false
}

// newestGeneric picks the newest matching file under root and reads an id
// field from it, falling back to the file name.
func (f *SessionIDFinder) newestGeneric(root string, since time.Time, match func(string) bool) (string, bool) {
	var (
		path   string
		newest time.Time
	)
	f.walk(root, since, func(p string, info os.FileInfo) {
		if !match(p) {
			return
		}
		if path == "" || info.ModTime().After(newest) {
			path, newest = p, info.ModTime()
		}
	})
	if path == "" {
		return "", false
	}
	if id, ok := f.genericID(path); ok {
		return id, true
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), true
}

var sessionIDKeys = []string{
	"session_id", "sessionId", "id", "chat_id", "chatId", "conversation_id", "conversationId",
}

func (f *SessionIDFinder) genericID(path string) (string, bool) {
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return "", false
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", false
	}
	for _, key := range sessionIDKeys {
		switch v := doc[key].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64:
			if v == float64(int64(v)) {
				return strconv.FormatInt(int64(v), 10), true
			}
		}
	}
	return "", false
}

// walk calls fn for every regular file under root modified at or after
// since. Unreadable entries are skipped.
func (f *SessionIDFinder) walk(root string, since time.Time, fn func(string, os.FileInfo)) {
	_ = afero.Walk(f.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() || info.ModTime().Before(since) {
			return nil
		}
		fn(path, info)
		return nil
	})
}
