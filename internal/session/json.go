package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/branchyard/internal/errors"
)

const historyVersion = 1

// historyFile is the on-disk layout of a JSONStore. Sessions are kept in
// insertion order.
type historyFile struct {
	Version  int      `json:"version"`
	Sessions []Record `json:"sessions"`
}

// JSONStore keeps every record in one JSON file. Each operation reads the
// file under an exclusive flock on "<file>.lock", so several processes can
// share it; writes replace the file atomically.
type JSONStore struct {
	path string
	mu   sync.Mutex
}

// NewJSONStore returns a store backed by path. The file is created on the
// first write.
func NewJSONStore(path string) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create history directory")
	}
	return &JSONStore{path: path}, nil
}

// Path returns the history file path.
func (s *JSONStore) Path() string { return s.path }

// Close is a no-op; the file is not held open between operations.
func (s *JSONStore) Close() error { return nil }

// Insert adds a new record.
func (s *JSONStore) Insert(_ context.Context, rec Record) error {
	return s.update(func(h *historyFile) (bool, error) {
		for _, r := range h.Sessions {
			if r.ID == rec.ID {
				return false, errors.NewSessionError("insert session", errors.New("duplicate id")).WithSessionID(rec.ID)
			}
		}
		h.Sessions = append(h.Sessions, rec)
		return true, nil
	})
}

// Get returns the record with id.
func (s *JSONStore) Get(_ context.Context, id string) (Record, error) {
	var out Record
	err := s.view(func(h *historyFile) error {
		for _, r := range h.Sessions {
			if r.ID == id {
				out = r
				return nil
			}
		}
		return notFound(id)
	})
	return out, err
}

// Finalize ends a running record. Finished records are left untouched.
func (s *JSONStore) Finalize(_ context.Context, id string, endedAt time.Time, exit ExitStatus) (bool, error) {
	var changed bool
	err := s.update(func(h *historyFile) (bool, error) {
		i := indexOf(h.Sessions, id)
		if i < 0 || !h.Sessions[i].Running() {
			return false, nil
		}
		h.Sessions[i].EndedAt = &endedAt
		h.Sessions[i].Exit = &exit
		changed = true
		return true, nil
	})
	return changed, err
}

// SetResumeID records the tool's resume id on a running record.
func (s *JSONStore) SetResumeID(_ context.Context, id, resumeID string) (bool, error) {
	var changed bool
	err := s.update(func(h *historyFile) (bool, error) {
		i := indexOf(h.Sessions, id)
		if i < 0 || !h.Sessions[i].Running() {
			return false, nil
		}
		h.Sessions[i].ResumeID = resumeID
		changed = true
		return true, nil
	})
	return changed, err
}

// Query returns matching records, newest first. Ties on start time go to the
// later insert.
func (s *JSONStore) Query(_ context.Context, q Query) ([]Record, error) {
	var out []Record
	err := s.view(func(h *historyFile) error {
		for i := len(h.Sessions) - 1; i >= 0; i-- {
			if q.matches(h.Sessions[i]) {
				out = append(out, h.Sessions[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Prune deletes finished records that ended before cutoff.
func (s *JSONStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	var removed int
	err := s.update(func(h *historyFile) (bool, error) {
		kept := h.Sessions[:0]
		for _, r := range h.Sessions {
			if r.EndedAt != nil && r.EndedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		h.Sessions = kept
		return removed > 0, nil
	})
	return removed, err
}

func indexOf(records []Record, id string) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (s *JSONStore) view(fn func(*historyFile) error) error {
	return s.locked(func() error {
		h, err := s.load()
		if err != nil {
			return err
		}
		return fn(h)
	})
}

// update loads the file, applies fn and writes the result when fn reports a
// change.
func (s *JSONStore) update(fn func(*historyFile) (bool, error)) error {
	return s.locked(func() error {
		h, err := s.load()
		if err != nil {
			return err
		}
		changed, err := fn(h)
		if err != nil || !changed {
			return err
		}
		data, err := json.MarshalIndent(h, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encode session history")
		}
		return atomicWriteFile(s.path, data, 0o644)
	})
}

func (s *JSONStore) locked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "open history lock")
	}
	defer func() { _ = f.Close() }()

	if err := lockFile(f); err != nil {
		return err
	}
	defer func() { _ = unlockFile(f) }()

	return fn()
}

// load reads the history file. A missing file is an empty history; a file
// that does not parse is an error and is never overwritten.
func (s *JSONStore) load() (*historyFile, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &historyFile{Version: historyVersion}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session history")
	}

	var h historyFile
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, errors.Wrapf(err, "parse session history %s", s.path)
	}
	if h.Version > historyVersion {
		return nil, errors.NewValidationError("session history was written by a newer version").
			WithField("version").
			WithValue(h.Version)
	}
	h.Version = historyVersion
	return &h, nil
}
