package session

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/branchyard/internal/config"
	"github.com/Iron-Ham/branchyard/internal/errors"
)

// Store persists session records. Implementations need not serialize
// callers beyond keeping each method atomic; the Registry does that.
type Store interface {
	// Insert adds a new record. Inserting an existing id fails.
	Insert(ctx context.Context, rec Record) error
	// Get returns the record or a NotFoundError.
	Get(ctx context.Context, id string) (Record, error)
	// Finalize sets the end time and exit status of a running record. It
	// reports false, without changing anything, when the record had already
	// ended.
	Finalize(ctx context.Context, id string, endedAt time.Time, exit ExitStatus) (bool, error)
	// SetResumeID updates the resume id of a running record. It reports
	// false when the record had already ended.
	SetResumeID(ctx context.Context, id, resumeID string) (bool, error)
	// Query returns matching records, newest first.
	Query(ctx context.Context, q Query) ([]Record, error)
	// Prune deletes finished records that ended before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Paths of the per-repository history files, relative to the git common dir.
const (
	sqliteFile = "branchyard/sessions.db"
	jsonFile   = "branchyard/sessions.json"
)

// OpenStore opens the store selected by kind for the repository whose git
// common directory is commonDir.
func OpenStore(ctx context.Context, kind, commonDir string) (Store, error) {
	switch kind {
	case config.StoreJSON:
		return NewJSONStore(filepath.Join(commonDir, filepath.FromSlash(jsonFile)))
	case config.StoreSQLite, "":
		s, err := NewSQLiteStore(filepath.Join(commonDir, filepath.FromSlash(sqliteFile)))
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.NewValidationError("unknown session store").
			WithField("session.store").
			WithValue(kind)
	}
}

func notFound(id string) error {
	return errors.NewNotFoundError("session", id).WithCause(errors.ErrSessionNotFound)
}

// atomicWriteFile writes data to a temporary file in the same directory and
// renames it over path, so readers never see a partial file.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create history directory")
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmpFile.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return errors.Wrap(err, "set file permissions")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "rename temp file")
	}

	success = true
	return nil
}
