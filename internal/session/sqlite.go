package session

import (
	"context"
	"database/sql"
	"embed"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/branchyard/internal/agent"
	"github.com/Iron-Ham/branchyard/internal/errors"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
// Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath. Call
// Migrate before use.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create db directory")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// One connection serializes access through the pool; SQLite allows a
	// single writer anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "exec %q", pragma)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Migrate applies embedded migrations that have not run yet.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return errors.Wrap(err, "create migrations table")
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return errors.Wrapf(err, "check migration %s", name)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return errors.Wrapf(err, "read migration %s", name)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return errors.Wrapf(err, "apply migration %s", name)
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)",
			name, time.Now().UnixNano()); err != nil {
			return errors.Wrapf(err, "record migration %s", name)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sessionColumns = `id, resume_id, branch, worktree_path, agent_id, mode,
	skip_permissions, tool_version, owner_pid, started_at, ended_at,
	exit_kind, exit_code, exit_signal, exit_detail`

// Insert adds a new record.
func (s *SQLiteStore) Insert(ctx context.Context, rec Record) error {
	var (
		endedAt                     sql.NullInt64
		exitKind, exitSig, exitDesc sql.NullString
		exitCode                    sql.NullInt64
	)
	if rec.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: rec.EndedAt.UnixNano(), Valid: true}
	}
	if rec.Exit != nil {
		exitKind = sql.NullString{String: string(rec.Exit.Kind), Valid: true}
		exitSig = sql.NullString{String: rec.Exit.Signal, Valid: true}
		exitDesc = sql.NullString{String: rec.Exit.Detail, Valid: true}
		if rec.Exit.Code != nil {
			exitCode = sql.NullInt64{Int64: int64(*rec.Exit.Code), Valid: true}
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ResumeID, rec.Branch, rec.WorktreePath, rec.AgentID, string(rec.Mode),
		boolToInt(rec.SkipPermissions), rec.ToolVersion, rec.OwnerPID, rec.StartedAt.UnixNano(), endedAt,
		exitKind, exitCode, exitSig, exitDesc,
	)
	if err != nil {
		return errors.Wrapf(err, "insert session %s", rec.ID)
	}
	return nil
}

// Get returns the record with id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound(id)
	}
	if err != nil {
		return Record{}, errors.Wrapf(err, "get session %s", id)
	}
	return rec, nil
}

// Finalize ends a running record. Finished rows are left untouched.
func (s *SQLiteStore) Finalize(ctx context.Context, id string, endedAt time.Time, exit ExitStatus) (bool, error) {
	var code sql.NullInt64
	if exit.Code != nil {
		code = sql.NullInt64{Int64: int64(*exit.Code), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		SET ended_at = ?, exit_kind = ?, exit_code = ?, exit_signal = ?, exit_detail = ?
		WHERE id = ? AND ended_at IS NULL`,
		endedAt.UnixNano(), string(exit.Kind), code, exit.Signal, exit.Detail, id,
	)
	if err != nil {
		return false, errors.Wrapf(err, "finalize session %s", id)
	}
	return affected(res)
}

// SetResumeID records the tool's resume id on a running record.
func (s *SQLiteStore) SetResumeID(ctx context.Context, id, resumeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET resume_id = ? WHERE id = ? AND ended_at IS NULL`,
		resumeID, id,
	)
	if err != nil {
		return false, errors.Wrapf(err, "set resume id of %s", id)
	}
	return affected(res)
}

// Query returns matching records, newest first. Ties on start time go to the
// later insert.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if q.Branch != "" {
		where = append(where, "branch = ?")
		args = append(args, q.Branch)
	}
	if q.WorktreePath != "" {
		where = append(where, "worktree_path = ?")
		args = append(args, q.WorktreePath)
	}
	if q.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.RunningOnly {
		where = append(where, "ended_at IS NULL")
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query sessions")
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes finished records that ended before cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`,
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "prune sessions")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec                         Record
		mode                        string
		skip                        int
		startedAt                   int64
		endedAt                     sql.NullInt64
		exitKind, exitSig, exitDesc sql.NullString
		exitCode                    sql.NullInt64
	)
	err := sc.Scan(
		&rec.ID, &rec.ResumeID, &rec.Branch, &rec.WorktreePath, &rec.AgentID, &mode,
		&skip, &rec.ToolVersion, &rec.OwnerPID, &startedAt, &endedAt,
		&exitKind, &exitCode, &exitSig, &exitDesc,
	)
	if err != nil {
		return Record{}, err
	}

	rec.Mode = agent.Mode(mode)
	rec.SkipPermissions = skip != 0
	rec.StartedAt = time.Unix(0, startedAt)
	if endedAt.Valid {
		t := time.Unix(0, endedAt.Int64)
		rec.EndedAt = &t
	}
	if exitKind.Valid {
		exit := &ExitStatus{
			Kind:   ExitKind(exitKind.String),
			Signal: exitSig.String,
			Detail: exitDesc.String,
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			exit.Code = &code
		}
		rec.Exit = exit
	}
	return rec, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
