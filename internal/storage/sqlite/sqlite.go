package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/scriptforge/internal/envmgr"
	"github.com/michaelbrown/scriptforge/internal/storage"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Store = (*SQLiteStore)(nil)

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Workers and the HTTP server share one writer; a single connection
	// also keeps ":memory:" databases from splitting per connection.
	db.SetMaxOpenConns(1)

	// serve, worker and the CLI may share one database file.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting WAL mode: %w", err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

// --- environments ---

func (s *SQLiteStore) PutEnvironment(ctx context.Context, env *envmgr.Environment) error {
	manifest, err := json.Marshal(env.Manifest)
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if env.UpdatedAt.IsZero() {
		env.UpdatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO environments (task_id, root, python, pip, manifest_path, manifest, state, message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			root = excluded.root, python = excluded.python, pip = excluded.pip,
			manifest_path = excluded.manifest_path, manifest = excluded.manifest,
			state = excluded.state, message = excluded.message, updated_at = excluded.updated_at`,
		string(env.TaskID), env.Root, env.Python, env.Pip, env.ManifestPath, string(manifest),
		string(env.State), env.Message, formatTime(env.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving environment %s: %w", env.TaskID, err)
	}
	return nil
}

func (s *SQLiteStore) GetEnvironment(ctx context.Context, id envmgr.TaskID) (*envmgr.Environment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, root, python, pip, manifest_path, manifest, state, message, updated_at
		FROM environments WHERE task_id = ?`, string(id))
	env, err := scanEnvironment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", id, envmgr.ErrEnvironmentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}
	return env, nil
}

func (s *SQLiteStore) ListEnvironments(ctx context.Context) ([]envmgr.Environment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, root, python, pip, manifest_path, manifest, state, message, updated_at
		FROM environments ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("listing environments: %w", err)
	}
	defer rows.Close()

	var envs []envmgr.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

// --- runs ---

const runColumns = `id, task_id, script, argument, timeout_seconds, notify, status, outcome,
	output, exit_code, duration_ms, created_at, updated_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, r *storage.Run) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = storage.StatusQueued
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.Script, r.Argument, r.TimeoutSeconds, r.Notify, string(r.Status),
		string(r.Outcome), r.Output, r.ExitCode, r.DurationMS,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	// Try exact match first, then prefix match
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	if id == "" {
		return nil, fmt.Errorf("run %q: %w", id, storage.ErrNotFound)
	}

	// '_' and '%' in the prefix match literally.
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE substr(id, 1, length(?)) = ? LIMIT 2`, id, id)
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("run %q: %w", id, storage.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous run prefix %q", id)
	}
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts storage.RunListOptions) ([]storage.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE 1 = 1`
	var args []any

	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, opts.TaskID)
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []storage.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *storage.Run) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET task_id = ?, status = ?, outcome = ?, output = ?, exit_code = ?,
			duration_ms = ?, updated_at = ?
		WHERE id = ?`,
		r.TaskID, string(r.Status), string(r.Outcome), r.Output, r.ExitCode,
		r.DurationMS, formatTime(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %q: %w", r.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	// Resolve prefix first
	r, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, r.ID)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanEnvironment(s scanner) (*envmgr.Environment, error) {
	var env envmgr.Environment
	var taskID, state, manifest, updatedAt string
	err := s.Scan(&taskID, &env.Root, &env.Python, &env.Pip, &env.ManifestPath,
		&manifest, &state, &env.Message, &updatedAt)
	if err != nil {
		return nil, err
	}
	env.TaskID = envmgr.TaskID(taskID)
	env.State = envmgr.State(state)
	env.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(manifest), &env.Manifest); err != nil {
		return nil, fmt.Errorf("unmarshaling manifest for %s: %w", taskID, err)
	}
	return &env, nil
}

func scanRun(s scanner) (*storage.Run, error) {
	var r storage.Run
	var status, outcome, createdAt, updatedAt string
	err := s.Scan(&r.ID, &r.TaskID, &r.Script, &r.Argument, &r.TimeoutSeconds, &r.Notify,
		&status, &outcome, &r.Output, &r.ExitCode, &r.DurationMS, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = storage.RunStatus(status)
	r.Outcome = envmgr.Kind(outcome)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}
