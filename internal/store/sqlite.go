package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"jobsupervisor/internal/apperrors"
	"jobsupervisor/internal/job"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	version    INTEGER NOT NULL,
	data       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status ON jobs(status);
CREATE TABLE IF NOT EXISTS logs (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id    TEXT NOT NULL REFERENCES jobs(id),
	stream    TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	message   BLOB
);
CREATE INDEX IF NOT EXISTS logs_job_stream ON logs(job_id, stream, timestamp);
`

// SQLite is a Store backed by a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at path and applies
// the schema. An empty path or ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// from splitting per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job store: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func buildDSN(path string) (string, error) {
	if path == "" || path == ":memory:" {
		return ":memory:", nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create job store directory: %w", err)
		}
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate job store: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate job store: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Create(ctx context.Context, j *job.Job) error {
	prepared := j.Clone()
	prepareCreate(prepared)
	data, err := json.Marshal(prepared)
	if err != nil {
		return apperrors.Internal("store.create", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, version, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		prepared.ID, string(prepared.Status), prepared.Version, string(data),
		prepared.CreatedAt.UnixMilli(), prepared.UpdatedAt.UnixMilli())
	if err != nil {
		return apperrors.Internal("store.create", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Conflict("job", j.ID, "job "+j.ID+" already exists")
	}
	*j = *prepared
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*job.Job, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.get", err)
	}
	return decodeJob(data)
}

func (s *SQLite) List(ctx context.Context, f Filter) ([]job.Job, error) {
	query := `SELECT data FROM jobs`
	var args []any
	if f.ActiveOnly {
		query += ` WHERE status NOT IN (?, ?)`
		args = append(args, string(job.StatusDone), string(job.StatusFailed))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	defer rows.Close()

	out := make([]job.Job, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, apperrors.Internal("store.list", err)
		}
		j, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	return out, nil
}

func (s *SQLite) Update(ctx context.Context, j *job.Job, logs []job.LogEntry) error {
	next := j.Clone()
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(next)
	if err != nil {
		return apperrors.Internal("store.update", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("store.update", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, version = ?, data = ?, updated_at = ? WHERE id = ? AND version = ?`,
		string(next.Status), next.Version, string(data), next.UpdatedAt.UnixMilli(), j.ID, j.Version)
	if err != nil {
		return apperrors.Internal("store.update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, j.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("job", j.ID)
		}
		return apperrors.Conflict("job", j.ID, "job "+j.ID+" was modified concurrently")
	}

	if len(logs) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO logs (job_id, stream, timestamp, message) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return apperrors.Internal("store.update", err)
		}
		defer stmt.Close()
		for _, e := range logs {
			if _, err := stmt.ExecContext(ctx, j.ID, string(e.Stream), e.Timestamp, e.Message); err != nil {
				return apperrors.Internal("store.update", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Internal("store.update", err)
	}
	*j = *next
	return nil
}

func (s *SQLite) Logs(ctx context.Context, id string, q job.LogQuery) ([]job.LogEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, message FROM logs WHERE job_id = ? AND stream = ? AND timestamp >= ? ORDER BY seq LIMIT ?`,
		id, string(q.Stream), q.StartTime, limit)
	if err != nil {
		return nil, apperrors.Internal("store.logs", err)
	}
	defer rows.Close()

	out := make([]job.LogEntry, 0)
	for rows.Next() {
		e := job.LogEntry{Stream: q.Stream}
		if err := rows.Scan(&e.Timestamp, &e.Message); err != nil {
			return nil, apperrors.Internal("store.logs", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.logs", err)
	}
	return out, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func decodeJob(data string) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, apperrors.Internal("store.decode", err)
	}
	return &j, nil
}
