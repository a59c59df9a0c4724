package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writes and keeps :memory: databases
	// from splitting across pool connections.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance while a job is being
	// patched by its pipeline worker.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id             TEXT PRIMARY KEY,
			status         TEXT NOT NULL DEFAULT 'uploading',
			locale         TEXT NOT NULL DEFAULT '',
			image_url      TEXT NOT NULL DEFAULT '',
			callback_url   TEXT NOT NULL DEFAULT '',
			result         TEXT,
			partial_result TEXT,
			wines          TEXT,
			error          TEXT NOT NULL DEFAULT '',
			created_at     DATETIME NOT NULL,
			updated_at     DATETIME NOT NULL,
			completed_at   DATETIME,
			failed_at      DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status       ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at   ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);
	`)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	resultJSON, err := nullableResult(j.Result)
	if err != nil {
		return fmt.Errorf("create job: marshal result: %w", err)
	}
	partialJSON, err := nullableResult(j.PartialResult)
	if err != nil {
		return fmt.Errorf("create job: marshal partial result: %w", err)
	}
	var winesJSON any
	if len(j.Wines) > 0 {
		b, err := json.Marshal(j.Wines)
		if err != nil {
			return fmt.Errorf("create job: marshal wines: %w", err)
		}
		winesJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, status, locale, image_url, callback_url, result, partial_result,
			 wines, error, created_at, updated_at, completed_at, failed_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID,
		j.Status,
		j.Locale,
		j.ImageURL,
		j.CallbackURL,
		resultJSON,
		partialJSON,
		winesJSON,
		j.Error,
		j.CreatedAt.UTC(),
		j.UpdatedAt.UTC(),
		nullableTime(j.CompletedAt),
		nullableTime(j.FailedAt),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, locale, image_url, callback_url, result, partial_result,
		       wines, error, created_at, updated_at, completed_at, failed_at
		FROM jobs WHERE id = ?
	`, id)

	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// Patch merges the non-nil fields of p into the record. COALESCE keeps every
// column whose patch field is nil, which gives last-writer-wins per field
// without a read-modify-write cycle.
func (s *SQLiteStore) Patch(ctx context.Context, id string, p Patch) error {
	resultJSON, err := nullableResult(p.Result)
	if err != nil {
		return fmt.Errorf("patch job %s: marshal result: %w", id, err)
	}
	partialJSON, err := nullableResult(p.PartialResult)
	if err != nil {
		return fmt.Errorf("patch job %s: marshal partial result: %w", id, err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET
			updated_at     = ?,
			status         = COALESCE(?, status),
			image_url      = COALESCE(?, image_url),
			result         = COALESCE(?, result),
			partial_result = COALESCE(?, partial_result),
			error          = COALESCE(?, error),
			completed_at   = COALESCE(?, completed_at),
			failed_at      = COALESCE(?, failed_at)
		WHERE id = ?
	`,
		time.Now().UTC(),
		nullableStatus(p.Status),
		nullableString(p.ImageURL),
		resultJSON,
		partialJSON,
		nullableString(p.Error),
		nullableTime(p.CompletedAt),
		nullableTime(p.FailedAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("patch job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ResetStuck returns the IDs of all jobs left in a non-terminal state by a
// previous process, so the caller can decide whether to re-run or fail them.
func (s *SQLiteStore) ResetStuck(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status IN (?, ?)
	`, StatusUploading, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("query stuck jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stuck jobs: %w", err)
	}
	return ids, nil
}

// List returns jobs ordered by created_at DESC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, locale, image_url, callback_url, result, partial_result,
		       wines, error, created_at, updated_at, completed_at, failed_at
		FROM jobs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// DeleteTerminalBefore removes completed and failed jobs whose terminal
// timestamp is older than before. Used by the opt-in retention sweeper.
func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?)
		AND updated_at < ?
	`, StatusCompleted, StatusFailed, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	j := &Job{}
	var result, partial, wines sql.NullString
	var completedAt, failedAt sql.NullTime

	err := scan(
		&j.ID, &j.Status, &j.Locale, &j.ImageURL, &j.CallbackURL,
		&result, &partial, &wines, &j.Error,
		&j.CreatedAt, &j.UpdatedAt, &completedAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}

	if result.Valid && result.String != "" {
		j.Result = &Result{}
		if err := json.Unmarshal([]byte(result.String), j.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if partial.Valid && partial.String != "" {
		j.PartialResult = &Result{}
		if err := json.Unmarshal([]byte(partial.String), j.PartialResult); err != nil {
			return nil, fmt.Errorf("unmarshal partial result: %w", err)
		}
	}
	if wines.Valid && wines.String != "" {
		if err := json.Unmarshal([]byte(wines.String), &j.Wines); err != nil {
			return nil, fmt.Errorf("unmarshal wines: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		j.FailedAt = &t
	}
	return j, nil
}

func nullableStatus(s *Status) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableResult(r *Result) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
