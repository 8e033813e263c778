package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mediaflow/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    url         TEXT NOT NULL,
    format      TEXT NOT NULL,
    output_path TEXT NOT NULL,
    download_id TEXT NOT NULL,
    filename    TEXT NOT NULL,
    custom_name TEXT NOT NULL DEFAULT '',
    sub_lang    TEXT NOT NULL DEFAULT '',
    sub_format  TEXT NOT NULL DEFAULT '',
    state       TEXT NOT NULL DEFAULT 'waiting',
    attempts    INTEGER NOT NULL DEFAULT 0,
    progress    REAL NOT NULL DEFAULT 0,
    result_path TEXT,
    result_size INTEGER,
    error       TEXT,
    not_before  DATETIME,
    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
`

// Repository implements domain.JobRepository using SQLite.
type Repository struct {
	db *sql.DB
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new waiting job.
func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	var subLang, subFormat string
	if job.Subtitles != nil {
		subLang = job.Subtitles.Language
		subFormat = job.Subtitles.Format
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, url, format, output_path, download_id, filename,
		                   custom_name, sub_lang, sub_format, state, attempts,
		                   progress, not_before, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`,
		job.ID, job.URL, job.Format, job.OutputPath, job.DownloadID, job.Filename,
		job.CustomName, subLang, subFormat, domain.StateWaiting,
		job.NotBefore, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

const jobColumns = `id, url, format, output_path, download_id, filename,
	custom_name, sub_lang, sub_format, state, attempts, progress,
	COALESCE(result_path, ''), COALESCE(result_size, 0), COALESCE(error, ''),
	COALESCE(not_before, created_at), created_at, updated_at`

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// NextWaiting returns the oldest waiting job whose backoff gate has passed.
func (r *Repository) NextWaiting(ctx context.Context, now time.Time) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state = ? AND (not_before IS NULL OR not_before <= ?)
		 ORDER BY created_at ASC LIMIT 1`,
		domain.StateWaiting, now)
	return scanJob(row)
}

// transition applies a guarded state change. The from state is checked
// against the domain transition table and doubles as the WHERE guard, so a
// concurrent cancel or claim cannot race past it.
func (r *Repository) transition(ctx context.Context, id string, from, to domain.JobState, set string, args ...any) error {
	if !domain.ValidTransition(from, to) {
		return fmt.Errorf("job %s: invalid transition %s to %s", id, from, to)
	}
	query := `UPDATE jobs SET state = ?, ` + set + `, updated_at = ? WHERE id = ? AND state = ?`
	execArgs := append([]any{to}, args...)
	execArgs = append(execArgs, time.Now(), id, from)
	result, err := r.db.ExecContext(ctx, query, execArgs...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// Claim atomically transitions a waiting job to active, incrementing attempts.
func (r *Repository) Claim(ctx context.Context, id string) error {
	return r.transition(ctx, id, domain.StateWaiting, domain.StateActive,
		`attempts = attempts + 1`)
}

// SetProgress raises the stored progress. Lower values are ignored so the
// reported progress stays monotonic while the job is active.
func (r *Repository) SetProgress(ctx context.Context, id string, progress float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ?, updated_at = ?
		 WHERE id = ? AND state = ? AND progress < ?`,
		progress, time.Now(), id, domain.StateActive, progress,
	)
	return err
}

// Complete records a successful download.
func (r *Repository) Complete(ctx context.Context, id string, result domain.Result) error {
	return r.transition(ctx, id, domain.StateActive, domain.StateCompleted,
		`progress = 100, result_path = ?, result_size = ?`,
		result.OutputPath, result.FileSize)
}

// Fail marks a job as permanently failed. The record is retained for
// inspection.
func (r *Repository) Fail(ctx context.Context, id string, reason string) error {
	return r.transition(ctx, id, domain.StateActive, domain.StateFailed,
		`error = ?`, reason)
}

// Retry moves an active job back to waiting, gated until notBefore.
func (r *Repository) Retry(ctx context.Context, id string, reason string, notBefore time.Time) error {
	return r.transition(ctx, id, domain.StateActive, domain.StateWaiting,
		`error = ?, progress = 0, not_before = ?`, reason, notBefore)
}

// Release returns an active job to waiting without consuming the attempt.
// Used when the breaker refused the execution before anything was spawned.
func (r *Repository) Release(ctx context.Context, id string, reason string, notBefore time.Time) error {
	return r.transition(ctx, id, domain.StateActive, domain.StateWaiting,
		`error = ?, attempts = MAX(attempts - 1, 0), not_before = ?`, reason, notBefore)
}

// Delete removes a job record.
func (r *Repository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// RecoverStale resets all active jobs back to waiting (crash recovery).
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, progress = 0, error = 'recovered after crash', updated_at = ?
		 WHERE state = ?`,
		domain.StateWaiting, time.Now(), domain.StateActive,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountByState reports how many jobs currently hold the state.
func (r *Repository) CountByState(ctx context.Context, state domain.JobState) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE state = ?`, state).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var state string
	var subLang, subFormat string
	var resultPath string
	var resultSize int64
	err := row.Scan(&job.ID, &job.URL, &job.Format, &job.OutputPath,
		&job.DownloadID, &job.Filename, &job.CustomName, &subLang, &subFormat,
		&state, &job.Attempts, &job.Progress, &resultPath, &resultSize,
		&job.Error, &job.NotBefore, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.State = domain.JobState(state)
	if subLang != "" {
		job.Subtitles = &domain.SubtitleOptions{Language: subLang, Format: subFormat}
	}
	if job.State == domain.StateCompleted {
		job.Result = &domain.Result{OutputPath: resultPath, FileSize: resultSize}
	}
	return &job, nil
}
