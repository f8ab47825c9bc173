package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwygoda/typesetter/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id    TEXT NOT NULL,
    source_key    TEXT NOT NULL,
    source_name   TEXT NOT NULL DEFAULT '',
    settings      TEXT NOT NULL DEFAULT '{}',
    cover         TEXT NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL DEFAULT 'pending',
    step          TEXT NOT NULL DEFAULT 'queued',
    progress      INTEGER NOT NULL DEFAULT 0,
    runs          INTEGER NOT NULL DEFAULT 0,
    error_kind    TEXT,
    error_step    TEXT,
    error_message TEXT,
    output_key    TEXT,
    archive_key   TEXT,
    page_count    INTEGER NOT NULL DEFAULT 0,
    quality       TEXT,
    warnings      TEXT,
    compile_log   TEXT,
    started_at    DATETIME,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project_id);
`

const selectColumns = `id, project_id, source_key, source_name, settings, cover, status, step, progress, runs,
	COALESCE(error_kind, ''), COALESCE(error_step, ''), COALESCE(error_message, ''),
	COALESCE(output_key, ''), COALESCE(archive_key, ''), page_count, COALESCE(quality, ''),
	COALESCE(warnings, ''), COALESCE(compile_log, ''), started_at, duration_ms, created_at, updated_at`

// updatable is the whitelist of columns a partial update may touch.
var updatable = map[string]bool{
	"step":          true,
	"progress":      true,
	"status":        true,
	"error_kind":    true,
	"error_step":    true,
	"error_message": true,
	"output_key":    true,
	"archive_key":   true,
	"page_count":    true,
	"quality":       true,
	"warnings":      true,
	"compile_log":   true,
	"started_at":    true,
	"duration_ms":   true,
}

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
	// One writer keeps the conditional updates serialized.
	db.SetMaxOpenConns(1)

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

// Ping checks the connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Create inserts a new pending job.
func (r *Repository) Create(ctx context.Context, nj domain.NewJob) (*domain.Job, error) {
	settings, err := json.Marshal(nj.Settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	cover, err := json.Marshal(nj.Cover)
	if err != nil {
		return nil, fmt.Errorf("encode cover: %w", err)
	}

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (project_id, source_key, source_name, settings, cover, status, step, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nj.ProjectID, nj.SourceKey, nj.SourceName, string(settings), string(cover),
		domain.StatusPending, domain.StepQueued, now, now,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &domain.Job{
		ID:         id,
		ProjectID:  nj.ProjectID,
		SourceKey:  nj.SourceKey,
		SourceName: nj.SourceName,
		Settings:   nj.Settings,
		Cover:      nj.Cover,
		Status:     domain.StatusPending,
		Step:       domain.StepQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id int64) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// FindPending returns pending jobs up to limit, oldest first.
func (r *Repository) FindPending(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		domain.StatusPending, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Update writes the non-nil fields of u. Progress never decreases.
func (r *Repository) Update(ctx context.Context, id int64, u domain.JobUpdate) error {
	if u.IsEmpty() {
		return nil
	}
	var cols []column
	add := func(name string, v any) { cols = append(cols, column{name: name, value: v}) }

	if u.Step != nil {
		add("step", string(*u.Step))
	}
	if u.Progress != nil {
		add("progress", *u.Progress)
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.ErrorKind != nil {
		add("error_kind", nullString(string(*u.ErrorKind)))
	}
	if u.ErrorStep != nil {
		add("error_step", nullString(string(*u.ErrorStep)))
	}
	if u.ErrorMessage != nil {
		add("error_message", nullString(*u.ErrorMessage))
	}
	if u.OutputKey != nil {
		add("output_key", nullString(*u.OutputKey))
	}
	if u.ArchiveKey != nil {
		add("archive_key", nullString(*u.ArchiveKey))
	}
	if u.PageCount != nil {
		add("page_count", *u.PageCount)
	}
	if u.Quality != nil {
		add("quality", nullString(string(*u.Quality)))
	}
	if u.Warnings != nil {
		w, err := json.Marshal(*u.Warnings)
		if err != nil {
			return fmt.Errorf("encode warnings: %w", err)
		}
		add("warnings", string(w))
	}
	if u.CompileLog != nil {
		add("compile_log", nullString(*u.CompileLog))
	}
	if u.StartedAt != nil {
		add("started_at", u.StartedAt.UTC())
	}
	if u.DurationMS != nil {
		add("duration_ms", *u.DurationMS)
	}
	return r.apply(ctx, id, cols)
}

type column struct {
	name  string
	value any
}

// apply runs a partial update. Columns outside the whitelist are rejected
// before any SQL is built.
func (r *Repository) apply(ctx context.Context, id int64, cols []column) error {
	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	for _, c := range cols {
		if !updatable[c.name] {
			return fmt.Errorf("%w: %q", domain.ErrUnknownField, c.name)
		}
		if c.name == "progress" {
			sets = append(sets, "progress = MAX(progress, ?)")
		} else {
			sets = append(sets, c.name+" = ?")
		}
		args = append(args, c.value)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
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

// Begin atomically moves a pending job to running and resets its progress.
func (r *Repository) Begin(ctx context.Context, id int64, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, step = ?, progress = 0, runs = runs + 1, started_at = ?,
		        duration_ms = 0, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusRunning, domain.StepQueued, at.UTC(), time.Now().UTC(), id, domain.StatusPending,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == domain.StatusRunning {
		return domain.ErrJobRunning
	}
	return domain.ErrJobTerminal
}

// ResetForRetry returns a failed job to pending, clearing error and output
// fields.
func (r *Repository) ResetForRetry(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, step = ?, progress = 0,
		        error_kind = NULL, error_step = NULL, error_message = NULL,
		        output_key = NULL, archive_key = NULL, page_count = 0, quality = NULL,
		        warnings = NULL, compile_log = NULL, started_at = NULL, duration_ms = 0,
		        updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusPending, domain.StepQueued, time.Now().UTC(), id, domain.StatusFailed,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrJobNotRetryable
}

// RecoverStale fails jobs left running by a crash. Their last step is kept
// as the failing step.
func (r *Repository) RecoverStale(ctx context.Context, message string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_kind = ?, error_step = step, error_message = ?, updated_at = ?
		 WHERE status = ?`,
		domain.StatusFailed, domain.KindInfrastructure, message, time.Now().UTC(), domain.StatusRunning,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job                       domain.Job
		settings, cover, warnings string
		status, step              string
		errKind, errStep, quality string
		startedAt                 sql.NullTime
	)
	err := row.Scan(&job.ID, &job.ProjectID, &job.SourceKey, &job.SourceName, &settings, &cover,
		&status, &step, &job.Progress, &job.Runs,
		&errKind, &errStep, &job.ErrorMessage,
		&job.OutputKey, &job.ArchiveKey, &job.PageCount, &quality,
		&warnings, &job.CompileLog, &startedAt, &job.DurationMS, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	job.Step = domain.Step(step)
	job.ErrorKind = domain.ErrorKind(errKind)
	job.ErrorStep = domain.Step(errStep)
	job.Quality = domain.Quality(quality)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if err := json.Unmarshal([]byte(settings), &job.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := json.Unmarshal([]byte(cover), &job.Cover); err != nil {
		return nil, fmt.Errorf("decode cover: %w", err)
	}
	if warnings != "" {
		if err := json.Unmarshal([]byte(warnings), &job.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings: %w", err)
		}
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
