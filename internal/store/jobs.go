package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"morada/internal/apperr"
	"morada/internal/model"
)

const jobColumns = `id, site_key, start_url, max_pages, status, progress, logs, urls, config,
		error_message, created_at, updated_at, started_at, completed_at`

// CreateJob inserts a new pending scrape job. Only one job may be
// running at a time, so a running job makes this a conflict.
func (s *Store) CreateJob(ctx context.Context, job *model.ScrapeJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	job.Status = "pending"
	job.CreatedAt = now
	job.UpdatedAt = now

	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM scrape_jobs WHERE status = 'running'`).Scan(&active)
	if err != nil {
		return fmt.Errorf("failed to check active jobs: %w", err)
	}
	if active > 0 {
		return apperr.New(apperr.KindJobRunning, "a scrape job is already running")
	}

	progress, err := jsonbOf(job.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	logs, err := jsonbOf(job.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	urls, err := jsonbOf(job.URLs)
	if err != nil {
		return fmt.Errorf("marshal urls: %w", err)
	}
	config, err := jsonbOf(job.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	query := `
		INSERT INTO scrape_jobs (id, site_key, start_url, max_pages, status, progress,
			logs, urls, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.SiteKey,
		job.StartURL,
		job.MaxPages,
		job.Status,
		progress,
		logs,
		urls,
		config,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// ListJobs returns one page of jobs newest first, optionally filtered
// by status, plus the total match count for pagination.
func (s *Store) ListJobs(ctx context.Context, status string, limit, offset int) ([]*model.ScrapeJob, int64, error) {
	countQuery := `SELECT count(*) FROM scrape_jobs`
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs`
	args := []any{}
	if status != "" {
		countQuery += ` WHERE status = $1`
		query += ` WHERE status = $1`
		args = append(args, status)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.ScrapeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, job)
	}
	return out, total, rows.Err()
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*model.ScrapeJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "job %s not found", id)
	}
	return job, err
}

// GetJobStatus reads just the status column. The engine calls this at
// its cancellation checkpoints so an API-issued cancel takes effect
// mid-crawl.
func (s *Store) GetJobStatus(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM scrape_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.Newf(apperr.KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read job status: %w", err)
	}
	return status, nil
}

// ClaimPendingJob atomically promotes the oldest pending job to
// running and returns it, or nil when there is nothing to claim. The
// NOT EXISTS guard plus the partial unique index on running status
// keep concurrency at one.
func (s *Store) ClaimPendingJob(ctx context.Context) (*model.ScrapeJob, error) {
	query := `
		UPDATE scrape_jobs
		SET status = 'running', started_at = now(), updated_at = now()
		WHERE id = (
			SELECT id FROM scrape_jobs
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND NOT EXISTS (SELECT 1 FROM scrape_jobs WHERE status = 'running')
		RETURNING ` + jobColumns

	row := s.db.QueryRowContext(ctx, query)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if isUniqueViolation(err) {
		// Lost the race against another claimer.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// UpdateJobProgress persists the engine's counters, logs, and URL
// sets. Called after every page and listing, it is also what the SSE
// stream polls.
func (s *Store) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress model.Progress, logs model.JobLogs, urls model.JobURLs) error {
	progressJSON, err := jsonbOf(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	logsJSON, err := jsonbOf(logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	urlsJSON, err := jsonbOf(urls)
	if err != nil {
		return fmt.Errorf("marshal urls: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE scrape_jobs
		SET progress = $1, logs = $2, urls = $3, updated_at = now()
		WHERE id = $4`,
		progressJSON, logsJSON, urlsJSON, id)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return requireAffected(res, apperr.Newf(apperr.KindNotFound, "job %s not found", id))
}

// FinishJob moves a running job to a terminal status. Cancelled jobs
// stay cancelled: the engine finishing a crawl that was cancelled
// underneath it must not overwrite that.
func (s *Store) FinishJob(ctx context.Context, id uuid.UUID, status string, errorMessage *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scrape_jobs
		SET status = $1, error_message = $2, completed_at = now(), updated_at = now()
		WHERE id = $3 AND status = 'running'`,
		status, nullString(errorMessage), id)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		// Already terminal (cancelled by the API) or gone.
		return nil
	}
	return nil
}

// CancelJob transitions a pending or running job to cancelled.
// Terminal jobs conflict.
func (s *Store) CancelJob(ctx context.Context, id uuid.UUID) (*model.ScrapeJob, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE scrape_jobs
		SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')
		RETURNING `+jobColumns, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish missing from already-terminal.
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, apperr.Newf(apperr.KindJobRunning, "job %s is already finished", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	return job, nil
}

// DeleteJob removes a job. A running job must be cancelled first.
func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scrape_jobs WHERE id = $1 AND status <> 'running'`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return getErr
		}
		return apperr.Newf(apperr.KindJobRunning, "job %s is running; cancel it first", id)
	}
	return nil
}

// RecoverStaleJobs fails running jobs whose updated_at has gone quiet
// for longer than maxAge. Run at worker boot so a crashed process
// does not wedge the single-running gate forever.
func (s *Store) RecoverStaleJobs(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scrape_jobs
		SET status = 'failed', error_message = 'job abandoned: worker restarted',
			completed_at = now(), updated_at = now()
		WHERE status = 'running' AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	return res.RowsAffected()
}

func scanJob(row rowScanner) (*model.ScrapeJob, error) {
	var (
		job         model.ScrapeJob
		progress    []byte
		logs        []byte
		urls        []byte
		config      []byte
		errMsg      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.SiteKey,
		&job.StartURL,
		&job.MaxPages,
		&job.Status,
		&progress,
		&logs,
		&urls,
		&config,
		&errMsg,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(progress) > 0 {
		if err := jsonUnmarshal(progress, &job.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	if len(logs) > 0 {
		if err := jsonUnmarshal(logs, &job.Logs); err != nil {
			return nil, fmt.Errorf("unmarshal logs: %w", err)
		}
	}
	if len(urls) > 0 {
		if err := jsonUnmarshal(urls, &job.URLs); err != nil {
			return nil, fmt.Errorf("unmarshal urls: %w", err)
		}
	}
	if len(config) > 0 {
		if err := jsonUnmarshal(config, &job.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	job.ErrorMessage = strVal(errMsg)
	job.StartedAt = timeVal(startedAt)
	job.CompletedAt = timeVal(completedAt)
	return &job, nil
}
