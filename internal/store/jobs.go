package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/netdef/bambridge/internal/cierr"
)

const jobColumns = `
	id, check_suite_id, COALESCE(stage_id, 0), name, bamboo_job_ref,
	check_ref, retry_count, summary, status, execution_time_ms, updated_at
`

// CreateJob persists j and fills in its ID and UpdatedAt.
func (s *Store) CreateJob(ctx context.Context, j *CiJob) error {
	if j.Name == "" {
		return fmt.Errorf("job needs a name: %w", cierr.ErrValidation)
	}

	j.UpdatedAt = time.Now()

	const query = `
		INSERT INTO ci_jobs (
			check_suite_id, stage_id, name, bamboo_job_ref, check_ref,
			retry_count, summary, status, execution_time_ms, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`

	res, err := s.db.Writer.ExecContext(ctx, query,
		j.CheckSuiteID, nullableID(j.StageID), j.Name, j.BambooJobRef,
		j.CheckRef, j.RetryCount, j.Summary, j.Status, formatTime(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job %q: %w", j.Name, err)
	}

	j.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("job insert id: %w", err)
	}

	return nil
}

// JobByID returns the job with the given id.
func (s *Store) JobByID(ctx context.Context, id int64) (*CiJob, error) {
	query := `SELECT ` + jobColumns + ` FROM ci_jobs WHERE id = ?`

	return scanJob(s.db.Reader.QueryRowContext(ctx, query, id))
}

// JobByBambooRef resolves a job by its external build-backend reference.
func (s *Store) JobByBambooRef(ctx context.Context, bambooJobRef string) (*CiJob, error) {
	query := `SELECT ` + jobColumns + ` FROM ci_jobs WHERE bamboo_job_ref = ? ORDER BY id DESC LIMIT 1`

	return scanJob(s.db.Reader.QueryRowContext(ctx, query, bambooJobRef))
}

// JobByCheckRef resolves a job by its GitHub check-run id.
func (s *Store) JobByCheckRef(ctx context.Context, checkRef int64) (*CiJob, error) {
	query := `SELECT ` + jobColumns + ` FROM ci_jobs WHERE check_ref = ? ORDER BY id DESC LIMIT 1`

	return scanJob(s.db.Reader.QueryRowContext(ctx, query, checkRef))
}

// JobsForStage returns all jobs of a stage.
func (s *Store) JobsForStage(ctx context.Context, stageID int64) ([]*CiJob, error) {
	query := `SELECT ` + jobColumns + ` FROM ci_jobs WHERE stage_id = ? ORDER BY id`

	return s.queryJobs(ctx, query, stageID)
}

// JobsForSuite returns all jobs of a check suite, including legacy flat
// jobs without a stage.
func (s *Store) JobsForSuite(ctx context.Context, suiteID int64) ([]*CiJob, error) {
	query := `SELECT ` + jobColumns + ` FROM ci_jobs WHERE check_suite_id = ? ORDER BY id`

	return s.queryJobs(ctx, query, suiteID)
}

// SetJobStatus updates the job status and its update timestamp and
// reports whether the row changed. Re-applying the current status is a
// no-op.
func (s *Store) SetJobStatus(ctx context.Context, jobID int64, status Status) (bool, error) {
	const query = `UPDATE ci_jobs SET status = ?, updated_at = ? WHERE id = ? AND status != ?`

	res, err := s.db.Writer.ExecContext(ctx, query, status, formatTime(time.Now()), jobID, status)
	if err != nil {
		return false, fmt.Errorf("set status of job %d: %w", jobID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// SetJobSummary stores the human-readable job summary text.
func (s *Store) SetJobSummary(ctx context.Context, jobID int64, summary string) error {
	const query = `UPDATE ci_jobs SET summary = ? WHERE id = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, summary, jobID); err != nil {
		return fmt.Errorf("set summary of job %d: %w", jobID, err)
	}

	return nil
}

// SetJobCheckRef stores the GitHub check-run id of the job.
func (s *Store) SetJobCheckRef(ctx context.Context, jobID, checkRef int64) error {
	const query = `UPDATE ci_jobs SET check_ref = ? WHERE id = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, checkRef, jobID); err != nil {
		return fmt.Errorf("set check ref of job %d: %w", jobID, err)
	}

	return nil
}

// SetJobExecutionTime records the measured job duration.
func (s *Store) SetJobExecutionTime(ctx context.Context, jobID int64, d time.Duration) error {
	const query = `UPDATE ci_jobs SET execution_time_ms = ? WHERE id = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, d.Milliseconds(), jobID); err != nil {
		return fmt.Errorf("set execution time of job %d: %w", jobID, err)
	}

	return nil
}

// IncrementJobRetry bumps the retry counter of the job.
func (s *Store) IncrementJobRetry(ctx context.Context, jobID int64) error {
	const query = `UPDATE ci_jobs SET retry_count = retry_count + 1 WHERE id = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("increment retry counter of job %d: %w", jobID, err)
	}

	return nil
}

// AttachJobToStage assigns a legacy flat job to a lazily resolved stage.
func (s *Store) AttachJobToStage(ctx context.Context, jobID, stageID int64) error {
	const query = `UPDATE ci_jobs SET stage_id = ? WHERE id = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, stageID, jobID); err != nil {
		return fmt.Errorf("attach job %d to stage %d: %w", jobID, stageID, err)
	}

	return nil
}

// MigrateJobToSuite points a job of a previous check suite at its
// successor, so historical views do not show a permanently stuck entry.
func (s *Store) MigrateJobToSuite(ctx context.Context, jobID, suiteID int64) error {
	const query = `UPDATE ci_jobs SET check_suite_id = ?, stage_id = NULL WHERE id = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, suiteID, jobID); err != nil {
		return fmt.Errorf("migrate job %d to check suite %d: %w", jobID, suiteID, err)
	}

	return nil
}

// LastJobUpdate returns the newest update timestamp across all jobs of
// the check suite. The watchdog uses it for staleness detection.
func (s *Store) LastJobUpdate(ctx context.Context, suiteID int64) (time.Time, error) {
	const query = `SELECT COALESCE(MAX(updated_at), '') FROM ci_jobs WHERE check_suite_id = ?`

	var ts string
	if err := s.db.Reader.QueryRowContext(ctx, query, suiteID).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("query last job update of check suite %d: %w", suiteID, err)
	}

	if ts == "" {
		return time.Time{}, nil
	}

	return parseTime(ts)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*CiJob, error) {
	rows, err := s.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var result []*CiJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}

	return result, rows.Err()
}

func scanJob(row scanner) (*CiJob, error) {
	var j CiJob
	var execMs int64
	var updatedAt string

	err := row.Scan(
		&j.ID, &j.CheckSuiteID, &j.StageID, &j.Name, &j.BambooJobRef,
		&j.CheckRef, &j.RetryCount, &j.Summary, &j.Status, &execMs, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job: %w", cierr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.ExecutionTime = time.Duration(execMs) * time.Millisecond

	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &j, nil
}
