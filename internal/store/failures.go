package store

import (
	"context"
	"fmt"
)

// InsertTopotestFailures stores the structured test-failure detail of a
// failed job.
func (s *Store) InsertTopotestFailures(ctx context.Context, jobID int64, failures []TopotestFailure) error {
	const query = `
		INSERT INTO topotest_failures (ci_job_id, suite, test_case, message, duration_seconds)
		VALUES (?, ?, ?, ?, ?)
	`

	for _, f := range failures {
		if _, err := s.db.Writer.ExecContext(ctx, query, jobID, f.Suite, f.TestCase, f.Message, f.Duration); err != nil {
			return fmt.Errorf("insert topotest failure %s/%s for job %d: %w", f.Suite, f.TestCase, jobID, err)
		}
	}

	return nil
}

// TopotestFailuresForJob returns the stored test failures of a job.
func (s *Store) TopotestFailuresForJob(ctx context.Context, jobID int64) ([]TopotestFailure, error) {
	const query = `
		SELECT id, ci_job_id, suite, test_case, message, duration_seconds
		FROM topotest_failures
		WHERE ci_job_id = ?
		ORDER BY id
	`

	rows, err := s.db.Reader.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query topotest failures of job %d: %w", jobID, err)
	}
	defer rows.Close()

	var result []TopotestFailure
	for rows.Next() {
		var f TopotestFailure
		if err := rows.Scan(&f.ID, &f.CiJobID, &f.Suite, &f.TestCase, &f.Message, &f.Duration); err != nil {
			return nil, fmt.Errorf("scan topotest failure: %w", err)
		}
		result = append(result, f)
	}

	return result, rows.Err()
}
