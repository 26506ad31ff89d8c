package store

import (
	"context"
	"fmt"
	"time"
)

// RecordStatusAudit journals a stage status transition with the actor
// that caused it. The audit trail is append-only.
func (s *Store) RecordStatusAudit(ctx context.Context, stageID int64, status Status, actor string) error {
	const query = `
		INSERT INTO audit_statuses (stage_id, status, actor, created_at)
		VALUES (?, ?, ?, ?)
	`

	if _, err := s.db.Writer.ExecContext(ctx, query, stageID, status, actor, formatTime(time.Now())); err != nil {
		return fmt.Errorf("record status audit for stage %d: %w", stageID, err)
	}

	return nil
}

// StageExecutionBounds returns the timestamp of the first in_progress
// audit row and of the first terminal audit row of the stage. ok is false
// when either is missing, in that case no execution time can be derived.
func (s *Store) StageExecutionBounds(ctx context.Context, stageID int64) (started, finished time.Time, ok bool, err error) {
	const query = `
		SELECT status, created_at
		FROM audit_statuses
		WHERE stage_id = ?
		ORDER BY id
	`

	rows, err := s.db.Reader.QueryContext(ctx, query, stageID)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("query status audit of stage %d: %w", stageID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var createdAt string

		if err := rows.Scan(&status, &createdAt); err != nil {
			return time.Time{}, time.Time{}, false, fmt.Errorf("scan status audit: %w", err)
		}

		ts, err := parseTime(createdAt)
		if err != nil {
			return time.Time{}, time.Time{}, false, err
		}

		switch {
		case status == StatusInProgress && started.IsZero():
			started = ts
		case status.Finished() && finished.IsZero():
			finished = ts
		}
	}

	if err := rows.Err(); err != nil {
		return time.Time{}, time.Time{}, false, err
	}

	return started, finished, !started.IsZero() && !finished.IsZero(), nil
}

// RecordRetryAudit journals who triggered a manual retry and of what
// kind (RetryTypeFull or RetryTypePartial).
func (s *Store) RecordRetryAudit(ctx context.Context, a *AuditRetry) error {
	const query = `
		INSERT INTO audit_retries (check_suite_id, user_id, login, user_type, retry_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	a.CreatedAt = time.Now()

	res, err := s.db.Writer.ExecContext(ctx, query,
		a.CheckSuiteID, a.UserID, a.Login, a.UserType, a.RetryType, formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record retry audit for check suite %d: %w", a.CheckSuiteID, err)
	}

	a.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("retry audit insert id: %w", err)
	}

	return nil
}

// RetryAuditsForSuite returns the retry audit trail of a check suite.
func (s *Store) RetryAuditsForSuite(ctx context.Context, suiteID int64) ([]*AuditRetry, error) {
	const query = `
		SELECT id, check_suite_id, user_id, login, user_type, retry_type, created_at
		FROM audit_retries
		WHERE check_suite_id = ?
		ORDER BY id
	`

	rows, err := s.db.Reader.QueryContext(ctx, query, suiteID)
	if err != nil {
		return nil, fmt.Errorf("query retry audits of check suite %d: %w", suiteID, err)
	}
	defer rows.Close()

	var result []*AuditRetry
	for rows.Next() {
		var a AuditRetry
		var createdAt string

		if err := rows.Scan(&a.ID, &a.CheckSuiteID, &a.UserID, &a.Login, &a.UserType, &a.RetryType, &createdAt); err != nil {
			return nil, fmt.Errorf("scan retry audit: %w", err)
		}

		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}

		result = append(result, &a)
	}

	return result, rows.Err()
}
