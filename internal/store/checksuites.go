package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/netdef/bambridge/internal/cierr"
)

const checkSuiteColumns = `
	id, pull_request_id, author, commit_sha, base_sha, branch, merge_branch,
	plan, bamboo_ref, re_run, retry_count, sync, finished,
	COALESCE(stopped_in_stage_id, 0), COALESCE(cancelled_previous_id, 0),
	created_at
`

// CreateCheckSuite persists cs and fills in its ID and CreatedAt.
// A suite without author or commit SHA fails with cierr.ErrValidation.
func (s *Store) CreateCheckSuite(ctx context.Context, cs *CheckSuite) error {
	if cs.Author == "" || cs.CommitSHA == "" {
		return fmt.Errorf("check suite needs author and commit sha: %w", cierr.ErrValidation)
	}

	if cs.PullRequestID == 0 {
		return fmt.Errorf("check suite needs a pull request: %w", cierr.ErrValidation)
	}

	cs.CreatedAt = time.Now()

	const query = `
		INSERT INTO check_suites (
			pull_request_id, author, commit_sha, base_sha, branch, merge_branch,
			plan, bamboo_ref, re_run, retry_count, sync, finished,
			cancelled_previous_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`

	res, err := s.db.Writer.ExecContext(ctx, query,
		cs.PullRequestID, cs.Author, cs.CommitSHA, cs.BaseSHA, cs.Branch,
		cs.MergeBranch, cs.Plan, cs.BambooRef, cs.ReRun, cs.RetryCount,
		cs.Sync, nullableID(cs.CancelledPreviousID), formatTime(cs.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert check suite: %w", err)
	}

	cs.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("check suite insert id: %w", err)
	}

	return nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}

	return id
}

// CheckSuiteByID returns the check suite with the given id.
func (s *Store) CheckSuiteByID(ctx context.Context, id int64) (*CheckSuite, error) {
	query := `SELECT ` + checkSuiteColumns + ` FROM check_suites WHERE id = ?`

	return scanCheckSuite(s.db.Reader.QueryRowContext(ctx, query, id))
}

// LatestCheckSuite returns the newest check suite of the pull request,
// which is its current/active execution.
func (s *Store) LatestCheckSuite(ctx context.Context, prID int64) (*CheckSuite, error) {
	query := `
		SELECT ` + checkSuiteColumns + `
		FROM check_suites
		WHERE pull_request_id = ?
		ORDER BY id DESC
		LIMIT 1
	`

	return scanCheckSuite(s.db.Reader.QueryRowContext(ctx, query, prID))
}

// CheckSuiteByCommit returns the newest check suite for a commit SHA
// prefix within a repository.
func (s *Store) CheckSuiteByCommit(ctx context.Context, repository, shaPrefix string) (*CheckSuite, error) {
	query := `
		SELECT ` + prefixedCheckSuiteColumns("cs") + `
		FROM check_suites cs
		JOIN pull_requests pr ON pr.id = cs.pull_request_id
		WHERE pr.repository = ? AND cs.commit_sha LIKE ? || '%'
		ORDER BY cs.id DESC
		LIMIT 1
	`

	return scanCheckSuite(s.db.Reader.QueryRowContext(ctx, query, repository, shaPrefix))
}

// SuitesWithJobsInProgress returns all check suites of the pull request
// and plan that still have at least one job in progress, oldest first.
// An empty plan matches all plans.
func (s *Store) SuitesWithJobsInProgress(ctx context.Context, prID int64, plan string) ([]*CheckSuite, error) {
	query := `
		SELECT DISTINCT ` + prefixedCheckSuiteColumns("cs") + `
		FROM check_suites cs
		JOIN ci_jobs j ON j.check_suite_id = cs.id
		WHERE cs.pull_request_id = ?
		  AND (? = '' OR cs.plan = ?)
		  AND j.status = ?
		ORDER BY cs.id ASC
	`

	rows, err := s.db.Reader.QueryContext(ctx, query, prID, plan, plan, StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("query in-progress check suites for pr %d: %w", prID, err)
	}
	defer rows.Close()

	var result []*CheckSuite
	for rows.Next() {
		cs, err := scanCheckSuite(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cs)
	}

	return result, rows.Err()
}

// UnfinishedCheckSuites returns all suites that have not reached a
// terminal state yet. Used to re-arm watchdogs and the poll sweep after a
// restart.
func (s *Store) UnfinishedCheckSuites(ctx context.Context) ([]*CheckSuite, error) {
	query := `SELECT ` + checkSuiteColumns + ` FROM check_suites WHERE finished = 0 ORDER BY id ASC`

	rows, err := s.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query unfinished check suites: %w", err)
	}
	defer rows.Close()

	var result []*CheckSuite
	for rows.Next() {
		cs, err := scanCheckSuite(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cs)
	}

	return result, rows.Err()
}

// MarkSuiteFinished flips the finished flag and reports whether this call
// changed it. The reconciler uses the return value to emit the
// execution-finished notification exactly once.
func (s *Store) MarkSuiteFinished(ctx context.Context, suiteID int64) (bool, error) {
	const query = `UPDATE check_suites SET finished = 1 WHERE id = ? AND finished = 0`

	res, err := s.db.Writer.ExecContext(ctx, query, suiteID)
	if err != nil {
		return false, fmt.Errorf("mark check suite %d finished: %w", suiteID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// SetStoppedInStage records which stage was in progress when the suite
// was superseded.
func (s *Store) SetStoppedInStage(ctx context.Context, suiteID, stageID int64) error {
	const query = `UPDATE check_suites SET stopped_in_stage_id = ? WHERE id = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, nullableID(stageID), suiteID); err != nil {
		return fmt.Errorf("set stopped-in stage for check suite %d: %w", suiteID, err)
	}

	return nil
}

// SetCancelledPrevious links the suite to its cancelled predecessor in
// the supersession chain.
func (s *Store) SetCancelledPrevious(ctx context.Context, suiteID, previousID int64) error {
	const query = `UPDATE check_suites SET cancelled_previous_id = ? WHERE id = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, nullableID(previousID), suiteID); err != nil {
		return fmt.Errorf("set cancelled predecessor for check suite %d: %w", suiteID, err)
	}

	return nil
}

// SetSuiteBambooRef stores the build-backend plan reference.
func (s *Store) SetSuiteBambooRef(ctx context.Context, suiteID int64, ref string) error {
	const query = `UPDATE check_suites SET bamboo_ref = ? WHERE id = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, ref, suiteID); err != nil {
		return fmt.Errorf("set bamboo ref for check suite %d: %w", suiteID, err)
	}

	return nil
}

// IncrementSuiteRetry bumps the retry counter of the suite.
func (s *Store) IncrementSuiteRetry(ctx context.Context, suiteID int64) error {
	const query = `UPDATE check_suites SET retry_count = retry_count + 1 WHERE id = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, suiteID); err != nil {
		return fmt.Errorf("increment retry counter of check suite %d: %w", suiteID, err)
	}

	return nil
}

// CountReRuns returns the number of re-run check suites of the pull
// request, used to enforce the group quota.
func (s *Store) CountReRuns(ctx context.Context, prID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM check_suites WHERE pull_request_id = ? AND re_run = 1`

	var cnt int
	if err := s.db.Reader.QueryRowContext(ctx, query, prID).Scan(&cnt); err != nil {
		return 0, fmt.Errorf("count re-runs for pull request %d: %w", prID, err)
	}

	return cnt, nil
}

func prefixedCheckSuiteColumns(alias string) string {
	return fmt.Sprintf(`
		%[1]s.id, %[1]s.pull_request_id, %[1]s.author, %[1]s.commit_sha,
		%[1]s.base_sha, %[1]s.branch, %[1]s.merge_branch, %[1]s.plan,
		%[1]s.bamboo_ref, %[1]s.re_run, %[1]s.retry_count, %[1]s.sync,
		%[1]s.finished, COALESCE(%[1]s.stopped_in_stage_id, 0),
		COALESCE(%[1]s.cancelled_previous_id, 0), %[1]s.created_at
	`, alias)
}

func scanCheckSuite(row scanner) (*CheckSuite, error) {
	var cs CheckSuite
	var createdAt string

	err := row.Scan(
		&cs.ID, &cs.PullRequestID, &cs.Author, &cs.CommitSHA, &cs.BaseSHA,
		&cs.Branch, &cs.MergeBranch, &cs.Plan, &cs.BambooRef, &cs.ReRun,
		&cs.RetryCount, &cs.Sync, &cs.Finished, &cs.StoppedInStageID,
		&cs.CancelledPreviousID, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check suite: %w", cierr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan check suite: %w", err)
	}

	if cs.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	return &cs, nil
}
