package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/netdef/bambridge/internal/cierr"
)

// UpsertPullRequest resolves or creates the pull request row identified by
// repository and external PR number. Author and branch are refreshed on
// every call, pull requests are never deleted.
func (s *Store) UpsertPullRequest(ctx context.Context, repository string, number int, author, branch string) (*PullRequest, error) {
	if repository == "" || number <= 0 {
		return nil, fmt.Errorf("pull request needs repository and number: %w", cierr.ErrValidation)
	}

	const query = `
		INSERT INTO pull_requests (repository, number, author, branch, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (repository, number)
		DO UPDATE SET author = excluded.author, branch = excluded.branch
	`

	if _, err := s.db.Writer.ExecContext(ctx, query, repository, number, author, branch, formatTime(time.Now())); err != nil {
		return nil, fmt.Errorf("upsert pull request %s#%d: %w", repository, number, err)
	}

	return s.PullRequest(ctx, repository, number)
}

// PullRequest returns the pull request for (repository, number).
func (s *Store) PullRequest(ctx context.Context, repository string, number int) (*PullRequest, error) {
	const query = `
		SELECT id, repository, number, author, branch, default_plan, created_at
		FROM pull_requests
		WHERE repository = ? AND number = ?
	`

	return s.scanPullRequestRow(s.db.Reader.QueryRowContext(ctx, query, repository, number))
}

// PullRequestByID returns the pull request with the given row id.
func (s *Store) PullRequestByID(ctx context.Context, id int64) (*PullRequest, error) {
	const query = `
		SELECT id, repository, number, author, branch, default_plan, created_at
		FROM pull_requests
		WHERE id = ?
	`

	return s.scanPullRequestRow(s.db.Reader.QueryRowContext(ctx, query, id))
}

// SetDefaultPlan stores the plan configuration to run for the PR.
func (s *Store) SetDefaultPlan(ctx context.Context, prID int64, plan string) error {
	const query = `UPDATE pull_requests SET default_plan = ? WHERE id = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, plan, prID); err != nil {
		return fmt.Errorf("set default plan for pull request %d: %w", prID, err)
	}

	return nil
}

func (s *Store) scanPullRequestRow(row *sql.Row) (*PullRequest, error) {
	var pr PullRequest
	var createdAt string

	err := row.Scan(&pr.ID, &pr.Repository, &pr.Number, &pr.Author, &pr.Branch, &pr.DefaultPlan, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pull request: %w", cierr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan pull request: %w", err)
	}

	if pr.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	return &pr, nil
}
