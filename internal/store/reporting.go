package store

import (
	"context"
	"fmt"
)

// Read-only aggregate queries backing the reporting scripts. They share
// the repository but have no write path.

type ReRunCount struct {
	Repository string
	Number     int
	Count      int
}

// ReRunCountsByPullRequest returns pull requests ordered by how many
// re-run check suites they accumulated.
func (s *Store) ReRunCountsByPullRequest(ctx context.Context, limit int) ([]ReRunCount, error) {
	const query = `
		SELECT pr.repository, pr.number, COUNT(*) AS cnt
		FROM check_suites cs
		JOIN pull_requests pr ON pr.id = cs.pull_request_id
		WHERE cs.re_run = 1
		GROUP BY pr.id
		ORDER BY cnt DESC
		LIMIT ?
	`

	rows, err := s.db.Reader.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query re-run counts: %w", err)
	}
	defer rows.Close()

	var result []ReRunCount
	for rows.Next() {
		var r ReRunCount
		if err := rows.Scan(&r.Repository, &r.Number, &r.Count); err != nil {
			return nil, fmt.Errorf("scan re-run count: %w", err)
		}
		result = append(result, r)
	}

	return result, rows.Err()
}

type AuthorFailureCount struct {
	Author string
	Count  int
}

// BuildFailuresByAuthor returns authors ordered by their number of
// failed stages.
func (s *Store) BuildFailuresByAuthor(ctx context.Context, limit int) ([]AuthorFailureCount, error) {
	const query = `
		SELECT cs.author, COUNT(*) AS cnt
		FROM stages st
		JOIN check_suites cs ON cs.id = st.check_suite_id
		WHERE st.status = ?
		GROUP BY cs.author
		ORDER BY cnt DESC
		LIMIT ?
	`

	rows, err := s.db.Reader.QueryContext(ctx, query, StatusFailure, limit)
	if err != nil {
		return nil, fmt.Errorf("query build failures by author: %w", err)
	}
	defer rows.Close()

	var result []AuthorFailureCount
	for rows.Next() {
		var r AuthorFailureCount
		if err := rows.Scan(&r.Author, &r.Count); err != nil {
			return nil, fmt.Errorf("scan author failure count: %w", err)
		}
		result = append(result, r)
	}

	return result, rows.Err()
}

type TestCaseFailureCount struct {
	Suite    string
	TestCase string
	Count    int
}

// TopFailingTestCases returns the most frequently failing topotest cases.
func (s *Store) TopFailingTestCases(ctx context.Context, limit int) ([]TestCaseFailureCount, error) {
	const query = `
		SELECT suite, test_case, COUNT(*) AS cnt
		FROM topotest_failures
		GROUP BY suite, test_case
		ORDER BY cnt DESC
		LIMIT ?
	`

	rows, err := s.db.Reader.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query top failing test cases: %w", err)
	}
	defer rows.Close()

	var result []TestCaseFailureCount
	for rows.Next() {
		var r TestCaseFailureCount
		if err := rows.Scan(&r.Suite, &r.TestCase, &r.Count); err != nil {
			return nil, fmt.Errorf("scan test case failure count: %w", err)
		}
		result = append(result, r)
	}

	return result, rows.Err()
}
