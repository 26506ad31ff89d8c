package store

import (
	"context"
	"database/sql"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

// setupTestDB creates an in-memory SQLite database with the full schema
// applied. The shared-cache DSN keyed on the test name lets the reader
// and writer connections see the same database.
func setupTestDB(t *testing.T) *Store {
	t.Helper()

	dsn := "file:" + url.PathEscape(t.Name()) +
		"?mode=memory&cache=shared" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"

	writer, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	reader.SetMaxOpenConns(4)

	db := &DB{Writer: writer, Reader: reader, path: dsn}
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, RunMigrations(db.Writer))

	return New(db)
}

func createTestPR(t *testing.T, s *Store) *PullRequest {
	t.Helper()

	pr, err := s.UpsertPullRequest(context.Background(), "netdef/frr", 42, "jdoe", "feature/bgp")
	require.NoError(t, err)

	return pr
}

func createTestSuite(t *testing.T, s *Store, prID int64) *CheckSuite {
	t.Helper()

	cs := &CheckSuite{
		PullRequestID: prID,
		Author:        "jdoe",
		CommitSHA:     "8ad9dec4298f6b8f020997373cf4fe22005f2c06",
		BaseSHA:       "11aa22bb33cc44dd55ee66ff77aa88bb99cc00dd",
		Branch:        "feature/bgp",
		MergeBranch:   "master",
		Plan:          "CI-FRR",
	}
	require.NoError(t, s.CreateCheckSuite(context.Background(), cs))

	return cs
}
