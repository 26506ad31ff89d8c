package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdef/bambridge/internal/cierr"
)

func TestCreateCheckSuiteValidation(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	ctx := context.Background()

	err := s.CreateCheckSuite(ctx, &CheckSuite{PullRequestID: pr.ID, CommitSHA: "abc"})
	require.ErrorIs(t, err, cierr.ErrValidation)

	err = s.CreateCheckSuite(ctx, &CheckSuite{PullRequestID: pr.ID, Author: "jdoe"})
	require.ErrorIs(t, err, cierr.ErrValidation)

	err = s.CreateCheckSuite(ctx, &CheckSuite{Author: "jdoe", CommitSHA: "abc"})
	require.ErrorIs(t, err, cierr.ErrValidation)
}

func TestLatestCheckSuite(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	ctx := context.Background()

	first := createTestSuite(t, s, pr.ID)
	second := createTestSuite(t, s, pr.ID)

	latest, err := s.LatestCheckSuite(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.NotEqual(t, first.ID, latest.ID)
}

func TestCheckSuiteByCommitPrefix(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	ctx := context.Background()

	cs := createTestSuite(t, s, pr.ID)

	found, err := s.CheckSuiteByCommit(ctx, pr.Repository, cs.CommitSHA[:10])
	require.NoError(t, err)
	assert.Equal(t, cs.ID, found.ID)

	_, err = s.CheckSuiteByCommit(ctx, pr.Repository, "deadbeef")
	require.ErrorIs(t, err, cierr.ErrNotFound)
}

func TestMarkSuiteFinishedIsIdempotent(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	cs := createTestSuite(t, s, pr.ID)
	ctx := context.Background()

	changed, err := s.MarkSuiteFinished(ctx, cs.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkSuiteFinished(ctx, cs.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	reloaded, err := s.CheckSuiteByID(ctx, cs.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Finished)
}

func TestSuitesWithJobsInProgress(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	ctx := context.Background()

	older := createTestSuite(t, s, pr.ID)
	newer := createTestSuite(t, s, pr.ID)
	idle := createTestSuite(t, s, pr.ID)

	for _, suiteID := range []int64{newer.ID, older.ID} {
		job := &CiJob{CheckSuiteID: suiteID, Name: "build", Status: StatusInProgress}
		require.NoError(t, s.CreateJob(ctx, job))
	}

	queued := &CiJob{CheckSuiteID: idle.ID, Name: "build", Status: StatusQueued}
	require.NoError(t, s.CreateJob(ctx, queued))

	suites, err := s.SuitesWithJobsInProgress(ctx, pr.ID, "")
	require.NoError(t, err)
	require.Len(t, suites, 2)

	// oldest first
	assert.Equal(t, older.ID, suites[0].ID)
	assert.Equal(t, newer.ID, suites[1].ID)
}

func TestSuitesWithJobsInProgressPlanFilter(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	ctx := context.Background()

	cs := createTestSuite(t, s, pr.ID)
	job := &CiJob{CheckSuiteID: cs.ID, Name: "build", Status: StatusInProgress}
	require.NoError(t, s.CreateJob(ctx, job))

	suites, err := s.SuitesWithJobsInProgress(ctx, pr.ID, "CI-OTHER")
	require.NoError(t, err)
	assert.Empty(t, suites)

	suites, err = s.SuitesWithJobsInProgress(ctx, pr.ID, cs.Plan)
	require.NoError(t, err)
	assert.Len(t, suites, 1)
}

func TestSupersessionChainColumns(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	ctx := context.Background()

	prev := createTestSuite(t, s, pr.ID)
	next := createTestSuite(t, s, pr.ID)

	stage := &Stage{CheckSuiteID: prev.ID, Name: "build", DisplayName: "Build", Position: 1}
	require.NoError(t, s.CreateStage(ctx, stage))

	require.NoError(t, s.SetStoppedInStage(ctx, prev.ID, stage.ID))
	require.NoError(t, s.SetCancelledPrevious(ctx, next.ID, prev.ID))

	prevReloaded, err := s.CheckSuiteByID(ctx, prev.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.ID, prevReloaded.StoppedInStageID)

	nextReloaded, err := s.CheckSuiteByID(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, prev.ID, nextReloaded.CancelledPreviousID)
}

func TestCountReRuns(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	ctx := context.Background()

	createTestSuite(t, s, pr.ID)

	rerun := &CheckSuite{
		PullRequestID: pr.ID,
		Author:        "jdoe",
		CommitSHA:     "abcdef0123",
		ReRun:         true,
	}
	require.NoError(t, s.CreateCheckSuite(ctx, rerun))

	cnt, err := s.CountReRuns(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cnt)
}

func TestUnfinishedCheckSuites(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	ctx := context.Background()

	open := createTestSuite(t, s, pr.ID)
	done := createTestSuite(t, s, pr.ID)

	_, err := s.MarkSuiteFinished(ctx, done.ID)
	require.NoError(t, err)

	suites, err := s.UnfinishedCheckSuites(ctx)
	require.NoError(t, err)
	require.Len(t, suites, 1)
	assert.Equal(t, open.ID, suites[0].ID)
}
