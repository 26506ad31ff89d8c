package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdef/bambridge/internal/cierr"
)

func TestCreateJobValidation(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	cs := createTestSuite(t, s, pr.ID)

	err := s.CreateJob(context.Background(), &CiJob{CheckSuiteID: cs.ID})
	require.ErrorIs(t, err, cierr.ErrValidation)
}

func TestSetJobStatusReportsChangeAndBumpsTimestamp(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	cs := createTestSuite(t, s, pr.ID)
	ctx := context.Background()

	job := &CiJob{CheckSuiteID: cs.ID, Name: "build amd64"}
	require.NoError(t, s.CreateJob(ctx, job))

	changed, err := s.SetJobStatus(ctx, job.ID, StatusInProgress)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.SetJobStatus(ctx, job.ID, StatusInProgress)
	require.NoError(t, err)
	assert.False(t, changed)

	reloaded, err := s.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, reloaded.Status)
	assert.False(t, reloaded.UpdatedAt.Before(job.UpdatedAt))
}

func TestJobLookupsByExternalRefs(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	cs := createTestSuite(t, s, pr.ID)
	ctx := context.Background()

	job := &CiJob{CheckSuiteID: cs.ID, Name: "build amd64", BambooJobRef: "CI-FRR-BUILD-17"}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.SetJobCheckRef(ctx, job.ID, 9001))

	byBamboo, err := s.JobByBambooRef(ctx, "CI-FRR-BUILD-17")
	require.NoError(t, err)
	assert.Equal(t, job.ID, byBamboo.ID)

	byCheck, err := s.JobByCheckRef(ctx, 9001)
	require.NoError(t, err)
	assert.Equal(t, job.ID, byCheck.ID)

	_, err = s.JobByBambooRef(ctx, "CI-FRR-NOPE-1")
	require.ErrorIs(t, err, cierr.ErrNotFound)
}

func TestAttachAndMigrateJob(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	cs := createTestSuite(t, s, pr.ID)
	successor := createTestSuite(t, s, pr.ID)
	ctx := context.Background()

	stage := &Stage{CheckSuiteID: cs.ID, Name: "build", DisplayName: "Build", Position: 2}
	require.NoError(t, s.CreateStage(ctx, stage))

	job := &CiJob{CheckSuiteID: cs.ID, Name: "build amd64"}
	require.NoError(t, s.CreateJob(ctx, job))
	assert.Zero(t, job.StageID)

	require.NoError(t, s.AttachJobToStage(ctx, job.ID, stage.ID))

	reloaded, err := s.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.ID, reloaded.StageID)

	require.NoError(t, s.MigrateJobToSuite(ctx, job.ID, successor.ID))

	reloaded, err = s.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, successor.ID, reloaded.CheckSuiteID)
	assert.Zero(t, reloaded.StageID)
}

func TestJobsForStageAndSuite(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	cs := createTestSuite(t, s, pr.ID)
	ctx := context.Background()

	stage := &Stage{CheckSuiteID: cs.ID, Name: "build", DisplayName: "Build", Position: 2}
	require.NoError(t, s.CreateStage(ctx, stage))

	staged := &CiJob{CheckSuiteID: cs.ID, StageID: stage.ID, Name: "build amd64"}
	require.NoError(t, s.CreateJob(ctx, staged))

	flat := &CiJob{CheckSuiteID: cs.ID, Name: "legacy check"}
	require.NoError(t, s.CreateJob(ctx, flat))

	stageJobs, err := s.JobsForStage(ctx, stage.ID)
	require.NoError(t, err)
	require.Len(t, stageJobs, 1)
	assert.Equal(t, staged.ID, stageJobs[0].ID)

	suiteJobs, err := s.JobsForSuite(ctx, cs.ID)
	require.NoError(t, err)
	assert.Len(t, suiteJobs, 2)
}

func TestLastJobUpdate(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	cs := createTestSuite(t, s, pr.ID)
	ctx := context.Background()

	ts, err := s.LastJobUpdate(ctx, cs.ID)
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	job := &CiJob{CheckSuiteID: cs.ID, Name: "build amd64"}
	require.NoError(t, s.CreateJob(ctx, job))

	ts, err = s.LastJobUpdate(ctx, cs.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}

func TestIncrementJobRetry(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	cs := createTestSuite(t, s, pr.ID)
	ctx := context.Background()

	job := &CiJob{CheckSuiteID: cs.ID, Name: "build amd64"}
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.IncrementJobRetry(ctx, job.ID))
	require.NoError(t, s.IncrementJobRetry(ctx, job.ID))

	reloaded, err := s.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.RetryCount)
}
