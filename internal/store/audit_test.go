package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageExecutionBounds(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	cs := createTestSuite(t, s, pr.ID)
	ctx := context.Background()

	stage := &Stage{CheckSuiteID: cs.ID, Name: "build", DisplayName: "Build", Position: 2}
	require.NoError(t, s.CreateStage(ctx, stage))

	_, _, ok, err := s.StageExecutionBounds(ctx, stage.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RecordStatusAudit(ctx, stage.ID, StatusInProgress, ActorGithub))

	_, _, ok, err = s.StageExecutionBounds(ctx, stage.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RecordStatusAudit(ctx, stage.ID, StatusSuccess, ActorGithub))

	started, finished, ok, err := s.StageExecutionBounds(ctx, stage.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, finished.Before(started))
}

func TestStageExecutionBoundsUseFirstTransitions(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	cs := createTestSuite(t, s, pr.ID)
	ctx := context.Background()

	stage := &Stage{CheckSuiteID: cs.ID, Name: "build", DisplayName: "Build", Position: 2}
	require.NoError(t, s.CreateStage(ctx, stage))

	require.NoError(t, s.RecordStatusAudit(ctx, stage.ID, StatusInProgress, ActorGithub))
	require.NoError(t, s.RecordStatusAudit(ctx, stage.ID, StatusFailure, ActorGithub))
	require.NoError(t, s.RecordStatusAudit(ctx, stage.ID, StatusInProgress, ActorGithub))
	require.NoError(t, s.RecordStatusAudit(ctx, stage.ID, StatusSuccess, ActorWatchDog))

	started, finished, ok, err := s.StageExecutionBounds(ctx, stage.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, started.IsZero())
	assert.False(t, finished.Before(started))
}

func TestRetryAuditTrail(t *testing.T) {
	s := setupTestDB(t)
	pr := createTestPR(t, s)
	cs := createTestSuite(t, s, pr.ID)
	ctx := context.Background()

	require.NoError(t, s.RecordRetryAudit(ctx, &AuditRetry{
		CheckSuiteID: cs.ID,
		UserID:       1001,
		Login:        "alice",
		UserType:     "User",
		RetryType:    RetryTypePartial,
	}))
	require.NoError(t, s.RecordRetryAudit(ctx, &AuditRetry{
		CheckSuiteID: cs.ID,
		UserID:       1002,
		Login:        "bob",
		UserType:     "User",
		RetryType:    RetryTypeFull,
	}))

	audits, err := s.RetryAuditsForSuite(ctx, cs.ID)
	require.NoError(t, err)
	require.Len(t, audits, 2)

	assert.Equal(t, "alice", audits[0].Login)
	assert.Equal(t, RetryTypePartial, audits[0].RetryType)
	assert.Equal(t, "bob", audits[1].Login)
	assert.Equal(t, RetryTypeFull, audits[1].RetryType)
}
