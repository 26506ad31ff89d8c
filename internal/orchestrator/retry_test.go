package orchestrator

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdef/bambridge/internal/cfg"
	"github.com/netdef/bambridge/internal/store"
)

func testRetryUser() *RetryUser {
	return &RetryUser{ID: 1001, Login: "alice", Type: "User"}
}

// finishSuite drives every job of the standard build to success.
func finishSuite(t *testing.T, f *fixture) {
	t.Helper()

	for _, ref := range []string{"CI-FRR-FIRST-1", "CI-FRR-BUILDA-1", "CI-FRR-BUILDB-1", "CI-FRR-TOPO-1"} {
		f.applyBambooState(t, ref, "Successful")
	}
}

func TestPartialRetryRefusedWhileJobsRun(t *testing.T) {
	f := newTestOrchestrator(t)
	cs := f.mustBuild(t)
	ctx := context.Background()

	// the First Test job is still in progress
	buildStage := f.stageByName(t, cs.ID, "Build")

	result := f.orc.PartialRetry(ctx, buildStage.ID, testRetryUser())
	assert.Equal(t, http.StatusNotAcceptable, result.Status)

	// the refusal is made visible instead of silently dropped
	buildStage = f.stageByName(t, cs.ID, "Build")
	assert.Equal(t, store.StatusFailure, buildStage.Status)

	notifications := f.notifier.all()
	require.NotEmpty(t, notifications)
	assert.Equal(t, "jdoe", notifications[0].recipient)
	assert.Contains(t, notifications[0].message, "refused")

	// no job was re-queued
	assert.Equal(t, store.StatusQueued, f.jobByRef(t, "CI-FRR-BUILDA-1").Status)
}

func TestPartialRetryRejectsNonRetryableStage(t *testing.T) {
	f := newTestOrchestrator(t)
	cs := f.mustBuild(t)

	firstStage := f.stageByName(t, cs.ID, "First Test")

	result := f.orc.PartialRetry(context.Background(), firstStage.ID, testRetryUser())
	assert.Equal(t, http.StatusUnprocessableEntity, result.Status)
}

func TestPartialRetryRequeuesFailedJobs(t *testing.T) {
	f := newTestOrchestrator(t)
	cs := f.mustBuild(t)
	ctx := context.Background()

	f.applyBambooState(t, "CI-FRR-FIRST-1", "Successful")
	f.applyBambooState(t, "CI-FRR-BUILDA-1", "Failed")
	f.applyBambooState(t, "CI-FRR-BUILDB-1", "Successful")

	buildStage := f.stageByName(t, cs.ID, "Build")
	require.Equal(t, store.StatusFailure, buildStage.Status)

	result := f.orc.PartialRetry(ctx, buildStage.ID, testRetryUser())
	require.True(t, result.Success(), "retry failed: %d %s", result.Status, result.Message)

	// the failed job is queued again, the succeeded one untouched
	failed := f.jobByRef(t, "CI-FRR-BUILDA-1")
	assert.Equal(t, store.StatusQueued, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, store.StatusSuccess, f.jobByRef(t, "CI-FRR-BUILDB-1").Status)

	buildStage = f.stageByName(t, cs.ID, "Build")
	assert.Equal(t, store.StatusQueued, buildStage.Status)

	// the backend build resumes under its existing reference
	assert.Equal(t, []string{cs.BambooRef}, f.bamboo.restarted)

	suite, err := f.store.CheckSuiteByID(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, suite.RetryCount)

	audits, err := f.store.RetryAuditsForSuite(ctx, cs.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "alice", audits[0].Login)
	assert.Equal(t, store.RetryTypePartial, audits[0].RetryType)
}

func TestPartialRetryBackendRestartFailure(t *testing.T) {
	f := newTestOrchestrator(t)
	cs := f.mustBuild(t)

	f.applyBambooState(t, "CI-FRR-FIRST-1", "Successful")
	f.applyBambooState(t, "CI-FRR-BUILDA-1", "Failed")
	f.applyBambooState(t, "CI-FRR-BUILDB-1", "Successful")

	f.bamboo.restartErr = context.DeadlineExceeded

	buildStage := f.stageByName(t, cs.ID, "Build")
	result := f.orc.PartialRetry(context.Background(), buildStage.ID, testRetryUser())

	assert.False(t, result.Success())
}

func TestFullReRunRequiresGroupMembership(t *testing.T) {
	f := newTestOrchestrator(t)
	cs := f.mustBuild(t)

	result, successor := f.orc.FullReRun(context.Background(), cs.PullRequestID, testRetryUser(), "")

	assert.Equal(t, http.StatusForbidden, result.Status)
	assert.Nil(t, successor)
}

func TestFullReRunRejectsUnknownGithubUser(t *testing.T) {
	f := newTestOrchestrator(t)
	cs := f.mustBuild(t)
	ctx := context.Background()

	require.NoError(t, f.store.SeedGroups(ctx, []cfg.Group{
		{Name: "maintainers", RerunAllowed: true, Members: []string{"alice"}},
	}))

	// GitHub does not know the sender anymore, group membership alone
	// must not let the re-run through
	f.github.unknownUsers = map[string]bool{"alice": true}

	result, successor := f.orc.FullReRun(ctx, cs.PullRequestID, testRetryUser(), "")

	assert.Equal(t, http.StatusUnprocessableEntity, result.Status)
	assert.Nil(t, successor)
}

func TestFullReRunEnforcesQuota(t *testing.T) {
	f := newTestOrchestrator(t)
	cs := f.mustBuild(t)
	ctx := context.Background()

	require.NoError(t, f.store.SeedGroups(ctx, []cfg.Group{
		{Name: "maintainers", RerunAllowed: true, MaxRerunPerPullRequest: 1, Members: []string{"alice"}},
	}))

	finishSuite(t, f)

	result, successor := f.orc.FullReRun(ctx, cs.PullRequestID, testRetryUser(), "")
	require.True(t, result.Success(), "first re-run failed: %d %s", result.Status, result.Message)
	require.NotNil(t, successor)

	result, successor = f.orc.FullReRun(ctx, cs.PullRequestID, testRetryUser(), "")
	assert.Equal(t, http.StatusForbidden, result.Status)
	assert.Nil(t, successor)
}

func TestFullReRunSupersedesRunningSuite(t *testing.T) {
	f := newTestOrchestrator(t)
	cs := f.mustBuild(t)
	ctx := context.Background()

	require.NoError(t, f.store.SeedGroups(ctx, []cfg.Group{
		{Name: "maintainers", RerunAllowed: true, Members: []string{"alice"}},
	}))

	// First Test job is in progress, the running suite gets superseded
	result, successor := f.orc.FullReRun(ctx, cs.PullRequestID, testRetryUser(), "")
	require.True(t, result.Success(), "re-run failed: %d %s", result.Status, result.Message)
	require.NotNil(t, successor)

	assert.True(t, successor.ReRun)
	assert.Equal(t, cs.ID, successor.CancelledPreviousID)
	assert.Equal(t, cs.CommitSHA, successor.CommitSHA)

	prev, err := f.store.CheckSuiteByID(ctx, cs.ID)
	require.NoError(t, err)
	assert.True(t, prev.Finished)

	audits, err := f.store.RetryAuditsForSuite(ctx, successor.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, store.RetryTypeFull, audits[0].RetryType)
}
