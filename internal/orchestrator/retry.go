package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/netdef/bambridge/internal/cierr"
	"github.com/netdef/bambridge/internal/githubclt"
	"github.com/netdef/bambridge/internal/logfields"
	"github.com/netdef/bambridge/internal/store"
)

// RetryUser identifies who triggered a manual retry, taken from the
// webhook sender.
type RetryUser struct {
	ID    int64
	Login string
	Type  string
}

// PartialRetry re-queues the failed jobs of one stage and resumes the
// backend build under its existing reference.
// It refuses with AlreadyInProgress while any job of the suite is still
// running; in that case the stage is forced to failure with an
// explanatory check run and the PR participants are notified, instead
// of silently dropping the request.
func (o *Orchestrator) PartialRetry(ctx context.Context, stageID int64, user *RetryUser) cierr.Result {
	logger := o.logger.With(logfields.Stage(stageID), logfields.Actor(user.Login))

	stage, err := o.store.StageByID(ctx, stageID)
	if err != nil {
		return cierr.ResultFromError(err)
	}

	if !stage.CanRetry {
		metrics.retryRejections.Inc()
		return cierr.ResultFromError(fmt.Errorf("stage %q does not support retries: %w",
			stage.DisplayName, cierr.ErrValidation))
	}

	env, err := o.suiteEnv(ctx, stage.CheckSuiteID)
	if err != nil {
		return cierr.ResultFromError(err)
	}

	suiteJobs, err := o.store.JobsForSuite(ctx, env.suite.ID)
	if err != nil {
		return cierr.ResultFromError(err)
	}

	for _, job := range suiteJobs {
		if job.Status == store.StatusInProgress {
			return o.rejectRunningRetry(ctx, env, stage)
		}
	}

	if err := o.store.IncrementSuiteRetry(ctx, env.suite.ID); err != nil {
		return cierr.ResultFromError(err)
	}

	stageJobs, err := o.store.JobsForStage(ctx, stage.ID)
	if err != nil {
		return cierr.ResultFromError(err)
	}

	for _, job := range stageJobs {
		if !job.Status.Failed() {
			continue
		}

		changed, err := o.store.SetJobStatus(ctx, job.ID, store.StatusQueued)
		if err != nil {
			return cierr.ResultFromError(err)
		}

		if !changed {
			continue
		}

		if err := o.store.IncrementJobRetry(ctx, job.ID); err != nil {
			return cierr.ResultFromError(err)
		}

		job.Status = store.StatusQueued
		o.updateJobCheckRun(ctx, env, job, &githubclt.CheckRunOutput{
			Title:   job.Name,
			Summary: fmt.Sprintf("Retried by %s.", user.Login),
		})
	}

	if changed, err := o.store.SetStageStatus(ctx, stage.ID, store.StatusQueued); err != nil {
		return cierr.ResultFromError(err)
	} else if changed {
		if err := o.store.RecordStatusAudit(ctx, stage.ID, store.StatusQueued, store.ActorGithub); err != nil {
			return cierr.ResultFromError(err)
		}

		o.updateStageCheckRun(ctx, env, stage, githubclt.CheckStateQueued, &githubclt.CheckRunOutput{
			Title:   stage.DisplayName,
			Summary: fmt.Sprintf("Retried by %s.", user.Login),
		})
	}

	if err := o.bamboo.Restart(ctx, env.suite.BambooRef); err != nil {
		logger.Warn("restarting backend build failed",
			logfields.Event("retry_backend_restart_failed"), zap.Error(err))
		return cierr.ResultFromError(err)
	}

	o.reconcileUnavailableJobs(ctx, env, env.suite, 0)

	if err := o.recordRetryAudit(ctx, env.suite.ID, user, store.RetryTypePartial); err != nil {
		return cierr.ResultFromError(err)
	}

	o.armWatchdog(env.suite.ID)

	logger.Info("stage retried",
		logfields.Event("stage_retried"),
		logfields.CheckSuite(env.suite.ID),
		logfields.StageName(stage.DisplayName),
	)

	return cierr.OK(fmt.Sprintf("stage %q retried", stage.DisplayName))
}

// rejectRunningRetry handles a retry request that raced an execution
// still in flight: the target stage is forced to failure, the PR
// participants are told why and the caller gets the 406-shaped tuple.
func (o *Orchestrator) rejectRunningRetry(ctx context.Context, env *suiteEnv, stage *store.Stage) cierr.Result {
	metrics.retryRejections.Inc()

	if changed, err := o.store.SetStageStatus(ctx, stage.ID, store.StatusFailure); err != nil {
		return cierr.ResultFromError(err)
	} else if changed {
		if err := o.store.RecordStatusAudit(ctx, stage.ID, store.StatusFailure, store.ActorGithub); err != nil {
			return cierr.ResultFromError(err)
		}
	}

	o.updateStageCheckRun(ctx, env, stage, githubclt.CheckStateFailure, &githubclt.CheckRunOutput{
		Title:   stage.DisplayName,
		Summary: "Retry refused: this check suite still has jobs in progress. Wait for them to finish and retry again.",
	})

	o.notifyParticipants(ctx, env, fmt.Sprintf(
		"retry of %q for %s#%d refused: jobs are still in progress",
		stage.DisplayName, env.pr.Repository, env.pr.Number,
	))

	return cierr.ResultFromError(cierr.ErrAlreadyInProgress)
}

// FullReRun creates a brand-new check suite for the PR's current
// commit, superseding the running execution and enforcing the group
// re-run quota.
func (o *Orchestrator) FullReRun(ctx context.Context, prID int64, user *RetryUser, plan string) (cierr.Result, *store.CheckSuite) {
	logger := o.logger.With(logfields.Actor(user.Login))

	// The sender identity in a webhook can lag behind account renames.
	// Resolve the login against GitHub before consulting the quota
	// group; a login GitHub no longer knows may not trigger re-runs.
	// Lookup failures keep the webhook identity, the quota check below
	// still gates the request.
	profile, err := o.github.FetchUsername(ctx, user.Login)
	switch {
	case err != nil:
		logger.Debug("resolving github user failed",
			logfields.Event("rerun_user_resolution_failed"), zap.Error(err))
	case profile == nil:
		metrics.retryRejections.Inc()
		return cierr.ResultFromError(fmt.Errorf("unknown github user %q: %w",
			user.Login, cierr.ErrValidation)), nil
	default:
		user = &RetryUser{ID: profile.ID, Login: profile.Login, Type: profile.Type}
	}

	group, err := o.store.FeatureForLogin(ctx, user.Login)
	if errors.Is(err, cierr.ErrNotFound) || (err == nil && !group.RerunAllowed) {
		metrics.retryRejections.Inc()
		return cierr.ResultFromError(fmt.Errorf("user %q may not trigger re-runs: %w",
			user.Login, cierr.ErrQuotaExceeded)), nil
	}
	if err != nil {
		return cierr.ResultFromError(err), nil
	}

	reRuns, err := o.store.CountReRuns(ctx, prID)
	if err != nil {
		return cierr.ResultFromError(err), nil
	}

	if group.MaxRerunPerPullRequest > 0 && reRuns >= group.MaxRerunPerPullRequest {
		metrics.retryRejections.Inc()
		return cierr.ResultFromError(fmt.Errorf("%d of %d re-runs used: %w",
			reRuns, group.MaxRerunPerPullRequest, cierr.ErrQuotaExceeded)), nil
	}

	pr, err := o.store.PullRequestByID(ctx, prID)
	if err != nil {
		return cierr.ResultFromError(err), nil
	}

	latest, err := o.store.LatestCheckSuite(ctx, prID)
	if err != nil {
		return cierr.ResultFromError(err), nil
	}

	if plan == "" {
		plan = latest.Plan
	}

	prev, err := o.Supersede(ctx, prID, plan)
	if err != nil {
		return cierr.ResultFromError(err), nil
	}

	owner, repo := splitRepo(pr.Repository)

	result, cs := o.Build(ctx, &BuildRequest{
		RepositoryOwner: owner,
		Repository:      repo,
		PullRequestNr:   pr.Number,
		Author:          latest.Author,
		CommitSHA:       latest.CommitSHA,
		BaseSHA:         latest.BaseSHA,
		Branch:          latest.Branch,
		MergeBranch:     latest.MergeBranch,
		Plan:            plan,
		ReRun:           true,
	})

	if cs != nil && prev != nil {
		if err := o.store.SetCancelledPrevious(ctx, cs.ID, prev.ID); err != nil {
			return cierr.ResultFromError(err), cs
		}
		cs.CancelledPreviousID = prev.ID

		env, err := o.suiteEnv(ctx, prev.ID)
		if err == nil {
			o.reconcileUnavailableJobs(ctx, env, prev, cs.ID)
		}
	}

	auditSuite := latest.ID
	if cs != nil {
		auditSuite = cs.ID
	}

	if err := o.recordRetryAudit(ctx, auditSuite, user, store.RetryTypeFull); err != nil {
		return cierr.ResultFromError(err), cs
	}

	logger.Info("full re-run triggered",
		logfields.Event("full_rerun_triggered"),
		logfields.PullRequest(pr.Number),
		zap.Int("ci.rerun_count", reRuns+1),
	)

	return result, cs
}

// reconcileUnavailableJobs marks jobs of the suite that the backend run
// no longer schedules as skipped, optionally migrating them to a
// successor suite so historical views do not show a permanently stuck
// entry. Backend unavailability degrades to a no-op.
func (o *Orchestrator) reconcileUnavailableJobs(ctx context.Context, env *suiteEnv, suite *store.CheckSuite, migrateTo int64) {
	if suite.BambooRef == "" {
		return
	}

	running, err := o.bamboo.FetchRunningJobs(ctx, suite.BambooRef)
	if err != nil {
		o.logger.Debug("fetching running jobs for unavailable-job reconciliation failed",
			logfields.Event("unavailable_jobs_fetch_failed"),
			logfields.CheckSuite(suite.ID), zap.Error(err))
		return
	}

	available := make(map[string]struct{}, len(running))
	for _, r := range running {
		available[r.Name] = struct{}{}
	}

	jobs, err := o.store.JobsForSuite(ctx, suite.ID)
	if err != nil {
		o.logger.Error("loading jobs for unavailable-job reconciliation failed",
			logfields.Event("unavailable_jobs_load_failed"),
			logfields.CheckSuite(suite.ID), zap.Error(err))
		return
	}

	for _, job := range jobs {
		if _, exist := available[job.Name]; exist {
			continue
		}

		if job.Status == store.StatusSuccess {
			continue
		}

		changed, err := o.store.SetJobStatus(ctx, job.ID, store.StatusSkipped)
		if err != nil {
			o.logger.Error("skipping unavailable job failed",
				logfields.Event("unavailable_job_skip_failed"),
				logfields.Job(job.ID), zap.Error(err))
			continue
		}

		if changed {
			job.Status = store.StatusSkipped

			msg := "Job skipped: the backend run no longer schedules it."
			if err := o.store.SetJobSummary(ctx, job.ID, msg); err == nil {
				job.Summary = msg
			}

			o.updateJobCheckRun(ctx, env, job, nil)
		}

		if migrateTo != 0 {
			if err := o.store.MigrateJobToSuite(ctx, job.ID, migrateTo); err != nil {
				o.logger.Error("migrating unavailable job failed",
					logfields.Event("unavailable_job_migration_failed"),
					logfields.Job(job.ID), zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) recordRetryAudit(ctx context.Context, suiteID int64, user *RetryUser, retryType string) error {
	if err := o.store.UpsertGithubUser(ctx, &store.GithubUser{Login: user.Login, UserType: user.Type}); err != nil {
		return err
	}

	return o.store.RecordRetryAudit(ctx, &store.AuditRetry{
		CheckSuiteID: suiteID,
		UserID:       user.ID,
		Login:        user.Login,
		UserType:     user.Type,
		RetryType:    retryType,
	})
}

// notifyParticipants fans a message out to everybody involved in the
// pull request. GitHub lookup failures degrade to notifying the suite
// author only.
func (o *Orchestrator) notifyParticipants(ctx context.Context, env *suiteEnv, message string) {
	participants, err := o.github.PRParticipants(ctx, env.owner, env.repo, env.pr.Number)
	if err != nil || len(participants) == 0 {
		if err != nil {
			o.logger.Debug("fetching PR participants failed",
				logfields.Event("pr_participants_fetch_failed"),
				logfields.PullRequest(env.pr.Number), zap.Error(err))
		}

		o.notifier.Notify(ctx, env.suite.Author, message)
		return
	}

	for _, login := range participants {
		o.notifier.Notify(ctx, login, message)
	}
}
