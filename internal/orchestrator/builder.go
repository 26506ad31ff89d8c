package orchestrator

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/netdef/bambridge/internal/bambooclt"
	"github.com/netdef/bambridge/internal/cierr"
	"github.com/netdef/bambridge/internal/githubclt"
	"github.com/netdef/bambridge/internal/logfields"
	"github.com/netdef/bambridge/internal/store"
)

// BuildRequest describes one execution attempt to create.
type BuildRequest struct {
	RepositoryOwner string
	Repository      string
	PullRequestNr   int
	Author          string
	CommitSHA       string
	BaseSHA         string
	Branch          string
	MergeBranch     string
	// Plan overrides the PR's default plan, empty means resolve it.
	Plan  string
	ReRun bool
	Sync  bool
}

// Build creates one execution attempt for a commit: the check suite
// with its stages, the backend plan build, the job rows and their
// GitHub check runs, and the watchdog timer.
// It terminates in a Result tuple, the returned check suite is nil when
// none was created.
func (o *Orchestrator) Build(ctx context.Context, req *BuildRequest) (cierr.Result, *store.CheckSuite) {
	logger := o.logger.With(
		logfields.Repository(fullRepoName(req.RepositoryOwner, req.Repository)),
		logfields.PullRequest(req.PullRequestNr),
		logfields.Commit(req.CommitSHA),
	)

	pr, err := o.store.UpsertPullRequest(ctx,
		fullRepoName(req.RepositoryOwner, req.Repository),
		req.PullRequestNr, req.Author, req.Branch,
	)
	if err != nil {
		logger.Error("resolving pull request failed",
			logfields.Event("build_pull_request_resolution_failed"), zap.Error(err))
		return cierr.ResultFromError(err), nil
	}

	plan := req.Plan
	if plan == "" {
		plan = pr.DefaultPlan
	}
	if plan == "" {
		plan = o.defaultPlan
	}

	cs := &store.CheckSuite{
		PullRequestID: pr.ID,
		Author:        req.Author,
		CommitSHA:     req.CommitSHA,
		BaseSHA:       req.BaseSHA,
		Branch:        req.Branch,
		MergeBranch:   req.MergeBranch,
		Plan:          plan,
		ReRun:         req.ReRun,
		Sync:          req.Sync,
	}

	if err := o.store.CreateCheckSuite(ctx, cs); err != nil {
		logger.Error("creating check suite failed",
			logfields.Event("build_check_suite_creation_failed"), zap.Error(err))
		return cierr.ResultFromError(err), nil
	}

	logger = logger.With(logfields.CheckSuite(cs.ID), logfields.Plan(plan))

	if err := o.createStages(ctx, req, cs); err != nil {
		logger.Error("creating stages failed",
			logfields.Event("build_stage_creation_failed"), zap.Error(err))
		o.abortBuild(ctx, req, cs, logger)
		return cierr.ResultFromError(err), cs
	}

	submitted, err := o.submitBuild(ctx, req, cs)
	if err != nil {
		logger.Warn("submitting build to backend failed",
			logfields.Event("build_backend_submit_failed"), zap.Error(err))
		o.abortBuild(ctx, req, cs, logger)
		return cierr.ResultFromError(err), cs
	}

	logger = logger.With(logfields.BambooRef(submitted.Reference))

	runningJobs, err := o.bamboo.FetchRunningJobs(ctx, submitted.Reference)
	if err != nil {
		logger.Warn("fetching running jobs failed",
			logfields.Event("build_running_jobs_fetch_failed"), zap.Error(err))
		o.abortBuild(ctx, req, cs, logger)
		return cierr.ResultFromError(err), cs
	}

	if len(runningJobs) == 0 {
		logger.Warn("backend scheduled no jobs, check suite failed",
			logfields.Event("build_no_jobs_scheduled"))
		o.abortBuild(ctx, req, cs, logger)

		return cierr.ResultFromError(fmt.Errorf("plan %s: %w", plan, cierr.ErrNoJobsScheduled)), cs
	}

	if err := o.createJobs(ctx, req, cs, runningJobs); err != nil {
		logger.Error("creating jobs failed",
			logfields.Event("build_job_creation_failed"), zap.Error(err))
		o.abortBuild(ctx, req, cs, logger)
		return cierr.ResultFromError(err), cs
	}

	o.armWatchdog(cs.ID)
	metrics.builtSuites.Inc()

	logger.Info("check suite built",
		logfields.Event("check_suite_built"),
		zap.Int("ci.job_count", len(runningJobs)),
	)

	return cierr.OK(fmt.Sprintf("check suite %d created with %d jobs", cs.ID, len(runningJobs))), cs
}

// createStages instantiates one stage per configured template.
// Templates flagged start_in_progress begin in progress and get their
// check run immediately.
func (o *Orchestrator) createStages(ctx context.Context, req *BuildRequest, cs *store.CheckSuite) error {
	for _, config := range o.stages.All() {
		status := store.StatusQueued
		if config.StartInProgress {
			status = store.StatusInProgress
		}

		st := &store.Stage{
			CheckSuiteID:    cs.ID,
			Name:            config.Name,
			DisplayName:     config.DisplayName,
			Position:        config.Position,
			Mandatory:       config.Mandatory,
			CanRetry:        config.CanRetry,
			StartInProgress: config.StartInProgress,
			Status:          status,
		}

		if err := o.store.CreateStage(ctx, st); err != nil {
			return err
		}

		if err := o.store.RecordStatusAudit(ctx, st.ID, status, store.ActorGithub); err != nil {
			return err
		}

		if config.StartInProgress {
			o.createStageCheckRun(ctx, req.RepositoryOwner, req.Repository, req.CommitSHA, st)
		}
	}

	return nil
}

// abortBuild closes out a check suite whose execution never started:
// unfinished stages are cancelled, unfinished jobs skipped and the
// suite is marked finished. An open suite without running jobs would
// stay unfinished forever, neither the reconciler, the supersession
// path nor the watchdog ever finds work to close it through.
func (o *Orchestrator) abortBuild(ctx context.Context, req *BuildRequest, cs *store.CheckSuite, logger *zap.Logger) {
	stages, err := o.store.StagesForSuite(ctx, cs.ID)
	if err != nil {
		logger.Error("loading stages of aborted check suite failed",
			logfields.Event("build_abort_failed"), zap.Error(err))
	}

	for _, st := range stages {
		if st.Status.Finished() {
			continue
		}

		changed, err := o.store.SetStageStatus(ctx, st.ID, store.StatusCancelled)
		if err != nil {
			logger.Error("cancelling stage of aborted check suite failed",
				logfields.Event("build_abort_failed"),
				logfields.Stage(st.ID), zap.Error(err))
			continue
		}

		if !changed {
			continue
		}

		if err := o.store.RecordStatusAudit(ctx, st.ID, store.StatusCancelled, store.ActorGithub); err != nil {
			logger.Error("auditing aborted stage failed",
				logfields.Event("build_abort_failed"),
				logfields.Stage(st.ID), zap.Error(err))
		}

		if st.CheckRef != 0 {
			if err := o.github.UpdateCheckRun(ctx, req.RepositoryOwner, req.Repository, st.CheckRef,
				githubclt.CheckStateCancelled, &githubclt.CheckRunOutput{
					Title:   st.DisplayName,
					Summary: "Cancelled: the build could not be started.",
				}); err != nil {
				logger.Warn("updating check run of aborted stage failed",
					logfields.Event("build_abort_failed"),
					logfields.Stage(st.ID), zap.Error(err))
			}
		}
	}

	jobs, err := o.store.JobsForSuite(ctx, cs.ID)
	if err != nil {
		logger.Error("loading jobs of aborted check suite failed",
			logfields.Event("build_abort_failed"), zap.Error(err))
	}

	for _, job := range jobs {
		if job.Status.Finished() {
			continue
		}

		if _, err := o.store.SetJobStatus(ctx, job.ID, store.StatusSkipped); err != nil {
			logger.Error("skipping job of aborted check suite failed",
				logfields.Event("build_abort_failed"),
				logfields.Job(job.ID), zap.Error(err))
		}
	}

	if _, err := o.store.MarkSuiteFinished(ctx, cs.ID); err != nil {
		logger.Error("finishing aborted check suite failed",
			logfields.Event("build_abort_failed"), zap.Error(err))
	}
}

// createStageCheckRun creates the stage's check run and transitions it
// to the stage's current state. GitHub failures are logged, the build
// continues without the check run.
func (o *Orchestrator) createStageCheckRun(ctx context.Context, owner, repo, sha string, st *store.Stage) {
	checkRef, err := o.github.CreateCheckRun(ctx, owner, repo, st.DisplayName, sha)
	if err != nil {
		o.logger.Warn("creating stage check run failed",
			logfields.Event("stage_check_run_creation_failed"),
			logfields.Stage(st.ID), zap.Error(err))
		return
	}

	if err := o.store.SetStageCheckRef(ctx, st.ID, checkRef); err != nil {
		o.logger.Error("storing stage check ref failed",
			logfields.Event("stage_check_ref_store_failed"),
			logfields.Stage(st.ID), zap.Error(err))
		return
	}

	st.CheckRef = checkRef

	if st.Status != store.StatusQueued {
		if err := o.github.UpdateCheckRun(ctx, owner, repo, checkRef, checkStateFromStatus(st.Status), nil); err != nil {
			o.logger.Warn("updating stage check run failed",
				logfields.Event("stage_check_run_update_failed"),
				logfields.Stage(st.ID), zap.Error(err))
		}
	}
}

// submitBuild queues the plan with the CI variables that let the build
// call back authenticated, stores the returned reference and leaves a
// PR/commit breadcrumb comment on the backend's build page.
func (o *Orchestrator) submitBuild(ctx context.Context, req *BuildRequest, cs *store.CheckSuite) (*bambooclt.SubmitResult, error) {
	pr, err := o.store.PullRequestByID(ctx, cs.PullRequestID)
	if err != nil {
		return nil, err
	}

	variables := map[string]string{
		"check_suite_id": strconv.FormatInt(cs.ID, 10),
		"signature":      bambooclt.Signature(o.hmacSecret, cs.ID),
		"pull_request":   strconv.Itoa(pr.Number),
		"branch":         cs.Branch,
		"commit":         cs.CommitSHA,
	}

	submitted, err := o.bamboo.Submit(ctx, cs.Plan, variables)
	if err != nil {
		return nil, err
	}

	if err := o.store.SetSuiteBambooRef(ctx, cs.ID, submitted.Reference); err != nil {
		return nil, err
	}
	cs.BambooRef = submitted.Reference

	comment := fmt.Sprintf("PR #%d, branch %s, commit %s", pr.Number, cs.Branch, cs.CommitSHA)
	if err := o.bamboo.AddComment(ctx, submitted.Reference, comment); err != nil {
		o.logger.Debug("adding backend build comment failed",
			logfields.Event("bamboo_comment_failed"),
			logfields.CheckSuite(cs.ID), zap.Error(err))
	}

	return submitted, nil
}

// createJobs persists one CiJob per backend-scheduled job and creates
// its check run in queued state. Jobs of start_in_progress stages go
// straight to in_progress.
func (o *Orchestrator) createJobs(ctx context.Context, req *BuildRequest, cs *store.CheckSuite, runningJobs []bambooclt.RunningJob) error {
	stages, err := o.store.StagesForSuite(ctx, cs.ID)
	if err != nil {
		return err
	}

	stageForJob := func(jobName string) *store.Stage {
		for _, st := range stages {
			if st.DisplayName == jobName {
				return st
			}
		}

		key := stageGroupKey(jobName)
		for _, st := range stages {
			if stageGroupKey(st.DisplayName) == key {
				return st
			}
		}

		return nil
	}

	for _, running := range runningJobs {
		job := &store.CiJob{
			CheckSuiteID: cs.ID,
			Name:         running.Name,
			BambooJobRef: running.JobRef,
			Status:       store.StatusQueued,
		}

		st := stageForJob(running.Name)
		if st != nil {
			job.StageID = st.ID

			if st.StartInProgress {
				job.Status = store.StatusInProgress
			}
		}

		if err := o.store.CreateJob(ctx, job); err != nil {
			return err
		}

		checkRef, err := o.github.CreateCheckRun(ctx, req.RepositoryOwner, req.Repository, job.Name, cs.CommitSHA)
		if err != nil {
			o.logger.Warn("creating job check run failed",
				logfields.Event("job_check_run_creation_failed"),
				logfields.Job(job.ID), zap.Error(err))
			continue
		}

		if err := o.store.SetJobCheckRef(ctx, job.ID, checkRef); err != nil {
			return err
		}

		if job.Status == store.StatusInProgress {
			output := &githubclt.CheckRunOutput{
				Title:   job.Name,
				Summary: fmt.Sprintf("Build started: %s", o.bamboo.BuildPageURL(cs.BambooRef)),
			}

			if err := o.github.UpdateCheckRun(ctx, req.RepositoryOwner, req.Repository, checkRef, githubclt.CheckStateInProgress, output); err != nil {
				o.logger.Warn("updating job check run failed",
					logfields.Event("job_check_run_update_failed"),
					logfields.Job(job.ID), zap.Error(err))
			}
		}
	}

	return nil
}

func (o *Orchestrator) armWatchdog(suiteID int64) {
	o.watchdogTimers.Schedule(suiteID, watchdogInterval, func() {
		o.Sweep(context.Background(), suiteID)
	})
}
