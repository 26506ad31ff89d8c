package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/netdef/bambridge/internal/cierr"
	"github.com/netdef/bambridge/internal/githubclt"
	"github.com/netdef/bambridge/internal/logfields"
	"github.com/netdef/bambridge/internal/store"
)

// suiteEnv bundles the lookups every reconciliation pass needs.
type suiteEnv struct {
	suite *store.CheckSuite
	pr    *store.PullRequest
	owner string
	repo  string
}

func (o *Orchestrator) suiteEnv(ctx context.Context, suiteID int64) (*suiteEnv, error) {
	suite, err := o.store.CheckSuiteByID(ctx, suiteID)
	if err != nil {
		return nil, err
	}

	pr, err := o.store.PullRequestByID(ctx, suite.PullRequestID)
	if err != nil {
		return nil, err
	}

	owner, repo := splitRepo(pr.Repository)

	return &suiteEnv{suite: suite, pr: pr, owner: owner, repo: repo}, nil
}

// ApplyJobState applies one backend-reported job state and runs a
// reconciliation pass for the job's stage.
// Unrecognized backend states and reports for already-terminal jobs are
// dropped, re-applying the same terminal state is a no-op. Safe to call
// redundantly from the webhook, poll and watchdog paths.
func (o *Orchestrator) ApplyJobState(ctx context.Context, jobID int64, backendState string) error {
	status, actor, ok := statusFromBambooState(backendState)
	if !ok {
		o.logger.Debug("ignoring unrecognized backend job state",
			logfields.Event("backend_state_ignored"),
			logfields.Job(jobID),
			zap.String("ci.backend_state", backendState),
		)
		return nil
	}

	job, err := o.store.JobByID(ctx, jobID)
	if err != nil {
		return err
	}

	// terminal states are final, late reports for cancelled or
	// finished jobs are dropped
	if job.Status.Finished() {
		return nil
	}

	env, err := o.suiteEnv(ctx, job.CheckSuiteID)
	if err != nil {
		return err
	}

	changed, err := o.store.SetJobStatus(ctx, job.ID, status)
	if err != nil {
		return err
	}

	if changed {
		// updated_at still carries the in_progress transition here,
		// its distance to now is the job's run time
		if status.Finished() && job.Status == store.StatusInProgress {
			if err := o.store.SetJobExecutionTime(ctx, job.ID, time.Since(job.UpdatedAt)); err != nil {
				return err
			}
		}

		job.Status = status
		o.updateJobCheckRun(ctx, env, job, nil)

		if status == store.StatusFailure {
			o.scheduleTopotestFetch(job.ID, 1)
		}
	}

	return o.reconcileJob(ctx, env, job, false, actor)
}

// Reconcile runs a reconciliation pass for the stage of the given job.
func (o *Orchestrator) Reconcile(ctx context.Context, jobID int64) error {
	job, err := o.store.JobByID(ctx, jobID)
	if err != nil {
		return err
	}

	env, err := o.suiteEnv(ctx, job.CheckSuiteID)
	if err != nil {
		return err
	}

	return o.reconcileJob(ctx, env, job, false, store.ActorGithub)
}

func (o *Orchestrator) reconcileJob(ctx context.Context, env *suiteEnv, job *store.CiJob, hanged bool, actor string) error {
	if job.StageID == 0 {
		if err := o.attachLegacyJob(ctx, env, job); err != nil {
			return err
		}
	}

	if job.StageID != 0 {
		stage, err := o.store.StageByID(ctx, job.StageID)
		if err != nil {
			return err
		}

		if err := o.reconcileStage(ctx, env, stage, hanged, actor); err != nil {
			return err
		}
	}

	return o.finishSuiteIfDone(ctx, env)
}

// reconcileStage recomputes the stage's aggregate status from its
// jobs and applies the cascading effects of a finished stage.
// With hanged set, jobs that are still queued or in progress are
// skipped first, forcing the finish path.
func (o *Orchestrator) reconcileStage(ctx context.Context, env *suiteEnv, stage *store.Stage, hanged bool, actor string) error {
	metrics.reconcilePasses.Inc()

	// reload, a concurrent pass may have transitioned it
	stage, err := o.store.StageByID(ctx, stage.ID)
	if err != nil {
		return err
	}

	// cancelled stages are frozen, later status events are dropped
	if stage.Status == store.StatusCancelled {
		return nil
	}

	jobs, err := o.store.JobsForStage(ctx, stage.ID)
	if err != nil {
		return err
	}

	if hanged {
		for _, job := range jobs {
			if job.Status.Finished() {
				continue
			}

			changed, err := o.store.SetJobStatus(ctx, job.ID, store.StatusSkipped)
			if err != nil {
				return err
			}

			if changed {
				job.Status = store.StatusSkipped
				o.updateJobCheckRun(ctx, env, job, &githubclt.CheckRunOutput{
					Title:   job.Name,
					Summary: "Job skipped: the execution stopped reporting progress.",
				})
			}
		}
	}

	finished := true
	anyFailed := false
	anyInProgress := false

	for _, job := range jobs {
		switch job.Status {
		case store.StatusQueued:
			finished = false
		case store.StatusInProgress:
			finished = false
			anyInProgress = true
		case store.StatusFailure:
			anyFailed = true
		}
	}

	if len(jobs) == 0 {
		if !hanged {
			// nothing to aggregate yet, jobs have not been reported
			return nil
		}

		// the backend never scheduled jobs for this stage and the
		// suite hung, close the stage out
		changed, err := o.store.SetStageStatus(ctx, stage.ID, store.StatusSkipped)
		if err != nil {
			return err
		}

		if changed {
			stage.Status = store.StatusSkipped
			if err := o.store.RecordStatusAudit(ctx, stage.ID, store.StatusSkipped, actor); err != nil {
				return err
			}

			o.updateStageCheckRun(ctx, env, stage, githubclt.CheckStateSkipped, nil)
		}

		return nil
	}

	if !finished {
		if anyInProgress && stage.Status == store.StatusQueued {
			changed, err := o.store.SetStageStatus(ctx, stage.ID, store.StatusInProgress)
			if err != nil {
				return err
			}

			if changed {
				stage.Status = store.StatusInProgress
				if err := o.store.RecordStatusAudit(ctx, stage.ID, store.StatusInProgress, actor); err != nil {
					return err
				}
			}
		}

		o.updateStageCheckRun(ctx, env, stage, githubclt.CheckStateInProgress, o.stageSummary(env, stage, jobs))

		return nil
	}

	target := store.StatusSuccess
	if anyFailed {
		target = store.StatusFailure
	}

	changed, err := o.store.SetStageStatus(ctx, stage.ID, target)
	if err != nil {
		return err
	}

	if changed {
		stage.Status = target

		if err := o.store.RecordStatusAudit(ctx, stage.ID, target, actor); err != nil {
			return err
		}

		if err := o.recordExecutionTime(ctx, stage.ID); err != nil {
			return err
		}

		o.updateStageCheckRun(ctx, env, stage, checkStateFromStatus(target), o.stageSummary(env, stage, jobs))

		o.logger.Info("stage finished",
			logfields.Event("stage_finished"),
			logfields.CheckSuite(env.suite.ID),
			logfields.Stage(stage.ID),
			logfields.StageName(stage.DisplayName),
			zap.Stringer("ci.status", target),
		)
	}

	allStages, err := o.store.StagesForSuite(ctx, env.suite.ID)
	if err != nil {
		return err
	}

	if target == store.StatusFailure && stage.Mandatory {
		if err := o.cascadeCancellation(ctx, env, stage, allStages, actor); err != nil {
			return err
		}
	} else if target == store.StatusSuccess {
		if err := o.advanceNextStages(ctx, env, stage, allStages, actor); err != nil {
			return err
		}
	}

	// back-propagation: a later stage's terminal event can arrive
	// before an earlier stage's, re-run finish detection for ordering
	// predecessors that still look unfinished
	for _, prev := range previousStages(allStages, stage) {
		if prev.Status == store.StatusQueued || prev.Status == store.StatusInProgress {
			if err := o.reconcileStage(ctx, env, prev, hanged, actor); err != nil {
				return err
			}
		}
	}

	return nil
}

// cascadeCancellation cancels every stage at a strictly greater
// position than the failed mandatory stage, including their jobs and
// check runs.
func (o *Orchestrator) cascadeCancellation(ctx context.Context, env *suiteEnv, failed *store.Stage, allStages []*store.Stage, actor string) error {
	for _, st := range allStages {
		if st.Position <= failed.Position {
			continue
		}

		changed, err := o.store.SetStageStatus(ctx, st.ID, store.StatusCancelled)
		if err != nil {
			return err
		}

		if !changed {
			continue
		}

		metrics.cascadedCancels.Inc()

		if err := o.store.RecordStatusAudit(ctx, st.ID, store.StatusCancelled, actor); err != nil {
			return err
		}

		o.updateStageCheckRun(ctx, env, st, githubclt.CheckStateCancelled, &githubclt.CheckRunOutput{
			Title:   st.DisplayName,
			Summary: fmt.Sprintf("Cancelled: mandatory stage %q failed.", failed.DisplayName),
		})

		jobs, err := o.store.JobsForStage(ctx, st.ID)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			jobChanged, err := o.store.SetJobStatus(ctx, job.ID, store.StatusCancelled)
			if err != nil {
				return err
			}

			if jobChanged {
				job.Status = store.StatusCancelled
				o.updateJobCheckRun(ctx, env, job, nil)
			}
		}

		o.logger.Warn("stage cancelled by failed mandatory stage",
			logfields.Event("stage_cascade_cancelled"),
			logfields.CheckSuite(env.suite.ID),
			logfields.Stage(st.ID),
			logfields.StageName(st.DisplayName),
		)
	}

	return nil
}

// advanceNextStages pushes the unfinished stages at position+1 to
// in_progress and initializes their check-run summaries.
func (o *Orchestrator) advanceNextStages(ctx context.Context, env *suiteEnv, succeeded *store.Stage, allStages []*store.Stage, actor string) error {
	for _, st := range nextStages(allStages, succeeded) {
		if st.Status.Finished() {
			continue
		}

		changed, err := o.store.SetStageStatus(ctx, st.ID, store.StatusInProgress)
		if err != nil {
			return err
		}

		if !changed {
			continue
		}

		st.Status = store.StatusInProgress

		if err := o.store.RecordStatusAudit(ctx, st.ID, store.StatusInProgress, actor); err != nil {
			return err
		}

		jobs, err := o.store.JobsForStage(ctx, st.ID)
		if err != nil {
			return err
		}

		o.updateStageCheckRun(ctx, env, st, githubclt.CheckStateInProgress, o.stageSummary(env, st, jobs))
	}

	return nil
}

// attachLegacyJob resolves the stage of a flat job by its name and
// attaches it, lazily creating the stage when the template exists but
// the stage row does not.
func (o *Orchestrator) attachLegacyJob(ctx context.Context, env *suiteEnv, job *store.CiJob) error {
	config := o.stages.ForJobName(job.Name)
	if config == nil {
		o.logger.Debug("job matches no stage template, staying flat",
			logfields.Event("legacy_job_unassigned"),
			logfields.Job(job.ID),
			logfields.JobName(job.Name),
		)
		return nil
	}

	stage, err := o.store.StageByDisplayName(ctx, env.suite.ID, config.DisplayName)
	if errors.Is(err, cierr.ErrNotFound) {
		stage = &store.Stage{
			CheckSuiteID:    env.suite.ID,
			Name:            config.Name,
			DisplayName:     config.DisplayName,
			Position:        config.Position,
			Mandatory:       config.Mandatory,
			CanRetry:        config.CanRetry,
			StartInProgress: config.StartInProgress,
			Status:          store.StatusQueued,
		}

		if err := o.store.CreateStage(ctx, stage); err != nil {
			return err
		}

		if err := o.store.RecordStatusAudit(ctx, stage.ID, store.StatusQueued, store.ActorGithub); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if err := o.store.AttachJobToStage(ctx, job.ID, stage.ID); err != nil {
		return err
	}
	job.StageID = stage.ID

	return nil
}

// finishSuiteIfDone marks the suite finished and notifies the author
// exactly once, when all its jobs are terminal and it is the PR's
// current execution.
func (o *Orchestrator) finishSuiteIfDone(ctx context.Context, env *suiteEnv) error {
	jobs, err := o.store.JobsForSuite(ctx, env.suite.ID)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		return nil
	}

	for _, job := range jobs {
		if !job.Status.Finished() {
			return nil
		}
	}

	latest, err := o.store.LatestCheckSuite(ctx, env.pr.ID)
	if err != nil {
		return err
	}

	if latest.ID != env.suite.ID {
		// superseded, the successor owns the notification
		return nil
	}

	changed, err := o.store.MarkSuiteFinished(ctx, env.suite.ID)
	if err != nil {
		return err
	}

	if !changed {
		return nil
	}

	o.watchdogTimers.Cancel(env.suite.ID)
	o.progress.forget(env.suite.ID)

	failed := false
	for _, job := range jobs {
		if job.Status == store.StatusFailure {
			failed = true
			break
		}
	}

	outcome := "succeeded"
	if failed {
		outcome = "failed"
	}

	o.notifier.Notify(ctx, env.suite.Author, fmt.Sprintf(
		"CI for %s#%d (commit %.10s) %s: %s",
		env.pr.Repository, env.pr.Number, env.suite.CommitSHA, outcome,
		o.bamboo.BuildPageURL(env.suite.BambooRef),
	))

	o.logger.Info("check suite finished",
		logfields.Event("check_suite_finished"),
		logfields.CheckSuite(env.suite.ID),
		zap.Bool("ci.failed", failed),
	)

	return nil
}

func (o *Orchestrator) recordExecutionTime(ctx context.Context, stageID int64) error {
	started, finished, ok, err := o.store.StageExecutionBounds(ctx, stageID)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	return o.store.SetStageExecutionTime(ctx, stageID, finished.Sub(started))
}

// updateStageCheckRun pushes a stage state to GitHub. Failures are
// logged and swallowed, transient GitHub unavailability must never
// corrupt local state.
func (o *Orchestrator) updateStageCheckRun(ctx context.Context, env *suiteEnv, stage *store.Stage, state githubclt.CheckState, output *githubclt.CheckRunOutput) {
	if stage.CheckRef == 0 {
		return
	}

	if err := o.github.UpdateCheckRun(ctx, env.owner, env.repo, stage.CheckRef, state, output); err != nil {
		o.logger.Warn("updating stage check run failed",
			logfields.Event("stage_check_run_update_failed"),
			logfields.Stage(stage.ID), zap.Error(err))
	}
}

func (o *Orchestrator) updateJobCheckRun(ctx context.Context, env *suiteEnv, job *store.CiJob, output *githubclt.CheckRunOutput) {
	if job.CheckRef == 0 {
		return
	}

	if output == nil {
		output = &githubclt.CheckRunOutput{
			Title:   job.Name,
			Summary: fmt.Sprintf("Build: %s", o.bamboo.BuildPageURL(env.suite.BambooRef)),
			Text:    job.Summary,
		}
	}

	if err := o.github.UpdateCheckRun(ctx, env.owner, env.repo, job.CheckRef, checkStateFromStatus(job.Status), output); err != nil {
		o.logger.Warn("updating job check run failed",
			logfields.Event("job_check_run_update_failed"),
			logfields.Job(job.ID), zap.Error(err))
	}
}
