package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/netdef/bambridge/internal/githubclt"
	"github.com/netdef/bambridge/internal/logfields"
	"github.com/netdef/bambridge/internal/store"
)

// Supersede cancels every execution of the pull request (and plan, when
// not empty) that still has jobs in progress and links the cancelled
// suites into a strict chain. It returns the chain tail, the suite a
// successor should record as its cancelled predecessor, or nil when
// nothing was running.
//
// Candidates are processed oldest first, so the chain is a linear
// singly-linked list and never branches.
func (o *Orchestrator) Supersede(ctx context.Context, prID int64, plan string) (*store.CheckSuite, error) {
	suites, err := o.store.SuitesWithJobsInProgress(ctx, prID, plan)
	if err != nil {
		return nil, err
	}

	if len(suites) == 0 {
		return nil, nil
	}

	env, err := o.suiteEnv(ctx, suites[0].ID)
	if err != nil {
		return nil, err
	}

	var last *store.CheckSuite

	for _, suite := range suites {
		logger := o.logger.With(logfields.CheckSuite(suite.ID))

		stages, err := o.store.StagesForSuite(ctx, suite.ID)
		if err != nil {
			return nil, err
		}

		// remember where the execution was interrupted
		for _, st := range stages {
			if st.Status == store.StatusInProgress {
				if err := o.store.SetStoppedInStage(ctx, suite.ID, st.ID); err != nil {
					return nil, err
				}
				break
			}
		}

		if last != nil {
			if err := o.store.SetCancelledPrevious(ctx, suite.ID, last.ID); err != nil {
				return nil, err
			}
		}

		if err := o.cancelSuite(ctx, env, suite, stages); err != nil {
			return nil, err
		}

		if suite.BambooRef != "" {
			if err := o.bamboo.Stop(ctx, suite.BambooRef); err != nil {
				logger.Warn("stopping backend build failed",
					logfields.Event("backend_stop_failed"),
					logfields.BambooRef(suite.BambooRef), zap.Error(err))
			}
		}

		if _, err := o.store.MarkSuiteFinished(ctx, suite.ID); err != nil {
			return nil, err
		}

		o.watchdogTimers.Cancel(suite.ID)
		o.progress.forget(suite.ID)
		metrics.supersessions.Inc()

		logger.Info("check suite superseded",
			logfields.Event("check_suite_superseded"))

		last = suite
	}

	return last, nil
}

// cancelSuite marks every non-skipped job and every unfinished stage
// of the suite cancelled and closes their check runs.
func (o *Orchestrator) cancelSuite(ctx context.Context, env *suiteEnv, suite *store.CheckSuite, stages []*store.Stage) error {
	sEnv := &suiteEnv{suite: suite, pr: env.pr, owner: env.owner, repo: env.repo}

	jobs, err := o.store.JobsForSuite(ctx, suite.ID)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if job.Status == store.StatusSkipped {
			continue
		}

		changed, err := o.store.SetJobStatus(ctx, job.ID, store.StatusCancelled)
		if err != nil {
			return err
		}

		if changed {
			job.Status = store.StatusCancelled
			o.updateJobCheckRun(ctx, sEnv, job, &githubclt.CheckRunOutput{
				Title:   job.Name,
				Summary: "Cancelled: a newer execution for this pull request started.",
			})
		}
	}

	for _, st := range stages {
		if st.Status.Finished() {
			continue
		}

		changed, err := o.store.SetStageStatus(ctx, st.ID, store.StatusCancelled)
		if err != nil {
			return err
		}

		if changed {
			if err := o.store.RecordStatusAudit(ctx, st.ID, store.StatusCancelled, store.ActorGithub); err != nil {
				return err
			}

			o.updateStageCheckRun(ctx, sEnv, st, githubclt.CheckStateCancelled, &githubclt.CheckRunOutput{
				Title:   st.DisplayName,
				Summary: "Cancelled: a newer execution for this pull request started.",
			})
		}
	}

	return nil
}
