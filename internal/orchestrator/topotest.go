package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/netdef/bambridge/internal/bambooclt"
	"github.com/netdef/bambridge/internal/logfields"
	"github.com/netdef/bambridge/internal/store"
)

const (
	maxTopotestFetchAttempts = 3
	// topotestFetchStep spreads the attempts out, attempt n runs
	// n*topotestFetchStep after the failure was seen.
	topotestFetchStep = 5 * time.Minute

	artifactTailLines = 50
)

// scheduleTopotestFetch arms a delayed retrieval of the failed job's
// test results. The backend needs a while after the failure report
// until results and artifacts are queryable.
func (o *Orchestrator) scheduleTopotestFetch(jobID int64, attempt int) {
	o.fetchTimers.Schedule(jobID, time.Duration(attempt)*topotestFetchStep, func() {
		o.fetchTopotestFailures(context.Background(), jobID, attempt)
	})
}

func (o *Orchestrator) fetchTopotestFailures(ctx context.Context, jobID int64, attempt int) {
	logger := o.logger.With(logfields.Job(jobID), zap.Int("try_count", attempt))

	job, err := o.store.JobByID(ctx, jobID)
	if err != nil {
		logger.Error("loading job for test-result retrieval failed",
			logfields.Event("topotest_fetch_failed"), zap.Error(err))
		return
	}

	if job.BambooJobRef == "" {
		return
	}

	result, err := o.bamboo.FetchResult(ctx, job.BambooJobRef)
	if err != nil {
		if attempt < maxTopotestFetchAttempts {
			logger.Debug("fetching test results failed, retry scheduled",
				logfields.Event("topotest_fetch_retry_scheduled"), zap.Error(err))
			o.scheduleTopotestFetch(jobID, attempt+1)
			return
		}

		logger.Warn("fetching test results failed, giving up",
			logfields.Event("topotest_fetch_abandoned"), zap.Error(err))
		return
	}

	failedTests := result.TestResults.FailedTests.TestResult

	failures := make([]store.TopotestFailure, 0, len(failedTests))
	for _, t := range failedTests {
		failures = append(failures, store.TopotestFailure{
			Suite:    t.ClassName,
			TestCase: t.MethodName,
			Message:  t.Message,
			Duration: t.Duration,
		})
	}

	if len(failures) != 0 {
		if err := o.store.InsertTopotestFailures(ctx, jobID, failures); err != nil {
			logger.Error("storing test failures failed",
				logfields.Event("topotest_store_failed"), zap.Error(err))
			return
		}
	}

	summary := o.composeFailureSummary(ctx, job, failures, result.Artifacts.Artifact)
	if summary == "" {
		return
	}

	if err := o.store.SetJobSummary(ctx, jobID, summary); err != nil {
		logger.Error("storing job summary failed",
			logfields.Event("topotest_summary_store_failed"), zap.Error(err))
		return
	}
	job.Summary = summary

	env, err := o.suiteEnv(ctx, job.CheckSuiteID)
	if err != nil {
		logger.Error("loading suite for summary push failed",
			logfields.Event("topotest_summary_push_failed"), zap.Error(err))
		return
	}

	o.updateJobCheckRun(ctx, env, job, nil)

	// refresh the owning stage's check run with the new diagnostics
	if job.StageID != 0 {
		if stage, err := o.store.StageByID(ctx, job.StageID); err == nil && stage.CheckRef != 0 {
			jobs, err := o.store.JobsForStage(ctx, stage.ID)
			if err == nil {
				o.updateStageCheckRun(ctx, env, stage, checkStateFromStatus(stage.Status), o.stageSummary(env, stage, jobs))
			}
		}
	}

	logger.Info("test failure details retrieved",
		logfields.Event("topotest_failures_stored"),
		zap.Int("ci.failed_test_count", len(failures)),
	)
}

// composeFailureSummary folds the failed test list and the tail of the
// first log artifact into one diagnostic text.
func (o *Orchestrator) composeFailureSummary(ctx context.Context, job *store.CiJob, failures []store.TopotestFailure, artifacts []bambooclt.Artifact) string {
	var b strings.Builder

	for _, f := range failures {
		fmt.Fprintf(&b, "%s / %s (%.1fs): %s\n", f.Suite, f.TestCase, f.Duration, firstLine(f.Message))
	}

	for _, artifact := range artifacts {
		if artifact.Link.Href == "" {
			continue
		}

		tail, err := o.bamboo.DownloadArtifact(ctx, artifact.Link.Href, artifactTailLines)
		if err != nil {
			o.logger.Debug("downloading artifact failed",
				logfields.Event("artifact_download_failed"),
				logfields.Job(job.ID), zap.Error(err))
			continue
		}

		fmt.Fprintf(&b, "\n--- %s (last %d lines) ---\n%s\n", artifact.Name, artifactTailLines, tail)
		break
	}

	return b.String()
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}

	return s
}
