package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netdef/bambridge/internal/cierr"
	"github.com/netdef/bambridge/internal/logfields"
	"github.com/netdef/bambridge/internal/store"
)

// progressTracker remembers the last backend-reported progress
// percentage per check suite, to detect stagnation between sweeps.
type progressTracker struct {
	mu   sync.Mutex
	last map[int64]float64
}

func newProgressTracker() *progressTracker {
	return &progressTracker{last: map[int64]float64{}}
}

// stagnated records the current progress and reports whether the delta
// to the previous observation is below the threshold. The first
// observation never counts as stagnation.
func (t *progressTracker) stagnated(suiteID int64, progress float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.last[suiteID]
	t.last[suiteID] = progress

	return seen && progress-prev < stagnationThreshold
}

func (t *progressTracker) forget(suiteID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.last, suiteID)
}

// Sweep checks one check suite for hang conditions and reports whether
// it took corrective action.
//
// Two independent heuristics decide "hanged": the local backstop (no
// job update for 2 hours, covers a backend that stopped answering at
// all) and backend-reported stagnation (progress delta below the
// threshold between sweeps, or a message present while the build is not
// finished). A hung suite is force-finished through the reconciler
// regardless of what the backend claims. Otherwise the sweep re-arms
// itself, replacing any pending timer for the suite.
func (o *Orchestrator) Sweep(ctx context.Context, suiteID int64) bool {
	logger := o.logger.With(logfields.CheckSuite(suiteID))

	suite, err := o.store.CheckSuiteByID(ctx, suiteID)
	if err != nil {
		logger.Error("loading check suite for sweep failed",
			logfields.Event("watchdog_sweep_failed"), zap.Error(err))

		// a transient failure must not end the timer chain, only a
		// suite that no longer exists stops being watched
		if !errors.Is(err, cierr.ErrNotFound) {
			o.armWatchdog(suiteID)
		}

		return false
	}

	if suite.Finished {
		o.progress.forget(suiteID)
		return false
	}

	hanged := false

	lastUpdate, err := o.store.LastJobUpdate(ctx, suiteID)
	if err != nil {
		logger.Error("querying last job update failed",
			logfields.Event("watchdog_sweep_failed"), zap.Error(err))
		o.armWatchdog(suiteID)
		return false
	}

	if !lastUpdate.IsZero() && time.Since(lastUpdate) > staleTimeout {
		hanged = true
		logger.Warn("check suite stale, no job update for too long",
			logfields.Event("watchdog_stale_suite"),
			zap.Time("ci.last_job_update", lastUpdate))
	}

	if !hanged && suite.BambooRef != "" {
		hanged = o.backendReportsStuck(ctx, suite, logger)
	}

	if !hanged {
		o.armWatchdog(suiteID)
		return false
	}

	if err := o.forceFinish(ctx, suite); err != nil {
		logger.Error("force-finishing hung check suite failed",
			logfields.Event("watchdog_force_finish_failed"), zap.Error(err))
		o.armWatchdog(suiteID)
		return false
	}

	metrics.watchdogForced.Inc()
	logger.Warn("hung check suite force-finished",
		logfields.Event("watchdog_force_finished"))

	return true
}

// backendReportsStuck applies the backend-side hang heuristics. Backend
// unavailability is not a hang signal, it degrades to "check again next
// sweep".
func (o *Orchestrator) backendReportsStuck(ctx context.Context, suite *store.CheckSuite, logger *zap.Logger) bool {
	status, err := o.bamboo.FetchBuildStatus(ctx, suite.BambooRef)
	if err != nil {
		logger.Debug("fetching backend build status failed",
			logfields.Event("watchdog_backend_status_failed"), zap.Error(err))
		return false
	}

	if status.Finished {
		return false
	}

	if status.Message != "" {
		logger.Warn("backend reports stuck build",
			logfields.Event("watchdog_backend_stuck"),
			zap.String("ci.backend_message", status.Message))
		return true
	}

	if o.progress.stagnated(suite.ID, status.ProgressPercent) {
		logger.Warn("backend progress stagnated",
			logfields.Event("watchdog_progress_stagnated"),
			zap.Float64("ci.progress_percent", status.ProgressPercent))
		return true
	}

	return false
}

// forceFinish runs the reconciler's finish path with the hang override
// for every stage of the suite: unfinished jobs become skipped, stages
// finish, the suite closes and the notification fires exactly once.
func (o *Orchestrator) forceFinish(ctx context.Context, suite *store.CheckSuite) error {
	env, err := o.suiteEnv(ctx, suite.ID)
	if err != nil {
		return err
	}

	stages, err := o.store.StagesForSuite(ctx, suite.ID)
	if err != nil {
		return err
	}

	for _, st := range stages {
		if err := o.reconcileStage(ctx, env, st, true, store.ActorWatchDog); err != nil {
			return err
		}
	}

	// flat jobs without a stage still block suite completion
	jobs, err := o.store.JobsForSuite(ctx, suite.ID)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if job.StageID != 0 || job.Status.Finished() {
			continue
		}

		changed, err := o.store.SetJobStatus(ctx, job.ID, store.StatusSkipped)
		if err != nil {
			return err
		}

		if changed {
			job.Status = store.StatusSkipped
			o.updateJobCheckRun(ctx, env, job, nil)
		}
	}

	return o.finishSuiteIfDone(ctx, env)
}

// ArmWatchdogs re-arms a watchdog for every unfinished check suite,
// used once at startup to recover timers lost in a restart.
func (o *Orchestrator) ArmWatchdogs(ctx context.Context) error {
	suites, err := o.store.UnfinishedCheckSuites(ctx)
	if err != nil {
		return err
	}

	for _, suite := range suites {
		o.armWatchdog(suite.ID)
	}

	o.logger.Info("watchdogs armed for unfinished check suites",
		logfields.Event("watchdogs_armed"),
		zap.Int("ci.suite_count", len(suites)),
	)

	return nil
}
