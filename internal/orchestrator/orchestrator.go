// Package orchestrator contains the check-suite lifecycle state
// machine. It builds executions for pull-request commits, reconciles
// asynchronous job status reports from the build backend, supersedes
// outdated executions, force-finishes hung ones and gates manual
// retries.
package orchestrator

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/netdef/bambridge/internal/eventfilter"
	"github.com/netdef/bambridge/internal/retryer"
	"github.com/netdef/bambridge/internal/scheduler"
	"github.com/netdef/bambridge/internal/store"
)

const loggerName = "orchestrator"

const (
	// watchdogInterval is how far in the future a watchdog sweep is
	// armed after a build starts and after every uneventful sweep.
	watchdogInterval = 30 * time.Minute

	// staleTimeout is the local backstop: a suite whose jobs have not
	// reported for this long is treated as hung regardless of what the
	// backend claims.
	staleTimeout = 2 * time.Hour

	// stagnationThreshold is the minimum backend-reported progress
	// delta between two sweeps, anything below counts as stuck.
	stagnationThreshold = 2.0
)

type Orchestrator struct {
	store    *store.Store
	github   GithubClient
	bamboo   BambooClient
	notifier Notifier
	retryer  *retryer.Retryer
	stages   *StageRegistry
	filter   *eventfilter.Filter

	// watchdogTimers and fetchTimers are separate schedulers, the
	// former is keyed by check-suite id, the latter by job id.
	watchdogTimers *scheduler.Scheduler
	fetchTimers    *scheduler.Scheduler

	hmacSecret  string
	defaultPlan string

	progress *progressTracker

	logger *zap.Logger
}

type Opt func(*Orchestrator)

func WithTriggerFilter(f *eventfilter.Filter) Opt {
	return func(o *Orchestrator) {
		o.filter = f
	}
}

func WithHMACSecret(secret string) Opt {
	return func(o *Orchestrator) {
		o.hmacSecret = secret
	}
}

func WithDefaultPlan(plan string) Opt {
	return func(o *Orchestrator) {
		o.defaultPlan = plan
	}
}

func New(
	st *store.Store,
	github GithubClient,
	bamboo BambooClient,
	notifier Notifier,
	stages *StageRegistry,
	opts ...Opt,
) *Orchestrator {
	o := Orchestrator{
		store:          st,
		github:         github,
		bamboo:         bamboo,
		notifier:       notifier,
		retryer:        retryer.New(),
		stages:         stages,
		watchdogTimers: scheduler.New(),
		fetchTimers:    scheduler.New(),
		progress:       newProgressTracker(),
		logger:         zap.L().Named(loggerName),
	}

	for _, opt := range opts {
		opt(&o)
	}

	if o.filter == nil {
		o.filter, _ = eventfilter.New("")
	}

	return &o
}

// Stop disarms all timers and terminates pending retries.
func (o *Orchestrator) Stop() {
	o.retryer.Stop()
	o.watchdogTimers.Stop()
	o.fetchTimers.Stop()
}

// splitRepo splits an "owner/name" repository identifier.
func splitRepo(fullName string) (owner, repo string) {
	owner, repo, found := strings.Cut(fullName, "/")
	if !found {
		return "", fullName
	}

	return owner, repo
}

func fullRepoName(owner, repo string) string {
	if owner == "" {
		return repo
	}

	return owner + "/" + repo
}
