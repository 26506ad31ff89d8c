package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/netdef/bambridge/internal/cierr"
	"github.com/netdef/bambridge/internal/logfields"
	"github.com/netdef/bambridge/internal/provider"
	"github.com/netdef/bambridge/internal/store"
)

const DefEventChannelBufferSize = 512

const evloopLoggerName = "event-loop"

// pollInterval is how often unfinished suites are polled at the
// backend, as a push-independent reconciliation trigger.
const pollInterval = 5 * time.Minute

const (
	commandRerun     = "ci:rerun"
	commandRerunFull = "ci:rerun full"
)

// EvLoop receives provider events and drives the orchestrator.
// Handlers run asynchronously in go-routines; transiently failing ones
// (throttled or unreachable backend) are retried with backoff.
type EvLoop struct {
	ch     chan *provider.Event
	logger *zap.Logger
	orc    *Orchestrator

	handlerWg      sync.WaitGroup
	handlerDeferFn func()
	pollStop       chan struct{}
}

// WithHandlerRoutineDeferFunc sets a function to be run when a
// go-routine that executes an event handler returns.
// It can be used to set a panic handler.
func WithHandlerRoutineDeferFunc(fn func()) func(*EvLoop) {
	return func(e *EvLoop) {
		e.handlerDeferFn = fn
	}
}

func NewEventLoop(orc *Orchestrator, opts ...func(*EvLoop)) *EvLoop {
	evl := EvLoop{
		ch:       make(chan *provider.Event, DefEventChannelBufferSize),
		orc:      orc,
		pollStop: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(&evl)
	}

	if evl.logger == nil {
		evl.logger = zap.L().Named(evloopLoggerName)
	}

	return &evl
}

// C returns the event channel.
// Events sent to this channel will be processed.
// The channel is closed when Stop() is called.
func (e *EvLoop) C() chan<- *provider.Event {
	return e.ch
}

func (e *EvLoop) Start() {
	e.logger.Info("ready to process events", logfields.Event("eventloop_started"))

	go e.pollLoop()

	for ev := range e.ch {
		metrics.processedEvents.Inc()

		e.logger.With(ev.LogFields()...).Debug("event received", logfields.Event("event_received"))
		e.scheduleHandler(ev)
	}

	e.logger.Info(
		"event loop terminated, event channel was closed",
		logfields.Event("eventloop_terminated"),
	)
}

func (e *EvLoop) scheduleHandler(ev *provider.Event) {
	e.handlerWg.Add(1)

	go func() {
		if e.handlerDeferFn != nil {
			defer e.handlerDeferFn()
		}

		defer e.handlerWg.Done()

		_ = e.orc.retryer.Run(context.Background(), func(ctx context.Context) error {
			result := e.handleEvent(ctx, ev)
			e.logResult(ev, result)

			// throttled and unreachable-backend outcomes are
			// transient, everything else is terminal
			if result.Status == http.StatusTooManyRequests || result.Status == http.StatusServiceUnavailable {
				return cierr.NewRetryableAnytimeError(errors.New(result.Message))
			}

			return nil
		}, ev.LogFields())
	}()
}

func (e *EvLoop) logResult(ev *provider.Event, result cierr.Result) {
	logger := e.logger.With(ev.LogFields()...).With(
		zap.Int("result_status", result.Status),
		zap.String("result_message", result.Message),
	)

	if result.Success() {
		logger.Debug("event handled", logfields.Event("event_handled"))
		return
	}

	logger.Warn("event handling failed", logfields.Event("event_handling_failed"))
}

func (e *EvLoop) handleEvent(ctx context.Context, ev *provider.Event) cierr.Result {
	if ev.BambooStatus != nil {
		return e.handleBambooStatus(ctx, ev.BambooStatus)
	}

	switch event := ev.GithubEvent.(type) {
	case *github.PullRequestEvent:
		return e.handlePullRequestEvent(ctx, ev, event)

	case *github.CheckRunEvent:
		return e.handleCheckRunEvent(ctx, event)

	case *github.IssueCommentEvent:
		return e.handleIssueCommentEvent(ctx, ev, event)

	default:
		return cierr.OK("event type has no handler, ignored")
	}
}

func (e *EvLoop) handlePullRequestEvent(ctx context.Context, ev *provider.Event, event *github.PullRequestEvent) cierr.Result {
	pull := event.GetPullRequest()
	if pull == nil {
		return cierr.ResultFromError(fmt.Errorf("pull_request event without pull request payload: %w", cierr.ErrValidation))
	}

	switch event.GetAction() {
	case "opened", "synchronize":
		match, err := e.orc.filter.Match(ctx, ev.JSON)
		if err != nil {
			return cierr.ResultFromError(fmt.Errorf("trigger filter evaluation failed: %w", err))
		}

		if !match {
			return cierr.OK("event does not match the trigger filter, ignored")
		}

		req := &BuildRequest{
			RepositoryOwner: ev.RepositoryOwner,
			Repository:      ev.Repository,
			PullRequestNr:   pull.GetNumber(),
			Author:          pull.GetUser().GetLogin(),
			CommitSHA:       pull.GetHead().GetSHA(),
			BaseSHA:         pull.GetBase().GetSHA(),
			Branch:          pull.GetHead().GetRef(),
			MergeBranch:     pull.GetBase().GetRef(),
			Sync:            event.GetAction() == "synchronize",
		}

		var prev *store.CheckSuite

		if event.GetAction() == "synchronize" {
			pr, err := e.orc.store.PullRequest(ctx,
				fullRepoName(ev.RepositoryOwner, ev.Repository), pull.GetNumber())
			if err == nil {
				prev, err = e.orc.Supersede(ctx, pr.ID, "")
				if err != nil {
					return cierr.ResultFromError(err)
				}
			} else if !errors.Is(err, cierr.ErrNotFound) {
				return cierr.ResultFromError(err)
			}
		}

		result, cs := e.orc.Build(ctx, req)

		if cs != nil && prev != nil {
			if err := e.orc.store.SetCancelledPrevious(ctx, cs.ID, prev.ID); err != nil {
				return cierr.ResultFromError(err)
			}
		}

		return result

	case "closed":
		pr, err := e.orc.store.PullRequest(ctx,
			fullRepoName(ev.RepositoryOwner, ev.Repository), pull.GetNumber())
		if errors.Is(err, cierr.ErrNotFound) {
			return cierr.OK("pull request unknown, nothing to stop")
		}
		if err != nil {
			return cierr.ResultFromError(err)
		}

		if _, err := e.orc.Supersede(ctx, pr.ID, ""); err != nil {
			return cierr.ResultFromError(err)
		}

		return cierr.OK("active execution stopped, pull request closed")

	default:
		return cierr.OK("pull_request action has no handler, ignored")
	}
}

func (e *EvLoop) handleCheckRunEvent(ctx context.Context, event *github.CheckRunEvent) cierr.Result {
	if event.GetAction() != "rerequested" {
		return cierr.OK("check_run action has no handler, ignored")
	}

	checkRef := event.GetCheckRun().GetID()

	stage, err := e.orc.store.StageByCheckRef(ctx, checkRef)
	if errors.Is(err, cierr.ErrNotFound) {
		// the check run may belong to a job, retry its stage
		job, jobErr := e.orc.store.JobByCheckRef(ctx, checkRef)
		if jobErr != nil {
			return cierr.ResultFromError(jobErr)
		}

		if job.StageID == 0 {
			return cierr.ResultFromError(fmt.Errorf("job %d has no stage: %w", job.ID, cierr.ErrNotFound))
		}

		stage, err = e.orc.store.StageByID(ctx, job.StageID)
	}
	if err != nil {
		return cierr.ResultFromError(err)
	}

	return e.orc.PartialRetry(ctx, stage.ID, retryUserFromSender(event.GetSender()))
}

func (e *EvLoop) handleIssueCommentEvent(ctx context.Context, ev *provider.Event, event *github.IssueCommentEvent) cierr.Result {
	if event.GetAction() != "created" {
		return cierr.OK("issue_comment action has no handler, ignored")
	}

	issue := event.GetIssue()
	if issue == nil || !issue.IsPullRequest() {
		return cierr.OK("comment is not on a pull request, ignored")
	}

	command := strings.TrimSpace(event.GetComment().GetBody())
	if command != commandRerun && command != commandRerunFull {
		return cierr.OK("comment is not a command, ignored")
	}

	pr, err := e.orc.store.PullRequest(ctx,
		fullRepoName(ev.RepositoryOwner, ev.Repository), issue.GetNumber())
	if err != nil {
		return cierr.ResultFromError(err)
	}

	user := retryUserFromSender(event.GetSender())

	var result cierr.Result
	if command == commandRerunFull {
		result, _ = e.orc.FullReRun(ctx, pr.ID, user, "")
	} else {
		result = e.retryFailedStages(ctx, pr.ID, user)
	}

	// tell the commenter why the command was refused. Transient
	// outcomes are excluded, the retry scheduler runs the handler
	// again and answering each attempt would spam the PR.
	if !result.Success() &&
		result.Status != http.StatusTooManyRequests &&
		result.Status != http.StatusServiceUnavailable {
		reply := fmt.Sprintf("@%s %s", user.Login, result.Message)
		if err := e.orc.github.CreateIssueComment(ctx, ev.RepositoryOwner, ev.Repository, issue.GetNumber(), reply); err != nil {
			e.logger.Warn("replying to command comment failed",
				logfields.Event("command_reply_failed"), zap.Error(err))
		}
	}

	return result
}

// retryFailedStages partially retries every failed, retryable stage of
// the PR's current execution.
func (e *EvLoop) retryFailedStages(ctx context.Context, prID int64, user *RetryUser) cierr.Result {
	latest, err := e.orc.store.LatestCheckSuite(ctx, prID)
	if err != nil {
		return cierr.ResultFromError(err)
	}

	stages, err := e.orc.store.StagesForSuite(ctx, latest.ID)
	if err != nil {
		return cierr.ResultFromError(err)
	}

	var retried int
	for _, st := range stages {
		if st.Status != store.StatusFailure || !st.CanRetry {
			continue
		}

		if result := e.orc.PartialRetry(ctx, st.ID, user); !result.Success() {
			return result
		}

		retried++
	}

	if retried == 0 {
		return cierr.ResultFromError(fmt.Errorf("no failed retryable stage: %w", cierr.ErrNotFound))
	}

	return cierr.OK(fmt.Sprintf("%d stages retried", retried))
}

func (e *EvLoop) handleBambooStatus(ctx context.Context, status *provider.BambooStatus) cierr.Result {
	job, err := e.orc.store.JobByBambooRef(ctx, status.JobRef)
	if errors.Is(err, cierr.ErrNotFound) {
		// the backend can report jobs before the builder saw them
		job = &store.CiJob{
			CheckSuiteID: status.CheckSuiteID,
			Name:         status.JobName,
			BambooJobRef: status.JobRef,
			Status:       store.StatusQueued,
		}

		if err := e.orc.store.CreateJob(ctx, job); err != nil {
			return cierr.ResultFromError(err)
		}
	} else if err != nil {
		return cierr.ResultFromError(err)
	}

	if err := e.orc.ApplyJobState(ctx, job.ID, status.State); err != nil {
		return cierr.ResultFromError(err)
	}

	return cierr.OK("job state applied")
}

// pollLoop periodically pulls the per-job states of all unfinished
// suites from the backend, covering status callbacks that never
// arrived. Backend errors degrade to "try again next tick".
func (e *EvLoop) pollLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.pollStop:
			return

		case <-ticker.C:
			e.pollOnce(context.Background())
		}
	}
}

func (e *EvLoop) pollOnce(ctx context.Context) {
	suites, err := e.orc.store.UnfinishedCheckSuites(ctx)
	if err != nil {
		e.logger.Error("querying unfinished check suites failed",
			logfields.Event("poll_sweep_failed"), zap.Error(err))
		return
	}

	metrics.unfinishedSuitesCnt.Set(float64(len(suites)))

	for _, suite := range suites {
		if suite.BambooRef == "" {
			continue
		}

		logger := e.logger.With(logfields.CheckSuite(suite.ID), logfields.BambooRef(suite.BambooRef))

		planStatus, err := e.orc.bamboo.GetStatus(ctx, suite.BambooRef)
		if err != nil {
			logger.Debug("fetching plan status failed",
				logfields.Event("poll_plan_status_failed"), zap.Error(err))
			continue
		}

		for _, jobState := range planStatus.JobStates() {
			job, err := e.orc.store.JobByBambooRef(ctx, jobState.BuildResultKey)
			if err != nil {
				logger.Debug("job for backend reference unknown",
					logfields.Event("poll_job_unknown"),
					zap.String("ci.bamboo_job_ref", jobState.BuildResultKey))
				continue
			}

			if err := e.orc.ApplyJobState(ctx, job.ID, jobState.State); err != nil {
				logger.Error("applying polled job state failed",
					logfields.Event("poll_apply_state_failed"),
					logfields.Job(job.ID), zap.Error(err))
			}
		}
	}
}

// Stop stops the event loop and waits until all scheduled go-routines
// terminated. The event channel (EvLoop.C()) will be closed.
func (e *EvLoop) Stop() {
	e.logger.Debug("event loop terminating", logfields.Event("eventloop_terminating"))

	close(e.pollStop)
	close(e.ch)

	e.orc.Stop()

	e.logger.Debug(
		"waiting for scheduled handlers to terminate",
		logfields.Event("eventloop_terminating"),
	)
	e.handlerWg.Wait()

	e.logger.Info("event loop terminated", logfields.Event("eventloop_terminated"))
}

func retryUserFromSender(sender *github.User) *RetryUser {
	return &RetryUser{
		ID:    sender.GetID(),
		Login: sender.GetLogin(),
		Type:  sender.GetType(),
	}
}
