// Package retryer runs operations repeatedly until they succeed or fail
// with a definitive error.
package retryer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/netdef/bambridge/internal/cierr"
	"github.com/netdef/bambridge/internal/logfields"
)

const defTimeout = 2 * time.Hour
const defBackoffInitialInterval = 5 * time.Second

// Retryer executes a function repeatedly until it was successful, it
// returned an error that does not wrap cierr.RetryableError, the retry
// timeout expired or the retryer was stopped.
type Retryer struct {
	logger                 *zap.Logger
	defTimeout             time.Duration
	backoffInitialInterval time.Duration
	shutdownChan           chan struct{}
}

func New() *Retryer {
	return &Retryer{
		logger:                 zap.L().Named("retryer"),
		defTimeout:             defTimeout,
		backoffInitialInterval: defBackoffInitialInterval,
		shutdownChan:           make(chan struct{}),
	}
}

func logFieldResult(val string) zap.Field {
	return zap.String("action_result", val)
}

// Run executes fn until it succeeds or a cancel condition happens.
// logF fields are attached to all log messages.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	ctx, cancel := context.WithDeadline(ctx, time.Now().Add(r.defTimeout))
	defer cancel()

	endTime := time.Now().Add(r.defTimeout)

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"action execution cancelled",
				logfields.Event("action_execution_cancelled"),
				logFieldResult("cancelled"),
			)

			return ctx.Err()

		case <-retryTimer.C:
			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"action executed successfully",
					logfields.Event("action_executed_successfully"),
					logFieldResult("success"),
				)

				return nil
			}

			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) {
				logger.Info(
					"action cancelled",
					logfields.Event("action_cancelled"),
					logFieldResult("cancelled"),
				)

				return err
			}

			var retryError *cierr.RetryableError
			if !errors.As(err, &retryError) {
				logger.Error(
					"action failed, not retryable",
					logfields.Event("action_failed"),
					logFieldResult("failure"),
				)

				return err
			}

			if retryError.After.After(endTime) {
				logger.Error(
					"action failed, next possible retry time is after timeout expiration",
					logfields.Event("action_failed"),
					zap.Time("earliest_allowed_retry", retryError.After),
				)

				return err
			}

			var retryIn time.Duration
			if retryError.After.IsZero() {
				retryIn = bo.NextBackOff()
			} else {
				retryIn = time.Until(retryError.After)
				if retryIn < 0 {
					retryIn = 0
				}
			}

			retryTimer.Reset(retryIn)
			logger.Warn(
				"action failed, retry scheduled",
				logfields.Event("action_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
			)

		case <-r.shutdownChan:
			logger.Info(
				"retryer terminating, action not executed",
				logfields.Event("action_execution_cancelled"),
				logFieldResult("cancelled"),
			)

			return nil
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
