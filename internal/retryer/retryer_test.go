package retryer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/netdef/bambridge/internal/cierr"
)

func TestSuccessfulRunReturnsNil(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New()
	t.Cleanup(r.Stop)

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestNonRetryableErrorIsNotRetried(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New()
	t.Cleanup(r.Stop)

	failure := errors.New("definitive failure")

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return failure
	}, nil)

	assert.ErrorIs(t, err, failure)
	assert.Equal(t, 1, calls)
}

func TestRetryableErrorIsRetried(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New()
	r.backoffInitialInterval = time.Millisecond
	t.Cleanup(r.Stop)

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return cierr.NewRetryableAnytimeError(errors.New("transient"))
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryerDefaultTimeout(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New()
	r.defTimeout = 100 * time.Millisecond
	r.backoffInitialInterval = 10 * time.Millisecond
	t.Cleanup(r.Stop)

	err := r.Run(context.Background(), func(context.Context) error {
		return cierr.NewRetryableAnytimeError(errors.New("transient"))
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryAfterBeyondTimeoutFailsImmediately(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New()
	r.defTimeout = time.Second
	t.Cleanup(r.Stop)

	transient := errors.New("transient")

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return cierr.NewRetryableError(transient, time.Now().Add(time.Hour))
	}, nil)

	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 1, calls)
}

func TestStopTerminatesRunningRuns(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New()
	r.backoffInitialInterval = time.Hour

	firstTry := make(chan struct{})
	var once bool

	errChan := make(chan error, 1)
	go func() {
		errChan <- r.Run(context.Background(), func(context.Context) error {
			if !once {
				once = true
				close(firstTry)
			}
			return cierr.NewRetryableAnytimeError(errors.New("transient"))
		}, []zap.Field{zap.String("action", t.Name())})
	}()

	<-firstTry
	r.Stop()

	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	// Stop is idempotent
	r.Stop()
}
