// Package scheduler manages per-check-suite timers.
// Arming a timer for a suite that already has one replaces the old
// timer, only one deadline per suite is live at a time.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netdef/bambridge/internal/logfields"
)

const loggerName = "scheduler"

type Scheduler struct {
	mu      sync.Mutex
	timers  map[int64]*time.Timer
	stopped bool
	wg      sync.WaitGroup
	logger  *zap.Logger
}

func New() *Scheduler {
	return &Scheduler{
		timers: map[int64]*time.Timer{},
		logger: zap.L().Named(loggerName),
	}
}

// Schedule arms fn to run after d, replacing a previously armed timer
// for the same check-suite. fn runs in its own goroutine.
func (s *Scheduler) Schedule(checkSuiteID int64, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	if old, exist := s.timers[checkSuiteID]; exist {
		if old.Stop() {
			s.wg.Done()
		}
	}

	s.wg.Add(1)

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		defer s.wg.Done()

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		// only remove our own entry, Schedule may have replaced the
		// timer between firing and acquiring the lock
		if s.timers[checkSuiteID] == timer {
			delete(s.timers, checkSuiteID)
		}
		s.mu.Unlock()

		fn()
	})
	s.timers[checkSuiteID] = timer

	s.logger.Debug(
		"timer armed",
		logfields.Event("timer_armed"),
		logfields.CheckSuite(checkSuiteID),
		zap.Duration("scheduler.delay", d),
	)
}

// Pending reports whether a timer is armed for the check-suite.
func (s *Scheduler) Pending(checkSuiteID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exist := s.timers[checkSuiteID]
	return exist
}

// Cancel disarms the timer of a check-suite, it is a no-op when none
// is armed.
func (s *Scheduler) Cancel(checkSuiteID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, exist := s.timers[checkSuiteID]
	if !exist {
		return
	}

	if timer.Stop() {
		s.wg.Done()
	}
	delete(s.timers, checkSuiteID)

	s.logger.Debug(
		"timer cancelled",
		logfields.Event("timer_cancelled"),
		logfields.CheckSuite(checkSuiteID),
	)
}

// Stop disarms all timers and waits for callbacks that already fired
// to return. The scheduler must not be used afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()

	s.stopped = true

	for id, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}

	s.mu.Unlock()

	s.wg.Wait()

	s.logger.Debug("scheduler terminated", logfields.Event("scheduler_terminated"))
}
