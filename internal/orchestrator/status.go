package orchestrator

import (
	"github.com/netdef/bambridge/internal/githubclt"
	"github.com/netdef/bambridge/internal/store"
)

// Backend per-job state strings with a local meaning. Anything else is
// ignored, the suite stays as-is until a recognized state or a watchdog
// sweep arrives.
const (
	bambooStateUnknown    = "Unknown"
	bambooStateFailed     = "Failed"
	bambooStateSuccessful = "Successful"
)

// statusFromBambooState maps a backend job state string to the local
// status enum and the audit actor of the transition. ok is false for
// unrecognized states.
func statusFromBambooState(state string) (status store.Status, actor string, ok bool) {
	switch state {
	case bambooStateUnknown:
		return store.StatusCancelled, store.ActorWatchDog, true

	case bambooStateFailed:
		return store.StatusFailure, store.ActorGithub, true

	case bambooStateSuccessful:
		return store.StatusSuccess, store.ActorGithub, true

	default:
		metrics.ignoredStates.Inc()
		return 0, "", false
	}
}

// checkStateFromStatus maps the local status enum to the GitHub
// check-run state it is reflected as.
func checkStateFromStatus(status store.Status) githubclt.CheckState {
	switch status {
	case store.StatusQueued:
		return githubclt.CheckStateQueued
	case store.StatusInProgress:
		return githubclt.CheckStateInProgress
	case store.StatusSuccess:
		return githubclt.CheckStateSuccess
	case store.StatusFailure:
		return githubclt.CheckStateFailure
	case store.StatusSkipped:
		return githubclt.CheckStateSkipped
	case store.StatusCancelled:
		return githubclt.CheckStateCancelled
	default:
		return githubclt.CheckStateQueued
	}
}
