package orchestrator

import (
	"strings"

	"github.com/netdef/bambridge/internal/store"
)

// stageGroupKey returns the group part of a stage display name.
// Parallel stages of the same pipeline step are named with a variant
// prefix separated by " - ", e.g. "AMD - Build" and "ARM - Build" both
// belong to the "Build" group. Names without a separator form their own
// group.
//
// This is a name-matching heuristic. It is kept in one place so a
// future explicit group column only has to replace this function.
func stageGroupKey(displayName string) string {
	if idx := strings.LastIndex(displayName, " - "); idx >= 0 {
		return displayName[idx+len(" - "):]
	}

	return displayName
}

// previousStages returns the ordering predecessors of st: every stage
// one position earlier. This is deliberately wider than matching
// stageGroupKey against the preceding step's names; a position can hold
// several groups and all of them gate st's start. Re-evaluating a stage
// that already finished is a no-op, so the superset costs nothing.
func previousStages(all []*store.Stage, st *store.Stage) []*store.Stage {
	var result []*store.Stage

	for _, candidate := range all {
		if candidate.Position == st.Position-1 {
			result = append(result, candidate)
		}
	}

	return result
}

// nextStages returns the stages at position+1.
func nextStages(all []*store.Stage, st *store.Stage) []*store.Stage {
	var result []*store.Stage

	for _, candidate := range all {
		if candidate.Position == st.Position+1 {
			result = append(result, candidate)
		}
	}

	return result
}

// siblingStages returns the stages sharing st's position and group key,
// excluding st itself.
func siblingStages(all []*store.Stage, st *store.Stage) []*store.Stage {
	key := stageGroupKey(st.DisplayName)

	var result []*store.Stage
	for _, candidate := range all {
		if candidate.ID == st.ID {
			continue
		}

		if candidate.Position == st.Position && stageGroupKey(candidate.DisplayName) == key {
			result = append(result, candidate)
		}
	}

	return result
}
