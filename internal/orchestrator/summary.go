package orchestrator

import (
	"fmt"
	"strings"

	"github.com/netdef/bambridge/internal/githubclt"
	"github.com/netdef/bambridge/internal/store"
)

// stageSummary renders the human-readable check-run body of a stage.
// It always carries a deep link to the backend build page, so the PR
// author has an actionable artifact even on internal error paths.
func (o *Orchestrator) stageSummary(env *suiteEnv, stage *store.Stage, jobs []*store.CiJob) *githubclt.CheckRunOutput {
	var queued, inProgress, succeeded int
	var failedJobs []*store.CiJob

	for _, job := range jobs {
		switch job.Status {
		case store.StatusQueued:
			queued++
		case store.StatusInProgress:
			inProgress++
		case store.StatusSuccess:
			succeeded++
		case store.StatusFailure:
			failedJobs = append(failedJobs, job)
		}
	}

	var summary strings.Builder

	fmt.Fprintf(&summary, "Build: %s\n\n", o.bamboo.BuildPageURL(env.suite.BambooRef))
	fmt.Fprintf(&summary, "%d queued, %d in progress, %d succeeded, %d failed (of %d jobs)",
		queued, inProgress, succeeded, len(failedJobs), len(jobs))

	var text strings.Builder

	for _, job := range failedJobs {
		fmt.Fprintf(&text, "### %s\n", job.Name)

		if job.Summary != "" {
			fmt.Fprintf(&text, "```\n%s\n```\n", job.Summary)
		} else {
			text.WriteString("no diagnostic output available yet\n")
		}
	}

	return &githubclt.CheckRunOutput{
		Title:   stage.DisplayName,
		Summary: summary.String(),
		Text:    text.String(),
	}
}
