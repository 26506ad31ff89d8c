package githubclt

import (
	"context"
	"fmt"

	"github.com/google/go-github/v59/github"

	"github.com/netdef/bambridge/internal/logfields"
)

// CheckState is the lifecycle state a check run is transitioned to.
type CheckState string

const (
	CheckStateQueued     CheckState = "queued"
	CheckStateInProgress CheckState = "in_progress"
	CheckStateSuccess    CheckState = "success"
	CheckStateFailure    CheckState = "failure"
	CheckStateSkipped    CheckState = "skipped"
	CheckStateCancelled  CheckState = "cancelled"
)

// CheckRunOutput is the human-readable payload attached to a check run.
// A deep link to the backend build page belongs into Summary, so the PR
// author always has an actionable artifact.
type CheckRunOutput struct {
	Title   string
	Summary string
	Text    string
}

// CreateCheckRun creates a check run in queued state for the commit and
// returns its id.
func (clt *Client) CreateCheckRun(ctx context.Context, owner, repo, name, headSHA string) (int64, error) {
	status := string(CheckStateQueued)

	run, _, err := clt.restClt.Checks.CreateCheckRun(ctx, owner, repo, github.CreateCheckRunOptions{
		Name:    name,
		HeadSHA: headSHA,
		Status:  &status,
	})
	if err != nil {
		return 0, clt.wrapRetryableErrors(err)
	}

	clt.logger.Debug(
		"check run created",
		logfields.Event("github_check_run_created"),
		logfields.Repository(repo),
		logfields.Commit(headSHA),
		logfields.CheckRef(run.GetID()),
	)

	return run.GetID(), nil
}

// UpdateCheckRun transitions a check run to the given state.
// Terminal states close the check run with the matching conclusion.
func (clt *Client) UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, state CheckState, output *CheckRunOutput) error {
	opts := github.UpdateCheckRunOptions{}

	switch state {
	case CheckStateQueued, CheckStateInProgress:
		opts.Status = github.String(string(state))

	case CheckStateSuccess, CheckStateFailure, CheckStateSkipped, CheckStateCancelled:
		opts.Status = github.String("completed")
		opts.Conclusion = github.String(string(state))

	default:
		return fmt.Errorf("unsupported check run state: %q", state)
	}

	if output != nil {
		opts.Output = &github.CheckRunOutput{
			Title:   github.String(output.Title),
			Summary: github.String(output.Summary),
			Text:    github.String(output.Text),
		}
	}

	// the check run name must be carried on updates, github rejects
	// empty names
	run, _, err := clt.restClt.Checks.GetCheckRun(ctx, owner, repo, checkRunID)
	if err != nil {
		return clt.wrapRetryableErrors(err)
	}
	opts.Name = run.GetName()

	_, _, err = clt.restClt.Checks.UpdateCheckRun(ctx, owner, repo, checkRunID, opts)
	return clt.wrapRetryableErrors(err)
}

// CheckRunsForRef lists all check runs of a commit.
func (clt *Client) CheckRunsForRef(ctx context.Context, owner, repo, ref string) ([]*github.CheckRun, error) {
	var result []*github.CheckRun

	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		runs, resp, err := clt.restClt.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		result = append(result, runs.CheckRuns...)

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}
