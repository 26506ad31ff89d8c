package orchestrator

import (
	"context"

	"github.com/netdef/bambridge/internal/bambooclt"
	"github.com/netdef/bambridge/internal/githubclt"
)

// GithubClient is the subset of the GitHub API the orchestrator
// depends on.
type GithubClient interface {
	CreateCheckRun(ctx context.Context, owner, repo, name, headSHA string) (int64, error)
	UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, state githubclt.CheckState, output *githubclt.CheckRunOutput) error
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
	FetchUsername(ctx context.Context, login string) (*githubclt.UserProfile, error)
	PRParticipants(ctx context.Context, owner, repo string, prNumber int) ([]string, error)
}

// BambooClient is the subset of the build-backend API the orchestrator
// depends on.
type BambooClient interface {
	Submit(ctx context.Context, plan string, variables map[string]string) (*bambooclt.SubmitResult, error)
	GetStatus(ctx context.Context, reference string) (*bambooclt.PlanStatus, error)
	FetchBuildStatus(ctx context.Context, reference string) (*bambooclt.BuildStatus, error)
	FetchRunningJobs(ctx context.Context, reference string) ([]bambooclt.RunningJob, error)
	FetchResult(ctx context.Context, jobRef string) (*bambooclt.JobResult, error)
	DownloadArtifact(ctx context.Context, artifactURL string, maxLines int) (string, error)
	Stop(ctx context.Context, reference string) error
	Restart(ctx context.Context, reference string) error
	AddComment(ctx context.Context, reference, text string) error
	BuildPageURL(reference string) string
}

// Notifier delivers fire-and-forget user notifications.
type Notifier interface {
	Notify(ctx context.Context, recipient, message string)
}
