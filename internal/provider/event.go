package provider

import (
	"fmt"

	"go.uber.org/zap"
)

// Event is a provider-neutral inbound event.
// Exactly one of GithubEvent and BambooStatus is set.
type Event struct {
	JSON     []byte
	Provider string

	// GithubEvent holds the parsed webhook payload, one of the go-github
	// event types returned by github.ParseWebHook().
	GithubEvent any

	// BambooStatus holds the payload of a build-backend status callback.
	BambooStatus *BambooStatus

	// Github hook fields, empty strings when not available.
	DeliveryID      string
	EventType       string
	Repository      string
	RepositoryOwner string
	CommitID        string
	Branch          string
	// PullRequestNr is 0 if it's not available
	PullRequestNr int
}

// BambooStatus is one job status report from the build backend.
type BambooStatus struct {
	CheckSuiteID int64  `json:"check_suite_id"`
	JobRef       string `json:"job_ref"`
	JobName      string `json:"job_name"`
	State        string `json:"state"`
	Signature    string `json:"signature"`
}

func (e *Event) String() string {
	return fmt.Sprintf("%s (deliveryID: %s)", e.EventType, e.DeliveryID)
}

func (e *Event) LogFields() []zap.Field {
	fields := make([]zap.Field, 0, 6) // cap == max. size of fields we append

	if e.DeliveryID != "" {
		fields = append(fields, zap.String("github.delivery_id", e.DeliveryID))
	}

	if e.Repository != "" {
		fields = append(fields, zap.String("github.repository", e.Repository))
	}

	if e.CommitID != "" {
		fields = append(fields, zap.String("github.commit_id", e.CommitID))
	}

	if e.Branch != "" {
		fields = append(fields, zap.String("github.branch", e.Branch))
	}

	if e.PullRequestNr != 0 {
		fields = append(fields, zap.Int("github.pull_request_nr", e.PullRequestNr))
	}

	if e.BambooStatus != nil {
		fields = append(fields,
			zap.Int64("ci.check_suite", e.BambooStatus.CheckSuiteID),
			zap.String("ci.bamboo_job_ref", e.BambooStatus.JobRef),
		)
	}

	return fields
}
