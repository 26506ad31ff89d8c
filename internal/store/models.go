package store

import "time"

// Status is the lifecycle state shared by stages and jobs.
// Negative values are terminal failure-shaped states, positive progress.
type Status int

const (
	StatusSkipped    Status = -3
	StatusFailure    Status = -2
	StatusCancelled  Status = -1
	StatusQueued     Status = 0
	StatusInProgress Status = 1
	StatusSuccess    Status = 2
)

// Finished reports whether the status is terminal.
func (s Status) Finished() bool {
	return s != StatusQueued && s != StatusInProgress
}

// Failed reports whether the status counts as a failed outcome for
// cascading purposes.
func (s Status) Failed() bool {
	return s == StatusFailure || s == StatusSkipped || s == StatusCancelled
}

func (s Status) String() string {
	switch s {
	case StatusSkipped:
		return "skipped"
	case StatusFailure:
		return "failure"
	case StatusCancelled:
		return "cancelled"
	case StatusQueued:
		return "queued"
	case StatusInProgress:
		return "in_progress"
	case StatusSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// Audit actors.
const (
	ActorGithub   = "Github"
	ActorWatchDog = "WatchDog"
)

// Retry audit record kinds.
const (
	RetryTypeFull    = "full"
	RetryTypePartial = "partial"
)

type PullRequest struct {
	ID          int64
	Repository  string
	Number      int
	Author      string
	Branch      string
	DefaultPlan string
	CreatedAt   time.Time
}

// CheckSuite is one execution attempt for a specific commit.
// StoppedInStageID and CancelledPreviousID form the supersession chain.
type CheckSuite struct {
	ID                  int64
	PullRequestID       int64
	Author              string
	CommitSHA           string
	BaseSHA             string
	Branch              string
	MergeBranch         string
	Plan                string
	BambooRef           string
	ReRun               bool
	RetryCount          int
	Sync                bool
	Finished            bool
	StoppedInStageID    int64
	CancelledPreviousID int64
	CreatedAt           time.Time
}

// StageConfiguration is the static, admin-seeded stage template.
type StageConfiguration struct {
	ID              int64
	Name            string
	DisplayName     string
	Position        int
	Mandatory       bool
	CanRetry        bool
	StartInProgress bool
}

// Stage is one pipeline step instance within a check suite.
// The configuration flags are denormalized onto the row at creation time.
type Stage struct {
	ID              int64
	CheckSuiteID    int64
	Name            string
	DisplayName     string
	Position        int
	Mandatory       bool
	CanRetry        bool
	StartInProgress bool
	Status          Status
	CheckRef        int64
	ExecutionTime   time.Duration
}

// CiJob is one unit of work within a stage. StageID is zero for legacy
// flat jobs that are attached lazily by the reconciler.
type CiJob struct {
	ID            int64
	CheckSuiteID  int64
	StageID       int64
	Name          string
	BambooJobRef  string
	CheckRef      int64
	RetryCount    int
	Summary       string
	Status        Status
	ExecutionTime time.Duration
	UpdatedAt     time.Time
}

type AuditStatus struct {
	ID        int64
	StageID   int64
	Status    Status
	Actor     string
	CreatedAt time.Time
}

type AuditRetry struct {
	ID           int64
	CheckSuiteID int64
	UserID       int64
	Login        string
	UserType     string
	RetryType    string
	CreatedAt    time.Time
}

type TopotestFailure struct {
	ID       int64
	CiJobID  int64
	Suite    string
	TestCase string
	Message  string
	Duration float64
}

// Group carries the re-run feature policy for its members.
type Group struct {
	ID                     int64
	Name                   string
	RerunAllowed           bool
	MaxRerunPerPullRequest int
}

type GithubUser struct {
	ID       int64
	Login    string
	UserType string
	GroupID  int64
}
