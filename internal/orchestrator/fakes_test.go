package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/netdef/bambridge/internal/bambooclt"
	"github.com/netdef/bambridge/internal/githubclt"
	"github.com/netdef/bambridge/internal/store"
)

type createdCheckRun struct {
	ref  int64
	name string
	sha  string
}

type checkRunUpdate struct {
	ref    int64
	state  githubclt.CheckState
	output *githubclt.CheckRunOutput
}

// fakeGithub records check-run and comment traffic, handing out
// sequential check-run ids.
type fakeGithub struct {
	mu           sync.Mutex
	nextCheckRef int64
	created      []createdCheckRun
	updates      []checkRunUpdate
	comments     []string
	participants []string
	unknownUsers map[string]bool
	createErr    error
}

func (g *fakeGithub) CreateCheckRun(_ context.Context, _, _, name, headSHA string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.createErr != nil {
		return 0, g.createErr
	}

	g.nextCheckRef++
	g.created = append(g.created, createdCheckRun{ref: g.nextCheckRef, name: name, sha: headSHA})

	return g.nextCheckRef, nil
}

func (g *fakeGithub) UpdateCheckRun(_ context.Context, _, _ string, checkRunID int64, state githubclt.CheckState, output *githubclt.CheckRunOutput) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.updates = append(g.updates, checkRunUpdate{ref: checkRunID, state: state, output: output})

	return nil
}

func (g *fakeGithub) CreateIssueComment(_ context.Context, _, _ string, _ int, comment string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.comments = append(g.comments, comment)

	return nil
}

func (g *fakeGithub) FetchUsername(_ context.Context, login string) (*githubclt.UserProfile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.unknownUsers[login] {
		return nil, nil
	}

	return &githubclt.UserProfile{ID: 1001, Login: login, Type: "User"}, nil
}

func (g *fakeGithub) PRParticipants(context.Context, string, string, int) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.participants, nil
}

func (g *fakeGithub) updatesFor(checkRef int64) []checkRunUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()

	var result []checkRunUpdate
	for _, u := range g.updates {
		if u.ref == checkRef {
			result = append(result, u)
		}
	}

	return result
}

func (g *fakeGithub) updateCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.updates)
}

func (g *fakeGithub) lastStateOf(checkRef int64) githubclt.CheckState {
	updates := g.updatesFor(checkRef)
	if len(updates) == 0 {
		return ""
	}

	return updates[len(updates)-1].state
}

// fakeBamboo is a scriptable build-backend client.
type fakeBamboo struct {
	mu sync.Mutex

	submitResult   *bambooclt.SubmitResult
	submitErr      error
	runningJobs    []bambooclt.RunningJob
	runningJobsErr error
	buildStatus    *bambooclt.BuildStatus
	buildStatusErr error
	planStatus     *bambooclt.PlanStatus
	jobResult      *bambooclt.JobResult
	fetchResultErr error
	artifactTail   string
	restartErr     error

	submittedVariables []map[string]string
	stopped            []string
	restarted          []string
	comments           []string
}

func (b *fakeBamboo) Submit(_ context.Context, _ string, variables map[string]string) (*bambooclt.SubmitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.submitErr != nil {
		return nil, b.submitErr
	}

	b.submittedVariables = append(b.submittedVariables, variables)

	if b.submitResult != nil {
		return b.submitResult, nil
	}

	return &bambooclt.SubmitResult{Reference: "CI-FRR-1"}, nil
}

func (b *fakeBamboo) GetStatus(context.Context, string) (*bambooclt.PlanStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.planStatus != nil {
		return b.planStatus, nil
	}

	return &bambooclt.PlanStatus{}, nil
}

func (b *fakeBamboo) FetchBuildStatus(context.Context, string) (*bambooclt.BuildStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buildStatusErr != nil {
		return nil, b.buildStatusErr
	}

	if b.buildStatus != nil {
		return b.buildStatus, nil
	}

	return &bambooclt.BuildStatus{}, nil
}

func (b *fakeBamboo) FetchRunningJobs(context.Context, string) ([]bambooclt.RunningJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.runningJobsErr != nil {
		return nil, b.runningJobsErr
	}

	return b.runningJobs, nil
}

func (b *fakeBamboo) FetchResult(context.Context, string) (*bambooclt.JobResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fetchResultErr != nil {
		return nil, b.fetchResultErr
	}

	if b.jobResult != nil {
		return b.jobResult, nil
	}

	return &bambooclt.JobResult{}, nil
}

func (b *fakeBamboo) DownloadArtifact(context.Context, string, int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.artifactTail, nil
}

func (b *fakeBamboo) Stop(_ context.Context, reference string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = append(b.stopped, reference)

	return nil
}

func (b *fakeBamboo) Restart(_ context.Context, reference string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.restartErr != nil {
		return b.restartErr
	}

	b.restarted = append(b.restarted, reference)

	return nil
}

func (b *fakeBamboo) AddComment(_ context.Context, _, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.comments = append(b.comments, text)

	return nil
}

func (b *fakeBamboo) BuildPageURL(reference string) string {
	return "https://bamboo.example.com/browse/" + reference
}

type notification struct {
	recipient string
	message   string
}

type fakeNotifier struct {
	mu            sync.Mutex
	notifications []notification
}

func (n *fakeNotifier) Notify(_ context.Context, recipient, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification{recipient: recipient, message: message})
}

func (n *fakeNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]notification(nil), n.notifications...)
}

type fixture struct {
	orc      *Orchestrator
	store    *store.Store
	db       *store.DB
	github   *fakeGithub
	bamboo   *fakeBamboo
	notifier *fakeNotifier
}

func defaultStageConfigs() []store.StageConfiguration {
	return []store.StageConfiguration{
		{Name: "first_test", DisplayName: "First Test", Position: 1, Mandatory: true, StartInProgress: true},
		{Name: "build", DisplayName: "Build", Position: 2, Mandatory: true, CanRetry: true},
		{Name: "topotest", DisplayName: "Topotests", Position: 3, CanRetry: true},
	}
}

func defaultRunningJobs() []bambooclt.RunningJob {
	return []bambooclt.RunningJob{
		{Name: "First Test", JobRef: "CI-FRR-FIRST-1"},
		{Name: "AMD64 - Build", JobRef: "CI-FRR-BUILDA-1"},
		{Name: "ARM8 - Build", JobRef: "CI-FRR-BUILDB-1"},
		{Name: "Topotests", JobRef: "CI-FRR-TOPO-1"},
	}
}

func newTestOrchestrator(t *testing.T, configs ...store.StageConfiguration) *fixture {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	db, err := store.NewDB(filepath.Join(t.TempDir(), "bambridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, store.RunMigrations(db.Writer))

	st := store.New(db)
	ctx := context.Background()

	if len(configs) == 0 {
		configs = defaultStageConfigs()
	}
	require.NoError(t, st.SeedStageConfigurations(ctx, configs))

	registry, err := NewStageRegistry(configs)
	require.NoError(t, err)

	f := fixture{
		store:    st,
		db:       db,
		github:   &fakeGithub{},
		bamboo:   &fakeBamboo{runningJobs: defaultRunningJobs()},
		notifier: &fakeNotifier{},
	}

	f.orc = New(st, f.github, f.bamboo, f.notifier, registry,
		WithHMACSecret("test-secret"),
		WithDefaultPlan("CI-FRR"),
	)
	t.Cleanup(f.orc.Stop)

	return &f
}

func defaultBuildRequest() *BuildRequest {
	return &BuildRequest{
		RepositoryOwner: "netdef",
		Repository:      "frr",
		PullRequestNr:   42,
		Author:          "jdoe",
		CommitSHA:       "8ad9dec4298f6b8f020997373cf4fe22005f2c06",
		BaseSHA:         "11aa22bb33cc44dd55ee66ff77aa88bb99cc00dd",
		Branch:          "feature/bgp",
		MergeBranch:     "master",
	}
}

// mustBuild creates a check suite through the regular build path and
// fails the test on any non-2xx result.
func (f *fixture) mustBuild(t *testing.T) *store.CheckSuite {
	t.Helper()

	result, cs := f.orc.Build(context.Background(), defaultBuildRequest())
	require.True(t, result.Success(), "build failed: %d %s", result.Status, result.Message)
	require.NotNil(t, cs)

	return cs
}

// applyBambooState resolves a job by its backend reference and applies
// the reported state.
func (f *fixture) applyBambooState(t *testing.T, bambooJobRef, state string) {
	t.Helper()

	job, err := f.store.JobByBambooRef(context.Background(), bambooJobRef)
	require.NoError(t, err)
	require.NoError(t, f.orc.ApplyJobState(context.Background(), job.ID, state))
}

func (f *fixture) stageByName(t *testing.T, suiteID int64, displayName string) *store.Stage {
	t.Helper()

	stage, err := f.store.StageByDisplayName(context.Background(), suiteID, displayName)
	require.NoError(t, err)

	return stage
}

func (f *fixture) jobByRef(t *testing.T, bambooJobRef string) *store.CiJob {
	t.Helper()

	job, err := f.store.JobByBambooRef(context.Background(), bambooJobRef)
	require.NoError(t, err)

	return job
}
