// Package bambooclt provides a client for the Bamboo build backend REST
// API.
package bambooclt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/netdef/bambridge/internal/cierr"
	"github.com/netdef/bambridge/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "bamboo_client"

// throttledMarker is the substring Bamboo answers with when the license
// concurrency limit is reached.
const throttledMarker = "reached the maximum number of concurrent builds"

type Client struct {
	baseURL  string
	user     string
	password string

	httpClient *http.Client
	logger     *zap.Logger
}

func New(baseURL, user, password string) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		user:     user,
		password: password,
		httpClient: &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		},
		logger: zap.L().Named(loggerName),
	}
}

// SubmitResult is the answer to queueing a plan build.
type SubmitResult struct {
	Reference  string `json:"buildResultKey"`
	HTTPStatus int    `json:"-"`
}

// Submit queues a build of the plan with the given CI variables.
// A backend answer carrying the concurrency-limit marker maps to a
// throttled cierr.BackendError, other error statuses to a generic one.
func (clt *Client) Submit(ctx context.Context, plan string, variables map[string]string) (*SubmitResult, error) {
	q := url.Values{}
	for k, v := range variables {
		q.Set("bamboo.variable."+k, v)
	}

	endpoint := fmt.Sprintf("%s/rest/api/latest/queue/%s?%s", clt.baseURL, url.PathEscape(plan), q.Encode())

	var result SubmitResult
	status, err := clt.doJSON(ctx, http.MethodPost, endpoint, nil, &result)
	if err != nil {
		return nil, err
	}

	result.HTTPStatus = status

	clt.logger.Debug(
		"build submitted",
		logfields.Event("bamboo_build_submitted"),
		logfields.Plan(plan),
		logfields.BambooRef(result.Reference),
	)

	return &result, nil
}

// PlanStatus is the per-stage, per-job result listing of a running or
// finished plan build.
type PlanStatus struct {
	Stages struct {
		Stage []struct {
			Name    string `json:"name"`
			Results struct {
				Result []JobState `json:"result"`
			} `json:"results"`
		} `json:"stage"`
	} `json:"stages"`
}

type JobState struct {
	BuildResultKey string `json:"buildResultKey"`
	State          string `json:"state"`
}

// JobStates flattens the per-stage listing into one slice.
func (ps *PlanStatus) JobStates() []JobState {
	var result []JobState
	for _, st := range ps.Stages.Stage {
		result = append(result, st.Results.Result...)
	}

	return result
}

// GetStatus fetches the per-job states of a plan build.
func (clt *Client) GetStatus(ctx context.Context, reference string) (*PlanStatus, error) {
	endpoint := fmt.Sprintf("%s/rest/api/latest/result/%s?expand=stages.stage.results.result", clt.baseURL, url.PathEscape(reference))

	var result PlanStatus
	if _, err := clt.doJSON(ctx, http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// BuildStatus is the coarse progress report of a plan build.
type BuildStatus struct {
	CurrentStage       string  `json:"currentStage"`
	ProgressPercent    float64 `json:"progressPercent"`
	Message            string  `json:"message"`
	Finished           bool    `json:"finished"`
	NotRunnableMessage string  `json:"notRunnableMessage"`
}

// FetchBuildStatus fetches the coarse progress of a plan build.
// The report is known to be unreliable, the watchdog combines it with
// local staleness detection.
func (clt *Client) FetchBuildStatus(ctx context.Context, reference string) (*BuildStatus, error) {
	endpoint := fmt.Sprintf("%s/rest/api/latest/result/status/%s", clt.baseURL, url.PathEscape(reference))

	var result BuildStatus
	if _, err := clt.doJSON(ctx, http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// Stop requests cancellation of a running build. 5xx answers are marked
// retryable.
func (clt *Client) Stop(ctx context.Context, reference string) error {
	endpoint := fmt.Sprintf("%s/build/admin/stopPlan.action?planResultKey=%s", clt.baseURL, url.QueryEscape(reference))

	_, err := clt.doJSON(ctx, http.MethodPost, endpoint, nil, nil)
	return wrapRetryable5xx(err)
}

// Restart resumes a failed or stopped build under its existing
// reference.
func (clt *Client) Restart(ctx context.Context, reference string) error {
	endpoint := fmt.Sprintf("%s/rest/api/latest/queue/%s?executeAllStages=false", clt.baseURL, url.PathEscape(reference))

	_, err := clt.doJSON(ctx, http.MethodPut, endpoint, nil, nil)
	return wrapRetryable5xx(err)
}

// RunningJob is one job Bamboo scheduled for a plan build.
type RunningJob struct {
	Name   string `json:"searchEntity.jobName"`
	JobRef string `json:"id"`
}

// FetchRunningJobs lists the jobs Bamboo scheduled for the plan build.
func (clt *Client) FetchRunningJobs(ctx context.Context, reference string) ([]RunningJob, error) {
	endpoint := fmt.Sprintf("%s/rest/api/latest/search/jobs/%s", clt.baseURL, url.PathEscape(reference))

	var result struct {
		SearchResults []RunningJob `json:"searchResults"`
	}
	if _, err := clt.doJSON(ctx, http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, err
	}

	return result.SearchResults, nil
}

// JobResult is the detailed result of one finished job.
type JobResult struct {
	TestResults struct {
		FailedTests struct {
			TestResult []TestResult `json:"testResult"`
		} `json:"failedTests"`
	} `json:"testResults"`
	Artifacts struct {
		Artifact []Artifact `json:"artifact"`
	} `json:"artifacts"`
}

type TestResult struct {
	ClassName  string  `json:"className"`
	MethodName string  `json:"methodName"`
	Message    string  `json:"message"`
	Duration   float64 `json:"durationInSeconds"`
}

type Artifact struct {
	Name string `json:"name"`
	Link struct {
		Href string `json:"href"`
	} `json:"link"`
}

// FetchResult fetches the detailed result of one job, including failed
// tests and artifacts.
func (clt *Client) FetchResult(ctx context.Context, jobRef string) (*JobResult, error) {
	endpoint := fmt.Sprintf("%s/rest/api/latest/result/%s?expand=testResults.failedTests.testResult.errors,artifacts", clt.baseURL, url.PathEscape(jobRef))

	var result JobResult
	if _, err := clt.doJSON(ctx, http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// DownloadArtifact fetches a build artifact and returns its last
// maxLines lines.
func (clt *Client) DownloadArtifact(ctx context.Context, artifactURL string, maxLines int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(clt.user, clt.password)

	resp, err := clt.httpClient.Do(req)
	if err != nil {
		return "", &cierr.BackendUnreachableError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &cierr.BackendUnreachableError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &cierr.BackendError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}

	return strings.Join(lines, "\n"), nil
}

// AddComment posts a comment on the build result page.
func (clt *Client) AddComment(ctx context.Context, reference, text string) error {
	endpoint := fmt.Sprintf("%s/rest/api/latest/result/%s/comment", clt.baseURL, url.PathEscape(reference))

	payload, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return err
	}

	_, err = clt.doJSON(ctx, http.MethodPost, endpoint, payload, nil)
	return err
}

// BuildPageURL returns the deep link to the backend's build page for a
// reference. It is embedded into every check-run output.
func (clt *Client) BuildPageURL(reference string) string {
	return fmt.Sprintf("%s/browse/%s", clt.baseURL, reference)
}

func (clt *Client) doJSON(ctx context.Context, method, endpoint string, payload []byte, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, err
	}

	req.SetBasicAuth(clt.user, clt.password)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := clt.httpClient.Do(req)
	if err != nil {
		return 0, &cierr.BackendUnreachableError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &cierr.BackendUnreachableError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &cierr.BackendError{
			StatusCode: resp.StatusCode,
			Throttled:  strings.Contains(string(respBody), throttledMarker),
			Body:       string(respBody),
		}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding bamboo response failed: %w", err)
		}
	}

	return resp.StatusCode, nil
}

func wrapRetryable5xx(err error) error {
	if err == nil {
		return nil
	}

	var backendErr *cierr.BackendError
	if errors.As(err, &backendErr) && backendErr.StatusCode >= 500 && backendErr.StatusCode < 600 {
		return cierr.NewRetryableAnytimeError(err)
	}

	var unreachable *cierr.BackendUnreachableError
	if errors.As(err, &unreachable) {
		return cierr.NewRetryableAnytimeError(err)
	}

	return err
}
