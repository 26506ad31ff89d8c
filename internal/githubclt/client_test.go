package githubclt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/netdef/bambridge/internal/cierr"
)

func newRESTTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	restClt := github.NewClient(srv.Client())
	baseURL, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	restClt.BaseURL = baseURL

	return &Client{
		restClt: restClt,
		logger:  zap.L(),
	}
}

func TestWrapRetryableErrorsRateLimit(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	reset := time.Now().Add(time.Minute).Truncate(time.Second)

	clt := Client{logger: zap.L()}
	err := clt.wrapRetryableErrors(&github.RateLimitError{
		Rate: github.Rate{Limit: 5000, Reset: github.Timestamp{Time: reset}},
	})

	var retryable *cierr.RetryableError
	require.ErrorAs(t, err, &retryable)
	assert.Equal(t, reset, retryable.After)
}

func TestWrapRetryableErrorsServerError(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	clt := Client{logger: zap.L()}

	err := clt.wrapRetryableErrors(&github.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusServiceUnavailable},
	})

	var retryable *cierr.RetryableError
	assert.ErrorAs(t, err, &retryable)

	// client errors are definitive
	err = clt.wrapRetryableErrors(&github.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusUnprocessableEntity},
	})
	assert.False(t, errors.As(err, &retryable))
}

func TestWrapRetryableErrorsPassesUnknownErrors(t *testing.T) {
	err := errors.New("error")
	wrappedErr := (&Client{logger: zap.NewNop()}).wrapRetryableErrors(err)
	assert.Equal(t, err, wrappedErr)
}

func TestFetchUsernameNotFound(t *testing.T) {
	clt := newRESTTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message": "Not Found"}`))
	})

	profile, err := clt.FetchUsername(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, profile)
}

func TestFetchUsername(t *testing.T) {
	clt := newRESTTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 1001, "login": "alice", "type": "User"}`))
	})

	profile, err := clt.FetchUsername(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, &UserProfile{ID: 1001, Login: "alice", Type: "User"}, profile)
}

func TestUpdateCheckRunRejectsUnknownState(t *testing.T) {
	err := (&Client{logger: zap.NewNop()}).UpdateCheckRun(context.Background(), "netdef", "frr", 1, "bogus", nil)
	require.Error(t, err)
}

func TestPRParticipants(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"repository": {"pullRequest": {"participants": {"nodes": [{"login": "alice"}, {"login": "bob"}]}}}}}`))
	}))
	t.Cleanup(srv.Close)

	clt := Client{
		logger:     zap.L(),
		graphQLClt: githubv4.NewEnterpriseClient(srv.URL, srv.Client()),
	}

	participants, err := clt.PRParticipants(context.Background(), "netdef", "frr", 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, participants)
}
