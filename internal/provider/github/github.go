package github

import (
	"net/http"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/netdef/bambridge/internal/logfields"
	"github.com/netdef/bambridge/internal/provider"
)

const loggerName = "github-event-provider"

// Provider listens for github-webhook http-requests at a http-server
// handler, validates and converts the requests to Events and forwards
// them to an event channel.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	c             chan<- *provider.Event
}

type option func(*Provider)

func WithPayloadSecret(secret string) option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

func New(eventChan chan<- *provider.Event, opts ...option) *Provider {
	p := Provider{
		c: eventChan,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	p.logger.Debug("received a http request", logfields.Event("github_event_received"))

	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logFields := []zap.Field{
		logfields.EventProvider("github"),
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	}

	logger := p.logger.With(logFields...)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	event, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	ev := provider.Event{
		JSON:        payload,
		Provider:    "github",
		GithubEvent: event,
		DeliveryID:  deliveryID,
		EventType:   hookType,
	}

	switch event := event.(type) {
	case *github.PullRequestEvent:
		if repo := event.GetRepo(); repo != nil {
			ev.Repository = repo.GetName()
			ev.RepositoryOwner = repo.GetOwner().GetLogin()
		}

		if pr := event.GetPullRequest(); pr != nil {
			ev.PullRequestNr = pr.GetNumber()

			if hb := pr.GetHead(); hb != nil {
				ev.CommitID = hb.GetSHA()
				ev.Branch = hb.GetRef()
			}

			logger = logger.With(
				zap.Int("github.pull_request_nr", ev.PullRequestNr),
				zap.String("github.commit_id", ev.CommitID),
				zap.String("github.branch", ev.Branch),
			)
		}

	case *github.CheckRunEvent:
		if repo := event.GetRepo(); repo != nil {
			ev.Repository = repo.GetName()
			ev.RepositoryOwner = repo.GetOwner().GetLogin()
		}

	case *github.IssueCommentEvent:
		if repo := event.GetRepo(); repo != nil {
			ev.Repository = repo.GetName()
			ev.RepositoryOwner = repo.GetOwner().GetLogin()
		}

		if issue := event.GetIssue(); issue != nil {
			ev.PullRequestNr = issue.GetNumber()
		}

	default:
		logger.Debug("event type has no special handling, forwarded as-is",
			logfields.Event("github_generic_event_received"),
		)
	}

	select {
	case p.c <- &ev:
		logger.Debug("event forwarded to channel",
			logfields.Event("github_event_forwarded"),
		)

	default:
		logger.Warn(
			"event lost, forwarding event to channel failed",
			zap.String("error", "could not forward event to channel, send would have blocked"),
			logfields.Event("github_forwarding_event_failed"),
		)

		http.Error(resp, "queue full", http.StatusServiceUnavailable)
		return
	}
}
