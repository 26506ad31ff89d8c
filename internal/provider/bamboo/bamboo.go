// Package bamboo receives job status callbacks from the build backend
// and forwards them as Events.
package bamboo

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/netdef/bambridge/internal/bambooclt"
	"github.com/netdef/bambridge/internal/logfields"
	"github.com/netdef/bambridge/internal/provider"
)

const loggerName = "bamboo-event-provider"

// maxPayloadSize bounds the callback body, status reports are tiny.
const maxPayloadSize = 64 * 1024

// Provider converts authenticated status callbacks from the build
// backend into Events and forwards them to an event channel.
type Provider struct {
	logger     *zap.Logger
	hmacSecret string
	c          chan<- *provider.Event
}

func New(eventChan chan<- *provider.Event, hmacSecret string) *Provider {
	return &Provider{
		logger:     zap.L().Named(loggerName),
		hmacSecret: hmacSecret,
		c:          eventChan,
	}
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	p.logger.Debug("received a http request", logfields.Event("bamboo_event_received"))

	if req.Method != http.MethodPost {
		http.Error(resp, "only POST is supported", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxPayloadSize))
	if err != nil {
		p.logger.Info(
			"reading callback body failed",
			logfields.Event("bamboo_callback_read_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	var status provider.BambooStatus
	if err := json.Unmarshal(body, &status); err != nil {
		p.logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("bamboo_callback_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	logger := p.logger.With(
		logfields.EventProvider("bamboo"),
		logfields.CheckSuite(status.CheckSuiteID),
		logfields.BambooRef(status.JobRef),
	)

	if !bambooclt.VerifySignature(p.hmacSecret, status.CheckSuiteID, status.Signature) {
		logger.Info(
			"received callback with invalid signature",
			logfields.Event("bamboo_callback_validation_failed"),
		)
		http.Error(resp, "invalid signature", http.StatusUnauthorized)
		return
	}

	ev := provider.Event{
		JSON:         body,
		Provider:     "bamboo",
		EventType:    "job_status",
		BambooStatus: &status,
	}

	select {
	case p.c <- &ev:
		logger.Debug("event forwarded to channel",
			logfields.Event("bamboo_event_forwarded"),
		)

	default:
		logger.Warn(
			"event lost, forwarding event to channel failed",
			zap.String("error", "could not forward event to channel, send would have blocked"),
			logfields.Event("bamboo_forwarding_event_failed"),
		)

		http.Error(resp, "queue full", http.StatusServiceUnavailable)
		return
	}
}
