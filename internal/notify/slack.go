// Package notify delivers fire-and-forget notifications to a
// Slack-compatible webhook. Delivery failures are logged, never
// propagated.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/netdef/bambridge/internal/logfields"
)

const defaultTimeout = 10 * time.Second

type Notifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zap.L().Named("notifier"),
	}
}

// Notify posts a message addressed to a subscriber or channel.
// An empty webhook URL disables delivery, errors are swallowed after
// logging.
func (n *Notifier) Notify(ctx context.Context, recipient, message string) {
	if n.webhookURL == "" {
		return
	}

	logger := n.logger.With(zap.String("notify.recipient", recipient))

	text := message
	if recipient != "" {
		text = "@" + recipient + " " + message
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		logger.Error(
			"could not marshal notification payload",
			logfields.Event("notification_marshalling_failed"),
			zap.Error(err),
		)

		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		logger.Error(
			"could not create notification request",
			logfields.Event("notification_request_failed"),
			zap.Error(err),
		)

		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		logger.Warn(
			"sending notification failed",
			logfields.Event("notification_send_failed"),
			zap.Error(err),
		)

		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn(
			"reading notification response body failed",
			logfields.Event("notification_send_failed"),
			zap.Int("http_response_code", resp.StatusCode),
		)

		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warn(
			"notification sink answered with error status",
			logfields.Event("notification_send_failed"),
			zap.Int("http_response_code", resp.StatusCode),
			zap.ByteString("http_body", body),
		)

		return
	}

	logger.Debug("notification sent", logfields.Event("notification_sent"))
}
