package output

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bl4ck0w1/ctsentry/internal/match"
	"github.com/bl4ck0w1/ctsentry/pkg/utils"
	"github.com/sirupsen/logrus"
)

// WebhookSink POSTs each Match Result as JSON to a fixed URL, signing the
// body with HMAC-SHA256 when a secret is configured so the receiver can
// authenticate the sender.
type WebhookSink struct {
	url        string
	secret     []byte
	httpClient *http.Client
	logger     logrus.FieldLogger
}

func NewWebhookSink(url, secret string, httpClient *http.Client, logger logrus.FieldLogger) *WebhookSink {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WebhookSink{url: url, secret: []byte(secret), httpClient: httpClient, logger: logger}
}

func (s *WebhookSink) Emit(ctx context.Context, r match.Result) {
	body, err := json.Marshal(toPayload(r))
	if err != nil {
		s.logger.WithError(err).Error("webhook sink: failed to marshal match result")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.WithError(err).Error("webhook sink: failed to build request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(utils.HMAC(s.secret, body)))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.WithError(err).WithField("url", s.url).Error("webhook sink: delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.logger.WithFields(logrus.Fields{"url": s.url, "status": resp.StatusCode}).
			Error("webhook sink: non-2xx response")
	}
}
