package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
)

// LogNotifier records notifications in the log stream only.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n core.Notification) {
	log.Info().Str("module", "collab").
		Str("type", n.Type).
		Str("recipient", string(n.RecipientID)).
		Str("session", string(n.SessionID)).
		Msg("notification")
}

// WebhookNotifier posts notifications to an external endpoint,
// fire-and-forget.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n core.Notification) {
	body, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Str("module", "collab").Msg("notify marshal")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("module", "collab").Msg("notify request")
		return
	}
	req.Header.Set("Content-Type", binding.MIMEJSON)
	resp, err := w.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("module", "collab").Str("type", n.Type).Msg("notify delivery failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("module", "collab").Str("type", n.Type).Msg("notify rejected")
	}
}
