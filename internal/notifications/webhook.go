package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/credits/pkg/events"
	"go.uber.org/zap"
)

// Signature and metadata headers set on every signed webhook.
const (
	HeaderSignature = "X-CrossLogic-Signature"
	HeaderEventType = "X-CrossLogic-Event-Type"
	HeaderEventID   = "X-CrossLogic-Event-ID"
	HeaderTimestamp = "X-CrossLogic-Timestamp"
)

// WebhookAdapter posts alerts as JSON to an operator endpoint, signed with
// HMAC-SHA256 when a secret is configured.
type WebhookAdapter struct {
	url     string
	secret  string
	method  string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger
}

// WebhookPayload is the body sent to the endpoint.
type WebhookPayload struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	AccountID string                 `json:"account_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// NewWebhookAdapter creates a new generic webhook adapter
func NewWebhookAdapter(url, secret, method string, headers map[string]string, logger *zap.Logger) *WebhookAdapter {
	if method == "" {
		method = http.MethodPost
	}
	return &WebhookAdapter{
		url:     url,
		secret:  secret,
		method:  method,
		headers: headers,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Send delivers one event. Any non-2xx response is an error.
func (w *WebhookAdapter) Send(ctx context.Context, event events.Event) error {
	payload := WebhookPayload{
		EventID:   event.ID,
		EventType: string(event.Type),
		Timestamp: event.Timestamp.Format(time.RFC3339),
		AccountID: event.AccountID,
		Data:      event.Payload,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.method, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "CrossLogic-Credits/1.0")
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, w.secret))
		req.Header.Set(HeaderEventType, string(event.Type))
		req.Header.Set(HeaderEventID, event.ID)
		req.Header.Set(HeaderTimestamp, payload.Timestamp)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("webhook sent",
		zap.String("event_id", event.ID),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

// Sign returns the "sha256=<hex>" HMAC of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload. Receivers of
// these alerts use it to authenticate the sender.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}
