package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/crosslogic/credits/pkg/events"
	"go.uber.org/zap"
)

// SlackAdapter sends alerts to a Slack incoming webhook.
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

// SlackWebhookPayload represents a Slack webhook message
type SlackWebhookPayload struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []SlackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"`
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type   string            `json:"type"`
	Text   *SlackTextObject  `json:"text,omitempty"`
	Fields []SlackTextObject `json:"fields,omitempty"`
}

// SlackTextObject represents a text object in Slack
type SlackTextObject struct {
	Type  string `json:"type"` // "plain_text" or "mrkdwn"
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackAdapter creates a new Slack notification adapter
func NewSlackAdapter(webhookURL, channel string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Send posts one event to Slack.
func (s *SlackAdapter) Send(ctx context.Context, event events.Event) error {
	payload := SlackWebhookPayload{
		Channel:  s.channel,
		Username: "CrossLogic Billing",
		Blocks:   s.formatEvent(event),
		Text:     fmt.Sprintf("%s: %s", headline(event.Type), event.AccountID),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func headline(t events.EventType) string {
	switch t {
	case events.EventUsageUnbilled:
		return "🚨 Usage Not Billed"
	case events.EventDriftDetected:
		return "⚠️ Balance Drift Detected"
	case events.EventDoubleChargeDetected:
		return "🚨 Possible Double Charge"
	case events.EventPaymentFailed:
		return "❌ Payment Failed"
	case events.EventCreditsDepleted:
		return "🪫 Credits Depleted"
	case events.EventPurchaseExpired:
		return "⌛ Checkout Expired"
	default:
		return string(t)
	}
}

// formatEvent converts an event into Slack blocks
func (s *SlackAdapter) formatEvent(event events.Event) []SlackBlock {
	var fields []SlackTextObject
	switch event.Type {
	case events.EventUsageUnbilled:
		fields = []SlackTextObject{
			field("Model", getStringField(event.Payload, "model")),
			field("Cost", getStringField(event.Payload, "cost")),
			field("Error", getStringField(event.Payload, "error")),
		}
	case events.EventDriftDetected:
		fields = []SlackTextObject{
			field("Cached Balance", getStringField(event.Payload, "balance")),
			field("Pool Sum", getStringField(event.Payload, "pool_sum")),
		}
	case events.EventDoubleChargeDetected:
		fields = []SlackTextObject{
			code("Provider Event", getStringField(event.Payload, "provider_event_id")),
			field("Total Credited", getStringField(event.Payload, "total")),
		}
	case events.EventPaymentFailed:
		fields = []SlackTextObject{
			code("Payment Intent", getStringField(event.Payload, "payment_intent_id")),
			field("Amount", fmt.Sprintf("%v %s", event.Payload["amount"], getStringField(event.Payload, "currency"))),
			field("Failure", getStringField(event.Payload, "failure_message")),
		}
	default:
		keys := make([]string, 0, len(event.Payload))
		for k := range event.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields = append(fields, field(k, fmt.Sprintf("%v", event.Payload[k])))
		}
	}

	if event.AccountID != "" {
		fields = append([]SlackTextObject{code("Account", event.AccountID)}, fields...)
	}

	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{Type: "plain_text", Text: headline(event.Type), Emoji: true},
		},
	}
	if len(fields) > 0 {
		blocks = append(blocks, SlackBlock{Type: "section", Fields: fields})
	}
	blocks = append(blocks, SlackBlock{
		Type: "context",
		Fields: []SlackTextObject{
			{Type: "mrkdwn", Text: fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s>", event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339))},
		},
	})
	return blocks
}

func field(label, value string) SlackTextObject {
	return SlackTextObject{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", label, value)}
}

func code(label, value string) SlackTextObject {
	return SlackTextObject{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n`%s`", label, value)}
}

func getStringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return "n/a"
}
