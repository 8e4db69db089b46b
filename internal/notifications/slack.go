package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/credit-engine/pkg/events"
	"go.uber.org/zap"
)

// SlackAdapter sends alerts to Slack via incoming webhooks
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
	Text     string       `json:"text,omitempty"` // Fallback text
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type     string            `json:"type"`
	Text     *SlackTextObject  `json:"text,omitempty"`
	Fields   []SlackTextObject `json:"fields,omitempty"`
	Elements []SlackTextObject `json:"elements,omitempty"`
}

// SlackTextObject represents a text object in Slack
type SlackTextObject struct {
	Type  string `json:"type"` // "plain_text" or "mrkdwn"
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackAdapter creates a new Slack adapter
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

// Send posts an event to Slack
func (s *SlackAdapter) Send(ctx context.Context, event events.Event) error {
	payload := SlackWebhookPayload{
		Channel:  s.channel,
		Username: "Credit Engine",
		Blocks:   s.formatEvent(event),
		Text:     fmt.Sprintf("Event: %s", event.Type),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(jsonData))
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

func (s *SlackAdapter) formatEvent(event events.Event) []SlackBlock {
	switch event.Type {
	case events.EventPersistenceLagged:
		return s.formatPersistenceLagged(event)
	case events.EventTopUpFailed:
		return s.formatTopUpFailed(event)
	case events.EventStorageBillingCompleted:
		return s.formatStorageBilling(event)
	default:
		return s.formatGeneric(event)
	}
}

func header(text string) SlackBlock {
	return SlackBlock{
		Type: "header",
		Text: &SlackTextObject{Type: "plain_text", Text: text, Emoji: true},
	}
}

func timestampContext(event events.Event) SlackBlock {
	return SlackBlock{
		Type: "context",
		Elements: []SlackTextObject{
			{Type: "mrkdwn", Text: fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s>", event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339))},
		},
	}
}

func (s *SlackAdapter) formatPersistenceLagged(event events.Event) []SlackBlock {
	return []SlackBlock{
		header("⚠️ Balance Not Persisted"),
		{
			Type: "section",
			Text: &SlackTextObject{
				Type: "mrkdwn",
				Text: "A charge was applied in the cache but the durable write failed. The reconciler will retry.",
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*User:*\n`%s`", event.UserID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Cached Balance:*\n%v", event.Payload["balance"])},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Charged:*\n%v", event.Payload["credits_charged"])},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n%s", getStringField(event.Payload, "error"))},
			},
		},
		timestampContext(event),
	}
}

func (s *SlackAdapter) formatTopUpFailed(event events.Event) []SlackBlock {
	return []SlackBlock{
		header("💳 Auto Top-Up Failed"),
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*User:*\n`%s`", event.UserID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Credits:*\n%v", event.Payload["credits"])},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Intent:*\n`%s`", getStringField(event.Payload, "intent_id"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Failure Code:*\n%s", getStringField(event.Payload, "failure_code"))},
			},
		},
		timestampContext(event),
	}
}

func (s *SlackAdapter) formatStorageBilling(event events.Event) []SlackBlock {
	return []SlackBlock{
		header("🗄️ Weekly Storage Billing"),
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Users Checked:*\n%v", event.Payload["users_checked"])},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Users Billed:*\n%v", event.Payload["users_billed"])},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Users Failed:*\n%v", event.Payload["users_failed"])},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Credits Charged:*\n%v", event.Payload["total_credits_charged"])},
			},
		},
		timestampContext(event),
	}
}

func (s *SlackAdapter) formatGeneric(event events.Event) []SlackBlock {
	return []SlackBlock{
		header(fmt.Sprintf("📬 Event: %s", event.Type)),
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Event ID:*\n`%s`", event.ID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*User:*\n`%s`", event.UserID)},
			},
		},
	}
}

// getStringField reads a payload value as a string, "-" when absent
func getStringField(payload map[string]interface{}, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return "-"
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}
