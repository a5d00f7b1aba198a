package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// ChatOpsSender posts to a Slack-compatible incoming webhook
type ChatOpsSender struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewChatOpsSender creates a webhook sender. An empty URL leaves the channel unconfigured.
func NewChatOpsSender(webhookURL, channel string, timeout time.Duration) *ChatOpsSender {
	return &ChatOpsSender{
		webhookURL: webhookURL,
		channel:    channel,
		client:     &http.Client{Timeout: timeout},
	}
}

type chatOpsField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type chatOpsAttachment struct {
	Color  string         `json:"color"`
	Title  string         `json:"title"`
	Text   string         `json:"text"`
	Fields []chatOpsField `json:"fields,omitempty"`
	Footer string         `json:"footer,omitempty"`
	Ts     int64          `json:"ts"`
}

type chatOpsPayload struct {
	Channel     string              `json:"channel,omitempty"`
	Text        string              `json:"text"`
	Attachments []chatOpsAttachment `json:"attachments"`
}

// Channel implements Sender
func (s *ChatOpsSender) Channel() model.Channel {
	return model.ChannelChatOps
}

// Send implements Sender
func (s *ChatOpsSender) Send(ctx context.Context, d Delivery) error {
	if s.webhookURL == "" {
		return fmt.Errorf("chatops: %w", ErrChannelNotConfigured)
	}

	n := d.Notification
	payload := chatOpsPayload{
		Channel: s.channel,
		Text:    subjectLine(n),
		Attachments: []chatOpsAttachment{{
			Color: priorityColors[n.Priority],
			Title: n.Title,
			Text:  n.Message,
			Fields: []chatOpsField{
				{Title: "Tenant", Value: d.TenantID, Short: true},
				{Title: "Type", Value: string(n.Type), Short: true},
				{Title: "Priority", Value: string(n.Priority), Short: true},
				{Title: "Source", Value: n.Source, Short: true},
			},
			Footer: n.ID,
			Ts:     n.Timestamp.Unix(),
		}},
	}

	if err := postJSON(ctx, s.client, s.webhookURL, payload, nil); err != nil {
		return fmt.Errorf("chatops: %w", err)
	}
	return nil
}
