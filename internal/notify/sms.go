package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// maxSMSLength keeps a message inside one concatenated SMS
const maxSMSLength = 320

// SMSSender posts messages to an HTTP SMS gateway
type SMSSender struct {
	gatewayURL        string
	apiKey            string
	from              string
	defaultRecipients []string
	client            *http.Client
}

// NewSMSSender creates a gateway sender. An empty URL leaves the channel unconfigured.
func NewSMSSender(gatewayURL, apiKey, from string, defaultRecipients []string, timeout time.Duration) *SMSSender {
	return &SMSSender{
		gatewayURL:        gatewayURL,
		apiKey:            apiKey,
		from:              from,
		defaultRecipients: defaultRecipients,
		client:            &http.Client{Timeout: timeout},
	}
}

type smsPayload struct {
	From      string   `json:"from,omitempty"`
	To        []string `json:"to"`
	Body      string   `json:"body"`
	Reference string   `json:"reference"`
}

// Channel implements Sender
func (s *SMSSender) Channel() model.Channel {
	return model.ChannelSMS
}

// Send implements Sender
func (s *SMSSender) Send(ctx context.Context, d Delivery) error {
	to := d.Recipients
	if len(to) == 0 {
		to = s.defaultRecipients
	}
	if s.gatewayURL == "" || len(to) == 0 {
		return fmt.Errorf("sms: %w", ErrChannelNotConfigured)
	}

	body := subjectLine(d.Notification) + ": " + d.Notification.Message
	if r := []rune(body); len(r) > maxSMSLength {
		body = string(r[:maxSMSLength-3]) + "..."
	}

	header := http.Header{}
	if s.apiKey != "" {
		header.Set("Authorization", "Bearer "+s.apiKey)
	}

	payload := smsPayload{From: s.from, To: to, Body: body, Reference: d.Notification.ID}
	if err := postJSON(ctx, s.client, s.gatewayURL, payload, header); err != nil {
		return fmt.Errorf("sms: %w", err)
	}
	return nil
}
