package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// ErrChannelNotConfigured is returned by senders missing endpoints or recipients
var ErrChannelNotConfigured = errors.New("channel not configured")

// Delivery is one notification addressed to one channel
type Delivery struct {
	TenantID     string
	Notification model.Notification
	Recipients   []string
}

// Sender is an external delivery integration for one channel
type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, d Delivery) error
}

// priorityColors is the single severity/priority presentation table shared by
// every text channel
var priorityColors = map[model.Priority]string{
	model.PriorityLow:      "#439FE0",
	model.PriorityMedium:   "#E0B000",
	model.PriorityHigh:     "#E07000",
	model.PriorityCritical: "#D00000",
}

func subjectLine(n model.Notification) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Priority)), n.Title)
}

// postJSON sends body to url and treats any non-2xx response as a failure
func postJSON(ctx context.Context, client *http.Client, url string, body interface{}, header http.Header) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
