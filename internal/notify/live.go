package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// LiveMessage is what a live subscriber receives
type LiveMessage struct {
	Broadcast    bool               `json:"broadcast"`
	Notification model.Notification `json:"notification"`
}

// Subscription is one connected live client
type Subscription struct {
	ID       string
	TenantID string
	C        <-chan LiveMessage

	ch      chan LiveMessage
	dropped int
}

// LiveHub is the in-process registry of live channel subscribers
type LiveHub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	buffer  int
	logger  *slog.Logger
	metrics *metrics.Metrics
	sent    int64
	dropped int64
}

// NewLiveHub creates a new live hub. buffer is each subscriber's queue length.
func NewLiveHub(buffer int, m *metrics.Metrics, logger *slog.Logger) *LiveHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &LiveHub{
		subs:    make(map[string]*Subscription),
		buffer:  buffer,
		logger:  logger,
		metrics: m,
	}
}

// Subscribe registers a client for a tenant's live notifications and every broadcast
func (h *LiveHub) Subscribe(tenantID string) *Subscription {
	ch := make(chan LiveMessage, h.buffer)
	sub := &Subscription{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		C:        ch,
		ch:       ch,
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetLiveSubscribers(n)
	h.logger.Debug("Live subscriber connected", "subscription_id", sub.ID, "tenant_id", tenantID)
	return sub
}

// Unsubscribe removes a client and closes its channel
func (h *LiveHub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[sub.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub.ID)
	close(sub.ch)
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetLiveSubscribers(n)
	h.logger.Debug("Live subscriber disconnected", "subscription_id", sub.ID, "tenant_id", sub.TenantID)
}

// Channel implements Sender
func (h *LiveHub) Channel() model.Channel {
	return model.ChannelLive
}

// Send implements Sender by pushing to the tenant's subscribers
func (h *LiveHub) Send(_ context.Context, d Delivery) error {
	h.SendLive(d.TenantID, d.Notification)
	return nil
}

// SendLive delivers n to every subscriber of tenantID and returns how many received it
func (h *LiveHub) SendLive(tenantID string, n model.Notification) int {
	return h.publish(LiveMessage{Notification: n}, func(s *Subscription) bool {
		return s.TenantID == tenantID
	})
}

// Broadcast delivers n to every subscriber regardless of tenant
func (h *LiveHub) Broadcast(n model.Notification) int {
	return h.publish(LiveMessage{Broadcast: true, Notification: n}, func(*Subscription) bool {
		return true
	})
}

// publish never blocks: a subscriber whose queue is full misses the message
func (h *LiveHub) publish(msg LiveMessage, match func(*Subscription) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for _, s := range h.subs {
		if !match(s) {
			continue
		}
		select {
		case s.ch <- msg:
			delivered++
			h.sent++
		default:
			s.dropped++
			h.dropped++
			h.logger.Warn("Live subscriber queue full, message dropped",
				"subscription_id", s.ID,
				"tenant_id", s.TenantID,
				"notification_id", msg.Notification.ID)
		}
	}
	return delivered
}

// Subscribers returns the number of connected clients
func (h *LiveHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// GetStats returns live hub statistics
func (h *LiveHub) GetStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	tenants := make(map[string]bool)
	for _, s := range h.subs {
		tenants[s.TenantID] = true
	}
	return map[string]interface{}{
		"subscribers": len(h.subs),
		"tenants":     len(tenants),
		"sent":        h.sent,
		"dropped":     h.dropped,
	}
}
