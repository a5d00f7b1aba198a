package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/cache"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/store"
)

// HubConfig controls per-channel delivery
type HubConfig struct {
	ChannelTimeout  time.Duration
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	PreferenceTTL   time.Duration
}

// DefaultHubConfig returns the default delivery policy
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ChannelTimeout:  10 * time.Second,
		MaxTries:        3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		PreferenceTTL:   time.Minute,
	}
}

// Hub fans notifications out to delivery channels and keeps per-tenant history
type Hub struct {
	cfg       HubConfig
	senders   map[model.Channel]Sender
	prefs     PreferenceStore
	prefCache *cache.TTL[*Preferences]
	history   *store.History
	live      *LiveHub
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewHub creates a notification hub. live is registered as the live channel
// sender; senders supplies the external integrations.
func NewHub(cfg HubConfig, prefs PreferenceStore, prefCache *cache.TTL[*Preferences], history *store.History, live *LiveHub, senders []Sender, m *metrics.Metrics, logger *slog.Logger) *Hub {
	def := DefaultHubConfig()
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = def.ChannelTimeout
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.PreferenceTTL <= 0 {
		cfg.PreferenceTTL = def.PreferenceTTL
	}

	h := &Hub{
		cfg:       cfg,
		senders:   make(map[model.Channel]Sender),
		prefs:     prefs,
		prefCache: prefCache,
		history:   history,
		live:      live,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
	if live != nil {
		h.senders[model.ChannelLive] = live
	}
	for _, s := range senders {
		h.senders[s.Channel()] = s
	}
	return h
}

// Dispatch delivers n to the tenant's channels. The channel set comes from
// explicit, else the tenant's preference for n.Type, else the default table,
// else live; priority escalation is applied on top. Channels are attempted
// concurrently and independently. The notification is recorded in history
// whatever the outcome.
func (h *Hub) Dispatch(ctx context.Context, tenantID string, n model.Notification, explicit ...model.Channel) model.DeliveryReport {
	n = h.normalize(tenantID, n)

	prefs := h.preferences(ctx, tenantID)
	resolved := h.resolve(prefs, n.Type, explicit)
	channels, escalated := Escalate(n.Priority, resolved)
	if escalated {
		h.metrics.IncEscalation(string(n.Priority))
		h.logger.Info("Notification escalated",
			"notification_id", n.ID,
			"tenant_id", tenantID,
			"priority", n.Priority,
			"resolved", resolved,
			"channels", channels)
	}

	h.history.Append(tenantID, n)

	report := model.DeliveryReport{
		NotificationID: n.ID,
		TenantID:       tenantID,
		Channels:       channels,
		Escalated:      escalated,
		Results:        make(map[model.Channel]model.ChannelResult, len(channels)),
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, ch := range channels {
		g.Go(func() error {
			res := h.deliver(ctx, ch, Delivery{
				TenantID:     tenantID,
				Notification: n,
				Recipients:   recipientsFor(prefs, ch),
			})
			mu.Lock()
			report.Results[ch] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	h.logger.Debug("Notification dispatched",
		"notification_id", n.ID,
		"tenant_id", tenantID,
		"type", n.Type,
		"priority", n.Priority,
		"delivered", report.Delivered(),
		"failed", report.Failed())

	return report
}

// Broadcast pushes a system-wide notification to every live subscriber. It is
// not tenant-scoped and is never written to tenant history.
func (h *Hub) Broadcast(_ context.Context, n model.Notification) int {
	n = h.normalize("", n)
	if n.Type == "" {
		n.Type = model.NotificationSystem
	}
	if h.live == nil {
		return 0
	}

	delivered := h.live.Broadcast(n)
	h.logger.Info("Broadcast notification sent", "notification_id", n.ID, "subscribers", delivered)
	return delivered
}

// History returns up to limit of the tenant's notifications, newest first
func (h *Hub) History(tenantID string, limit int) []model.Notification {
	return h.history.Get(tenantID, limit)
}

// InvalidatePreferences drops the cached preferences of a tenant
func (h *Hub) InvalidatePreferences(tenantID string) {
	if h.prefCache != nil {
		h.prefCache.Delete(prefKey(tenantID))
	}
}

func prefKey(tenantID string) string {
	return "prefs:" + tenantID
}

func (h *Hub) normalize(tenantID string, n model.Notification) model.Notification {
	n.TenantID = tenantID
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = h.now()
	}
	if !n.Priority.Valid() {
		n.Priority = model.PriorityLow
	}
	return n
}

// preferences reads through the cache. Lookup failures fall back to defaults.
func (h *Hub) preferences(ctx context.Context, tenantID string) *Preferences {
	if h.prefs == nil {
		return nil
	}

	lookup := func(ctx context.Context) (*Preferences, error) {
		return h.prefs.Preferences(ctx, tenantID)
	}

	var (
		p   *Preferences
		err error
	)
	if h.prefCache != nil {
		p, err = h.prefCache.GetOrCompute(ctx, prefKey(tenantID), h.cfg.PreferenceTTL, lookup)
	} else {
		p, err = lookup(ctx)
	}
	if err != nil {
		h.logger.Warn("Failed to load tenant preferences, using defaults", "tenant_id", tenantID, "error", err)
		return nil
	}
	return p
}

func (h *Hub) resolve(prefs *Preferences, t model.NotificationType, explicit []model.Channel) []model.Channel {
	var channels []model.Channel
	if len(explicit) > 0 {
		channels = explicit
	} else if custom, ok := prefs.ChannelsFor(t); ok {
		channels = custom
	} else {
		channels = DefaultChannels(t)
	}

	channels = canonical(channelSet(channels))
	if len(channels) == 0 {
		return []model.Channel{model.ChannelLive}
	}
	return channels
}

func recipientsFor(prefs *Preferences, ch model.Channel) []string {
	if prefs == nil {
		return nil
	}
	switch ch {
	case model.ChannelEmail:
		return prefs.EmailRecipients
	case model.ChannelSMS:
		return prefs.SMSRecipients
	}
	return nil
}

// deliver sends to one channel with its own timeout and retry budget
func (h *Hub) deliver(ctx context.Context, ch model.Channel, d Delivery) model.ChannelResult {
	start := time.Now()
	res := model.ChannelResult{}

	sender, ok := h.senders[ch]
	if !ok {
		res.Error = fmt.Errorf("%s: %w", ch, ErrChannelNotConfigured).Error()
		res.Duration = time.Since(start)
		h.metrics.IncNotification(string(ch), false)
		return res
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.cfg.InitialInterval
	b.MaxInterval = h.cfg.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		res.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, h.cfg.ChannelTimeout)
		defer cancel()

		err := sender.Send(attemptCtx, d)
		if errors.Is(err, ErrChannelNotConfigured) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(h.cfg.MaxTries),
	)

	res.Duration = time.Since(start)
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
		h.logger.Warn("Channel delivery failed",
			"channel", ch,
			"tenant_id", d.TenantID,
			"notification_id", d.Notification.ID,
			"attempts", res.Attempts,
			"error", err)
	}
	h.metrics.IncNotification(string(ch), res.Success)
	return res
}
