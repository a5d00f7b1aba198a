package notify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/cache"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSender struct {
	channel model.Channel
	mu      sync.Mutex
	sent    []Delivery
	fail    error
	delay   time.Duration
}

func (f *fakeSender) Channel() model.Channel { return f.channel }

func (f *fakeSender) Send(ctx context.Context, d Delivery) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, d)
	return f.fail
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type countingPrefs struct {
	*MemoryPreferences
	calls atomic.Int32
	err   error
}

func (c *countingPrefs) Preferences(ctx context.Context, tenantID string) (*Preferences, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.MemoryPreferences.Preferences(ctx, tenantID)
}

type hubFixture struct {
	hub     *Hub
	live    *LiveHub
	prefs   *countingPrefs
	history *store.History
	senders map[model.Channel]*fakeSender
}

func newHubFixture(t *testing.T, cfg HubConfig) *hubFixture {
	t.Helper()
	f := &hubFixture{
		live:    NewLiveHub(16, nil, testLogger()),
		prefs:   &countingPrefs{MemoryPreferences: NewMemoryPreferences()},
		history: store.NewHistory(10),
		senders: map[model.Channel]*fakeSender{
			model.ChannelChatOps: {channel: model.ChannelChatOps},
			model.ChannelEmail:   {channel: model.ChannelEmail},
			model.ChannelSMS:     {channel: model.ChannelSMS},
		},
	}
	senders := []Sender{f.senders[model.ChannelChatOps], f.senders[model.ChannelEmail], f.senders[model.ChannelSMS]}
	f.hub = NewHub(cfg, f.prefs, cache.New[*Preferences]("prefs", nil), f.history, f.live, senders, nil, testLogger())
	return f
}

func fastHubConfig() HubConfig {
	return HubConfig{
		ChannelTimeout:  200 * time.Millisecond,
		MaxTries:        2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		PreferenceTTL:   time.Minute,
	}
}

func notification(t model.NotificationType, p model.Priority) model.Notification {
	return model.Notification{Type: t, Title: "test", Message: "test message", Priority: p, Source: "test"}
}

func TestHub_MediumAnomalyUsesDefaults(t *testing.T) {
	f := newHubFixture(t, fastHubConfig())

	report := f.hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationAnomaly, model.PriorityMedium))

	assert.Equal(t, []model.Channel{model.ChannelLive, model.ChannelChatOps, model.ChannelEmail}, report.Channels)
	assert.False(t, report.Escalated)
	assert.Len(t, report.Results, 3)
	assert.ElementsMatch(t, report.Channels, report.Delivered())
	assert.Equal(t, 1, f.senders[model.ChannelChatOps].count())
	assert.Equal(t, 1, f.senders[model.ChannelEmail].count())
	assert.Equal(t, 0, f.senders[model.ChannelSMS].count())
}

func TestHub_CriticalEscalatesToAllChannels(t *testing.T) {
	f := newHubFixture(t, fastHubConfig())
	f.prefs.Set("tenant-1", &Preferences{Channels: map[model.NotificationType][]model.Channel{
		model.NotificationThreat: {model.ChannelLive},
	}})

	report := f.hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationThreat, model.PriorityCritical))

	assert.Equal(t, model.AllChannels, report.Channels)
	assert.True(t, report.Escalated)
	for _, ch := range []model.Channel{model.ChannelChatOps, model.ChannelEmail, model.ChannelSMS} {
		assert.Equal(t, 1, f.senders[ch].count(), "channel %s", ch)
	}
}

func TestHub_CriticalWithEmptyPreferences(t *testing.T) {
	f := newHubFixture(t, fastHubConfig())
	f.prefs.Set("tenant-1", &Preferences{Channels: map[model.NotificationType][]model.Channel{
		model.NotificationAlert: {},
	}})

	report := f.hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationAlert, model.PriorityCritical))
	assert.Equal(t, model.AllChannels, report.Channels)
	assert.Len(t, report.Results, 4)
}

func TestHub_EmptyPreferencesFallBackToLive(t *testing.T) {
	f := newHubFixture(t, fastHubConfig())
	f.prefs.Set("tenant-1", &Preferences{Channels: map[model.NotificationType][]model.Channel{
		model.NotificationAlert: {},
	}})

	report := f.hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationAlert, model.PriorityLow))
	assert.Equal(t, []model.Channel{model.ChannelLive}, report.Channels)
}

func TestHub_HighPriorityEscalation(t *testing.T) {
	tests := []struct {
		name      string
		prefs     []model.Channel
		want      []model.Channel
		escalated bool
	}{
		{"live only gains email", []model.Channel{model.ChannelLive}, []model.Channel{model.ChannelLive, model.ChannelEmail}, true},
		{"missing live is added", []model.Channel{model.ChannelSMS}, []model.Channel{model.ChannelLive, model.ChannelSMS}, true},
		{"already sufficient", []model.Channel{model.ChannelLive, model.ChannelChatOps}, []model.Channel{model.ChannelLive, model.ChannelChatOps}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHubFixture(t, fastHubConfig())
			f.prefs.Set("tenant-1", &Preferences{Channels: map[model.NotificationType][]model.Channel{
				model.NotificationNetwork: tt.prefs,
			}})

			report := f.hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationNetwork, model.PriorityHigh))
			assert.Equal(t, tt.want, report.Channels)
			assert.Equal(t, tt.escalated, report.Escalated)
		})
	}
}

func TestHub_ExplicitChannels(t *testing.T) {
	f := newHubFixture(t, fastHubConfig())

	report := f.hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationThreat, model.PriorityLow), model.ChannelSMS)
	assert.Equal(t, []model.Channel{model.ChannelSMS}, report.Channels)
	assert.Equal(t, 1, f.senders[model.ChannelSMS].count())
	assert.Equal(t, 0, f.senders[model.ChannelEmail].count())
}

func TestHub_ChannelFailuresAreIndependent(t *testing.T) {
	f := newHubFixture(t, fastHubConfig())
	f.senders[model.ChannelEmail].fail = errors.New("smtp: 421 service not available")

	sub := f.live.Subscribe("tenant-1")
	defer f.live.Unsubscribe(sub)

	report := f.hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationAlert, model.PriorityMedium))

	assert.Equal(t, []model.Channel{model.ChannelEmail}, report.Failed())
	assert.ElementsMatch(t, []model.Channel{model.ChannelLive, model.ChannelChatOps}, report.Delivered())
	assert.Equal(t, 2, report.Results[model.ChannelEmail].Attempts)
	assert.Contains(t, report.Results[model.ChannelEmail].Error, "421")

	select {
	case msg := <-sub.C:
		assert.Equal(t, report.NotificationID, msg.Notification.ID)
		assert.False(t, msg.Broadcast)
	default:
		t.Fatal("live subscriber did not receive the notification")
	}

	// history records intent regardless of delivery outcome
	history := f.hub.History("tenant-1", 0)
	require.Len(t, history, 1)
	assert.Equal(t, report.NotificationID, history[0].ID)
}

func TestHub_SlowChannelDoesNotBlockOthers(t *testing.T) {
	cfg := fastHubConfig()
	cfg.MaxTries = 1
	cfg.ChannelTimeout = 100 * time.Millisecond
	f := newHubFixture(t, cfg)
	f.senders[model.ChannelSMS].delay = time.Hour

	start := time.Now()
	report := f.hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationThreat, model.PriorityMedium))

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []model.Channel{model.ChannelSMS}, report.Failed())
	assert.Contains(t, report.Results[model.ChannelSMS].Error, context.DeadlineExceeded.Error())
	assert.Equal(t, 1, f.senders[model.ChannelEmail].count())
}

func TestHub_NotConfiguredIsNotRetried(t *testing.T) {
	f := newHubFixture(t, fastHubConfig())
	f.senders[model.ChannelChatOps].fail = ErrChannelNotConfigured

	report := f.hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationAlert, model.PriorityMedium))

	res := report.Results[model.ChannelChatOps]
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
}

func TestHub_MissingSender(t *testing.T) {
	hub := NewHub(fastHubConfig(), nil, nil, store.NewHistory(10), NewLiveHub(4, nil, testLogger()), nil, nil, testLogger())

	report := hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationAuth, model.PriorityLow))
	assert.Equal(t, []model.Channel{model.ChannelLive, model.ChannelEmail}, report.Channels)
	assert.Equal(t, []model.Channel{model.ChannelEmail}, report.Failed())
	assert.Contains(t, report.Results[model.ChannelEmail].Error, ErrChannelNotConfigured.Error())
}

func TestHub_RecipientsFromPreferences(t *testing.T) {
	f := newHubFixture(t, fastHubConfig())
	f.prefs.Set("tenant-1", &Preferences{
		EmailRecipients: []string{"soc@example.com"},
		SMSRecipients:   []string{"+15550100"},
	})

	f.hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationThreat, model.PriorityLow))

	require.Equal(t, 1, f.senders[model.ChannelEmail].count())
	assert.Equal(t, []string{"soc@example.com"}, f.senders[model.ChannelEmail].sent[0].Recipients)
	assert.Equal(t, []string{"+15550100"}, f.senders[model.ChannelSMS].sent[0].Recipients)
}

func TestHub_PreferencesCached(t *testing.T) {
	f := newHubFixture(t, fastHubConfig())

	for i := 0; i < 3; i++ {
		f.hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationSystem, model.PriorityLow))
	}
	assert.Equal(t, int32(1), f.prefs.calls.Load())

	f.hub.InvalidatePreferences("tenant-1")
	f.hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationSystem, model.PriorityLow))
	assert.Equal(t, int32(2), f.prefs.calls.Load())
}

func TestHub_PreferenceErrorUsesDefaults(t *testing.T) {
	f := newHubFixture(t, fastHubConfig())
	f.prefs.err = errors.New("config-api unreachable")

	report := f.hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationAuth, model.PriorityLow))
	assert.Equal(t, []model.Channel{model.ChannelLive, model.ChannelEmail}, report.Channels)
}

func TestHub_NormalizesNotification(t *testing.T) {
	f := newHubFixture(t, fastHubConfig())

	n := notification(model.NotificationSystem, "")
	n.TenantID = "someone-else"
	report := f.hub.Dispatch(context.Background(), "tenant-1", n)

	history := f.hub.History("tenant-1", 1)
	require.Len(t, history, 1)
	assert.Equal(t, report.NotificationID, history[0].ID)
	assert.Equal(t, "tenant-1", history[0].TenantID)
	assert.Equal(t, model.PriorityLow, history[0].Priority)
	assert.False(t, history[0].Timestamp.IsZero())
	assert.Empty(t, f.hub.History("someone-else", 0))
}

func TestHub_BroadcastSkipsHistory(t *testing.T) {
	f := newHubFixture(t, fastHubConfig())

	subA := f.live.Subscribe("tenant-a")
	subB := f.live.Subscribe("tenant-b")
	defer f.live.Unsubscribe(subA)
	defer f.live.Unsubscribe(subB)

	delivered := f.hub.Broadcast(context.Background(), model.Notification{Title: "maintenance", Message: "upgrade at 02:00"})
	assert.Equal(t, 2, delivered)

	for _, sub := range []*Subscription{subA, subB} {
		msg := <-sub.C
		assert.True(t, msg.Broadcast)
		assert.Equal(t, model.NotificationSystem, msg.Notification.Type)
	}
	assert.Empty(t, f.hub.History("tenant-a", 0))
	assert.Empty(t, f.hub.History("tenant-b", 0))
}

func TestHub_HistoryBound(t *testing.T) {
	f := newHubFixture(t, fastHubConfig())

	var ids []string
	for i := 0; i < 11; i++ {
		r := f.hub.Dispatch(context.Background(), "tenant-1", notification(model.NotificationSystem, model.PriorityLow))
		ids = append(ids, r.NotificationID)
	}

	history := f.hub.History("tenant-1", 0)
	require.Len(t, history, 10)
	assert.Equal(t, ids[10], history[0].ID)
	assert.Equal(t, ids[1], history[9].ID)
}
