package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/notify"
)

// ChangedSubject carries live configuration changes
const ChangedSubject = "config.changed"

// PreferenceWriter receives tenant preference updates
type PreferenceWriter interface {
	Set(tenantID string, p *notify.Preferences)
	Delete(tenantID string)
}

// CacheInvalidator drops cached preferences of a tenant
type CacheInvalidator interface {
	InvalidatePreferences(tenantID string)
}

// Manager keeps tenant preferences in sync with config-api
type Manager struct {
	client      *Client
	nats        *nats.Conn
	prefs       PreferenceWriter
	invalidator CacheInvalidator
	logger      *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription

	applied  atomic.Int64
	rejected atomic.Int64
}

// ConfigChangeMessage represents a configuration change from NATS
type ConfigChangeMessage struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	Timestamp int64           `json:"timestamp"`
}

// NewManager creates a new configuration manager. client and nc may be nil
// to skip the initial fetch or the live subscription.
func NewManager(client *Client, nc *nats.Conn, prefs PreferenceWriter, invalidator CacheInvalidator, logger *slog.Logger) *Manager {
	return &Manager{
		client:      client,
		nats:        nc,
		prefs:       prefs,
		invalidator: invalidator,
		logger:      logger,
	}
}

// Initialize loads the initial preferences and subscribes to live changes
func (m *Manager) Initialize(ctx context.Context) error {
	if m.client != nil {
		m.logger.Info("Loading tenant preferences from config-api")
		for tenantID, p := range m.client.GetPreferencesWithFallback(ctx) {
			m.apply(tenantID, p)
		}
	}

	if m.nats == nil {
		return nil
	}

	sub, err := m.nats.Subscribe(ChangedSubject, func(msg *nats.Msg) {
		m.handleConfigChange(msg.Data)
	})
	if err != nil {
		m.logger.Error("Failed to subscribe to config changes", "error", err)
		return err
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()

	m.logger.Info("Subscribed to config changes", "subject", ChangedSubject)
	return nil
}

// Close stops receiving live changes
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == nil {
		return nil
	}
	err := m.sub.Unsubscribe()
	m.sub = nil
	return err
}

// handleConfigChange processes incoming configuration change messages
func (m *Manager) handleConfigChange(data []byte) {
	var change ConfigChangeMessage
	if err := json.Unmarshal(data, &change); err != nil {
		m.rejected.Add(1)
		m.logger.Error("Failed to unmarshal config change message", "error", err)
		return
	}

	if change.Key != PreferencesKey {
		m.logger.Debug("Ignoring unrelated configuration key", "key", change.Key)
		return
	}

	tenantID, ok := ConfigEntry{Scope: change.Scope}.TenantID()
	if !ok {
		m.rejected.Add(1)
		m.logger.Warn("Ignoring preference change without tenant scope", "scope", change.Scope)
		return
	}

	p, err := DecodePreferences(change.Value)
	if err != nil {
		m.rejected.Add(1)
		m.logger.Warn("Rejected tenant preference change",
			"tenant_id", tenantID,
			"updated_by", change.UpdatedBy,
			"error", err)
		return
	}

	m.apply(tenantID, p)
	m.logger.Info("Tenant preferences updated live",
		"tenant_id", tenantID,
		"updated_by", change.UpdatedBy,
		"timestamp", change.Timestamp,
		"reset", p == nil)
}

// apply stores p for the tenant, or reverts to defaults when p is nil
func (m *Manager) apply(tenantID string, p *notify.Preferences) {
	if p == nil {
		m.prefs.Delete(tenantID)
	} else {
		m.prefs.Set(tenantID, p)
	}
	if m.invalidator != nil {
		m.invalidator.InvalidatePreferences(tenantID)
	}
	m.applied.Add(1)
}

// GetStats returns manager statistics
func (m *Manager) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"applied":  m.applied.Load(),
		"rejected": m.rejected.Load(),
	}
}
