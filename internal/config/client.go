package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/notify"
)

const (
	// PreferencesKey is the config-api key holding tenant notification preferences
	PreferencesKey = "notify.preferences"

	tenantScopePrefix = "tenant:"
)

// Client retrieves tenant preferences from config-api
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// ConfigEntry represents a configuration entry from the API
type ConfigEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TenantID returns the tenant an entry is scoped to, if any
func (e ConfigEntry) TenantID() (string, bool) {
	if !strings.HasPrefix(e.Scope, tenantScopePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(e.Scope, tenantScopePrefix)
	return id, id != ""
}

// NewClient creates a new configuration client
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// GetPreferences fetches every tenant-scoped preference entry
func (c *Client) GetPreferences(ctx context.Context) (map[string]*notify.Preferences, error) {
	u := fmt.Sprintf("%s/config?key=%s", c.baseURL, url.QueryEscape(PreferencesKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config-api returned status %d", resp.StatusCode)
	}

	var response struct {
		Configs []ConfigEntry `json:"configs"`
		Count   int           `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode config response: %w", err)
	}

	prefs := make(map[string]*notify.Preferences)
	for _, entry := range response.Configs {
		if entry.Key != PreferencesKey {
			continue
		}
		tenantID, ok := entry.TenantID()
		if !ok {
			c.logger.Warn("Ignoring preference entry without tenant scope", "scope", entry.Scope)
			continue
		}
		p, err := DecodePreferences(entry.Value)
		if err != nil {
			c.logger.Warn("Ignoring invalid tenant preferences", "tenant_id", tenantID, "error", err)
			continue
		}
		prefs[tenantID] = p
	}

	c.logger.Info("Tenant preferences loaded",
		"tenants", len(prefs),
		"config_count", response.Count)

	return prefs, nil
}

// GetPreferencesWithFallback returns an empty set when config-api is unreachable
func (c *Client) GetPreferencesWithFallback(ctx context.Context) map[string]*notify.Preferences {
	prefs, err := c.GetPreferences(ctx)
	if err != nil {
		c.logger.Warn("Failed to fetch tenant preferences, using channel defaults", "error", err)
		return map[string]*notify.Preferences{}
	}
	return prefs
}

// DecodePreferences parses and validates a preferences document. A JSON null
// decodes to nil, meaning the tenant uses the defaults.
func DecodePreferences(raw json.RawMessage) (*notify.Preferences, error) {
	var p *notify.Preferences
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode preferences: %w", err)
	}
	if p == nil {
		return nil, nil
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
