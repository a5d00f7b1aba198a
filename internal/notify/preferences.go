package notify

import (
	"context"
	"sync"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// Preferences is a tenant's delivery configuration
type Preferences struct {
	// Channels overrides the default table per notification type. A present but
	// empty entry means the tenant opted out of every channel for that type.
	Channels        map[model.NotificationType][]model.Channel `json:"channels,omitempty"`
	EmailRecipients []string                                   `json:"email_recipients,omitempty"`
	SMSRecipients   []string                                   `json:"sms_recipients,omitempty"`
}

// ChannelsFor returns the tenant's channels for t and whether the tenant set any
func (p *Preferences) ChannelsFor(t model.NotificationType) ([]model.Channel, bool) {
	if p == nil || p.Channels == nil {
		return nil, false
	}
	ch, ok := p.Channels[t]
	return ch, ok
}

// Validate checks channel and type names
func (p *Preferences) Validate() error {
	for t, channels := range p.Channels {
		if !t.Valid() {
			return &PreferenceError{Field: "channels", Message: "unknown notification type " + string(t)}
		}
		for _, ch := range channels {
			if !ch.Valid() {
				return &PreferenceError{Field: "channels." + string(t), Message: "unknown channel " + string(ch)}
			}
		}
	}
	return nil
}

// PreferenceError is returned for malformed tenant preferences
type PreferenceError struct {
	Field   string
	Message string
}

func (e *PreferenceError) Error() string {
	return e.Field + ": " + e.Message
}

// PreferenceStore looks up tenant preferences. A nil result with no error
// means the tenant has not customized anything.
type PreferenceStore interface {
	Preferences(ctx context.Context, tenantID string) (*Preferences, error)
}

// MemoryPreferences is an in-process preference store
type MemoryPreferences struct {
	mu    sync.RWMutex
	prefs map[string]*Preferences
}

// NewMemoryPreferences creates an empty store
func NewMemoryPreferences() *MemoryPreferences {
	return &MemoryPreferences{prefs: make(map[string]*Preferences)}
}

// Preferences implements PreferenceStore
func (m *MemoryPreferences) Preferences(_ context.Context, tenantID string) (*Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.prefs[tenantID]
	if !ok {
		return nil, nil
	}
	return p.clone(), nil
}

// Set replaces a tenant's preferences
func (m *MemoryPreferences) Set(tenantID string, p *Preferences) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[tenantID] = p.clone()
}

// Delete reverts a tenant to the defaults
func (m *MemoryPreferences) Delete(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prefs, tenantID)
}

func (p *Preferences) clone() *Preferences {
	if p == nil {
		return nil
	}
	out := &Preferences{
		EmailRecipients: append([]string(nil), p.EmailRecipients...),
		SMSRecipients:   append([]string(nil), p.SMSRecipients...),
	}
	if p.Channels != nil {
		out.Channels = make(map[model.NotificationType][]model.Channel, len(p.Channels))
		for t, ch := range p.Channels {
			out.Channels[t] = append([]model.Channel{}, ch...)
		}
	}
	return out
}
