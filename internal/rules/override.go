package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// ErrOverrideNotFound is returned when removing an unknown override
var ErrOverrideNotFound = errors.New("override not found")

// RuleOverride adjusts a loaded rule at runtime without touching the catalog files
type RuleOverride struct {
	ID          string          `json:"id"`
	RuleID      string          `json:"rule_id"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Severity    *model.Severity `json:"severity,omitempty"`
	Score       *int            `json:"score,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Description string          `json:"description,omitempty"`
}

func (o *RuleOverride) expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// OverrideRequest is the input of AddOverride
type OverrideRequest struct {
	RuleID      string          `json:"rule_id"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Severity    *model.Severity `json:"severity,omitempty"`
	Score       *int            `json:"score,omitempty"`
	TTLSeconds  *int            `json:"ttl_seconds,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Validate checks an override request
func (r *OverrideRequest) Validate() error {
	if r.RuleID == "" {
		return &ValidationError{Field: "rule_id", Message: "is required"}
	}
	if r.Enabled == nil && r.Severity == nil && r.Score == nil {
		return &ValidationError{Field: "override", Message: "must change enabled, severity or score"}
	}
	if r.Severity != nil && !r.Severity.Valid() {
		return &ValidationError{Field: "severity", Message: fmt.Sprintf("invalid severity %q", *r.Severity)}
	}
	if r.Score != nil && (*r.Score < 0 || *r.Score > 100) {
		return &ValidationError{Field: "score", Message: fmt.Sprintf("must be between 0 and 100, got %d", *r.Score)}
	}
	if r.TTLSeconds != nil && *r.TTLSeconds <= 0 {
		return &ValidationError{Field: "ttl_seconds", Message: fmt.Sprintf("must be positive, got %d", *r.TTLSeconds)}
	}
	return nil
}

// OverrideManager holds runtime rule overrides in memory
type OverrideManager struct {
	mu        sync.RWMutex
	overrides map[string]*RuleOverride
	watchers  []chan struct{}
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewOverrideManager creates a new override manager
func NewOverrideManager(m *metrics.Metrics, logger *slog.Logger) *OverrideManager {
	return &OverrideManager{
		overrides: make(map[string]*RuleOverride),
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// AddOverride validates and stores an override
func (om *OverrideManager) AddOverride(req OverrideRequest) (*RuleOverride, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := om.now()
	override := &RuleOverride{
		ID:          "override-" + uuid.NewString(),
		RuleID:      req.RuleID,
		Enabled:     req.Enabled,
		Severity:    req.Severity,
		Score:       req.Score,
		CreatedAt:   now,
		Description: req.Description,
	}
	if req.TTLSeconds != nil {
		expires := now.Add(time.Duration(*req.TTLSeconds) * time.Second)
		override.ExpiresAt = &expires
	}

	om.mu.Lock()
	om.overrides[override.ID] = override
	count := len(om.overrides)
	om.mu.Unlock()

	om.logger.Info("Rule override added",
		"override_id", override.ID,
		"rule_id", override.RuleID,
		"enabled", override.Enabled,
		"severity", override.Severity,
		"score", override.Score,
		"expires_at", override.ExpiresAt)

	om.metrics.SetRulesOverrides(count)
	om.notifyWatchers()
	return override, nil
}

// RemoveOverride removes a rule override by ID
func (om *OverrideManager) RemoveOverride(id string) error {
	om.mu.Lock()
	if _, exists := om.overrides[id]; !exists {
		om.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOverrideNotFound, id)
	}
	delete(om.overrides, id)
	count := len(om.overrides)
	om.mu.Unlock()

	om.logger.Info("Rule override removed", "override_id", id)
	om.metrics.SetRulesOverrides(count)
	om.notifyWatchers()
	return nil
}

// ListOverrides returns the unexpired overrides, oldest first
func (om *OverrideManager) ListOverrides() []RuleOverride {
	om.mu.RLock()
	defer om.mu.RUnlock()

	now := om.now()
	list := make([]RuleOverride, 0, len(om.overrides))
	for _, o := range om.overrides {
		if !o.expired(now) {
			list = append(list, *o)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Apply returns a copy of snapshot with the active overrides applied. Later
// overrides win per field; a rule overridden to disabled is dropped.
func (om *OverrideManager) Apply(snapshot *RuleSnapshot) *RuleSnapshot {
	if snapshot == nil {
		return nil
	}

	byRule := make(map[string][]RuleOverride)
	for _, o := range om.ListOverrides() {
		byRule[o.RuleID] = append(byRule[o.RuleID], o)
	}

	out := &RuleSnapshot{Version: snapshot.Version, Rules: make([]Rule, 0, len(snapshot.Rules))}
	for _, rule := range snapshot.Rules {
		for _, o := range byRule[rule.ID()] {
			if o.Enabled != nil {
				rule.Spec.Enabled = *o.Enabled
			}
			if o.Severity != nil {
				rule.Spec.Severity = *o.Severity
			}
			if o.Score != nil {
				rule.Spec.Score = *o.Score
			}
		}
		if rule.IsEnabled() {
			out.Rules = append(out.Rules, rule)
		}
	}
	return out
}

// Prune drops expired overrides and reports how many were removed
func (om *OverrideManager) Prune() int {
	om.mu.Lock()
	now := om.now()
	removed := 0
	for id, o := range om.overrides {
		if o.expired(now) {
			delete(om.overrides, id)
			removed++
		}
	}
	count := len(om.overrides)
	om.mu.Unlock()

	if removed > 0 {
		om.logger.Info("Expired rule overrides pruned", "removed", removed)
		om.metrics.SetRulesOverrides(count)
		om.notifyWatchers()
	}
	return removed
}

// Subscribe returns a channel that receives a value whenever overrides change
func (om *OverrideManager) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	om.mu.Lock()
	om.watchers = append(om.watchers, ch)
	om.mu.Unlock()
	return ch
}

func (om *OverrideManager) notifyWatchers() {
	om.mu.RLock()
	defer om.mu.RUnlock()
	for _, ch := range om.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// GetStats returns statistics about overrides
func (om *OverrideManager) GetStats() map[string]interface{} {
	disabled := 0
	list := om.ListOverrides()
	for _, o := range list {
		if o.Enabled != nil && !*o.Enabled {
			disabled++
		}
	}
	return map[string]interface{}{
		"total_overrides": len(list),
		"disabled_rules":  disabled,
	}
}
