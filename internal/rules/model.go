package rules

import (
	"fmt"
	"time"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// PatternSpec is one required step inside a rule
type PatternSpec struct {
	EventType             string `yaml:"event_type" json:"event_type"`
	MinCount              int    `yaml:"min_count" json:"min_count"`
	TimeWindowMinutes     int    `yaml:"time_window_minutes" json:"time_window_minutes"`
	RequiresUniqueSources bool   `yaml:"requires_unique_sources,omitempty" json:"requires_unique_sources,omitempty"`
	// ExcludesBusinessHours set to false restricts matches to events outside business hours
	ExcludesBusinessHours *bool `yaml:"excludes_business_hours,omitempty" json:"excludes_business_hours,omitempty"`
}

// Window returns the pattern's sliding window width
func (p PatternSpec) Window() time.Duration {
	return time.Duration(p.TimeWindowMinutes) * time.Minute
}

// OffHoursOnly reports whether matching events must fall outside business hours
func (p PatternSpec) OffHoursOnly() bool {
	return p.ExcludesBusinessHours != nil && !*p.ExcludesBusinessHours
}

// RuleMetadata contains metadata about a rule
type RuleMetadata struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

// RuleSpec contains the rule specification
type RuleSpec struct {
	Enabled     bool           `yaml:"enabled" json:"enabled"`
	Description string         `yaml:"description" json:"description"`
	Severity    model.Severity `yaml:"severity" json:"severity"`
	Score       int            `yaml:"score" json:"score"`
	// Sequenced rules require each pattern's events to precede the next pattern's,
	// and only the final pattern's event type can trigger evaluation
	Sequenced        bool                   `yaml:"sequenced,omitempty" json:"sequenced,omitempty"`
	NotificationType model.NotificationType `yaml:"notification_type,omitempty" json:"notification_type,omitempty"`
	Patterns         []PatternSpec          `yaml:"patterns" json:"patterns"`
}

// Rule represents a complete correlation rule
type Rule struct {
	APIVersion string       `yaml:"apiVersion" json:"apiVersion"`
	Kind       string       `yaml:"kind" json:"kind"`
	Metadata   RuleMetadata `yaml:"metadata" json:"metadata"`
	Spec       RuleSpec     `yaml:"spec" json:"spec"`
	SourceFile string       `yaml:"-" json:"source_file,omitempty"`
}

// RuleSnapshot represents a collection of loaded rules
type RuleSnapshot struct {
	Rules   []Rule
	Version int64 // Timestamp when snapshot was created
}

// ID returns the rule id
func (r *Rule) ID() string {
	return r.Metadata.ID
}

// IsEnabled checks if the rule is enabled
func (r *Rule) IsEnabled() bool {
	return r.Spec.Enabled
}

// MaxWindow is the widest pattern window, the span fetched from the store
func (r *Rule) MaxWindow() time.Duration {
	var max time.Duration
	for _, p := range r.Spec.Patterns {
		if w := p.Window(); w > max {
			max = w
		}
	}
	return max
}

// NotificationTypeOrDefault returns the notification type findings of this rule carry
func (r *Rule) NotificationTypeOrDefault() model.NotificationType {
	if r.Spec.NotificationType == "" {
		return model.NotificationThreat
	}
	return r.Spec.NotificationType
}

// TriggerTypes returns the event types that make this rule a candidate
func (r *Rule) TriggerTypes() []string {
	patterns := r.Spec.Patterns
	if len(patterns) == 0 {
		return nil
	}
	if r.Spec.Sequenced {
		return []string{patterns[len(patterns)-1].EventType}
	}

	seen := make(map[string]bool, len(patterns))
	var types []string
	for _, p := range patterns {
		if !seen[p.EventType] {
			seen[p.EventType] = true
			types = append(types, p.EventType)
		}
	}
	return types
}

// CheckInvariants reports conditions under which matching semantics are undefined
func (r *Rule) CheckInvariants() error {
	for i, p := range r.Spec.Patterns {
		if p.MinCount < 0 {
			return &InvariantError{
				RuleID:  r.Metadata.ID,
				Message: fmt.Sprintf("patterns[%d].min_count is negative (%d)", i, p.MinCount),
			}
		}
	}
	return nil
}

// Validate checks if a rule is valid
func (r *Rule) Validate() error {
	if r.Metadata.ID == "" {
		return &ValidationError{Field: "metadata.id", Message: "rule ID is required"}
	}

	if r.Metadata.Name == "" {
		return &ValidationError{Field: "metadata.name", Message: "rule name is required"}
	}

	if !r.Spec.Severity.Valid() {
		return &ValidationError{Field: "spec.severity", Message: "invalid severity, must be low/medium/high/critical"}
	}

	if r.Spec.Score < 0 || r.Spec.Score > 100 {
		return &ValidationError{Field: "spec.score", Message: "score must be between 0 and 100"}
	}

	if r.Spec.NotificationType != "" && !r.Spec.NotificationType.Valid() {
		return &ValidationError{Field: "spec.notification_type", Message: fmt.Sprintf("unknown notification type %q", r.Spec.NotificationType)}
	}

	if len(r.Spec.Patterns) == 0 {
		return &ValidationError{Field: "spec.patterns", Message: "at least one pattern is required"}
	}

	for i, p := range r.Spec.Patterns {
		field := fmt.Sprintf("spec.patterns[%d]", i)
		if p.EventType == "" {
			return &ValidationError{Field: field + ".event_type", Message: "event type is required"}
		}
		if p.MinCount < 1 {
			return &ValidationError{Field: field + ".min_count", Message: "min_count must be at least 1"}
		}
		if p.TimeWindowMinutes <= 0 {
			return &ValidationError{Field: field + ".time_window_minutes", Message: "time window must be positive"}
		}
	}

	return nil
}

// ValidationError represents a rule validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// InvariantError is a catalog defect the engine refuses to start with
type InvariantError struct {
	RuleID  string
	Message string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("rule %q: %s", e.RuleID, e.Message)
}
