package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Category identifies the upstream subsystem an event originated from
type Category string

const (
	CategoryAlert   Category = "alert"
	CategoryThreat  Category = "threat"
	CategoryAnomaly Category = "anomaly"
)

// Categories lists every category in a stable order
var Categories = []Category{CategoryAlert, CategoryThreat, CategoryAnomaly}

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	switch c {
	case CategoryAlert, CategoryThreat, CategoryAnomaly:
		return true
	}
	return false
}

// Severity is an ordinal: low < medium < high < critical
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal of the severity, 0 when unknown
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ParseSeverity converts a string to a Severity
func ParseSeverity(v string) (Severity, error) {
	s := Severity(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid severity %q, must be low/medium/high/critical", v)
	}
	return s, nil
}

// Priority is the urgency of a notification
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// PriorityFor maps a finding severity to a notification priority
func PriorityFor(s Severity) Priority {
	switch s {
	case SeverityCritical:
		return PriorityCritical
	case SeverityHigh:
		return PriorityHigh
	case SeverityMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// SecurityEvent is an immutable fact ingested into the engine
type SecurityEvent struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	Category     Category               `json:"category"`
	EventType    string                 `json:"event_type"`
	Severity     Severity               `json:"severity"`
	SourceSystem string                 `json:"source_system"`
	Timestamp    time.Time              `json:"timestamp"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ErrInvalidEvent is returned when an event is missing required fields
var ErrInvalidEvent = errors.New("invalid security event")

// Validate checks the fields the engine relies on
func (e *SecurityEvent) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	case e.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidEvent)
	case e.EventType == "":
		return fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	case !e.Category.Valid():
		return fmt.Errorf("%w: unknown category %q", ErrInvalidEvent, e.Category)
	case !e.Severity.Valid():
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, e.Severity)
	}
	return nil
}

// CorrelationResult is the output of a rule firing
type CorrelationResult struct {
	RuleID           string           `json:"rule_id"`
	RuleName         string           `json:"rule_name"`
	Description      string           `json:"description,omitempty"`
	NotificationType NotificationType `json:"notification_type"`
	Severity         Severity         `json:"severity"`
	Score            int              `json:"score"`
	TriggerEvent     SecurityEvent    `json:"trigger_event"`
	MatchedEvents    []SecurityEvent  `json:"matched_events"`
	SystemsInvolved  []string         `json:"systems_involved"`
	Timestamp        time.Time        `json:"timestamp"`
}

// Finding is the correlated record persisted for a CorrelationResult
type Finding struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	RuleID          string    `json:"rule_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Severity        Severity  `json:"severity"`
	Score           int       `json:"score"`
	Status          string    `json:"status"` // open, investigating, resolved, false_positive
	TriggerEventID  string    `json:"trigger_event_id"`
	EventIDs        []string  `json:"event_ids"`
	SystemsInvolved []string  `json:"systems_involved"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	CreatedAt       time.Time `json:"created_at"`
}

// NotificationType classifies a notification for preference lookup
type NotificationType string

const (
	NotificationAlert         NotificationType = "alert"
	NotificationThreat        NotificationType = "threat"
	NotificationSystem        NotificationType = "system"
	NotificationAuth          NotificationType = "auth"
	NotificationNetwork       NotificationType = "network"
	NotificationFileIntegrity NotificationType = "file_integrity"
	NotificationAnomaly       NotificationType = "anomaly"
)

// NotificationTypes lists every notification type
var NotificationTypes = []NotificationType{
	NotificationAlert,
	NotificationThreat,
	NotificationSystem,
	NotificationAuth,
	NotificationNetwork,
	NotificationFileIntegrity,
	NotificationAnomaly,
}

// Valid reports whether t is a known notification type
func (t NotificationType) Valid() bool {
	for _, known := range NotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Notification is a deliverable unit. Notifications are never updated in place.
type Notification struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Priority  Priority               `json:"priority"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Channel is a delivery channel
type Channel string

const (
	ChannelLive    Channel = "live"
	ChannelChatOps Channel = "chatops"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
)

// AllChannels is the full channel set in canonical order
var AllChannels = []Channel{ChannelLive, ChannelChatOps, ChannelEmail, ChannelSMS}

// Valid reports whether c is a known channel
func (c Channel) Valid() bool {
	switch c {
	case ChannelLive, ChannelChatOps, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// ChannelResult records the outcome of delivery on one channel
type ChannelResult struct {
	Success  bool          `json:"success"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// DeliveryReport records per-channel delivery results for a notification
type DeliveryReport struct {
	NotificationID string                    `json:"notification_id"`
	TenantID       string                    `json:"tenant_id"`
	Channels       []Channel                 `json:"channels"`
	Escalated      bool                      `json:"escalated"`
	Results        map[Channel]ChannelResult `json:"results"`
}

// Delivered returns the channels that succeeded
func (r DeliveryReport) Delivered() []Channel {
	var out []Channel
	for _, ch := range r.Channels {
		if res, ok := r.Results[ch]; ok && res.Success {
			out = append(out, ch)
		}
	}
	return out
}

// Failed returns the channels that did not succeed
func (r DeliveryReport) Failed() []Channel {
	var out []Channel
	for _, ch := range r.Channels {
		if res, ok := r.Results[ch]; !ok || !res.Success {
			out = append(out, ch)
		}
	}
	return out
}

// SortByRecency orders events by timestamp descending, then id ascending
func SortByRecency(events []SecurityEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.After(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
}
