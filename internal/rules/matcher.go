package rules

import (
	"sort"
	"time"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// BusinessHours is the fixed daily window off-hours patterns exclude
type BusinessHours struct {
	Start    int // first business hour, inclusive
	End      int // first hour after business, exclusive
	Location *time.Location
}

// DefaultBusinessHours is 09:00-17:00 in the process's local time zone
func DefaultBusinessHours() BusinessHours {
	return BusinessHours{Start: 9, End: 17, Location: time.Local}
}

// IsOffHours reports whether t falls outside business hours
func (b BusinessHours) IsOffHours(t time.Time) bool {
	loc := b.Location
	if loc == nil {
		loc = time.Local
	}
	h := t.In(loc).Hour()
	return h < b.Start || h >= b.End
}

// Matcher evaluates a rule's patterns against an event window. It performs no
// I/O: identical inputs always produce identical matched sets.
type Matcher struct {
	hours BusinessHours
	now   func() time.Time
}

// NewMatcher creates a new pattern matcher
func NewMatcher(hours BusinessHours) *Matcher {
	return &Matcher{hours: hours, now: time.Now}
}

// Match evaluates rule for trigger over window and returns the result when every pattern holds
func (m *Matcher) Match(rule *Rule, trigger model.SecurityEvent, window []model.SecurityEvent) (*model.CorrelationResult, bool) {
	patterns := rule.Spec.Patterns
	if len(patterns) == 0 {
		return nil, false
	}
	if rule.Spec.Sequenced && patterns[len(patterns)-1].EventType != trigger.EventType {
		return nil, false
	}

	events := m.prepareWindow(trigger, window)
	selected := make([][]model.SecurityEvent, len(patterns))

	if rule.Spec.Sequenced {
		// walk backwards from the step the trigger completes; earlier steps must
		// precede the earliest event chosen for the following step
		bound := trigger.Timestamp
		for i := len(patterns) - 1; i >= 0; i-- {
			picked, ok := m.selectPattern(patterns[i], trigger, bound, events)
			if !ok {
				return nil, false
			}
			selected[i] = picked
			bound = picked[len(picked)-1].Timestamp
		}
	} else {
		for i, p := range patterns {
			picked, ok := m.selectPattern(p, trigger, trigger.Timestamp, events)
			if !ok {
				return nil, false
			}
			selected[i] = picked
		}
	}

	return m.buildResult(rule, trigger, selected), true
}

// prepareWindow drops other tenants and future events, makes sure the trigger
// is present, and orders the window deterministically
func (m *Matcher) prepareWindow(trigger model.SecurityEvent, window []model.SecurityEvent) []model.SecurityEvent {
	events := make([]model.SecurityEvent, 0, len(window)+1)
	seen := make(map[string]bool, len(window)+1)

	for _, ev := range window {
		if ev.TenantID != trigger.TenantID || ev.Timestamp.After(trigger.Timestamp) || seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		events = append(events, ev)
	}
	if !seen[trigger.ID] {
		events = append(events, trigger)
	}

	model.SortByRecency(events)
	return events
}

// selectPattern returns the most recent events satisfying p within
// [trigger - window, bound], or false when the requirement is unmet
func (m *Matcher) selectPattern(p PatternSpec, trigger model.SecurityEvent, bound time.Time, events []model.SecurityEvent) ([]model.SecurityEvent, bool) {
	if p.MinCount < 1 {
		return nil, false
	}
	lower := trigger.Timestamp.Add(-p.Window())

	var qualifying []model.SecurityEvent
	for _, ev := range events {
		if ev.EventType != p.EventType {
			continue
		}
		if ev.Timestamp.Before(lower) || ev.Timestamp.After(bound) {
			continue
		}
		if p.OffHoursOnly() && !m.hours.IsOffHours(ev.Timestamp) {
			continue
		}
		qualifying = append(qualifying, ev)
	}

	if !p.RequiresUniqueSources {
		if len(qualifying) < p.MinCount {
			return nil, false
		}
		return qualifying[:p.MinCount], true
	}

	// most recent event of each of the most recent distinct sources
	picked := make([]model.SecurityEvent, 0, p.MinCount)
	sources := make(map[string]bool, p.MinCount)
	for _, ev := range qualifying {
		if sources[ev.SourceSystem] {
			continue
		}
		sources[ev.SourceSystem] = true
		picked = append(picked, ev)
		if len(picked) == p.MinCount {
			return picked, true
		}
	}
	return nil, false
}

func (m *Matcher) buildResult(rule *Rule, trigger model.SecurityEvent, selected [][]model.SecurityEvent) *model.CorrelationResult {
	seen := map[string]bool{trigger.ID: true}
	matched := []model.SecurityEvent{trigger}

	for _, picked := range selected {
		for _, ev := range picked {
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			matched = append(matched, ev)
		}
	}
	model.SortByRecency(matched)

	systemSet := make(map[string]bool)
	var systems []string
	for _, ev := range matched {
		if ev.SourceSystem == "" || systemSet[ev.SourceSystem] {
			continue
		}
		systemSet[ev.SourceSystem] = true
		systems = append(systems, ev.SourceSystem)
	}
	sort.Strings(systems)

	return &model.CorrelationResult{
		RuleID:           rule.Metadata.ID,
		RuleName:         rule.Metadata.Name,
		Description:      rule.Spec.Description,
		NotificationType: rule.NotificationTypeOrDefault(),
		Severity:         rule.Spec.Severity,
		Score:            rule.Spec.Score,
		TriggerEvent:     trigger,
		MatchedEvents:    matched,
		SystemsInvolved:  systems,
		Timestamp:        m.now(),
	}
}
