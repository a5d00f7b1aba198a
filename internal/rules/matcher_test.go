package rules

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

var base = time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)

func utcHours() BusinessHours {
	return BusinessHours{Start: 9, End: 17, Location: time.UTC}
}

func newTestMatcher() *Matcher {
	m := NewMatcher(utcHours())
	m.now = func() time.Time { return base.Add(time.Hour) }
	return m
}

func ev(id, eventType, source string, at time.Time) model.SecurityEvent {
	return model.SecurityEvent{
		ID:           id,
		TenantID:     "tenant-1",
		Category:     model.CategoryAlert,
		EventType:    eventType,
		Severity:     model.SeverityMedium,
		SourceSystem: source,
		Timestamp:    at,
	}
}

func minutes(n int) time.Time {
	return base.Add(time.Duration(n) * time.Minute)
}

func builtin(t testing.TB, id string) *Rule {
	t.Helper()
	for _, r := range BuiltinRules() {
		if r.Metadata.ID == id {
			rule := r
			return &rule
		}
	}
	t.Fatalf("no builtin rule %s", id)
	return nil
}

func eventIDs(events []model.SecurityEvent) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

func TestMatcher_BruteForceSuccess(t *testing.T) {
	m := newTestMatcher()
	rule := builtin(t, "brute-force-success")

	window := []model.SecurityEvent{
		ev("f1", "failed_login", "web-1", minutes(0)),
		ev("f2", "failed_login", "web-1", minutes(2)),
		ev("f3", "failed_login", "web-1", minutes(4)),
	}
	trigger := ev("s1", "successful_login", "web-1", minutes(6))

	result, ok := m.Match(rule, trigger, window)
	require.True(t, ok)
	assert.Equal(t, model.SeverityHigh, result.Severity)
	assert.Equal(t, 80, result.Score)
	assert.Equal(t, model.NotificationAuth, result.NotificationType)
	assert.Len(t, result.MatchedEvents, 4)
	assert.Equal(t, []string{"s1", "f3", "f2", "f1"}, eventIDs(result.MatchedEvents))
	assert.Equal(t, "s1", result.TriggerEvent.ID)
	assert.Equal(t, []string{"web-1"}, result.SystemsInvolved)
	assert.Equal(t, base.Add(time.Hour), result.Timestamp)
}

func TestMatcher_BruteForceTooFewFailures(t *testing.T) {
	m := newTestMatcher()
	rule := builtin(t, "brute-force-success")

	window := []model.SecurityEvent{
		ev("f1", "failed_login", "web-1", minutes(2)),
		ev("f2", "failed_login", "web-1", minutes(4)),
	}
	trigger := ev("s1", "successful_login", "web-1", minutes(6))

	_, ok := m.Match(rule, trigger, window)
	assert.False(t, ok)
}

func TestMatcher_SequencedRequiresFinalPatternTrigger(t *testing.T) {
	m := newTestMatcher()
	rule := builtin(t, "brute-force-success")

	window := []model.SecurityEvent{
		ev("s1", "successful_login", "web-1", minutes(1)),
		ev("f1", "failed_login", "web-1", minutes(2)),
		ev("f2", "failed_login", "web-1", minutes(3)),
	}
	trigger := ev("f3", "failed_login", "web-1", minutes(4))

	_, ok := m.Match(rule, trigger, window)
	assert.False(t, ok)
}

func TestMatcher_SequencedOrdering(t *testing.T) {
	m := newTestMatcher()
	rule := &Rule{
		Metadata: RuleMetadata{ID: "stage", Name: "Staged"},
		Spec: RuleSpec{
			Severity:  model.SeverityHigh,
			Sequenced: true,
			Patterns: []PatternSpec{
				{EventType: "recon", MinCount: 1, TimeWindowMinutes: 60},
				{EventType: "exploit", MinCount: 2, TimeWindowMinutes: 30},
			},
		},
	}
	trigger := ev("x2", "exploit", "host-a", minutes(12))

	// recon must precede the earliest selected exploit (x1 at minute 10)
	window := []model.SecurityEvent{
		ev("x1", "exploit", "host-a", minutes(10)),
		ev("r1", "recon", "host-a", minutes(11)),
	}
	_, ok := m.Match(rule, trigger, window)
	assert.False(t, ok)

	window = append(window, ev("r0", "recon", "host-b", minutes(9)))
	result, ok := m.Match(rule, trigger, window)
	require.True(t, ok)
	assert.Equal(t, []string{"x2", "x1", "r0"}, eventIDs(result.MatchedEvents))
	assert.Equal(t, []string{"host-a", "host-b"}, result.SystemsInvolved)
}

func TestMatcher_CoordinatedFileTampering(t *testing.T) {
	m := newTestMatcher()
	rule := builtin(t, "coordinated-file-tampering")

	window := []model.SecurityEvent{
		ev("v1", "file_integrity_violation", "host-A", minutes(0)),
		ev("v2", "file_integrity_violation", "host-A", minutes(1)),
		ev("v3", "file_integrity_violation", "host-B", minutes(2)),
	}
	trigger := ev("v4", "file_integrity_violation", "host-B", minutes(3))

	_, ok := m.Match(rule, trigger, window)
	assert.False(t, ok, "two distinct sources must not satisfy min_count 3")

	window = append(window, trigger)
	fifth := ev("v5", "file_integrity_violation", "host-C", minutes(4))

	result, ok := m.Match(rule, fifth, window)
	require.True(t, ok)
	assert.Equal(t, model.SeverityCritical, result.Severity)
	assert.Equal(t, []string{"v5", "v4", "v2"}, eventIDs(result.MatchedEvents))
	assert.Equal(t, []string{"host-A", "host-B", "host-C"}, result.SystemsInvolved)
}

func TestMatcher_UniqueSourcesConstraint(t *testing.T) {
	m := newTestMatcher()

	unique := Rule{
		Metadata: RuleMetadata{ID: "unique", Name: "Unique"},
		Spec: RuleSpec{
			Severity: model.SeverityLow,
			Patterns: []PatternSpec{{EventType: "x", MinCount: 3, TimeWindowMinutes: 30, RequiresUniqueSources: true}},
		},
	}
	counting := unique
	counting.Spec.Patterns = []PatternSpec{{EventType: "x", MinCount: 3, TimeWindowMinutes: 30}}

	window := []model.SecurityEvent{
		ev("e1", "x", "a", minutes(0)),
		ev("e2", "x", "b", minutes(1)),
		ev("e3", "x", "a", minutes(2)),
		ev("e4", "x", "b", minutes(3)),
	}
	trigger := ev("e5", "x", "a", minutes(4))

	_, ok := m.Match(&unique, trigger, window)
	assert.False(t, ok)

	result, ok := m.Match(&counting, trigger, window)
	require.True(t, ok)
	assert.Equal(t, []string{"e5", "e4", "e3"}, eventIDs(result.MatchedEvents))
}

func TestMatcher_WindowBoundaryInclusive(t *testing.T) {
	m := newTestMatcher()
	rule := &Rule{
		Metadata: RuleMetadata{ID: "pair", Name: "Pair"},
		Spec: RuleSpec{
			Severity: model.SeverityLow,
			Patterns: []PatternSpec{{EventType: "x", MinCount: 2, TimeWindowMinutes: 10}},
		},
	}
	trigger := ev("t", "x", "a", minutes(10))

	result, ok := m.Match(rule, trigger, []model.SecurityEvent{ev("edge", "x", "a", minutes(0))})
	require.True(t, ok)
	assert.Equal(t, []string{"t", "edge"}, eventIDs(result.MatchedEvents))

	justOutside := ev("out", "x", "a", minutes(0).Add(-time.Nanosecond))
	_, ok = m.Match(rule, trigger, []model.SecurityEvent{justOutside})
	assert.False(t, ok)
}

func TestMatcher_NoFutureLeakage(t *testing.T) {
	m := newTestMatcher()
	rule := &Rule{
		Metadata: RuleMetadata{ID: "pair", Name: "Pair"},
		Spec: RuleSpec{
			Severity: model.SeverityLow,
			Patterns: []PatternSpec{{EventType: "x", MinCount: 2, TimeWindowMinutes: 10}},
		},
	}
	trigger := ev("t", "x", "a", minutes(5))
	window := []model.SecurityEvent{
		ev("future", "x", "a", minutes(6)),
		ev("past", "x", "a", minutes(1)),
	}

	result, ok := m.Match(rule, trigger, window)
	require.True(t, ok)
	for _, e := range result.MatchedEvents {
		assert.False(t, e.Timestamp.After(trigger.Timestamp), "event %s is after the trigger", e.ID)
	}
	assert.Equal(t, []string{"t", "past"}, eventIDs(result.MatchedEvents))

	_, ok = m.Match(rule, trigger, window[:1])
	assert.False(t, ok)
}

func TestMatcher_TenantIsolation(t *testing.T) {
	m := newTestMatcher()
	rule := &Rule{
		Metadata: RuleMetadata{ID: "pair", Name: "Pair"},
		Spec: RuleSpec{
			Severity: model.SeverityLow,
			Patterns: []PatternSpec{{EventType: "x", MinCount: 2, TimeWindowMinutes: 10}},
		},
	}
	other := ev("o1", "x", "a", minutes(1))
	other.TenantID = "tenant-2"

	_, ok := m.Match(rule, ev("t", "x", "a", minutes(2)), []model.SecurityEvent{other})
	assert.False(t, ok)
}

func TestMatcher_Determinism(t *testing.T) {
	m := newTestMatcher()
	rule := &Rule{
		Metadata: RuleMetadata{ID: "burst", Name: "Burst"},
		Spec: RuleSpec{
			Severity: model.SeverityMedium,
			Patterns: []PatternSpec{{EventType: "x", MinCount: 3, TimeWindowMinutes: 10}},
		},
	}

	// identical timestamps force the id tie-break
	var window []model.SecurityEvent
	for _, id := range []string{"e9", "e3", "e7", "e1", "e5"} {
		window = append(window, ev(id, "x", "a", minutes(1)))
	}
	trigger := ev("t", "x", "a", minutes(2))

	first, ok := m.Match(rule, trigger, window)
	require.True(t, ok)

	reversed := make([]model.SecurityEvent, len(window))
	for i := range window {
		reversed[len(window)-1-i] = window[i]
	}
	second, ok := m.Match(rule, trigger, reversed)
	require.True(t, ok)

	assert.Equal(t, first.MatchedEvents, second.MatchedEvents)
	assert.Equal(t, []string{"t", "e1", "e3"}, eventIDs(first.MatchedEvents))
}

func TestMatcher_OffHoursPrivilegedAction(t *testing.T) {
	m := newTestMatcher()
	rule := builtin(t, "off-hours-privileged-action")

	tests := []struct {
		name  string
		at    time.Time
		fires bool
	}{
		{"early morning", time.Date(2024, 3, 12, 3, 0, 0, 0, time.UTC), true},
		{"just before opening", time.Date(2024, 3, 12, 8, 59, 0, 0, time.UTC), true},
		{"opening hour", time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC), false},
		{"afternoon", time.Date(2024, 3, 12, 16, 59, 0, 0, time.UTC), false},
		{"closing hour", time.Date(2024, 3, 12, 17, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger := ev("p1", "privileged_action", "db-1", tt.at)
			result, ok := m.Match(rule, trigger, nil)
			assert.Equal(t, tt.fires, ok)
			if ok {
				assert.Equal(t, []string{"p1"}, eventIDs(result.MatchedEvents))
			}
		})
	}
}

func TestMatcher_MultiplePatternsDedupeByID(t *testing.T) {
	m := newTestMatcher()
	rule := &Rule{
		Metadata: RuleMetadata{ID: "overlap", Name: "Overlap"},
		Spec: RuleSpec{
			Severity: model.SeverityMedium,
			Patterns: []PatternSpec{
				{EventType: "x", MinCount: 2, TimeWindowMinutes: 10},
				{EventType: "x", MinCount: 1, TimeWindowMinutes: 5},
			},
		},
	}
	trigger := ev("t", "x", "a", minutes(5))

	result, ok := m.Match(rule, trigger, []model.SecurityEvent{ev("p", "x", "b", minutes(1)), trigger})
	require.True(t, ok)
	assert.Equal(t, []string{"t", "p"}, eventIDs(result.MatchedEvents))
	assert.Equal(t, []string{"a", "b"}, result.SystemsInvolved)
}

func TestBusinessHours_Location(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	hours := BusinessHours{Start: 9, End: 17, Location: loc}

	// 05:00 UTC is 10:00 at UTC+5
	assert.False(t, hours.IsOffHours(time.Date(2024, 3, 12, 5, 0, 0, 0, time.UTC)))
	assert.True(t, hours.IsOffHours(time.Date(2024, 3, 12, 13, 0, 0, 0, time.UTC)))
}

func BenchmarkMatcher_Match(b *testing.B) {
	m := NewMatcher(DefaultBusinessHours())
	rule := builtin(b, "coordinated-file-tampering")

	var window []model.SecurityEvent
	for i := 0; i < 500; i++ {
		window = append(window, ev(fmt.Sprintf("e%03d", i), "file_integrity_violation", fmt.Sprintf("host-%d", i%7), minutes(i%30)))
	}
	trigger := ev("t", "file_integrity_violation", "host-x", minutes(30))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Match(rule, trigger, window)
	}
}
