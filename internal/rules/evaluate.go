package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// DefaultFiredCacheSize bounds the set of (tenant, rule, trigger) firings remembered
const DefaultFiredCacheSize = 100000

// WindowSource supplies a tenant's recent events, newest first
type WindowSource interface {
	RecentEvents(ctx context.Context, tenantID string, since time.Time) ([]model.SecurityEvent, error)
}

// Evaluator runs the candidacy check, fetches the window and matches every
// candidate rule for an incoming event
type Evaluator struct {
	window            WindowSource
	snapshot          atomic.Pointer[RuleSnapshot]
	matcher           *Matcher
	index             atomic.Pointer[Index]
	fired             *lru.Cache[string, struct{}]
	logger            *slog.Logger
	metrics           *EvaluationMetrics
	prometheusMetrics *metrics.Metrics
}

// EvaluationMetrics tracks evaluation statistics
type EvaluationMetrics struct {
	mu                sync.RWMutex
	eventsProcessed   int64
	rulesEvaluated    int64
	resultsGenerated  int64
	resultsSuppressed int64
	windowErrors      int64
}

// NewEvaluator creates a new rule evaluator over snapshot
func NewEvaluator(window WindowSource, matcher *Matcher, snapshot *RuleSnapshot, firedCacheSize int, prometheusMetrics *metrics.Metrics, logger *slog.Logger) (*Evaluator, error) {
	if firedCacheSize <= 0 {
		firedCacheSize = DefaultFiredCacheSize
	}
	fired, err := lru.New[string, struct{}](firedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create fired-trigger cache: %w", err)
	}

	e := &Evaluator{
		window:            window,
		matcher:           matcher,
		fired:             fired,
		logger:            logger,
		metrics:           &EvaluationMetrics{},
		prometheusMetrics: prometheusMetrics,
	}
	e.SetSnapshot(snapshot)
	return e, nil
}

// SetSnapshot swaps in a new rule catalog
func (e *Evaluator) SetSnapshot(snapshot *RuleSnapshot) {
	if snapshot == nil {
		snapshot = &RuleSnapshot{}
	}
	ix := NewIndex(snapshot)
	e.snapshot.Store(snapshot)
	e.index.Store(ix)
	e.prometheusMetrics.SetRulesLoaded(ix.Len())
}

// GetSnapshot returns the catalog the evaluator is running
func (e *Evaluator) GetSnapshot() *RuleSnapshot {
	return e.snapshot.Load()
}

// Index returns the active candidacy index
func (e *Evaluator) Index() *Index {
	return e.index.Load()
}

// OnEvent evaluates every candidate rule for event. No match is not an error;
// an error means the window could not be fetched and the event should be retried.
func (e *Evaluator) OnEvent(ctx context.Context, event model.SecurityEvent) ([]model.CorrelationResult, error) {
	start := time.Now()
	defer func() { e.prometheusMetrics.ObserveEvaluation(time.Since(start)) }()

	e.metrics.incrementEventsProcessed()

	candidates := e.index.Load().Candidates(event.EventType)
	if len(candidates) == 0 {
		return nil, nil
	}

	var maxWindow time.Duration
	for i := range candidates {
		if w := candidates[i].MaxWindow(); w > maxWindow {
			maxWindow = w
		}
	}

	window, err := e.window.RecentEvents(ctx, event.TenantID, event.Timestamp.Add(-maxWindow))
	if err != nil {
		e.metrics.incrementWindowErrors()
		return nil, fmt.Errorf("fetch window for event %s: %w", event.ID, err)
	}

	e.logger.Debug("Processing event for rule evaluation",
		"tenant_id", event.TenantID,
		"event_id", event.ID,
		"event_type", event.EventType,
		"candidate_rules", len(candidates),
		"window_size", len(window))

	var results []model.CorrelationResult
	for i := range candidates {
		rule := &candidates[i]
		e.metrics.incrementRulesEvaluated()
		e.prometheusMetrics.IncRulesEvaluated()

		result, ok := e.matcher.Match(rule, event, window)
		if !ok {
			continue
		}

		if seen, _ := e.fired.ContainsOrAdd(firedKey(event.TenantID, rule.ID(), event.ID), struct{}{}); seen {
			e.metrics.incrementResultsSuppressed()
			e.prometheusMetrics.IncDuplicateFirings()
			e.logger.Debug("Rule already fired for trigger",
				"tenant_id", event.TenantID,
				"rule_id", rule.ID(),
				"event_id", event.ID)
			continue
		}

		e.metrics.incrementResultsGenerated()
		e.prometheusMetrics.IncCorrelationResult(rule.ID(), string(result.Severity))
		e.logger.Info("Correlation rule fired",
			"tenant_id", event.TenantID,
			"rule_id", rule.ID(),
			"event_id", event.ID,
			"severity", result.Severity,
			"matched_events", len(result.MatchedEvents))

		results = append(results, *result)
	}

	return results, nil
}

func firedKey(tenantID, ruleID, eventID string) string {
	return tenantID + "\x00" + ruleID + "\x00" + eventID
}

// GetMetrics returns evaluation metrics
func (e *Evaluator) GetMetrics() map[string]interface{} {
	return e.metrics.getMetrics()
}

func (m *EvaluationMetrics) incrementEventsProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsProcessed++
}

func (m *EvaluationMetrics) incrementRulesEvaluated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rulesEvaluated++
}

func (m *EvaluationMetrics) incrementResultsGenerated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resultsGenerated++
}

func (m *EvaluationMetrics) incrementResultsSuppressed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resultsSuppressed++
}

func (m *EvaluationMetrics) incrementWindowErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowErrors++
}

func (m *EvaluationMetrics) getMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"events_processed":   m.eventsProcessed,
		"rules_evaluated":    m.rulesEvaluated,
		"results_generated":  m.resultsGenerated,
		"results_suppressed": m.resultsSuppressed,
		"window_errors":      m.windowErrors,
	}
}
