package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// MultiSink writes a finding to every sink. A finding only counts as persisted
// when all sinks accept it; retries resend to all of them.
type MultiSink struct {
	sinks []FindingSink
}

// NewMultiSink creates a fan-out sink
func NewMultiSink(sinks ...FindingSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// PersistFinding implements FindingSink
func (m *MultiSink) PersistFinding(ctx context.Context, finding *model.Finding) (string, error) {
	var errs []error
	for i, s := range m.sinks {
		if _, err := s.PersistFinding(ctx, finding); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return finding.ID, nil
}

// LogSink records findings in the structured log only
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-only sink
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// PersistFinding implements FindingSink
func (l *LogSink) PersistFinding(_ context.Context, finding *model.Finding) (string, error) {
	l.logger.Info("Correlated finding",
		"finding_id", finding.ID,
		"tenant_id", finding.TenantID,
		"rule_id", finding.RuleID,
		"severity", finding.Severity,
		"score", finding.Score,
		"event_ids", finding.EventIDs,
		"systems_involved", finding.SystemsInvolved)
	return finding.ID, nil
}
