package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/cache"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// EventSource is the collaborator that holds historical alerts, threats and anomalies
type EventSource interface {
	FetchRecentEvents(ctx context.Context, tenantID string, category model.Category, since time.Time) ([]model.SecurityEvent, error)
}

// EventRecorder is implemented by sources the engine writes ingested events into
type EventRecorder interface {
	Append(event model.SecurityEvent)
}

// EventStore is the read-only adapter the matcher pulls windows from.
// Every category read goes through the shared TTL cache.
type EventStore struct {
	source       EventSource
	recorder     EventRecorder
	cache        *cache.TTL[[]model.SecurityEvent]
	cacheTTL     time.Duration
	fetchTimeout time.Duration
	logger       *slog.Logger
}

// NewEventStore creates an adapter over source. recorder receives ingested
// events; pass nil when they reach the source by other means.
func NewEventStore(source EventSource, recorder EventRecorder, c *cache.TTL[[]model.SecurityEvent], cacheTTL, fetchTimeout time.Duration, logger *slog.Logger) *EventStore {
	return &EventStore{
		source:       source,
		recorder:     recorder,
		cache:        c,
		cacheTTL:     cacheTTL,
		fetchTimeout: fetchTimeout,
		logger:       logger,
	}
}

// RecentEvents returns the tenant's events with timestamp >= since, newest first
func (s *EventStore) RecentEvents(ctx context.Context, tenantID string, since time.Time) ([]model.SecurityEvent, error) {
	var all []model.SecurityEvent
	for _, category := range model.Categories {
		events, err := s.categoryWindow(ctx, tenantID, category, since)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}

	// sources may hand back a wider window, filter to the inclusive boundary
	out := all[:0]
	for _, ev := range all {
		if ev.TenantID == tenantID && !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	model.SortByRecency(out)
	return out, nil
}

// Invalidate drops every cached window for the tenant
func (s *EventStore) Invalidate(tenantID string) int {
	return s.cache.InvalidateByPrefix(tenantPrefix(tenantID))
}

// Record forwards an ingested event to the recorder, if any, and invalidates
// the tenant's cached windows.
func (s *EventStore) Record(event model.SecurityEvent) {
	if s.recorder != nil {
		s.recorder.Append(event)
	}
	s.Invalidate(event.TenantID)
}

func (s *EventStore) categoryWindow(ctx context.Context, tenantID string, category model.Category, since time.Time) ([]model.SecurityEvent, error) {
	key := windowKey(tenantID, category, since)
	events, err := s.cache.GetOrCompute(ctx, key, s.cacheTTL, func(ctx context.Context) ([]model.SecurityEvent, error) {
		fetchCtx := ctx
		if s.fetchTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
			defer cancel()
		}
		return s.source.FetchRecentEvents(fetchCtx, tenantID, category, since)
	})
	if err != nil {
		s.logger.Warn("Event window fetch failed",
			"tenant_id", tenantID,
			"category", category,
			"since", since,
			"error", err)
		return nil, fmt.Errorf("fetch %s events for tenant %s: %w", category, tenantID, err)
	}

	// cached slices are shared between callers
	out := make([]model.SecurityEvent, len(events))
	copy(out, events)
	return out, nil
}

func tenantPrefix(tenantID string) string {
	return "events:" + tenantID + ":"
}

func windowKey(tenantID string, category model.Category, since time.Time) string {
	return fmt.Sprintf("%s%s:%d", tenantPrefix(tenantID), category, since.UnixNano())
}
