package store

import (
	"context"
	"sync"
	"time"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// MemoryEventSource keeps an append-only timeline of events per tenant with
// age-based garbage collection
type MemoryEventSource struct {
	mu       sync.RWMutex
	tenants  map[string]*tenantTimeline
	maxAge   time.Duration
	now      func() time.Time
	gcTicker *time.Ticker
	stopGC   chan struct{}
}

// tenantTimeline holds one tenant's events in arrival order
type tenantTimeline struct {
	mu     sync.RWMutex
	events []model.SecurityEvent
	ids    map[string]struct{}
}

// NewMemoryEventSource creates a source that retains events for maxAge
func NewMemoryEventSource(maxAge time.Duration) *MemoryEventSource {
	return &MemoryEventSource{
		tenants: make(map[string]*tenantTimeline),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Append records an event. Re-appending a known event id is a no-op.
func (m *MemoryEventSource) Append(event model.SecurityEvent) {
	if event.TenantID == "" || event.ID == "" {
		return
	}

	m.mu.Lock()
	timeline, exists := m.tenants[event.TenantID]
	if !exists {
		timeline = &tenantTimeline{ids: make(map[string]struct{})}
		m.tenants[event.TenantID] = timeline
	}
	m.mu.Unlock()

	timeline.mu.Lock()
	defer timeline.mu.Unlock()
	if _, dup := timeline.ids[event.ID]; dup {
		return
	}
	timeline.ids[event.ID] = struct{}{}
	timeline.events = append(timeline.events, event)
}

// FetchRecentEvents returns the tenant's events of category with timestamp >= since, newest first
func (m *MemoryEventSource) FetchRecentEvents(ctx context.Context, tenantID string, category model.Category, since time.Time) ([]model.SecurityEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	timeline, exists := m.tenants[tenantID]
	m.mu.RUnlock()
	if !exists {
		return nil, nil
	}

	timeline.mu.RLock()
	defer timeline.mu.RUnlock()

	var result []model.SecurityEvent
	for i := len(timeline.events) - 1; i >= 0; i-- {
		ev := timeline.events[i]
		if ev.Category != category || ev.Timestamp.Before(since) {
			continue
		}
		result = append(result, ev)
	}
	model.SortByRecency(result)
	return result, nil
}

// GC removes events older than the retention window relative to now
func (m *MemoryEventSource) GC(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.maxAge)
	removed := 0

	for tenantID, timeline := range m.tenants {
		timeline.mu.Lock()
		kept := timeline.events[:0]
		for _, ev := range timeline.events {
			if ev.Timestamp.After(cutoff) {
				kept = append(kept, ev)
				continue
			}
			delete(timeline.ids, ev.ID)
			removed++
		}
		timeline.events = kept
		timeline.mu.Unlock()

		if len(kept) == 0 {
			delete(m.tenants, tenantID)
		}
	}
	return removed
}

// StartGC starts the garbage collection routine
func (m *MemoryEventSource) StartGC(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gcTicker != nil || interval <= 0 {
		return
	}
	m.gcTicker = time.NewTicker(interval)
	m.stopGC = make(chan struct{})
	go m.gcRoutine(m.gcTicker, m.stopGC)
}

// StopGC stops the garbage collection routine
func (m *MemoryEventSource) StopGC() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gcTicker != nil {
		m.gcTicker.Stop()
		m.gcTicker = nil
	}
	if m.stopGC != nil {
		close(m.stopGC)
		m.stopGC = nil
	}
}

func (m *MemoryEventSource) gcRoutine(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			m.GC(m.now())
		case <-stop:
			return
		}
	}
}

// GetStats returns statistics about the retained timelines
func (m *MemoryEventSource) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, timeline := range m.tenants {
		timeline.mu.RLock()
		total += len(timeline.events)
		timeline.mu.RUnlock()
	}

	return map[string]interface{}{
		"tenant_count": len(m.tenants),
		"total_events": total,
		"max_age":      m.maxAge.String(),
	}
}
