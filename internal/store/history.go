package store

import (
	"container/ring"
	"sync"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// DefaultHistoryCap bounds each tenant's notification history
const DefaultHistoryCap = 1000

// History keeps a bounded ring of notifications per tenant; the oldest entry
// is overwritten once the ring is full
type History struct {
	mu      sync.RWMutex
	tenants map[string]*tenantRing
	cap     int
}

type tenantRing struct {
	r     *ring.Ring
	count int
}

// NewHistory creates a history store with the per-tenant capacity
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	return &History{
		tenants: make(map[string]*tenantRing),
		cap:     capacity,
	}
}

// Append records a notification in the tenant's ring
func (h *History) Append(tenantID string, n model.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tr, exists := h.tenants[tenantID]
	if !exists {
		tr = &tenantRing{r: ring.New(h.cap)}
		h.tenants[tenantID] = tr
	}

	tr.r.Value = n
	tr.r = tr.r.Next()
	if tr.count < h.cap {
		tr.count++
	}
}

// Get returns up to limit notifications for the tenant, newest first.
// A limit <= 0 returns the whole ring.
func (h *History) Get(tenantID string, limit int) []model.Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()

	tr, exists := h.tenants[tenantID]
	if !exists {
		return []model.Notification{}
	}
	if limit <= 0 || limit > tr.count {
		limit = tr.count
	}

	out := make([]model.Notification, 0, limit)
	// r points at the next write slot, walking backwards yields newest first
	cur := tr.r.Prev()
	for i := 0; i < limit; i++ {
		if n, ok := cur.Value.(model.Notification); ok {
			out = append(out, n)
		}
		cur = cur.Prev()
	}
	return out
}

// Len returns how many notifications the tenant's ring holds
func (h *History) Len(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if tr, ok := h.tenants[tenantID]; ok {
		return tr.count
	}
	return 0
}

// Clear removes a tenant's history
func (h *History) Clear(tenantID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tenants, tenantID)
}

// GetStats returns store statistics
func (h *History) GetStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, tr := range h.tenants {
		total += tr.count
	}
	return map[string]interface{}{
		"tenants":             len(h.tenants),
		"total_notifications": total,
		"cap_per_tenant":      h.cap,
	}
}
