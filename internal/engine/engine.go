package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

var (
	// ErrQueueFull is returned when a shard cannot accept more work; retry later
	ErrQueueFull = errors.New("ingest queue full")
	// ErrEngineStopped is returned once Stop has been called
	ErrEngineStopped = errors.New("engine stopped")
)

// Evaluator matches one event against the rule catalog
type Evaluator interface {
	OnEvent(ctx context.Context, event model.SecurityEvent) ([]model.CorrelationResult, error)
}

// Recorder makes an ingested event visible to later window fetches
type Recorder interface {
	Record(event model.SecurityEvent)
}

// ResultHandler takes ownership of correlation results
type ResultHandler interface {
	Handle(ctx context.Context, results []model.CorrelationResult)
}

// Config controls sharding
type Config struct {
	Shards    int
	QueueSize int
}

// DefaultConfig returns the default shard layout
func DefaultConfig() Config {
	return Config{Shards: 8, QueueSize: 256}
}

type job struct {
	ctx    context.Context
	events []model.SecurityEvent
	done   chan error
}

type shard struct {
	id    int
	queue chan job
}

// Engine routes events to per-tenant shards. Each shard is a single worker
// draining a FIFO queue, so one tenant's batches run to completion in
// ingestion order while different tenants proceed concurrently.
type Engine struct {
	shards    []*shard
	evaluator Evaluator
	recorder  Recorder
	handler   ResultHandler
	logger    *slog.Logger
	metrics   *metrics.Metrics

	started atomic.Bool
	// mu orders enqueueing against Stop so no job lands after a shard drained
	mu      sync.RWMutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	processed atomic.Int64
	results   atomic.Int64
	failures  atomic.Int64
}

// New creates a new engine. recorder may be nil when events reach the store by other means.
func New(cfg Config, evaluator Evaluator, recorder Recorder, handler ResultHandler, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{id: i, queue: make(chan job, cfg.QueueSize)}
	}

	return &Engine{
		shards:    shards,
		evaluator: evaluator,
		recorder:  recorder,
		handler:   handler,
		logger:    logger,
		metrics:   m,
		stopCh:    make(chan struct{}),
	}
}

// Start launches one worker per shard
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	for _, s := range e.shards {
		e.wg.Add(1)
		go e.runShard(s)
	}
	e.logger.Info("Correlation engine started", "shards", len(e.shards))
}

// Stop rejects new work, fails queued work with ErrEngineStopped and waits for
// in-flight batches to finish
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	// shards that never started still hold queued jobs
	for _, s := range e.shards {
		drain(s)
	}
	e.logger.Info("Correlation engine stopped",
		"events_processed", e.processed.Load(),
		"results", e.results.Load())
}

// Ingest evaluates a single event. It returns nil when the event was matched
// (with or without results), ErrInvalidEvent for malformed events, and an
// infrastructure error when the caller should re-enqueue the event.
func (e *Engine) Ingest(ctx context.Context, event model.SecurityEvent) error {
	if err := event.Validate(); err != nil {
		e.metrics.IncEventsInvalid()
		return err
	}
	return e.submit(ctx, []model.SecurityEvent{event})
}

// IngestBatch evaluates events grouped by tenant, preserving their relative order.
// Every event is validated before any is queued.
func (e *Engine) IngestBatch(ctx context.Context, events []model.SecurityEvent) error {
	for i := range events {
		if err := events[i].Validate(); err != nil {
			e.metrics.IncEventsInvalid()
			return fmt.Errorf("event %d: %w", i, err)
		}
	}

	var order []string
	byTenant := make(map[string][]model.SecurityEvent)
	for _, ev := range events {
		if _, ok := byTenant[ev.TenantID]; !ok {
			order = append(order, ev.TenantID)
		}
		byTenant[ev.TenantID] = append(byTenant[ev.TenantID], ev)
	}

	errs := make([]error, len(order))
	var wg sync.WaitGroup
	for i, tenant := range order {
		wg.Add(1)
		go func(i int, batch []model.SecurityEvent) {
			defer wg.Done()
			errs[i] = e.submit(ctx, batch)
		}(i, byTenant[tenant])
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (e *Engine) shardFor(tenantID string) *shard {
	return e.shards[xxhash.Sum64String(tenantID)%uint64(len(e.shards))]
}

func (e *Engine) submit(ctx context.Context, events []model.SecurityEvent) error {
	s := e.shardFor(events[0].TenantID)
	j := job{ctx: ctx, events: events, done: make(chan error, 1)}

	if err := e.enqueue(ctx, s, j); err != nil {
		return err
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue places j on the shard queue. Holding the read lock keeps Stop from
// closing stopCh until the job is either queued or rejected.
func (e *Engine) enqueue(ctx context.Context, s *shard, j job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.stopped {
		return ErrEngineStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case s.queue <- j:
		e.metrics.SetShardQueueDepth(strconv.Itoa(s.id), len(s.queue))
		return nil
	default:
		e.logger.Warn("Shard queue full", "shard", s.id, "tenant_id", j.events[0].TenantID)
		return ErrQueueFull
	}
}

func (e *Engine) runShard(s *shard) {
	defer e.wg.Done()

	for {
		select {
		case j := <-s.queue:
			e.metrics.SetShardQueueDepth(strconv.Itoa(s.id), len(s.queue))
			j.done <- e.processBatch(j.ctx, j.events)
		case <-e.stopCh:
			drain(s)
			return
		}
	}
}

func drain(s *shard) {
	for {
		select {
		case j := <-s.queue:
			j.done <- ErrEngineStopped
		default:
			return
		}
	}
}

// processBatch evaluates events in order. The first infrastructure failure
// aborts the rest of the batch; redelivered events are recorded idempotently
// and rules do not fire twice for the same trigger.
func (e *Engine) processBatch(ctx context.Context, events []model.SecurityEvent) error {
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}

		if e.recorder != nil {
			e.recorder.Record(ev)
		}

		results, err := e.evaluator.OnEvent(ctx, ev)
		if err != nil {
			e.failures.Add(1)
			e.metrics.IncEventsRequeued()
			e.logger.Error("Event evaluation failed",
				"tenant_id", ev.TenantID,
				"event_id", ev.ID,
				"error", err)
			return fmt.Errorf("evaluate event %s: %w", ev.ID, err)
		}

		e.processed.Add(1)
		e.metrics.IncEventsIngested(string(ev.Category))

		if len(results) > 0 {
			e.results.Add(int64(len(results)))
			e.handler.Handle(ctx, results)
		}
	}
	return nil
}

// GetStats returns engine statistics
func (e *Engine) GetStats() map[string]interface{} {
	depths := make([]int, len(e.shards))
	for i, s := range e.shards {
		depths[i] = len(s.queue)
	}
	return map[string]interface{}{
		"shards":           len(e.shards),
		"queue_depths":     depths,
		"events_processed": e.processed.Load(),
		"results":          e.results.Load(),
		"failures":         e.failures.Load(),
	}
}
