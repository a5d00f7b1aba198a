package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingEvaluator struct {
	mu      sync.Mutex
	seen    map[string][]string
	failOn  string
	block   chan struct{}
	fireFor string
}

func (r *recordingEvaluator) OnEvent(_ context.Context, ev model.SecurityEvent) ([]model.CorrelationResult, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.ID == r.failOn {
		return nil, errors.New("store unreachable")
	}
	if r.seen == nil {
		r.seen = make(map[string][]string)
	}
	r.seen[ev.TenantID] = append(r.seen[ev.TenantID], ev.ID)

	if ev.EventType == r.fireFor {
		return []model.CorrelationResult{{RuleID: "rule", TriggerEvent: ev}}, nil
	}
	return nil, nil
}

func (r *recordingEvaluator) order(tenant string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen[tenant]...)
}

type recordingRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingRecorder) Record(ev model.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ev.ID)
}

type collectingHandler struct {
	mu      sync.Mutex
	results []model.CorrelationResult
}

func (c *collectingHandler) Handle(_ context.Context, results []model.CorrelationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, results...)
}

func event(tenant, id, eventType string, at time.Time) model.SecurityEvent {
	return model.SecurityEvent{
		ID:           id,
		TenantID:     tenant,
		Category:     model.CategoryAlert,
		EventType:    eventType,
		Severity:     model.SeverityLow,
		SourceSystem: "host-1",
		Timestamp:    at,
	}
}

func newTestEngine(t *testing.T, cfg Config, eval Evaluator) (*Engine, *recordingRecorder, *collectingHandler) {
	t.Helper()
	rec := &recordingRecorder{}
	handler := &collectingHandler{}
	e := New(cfg, eval, rec, handler, nil, testLogger())
	e.Start()
	t.Cleanup(e.Stop)
	return e, rec, handler
}

func TestEngine_IngestInOrder(t *testing.T) {
	eval := &recordingEvaluator{fireFor: "successful_login"}
	e, rec, handler := newTestEngine(t, Config{Shards: 4, QueueSize: 16}, eval)
	ctx := context.Background()

	// later timestamps first: ingestion order governs processing order
	now := time.Now()
	for i := 0; i < 5; i++ {
		ev := event("tenant-a", fmt.Sprintf("e%d", i), "failed_login", now.Add(-time.Duration(i)*time.Minute))
		require.NoError(t, e.Ingest(ctx, ev))
	}
	require.NoError(t, e.Ingest(ctx, event("tenant-a", "s", "successful_login", now)))

	assert.Equal(t, []string{"e0", "e1", "e2", "e3", "e4", "s"}, eval.order("tenant-a"))
	assert.Equal(t, []string{"e0", "e1", "e2", "e3", "e4", "s"}, rec.ids)
	require.Len(t, handler.results, 1)
	assert.Equal(t, "s", handler.results[0].TriggerEvent.ID)

	stats := e.GetStats()
	assert.Equal(t, int64(6), stats["events_processed"])
	assert.Equal(t, int64(1), stats["results"])
}

func TestEngine_IngestBatchGroupsByTenant(t *testing.T) {
	eval := &recordingEvaluator{}
	e, _, _ := newTestEngine(t, Config{Shards: 2, QueueSize: 16}, eval)

	now := time.Now()
	batch := []model.SecurityEvent{
		event("a", "a1", "x", now),
		event("b", "b1", "x", now),
		event("a", "a2", "x", now),
		event("c", "c1", "x", now),
		event("b", "b2", "x", now),
		event("a", "a3", "x", now),
	}
	require.NoError(t, e.IngestBatch(context.Background(), batch))

	assert.Equal(t, []string{"a1", "a2", "a3"}, eval.order("a"))
	assert.Equal(t, []string{"b1", "b2"}, eval.order("b"))
	assert.Equal(t, []string{"c1"}, eval.order("c"))
}

func TestEngine_InvalidEvent(t *testing.T) {
	e, rec, _ := newTestEngine(t, DefaultConfig(), &recordingEvaluator{})

	bad := event("t", "", "x", time.Now())
	err := e.Ingest(context.Background(), bad)
	assert.ErrorIs(t, err, model.ErrInvalidEvent)

	err = e.IngestBatch(context.Background(), []model.SecurityEvent{event("t", "ok", "x", time.Now()), bad})
	assert.ErrorIs(t, err, model.ErrInvalidEvent)
	assert.Empty(t, rec.ids, "nothing is queued when the batch has an invalid event")
}

func TestEngine_InfrastructureFailureStopsBatch(t *testing.T) {
	eval := &recordingEvaluator{failOn: "e2"}
	e, _, _ := newTestEngine(t, Config{Shards: 1, QueueSize: 4}, eval)

	now := time.Now()
	err := e.IngestBatch(context.Background(), []model.SecurityEvent{
		event("t", "e1", "x", now),
		event("t", "e2", "x", now),
		event("t", "e3", "x", now),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unreachable")
	assert.Equal(t, []string{"e1"}, eval.order("t"))
	assert.Equal(t, int64(1), e.GetStats()["failures"])
}

func TestEngine_QueueFull(t *testing.T) {
	eval := &recordingEvaluator{block: make(chan struct{})}
	e, _, _ := newTestEngine(t, Config{Shards: 1, QueueSize: 1}, eval)
	defer close(eval.block)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// first job occupies the worker, second fills the queue
	for i := 0; i < 2; i++ {
		go e.Ingest(ctx, event("t", fmt.Sprintf("e%d", i), "x", time.Now()))
	}

	assert.Eventually(t, func() bool {
		attemptCtx, attemptCancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer attemptCancel()
		return errors.Is(e.Ingest(attemptCtx, event("t", "overflow", "x", time.Now())), ErrQueueFull)
	}, 2*time.Second, 30*time.Millisecond)
}

func TestEngine_Stopped(t *testing.T) {
	e := New(DefaultConfig(), &recordingEvaluator{}, nil, &collectingHandler{}, nil, testLogger())
	e.Start()
	e.Stop()

	err := e.Ingest(context.Background(), event("t", "e1", "x", time.Now()))
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngine_SameTenantSameShard(t *testing.T) {
	e := New(Config{Shards: 16}, &recordingEvaluator{}, nil, &collectingHandler{}, nil, testLogger())
	assert.Same(t, e.shardFor("tenant-42"), e.shardFor("tenant-42"))
}

func TestEngine_StopRacingIngest(t *testing.T) {
	for round := 0; round < 20; round++ {
		e := New(Config{Shards: 2, QueueSize: 64}, &recordingEvaluator{}, nil, &collectingHandler{}, nil, testLogger())
		e.Start()

		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := e.Ingest(context.Background(), event(fmt.Sprintf("t%d", i%4), fmt.Sprintf("e%d", i), "x", time.Now()))
				if err != nil {
					assert.ErrorIs(t, err, ErrEngineStopped)
				}
			}(i)
		}
		e.Stop()

		finished := make(chan struct{})
		go func() {
			wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d: ingest callers still waiting after Stop", round)
		}
	}
}

func TestEngine_StopBeforeStart(t *testing.T) {
	e := New(Config{Shards: 1, QueueSize: 4}, &recordingEvaluator{}, nil, &collectingHandler{}, nil, testLogger())

	done := make(chan error, 1)
	go func() { done <- e.Ingest(context.Background(), event("t", "e1", "x", time.Now())) }()
	// let the job reach the queue
	assert.Eventually(t, func() bool { return len(e.shards[0].queue) == 1 }, time.Second, 5*time.Millisecond)

	e.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrEngineStopped)
	case <-time.After(time.Second):
		t.Fatal("queued ingest not released by Stop")
	}
}
