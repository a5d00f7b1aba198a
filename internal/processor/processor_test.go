package processor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
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

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	stored   map[string]*model.Finding
}

func (f *flakySink) PersistFinding(_ context.Context, finding *model.Finding) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failures > 0 {
		f.failures--
		return "", errors.New("connection refused")
	}
	if f.stored == nil {
		f.stored = make(map[string]*model.Finding)
	}
	f.stored[finding.ID] = finding
	return finding.ID, nil
}

func (f *flakySink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (d *fakeDispatcher) Dispatch(_ context.Context, tenantID string, n model.Notification, channels ...model.Channel) model.DeliveryReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
	return model.DeliveryReport{NotificationID: n.ID, TenantID: tenantID}
}

func fastConfig() Config {
	return Config{
		MaxTries:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		AttemptTimeout:  time.Second,
		RetryInterval:   10 * time.Millisecond,
	}
}

func sampleResult() model.CorrelationResult {
	base := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)
	trigger := model.SecurityEvent{ID: "s1", TenantID: "tenant-1", EventType: "successful_login", Severity: model.SeverityLow, SourceSystem: "web-1", Timestamp: base.Add(6 * time.Minute)}
	return model.CorrelationResult{
		RuleID:           "brute-force-success",
		RuleName:         "Brute Force Success",
		Description:      "Repeated failed logins followed by a successful login",
		NotificationType: model.NotificationAuth,
		Severity:         model.SeverityHigh,
		Score:            80,
		TriggerEvent:     trigger,
		MatchedEvents: []model.SecurityEvent{
			trigger,
			{ID: "f3", TenantID: "tenant-1", Timestamp: base.Add(4 * time.Minute)},
			{ID: "f2", TenantID: "tenant-1", Timestamp: base.Add(2 * time.Minute)},
			{ID: "f1", TenantID: "tenant-1", Timestamp: base},
		},
		SystemsInvolved: []string{"web-1"},
		Timestamp:       base.Add(time.Hour),
	}
}

func TestProcessor_FindingAndNotification(t *testing.T) {
	sink := &flakySink{}
	dispatcher := &fakeDispatcher{}
	p := New(sink, dispatcher, fastConfig(), nil, testLogger())

	finding, report := p.Process(context.Background(), sampleResult())

	require.NotEmpty(t, finding.ID)
	assert.Equal(t, "tenant-1", finding.TenantID)
	assert.Equal(t, "open", finding.Status)
	assert.Equal(t, []string{"s1", "f3", "f2", "f1"}, finding.EventIDs)
	assert.Equal(t, "s1", finding.TriggerEventID)
	assert.Equal(t, sampleResult().MatchedEvents[3].Timestamp, finding.FirstSeen)
	assert.Equal(t, sampleResult().TriggerEvent.Timestamp, finding.LastSeen)
	assert.Equal(t, 1, sink.count())

	require.Len(t, dispatcher.sent, 1)
	n := dispatcher.sent[0]
	assert.Equal(t, report.NotificationID, n.ID)
	assert.Equal(t, model.NotificationAuth, n.Type)
	assert.Equal(t, model.PriorityHigh, n.Priority)
	assert.Equal(t, "Brute Force Success", n.Title)
	assert.Equal(t, NotificationSource, n.Source)
	assert.Equal(t, finding.ID, n.Metadata["finding_id"])
	assert.Contains(t, n.Message, "4 correlated events across web-1")
}

func TestProcessor_RetriesTransientFailures(t *testing.T) {
	sink := &flakySink{failures: 2}
	p := New(sink, &fakeDispatcher{}, fastConfig(), nil, testLogger())

	p.Process(context.Background(), sampleResult())

	assert.Equal(t, 3, sink.calls)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 0, p.Pending())
}

func TestProcessor_ParksWhenSinkUnavailable(t *testing.T) {
	sink := &flakySink{failures: 100}
	dispatcher := &fakeDispatcher{}
	p := New(sink, dispatcher, fastConfig(), nil, testLogger())

	finding, _ := p.Process(context.Background(), sampleResult())

	assert.Equal(t, 1, p.Pending())
	assert.Len(t, dispatcher.sent, 1, "notification is still dispatched")

	sink.mu.Lock()
	sink.failures = 0
	sink.mu.Unlock()

	assert.Equal(t, 1, p.FlushPending(context.Background()))
	assert.Equal(t, 0, p.Pending())
	assert.Contains(t, sink.stored, finding.ID)
}

func TestProcessor_RunRetryLoop(t *testing.T) {
	sink := &flakySink{failures: 3}
	p := New(sink, &fakeDispatcher{}, fastConfig(), nil, testLogger())

	p.Process(context.Background(), sampleResult())
	require.Equal(t, 1, p.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.RunRetryLoop(ctx)

	assert.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestProcessor_HandleSurvivesCancelledContext(t *testing.T) {
	sink := &flakySink{}
	dispatcher := &fakeDispatcher{}
	p := New(sink, dispatcher, fastConfig(), nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p.Handle(ctx, []model.CorrelationResult{sampleResult(), sampleResult()})
	assert.Equal(t, 2, sink.count())
	assert.Len(t, dispatcher.sent, 2)
}

type blockingDispatcher struct {
	fakeDispatcher
	entered chan struct{}
	release chan struct{}
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, tenantID string, n model.Notification, channels ...model.Channel) model.DeliveryReport {
	d.entered <- struct{}{}
	<-d.release
	return d.fakeDispatcher.Dispatch(ctx, tenantID, n, channels...)
}

func TestProcessor_HandleDoesNotWaitForDelivery(t *testing.T) {
	sink := &flakySink{}
	dispatcher := &blockingDispatcher{entered: make(chan struct{}, 4), release: make(chan struct{})}
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	p := New(sink, dispatcher, cfg, nil, testLogger())
	p.Start()

	returned := make(chan struct{})
	go func() {
		// one result for the worker, one for the queue, one that overflows
		p.Handle(context.Background(), []model.CorrelationResult{sampleResult(), sampleResult(), sampleResult()})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Handle waited for a blocked dispatcher")
	}
	<-dispatcher.entered

	close(dispatcher.release)
	p.Close()

	assert.Equal(t, 3, sink.count())
	assert.Len(t, dispatcher.sent, 3)
	assert.GreaterOrEqual(t, p.GetStats()["overflow"].(int64), int64(1))
}

func TestProcessor_HandleAfterClose(t *testing.T) {
	sink := &flakySink{}
	dispatcher := &fakeDispatcher{}
	p := New(sink, dispatcher, fastConfig(), nil, testLogger())
	p.Start()
	p.Close()
	p.Close()

	p.Handle(context.Background(), []model.CorrelationResult{sampleResult()})
	assert.Equal(t, 1, sink.count())
	assert.Len(t, dispatcher.sent, 1)
}

func TestProcessor_Spool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool", "pending.json")
	cfg := fastConfig()
	cfg.SpoolPath = path

	down := &flakySink{failures: 100}
	p := New(down, &fakeDispatcher{}, cfg, nil, testLogger())
	finding, _ := p.Process(context.Background(), sampleResult())
	require.Equal(t, 1, p.Pending())

	n, err := p.SpoolPending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, path)

	up := &flakySink{}
	next := New(up, &fakeDispatcher{}, cfg, nil, testLogger())
	n, err = next.LoadSpool()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, next.Pending())

	assert.Equal(t, 1, next.FlushPending(context.Background()))
	require.Contains(t, up.stored, finding.ID)
	assert.Equal(t, finding.EventIDs, up.stored[finding.ID].EventIDs)
	assert.Equal(t, finding.TenantID, up.stored[finding.ID].TenantID)

	n, err = next.SpoolPending()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoFileExists(t, path)

	n, err = next.LoadSpool()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessor_SpoolCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	cfg := fastConfig()
	cfg.SpoolPath = path
	p := New(&flakySink{}, &fakeDispatcher{}, cfg, nil, testLogger())

	_, err := p.LoadSpool()
	assert.Error(t, err)
	assert.Zero(t, p.Pending())
}

func TestBuildNotification_DefaultsToThreat(t *testing.T) {
	result := sampleResult()
	result.NotificationType = ""
	result.Severity = model.SeverityCritical

	n := BuildNotification(result, &model.Finding{ID: "f", TenantID: "tenant-1"}, time.Now())
	assert.Equal(t, model.NotificationThreat, n.Type)
	assert.Equal(t, model.PriorityCritical, n.Priority)
}

func TestMultiSink(t *testing.T) {
	ok := &flakySink{}
	broken := &flakySink{failures: 1}
	multi := NewMultiSink(ok, broken, NewLogSink(testLogger()))

	f := &model.Finding{ID: "f1"}
	_, err := multi.PersistFinding(context.Background(), f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink 1")

	id, err := multi.PersistFinding(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, "f1", id)
}
