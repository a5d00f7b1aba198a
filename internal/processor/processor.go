package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// NotificationSource is the Source stamped on notifications derived from findings
const NotificationSource = "correlation-engine"

// FindingSink persists correlated findings. Implementations must be idempotent
// on finding id, since a retried write may already have landed.
type FindingSink interface {
	PersistFinding(ctx context.Context, finding *model.Finding) (string, error)
}

// Dispatcher delivers notifications
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID string, n model.Notification, channels ...model.Channel) model.DeliveryReport
}

// Config controls sink retries and the result workers
type Config struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
	RetryInterval   time.Duration
	Workers         int
	QueueSize       int
	// SpoolPath is where findings still pending at shutdown are written and
	// reloaded from on the next start. Empty disables the spool.
	SpoolPath string
}

// DefaultConfig returns the default retry policy
func DefaultConfig() Config {
	return Config{
		MaxTries:        5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		AttemptTimeout:  5 * time.Second,
		RetryInterval:   30 * time.Second,
		Workers:         4,
		QueueSize:       1024,
	}
}

// Processor turns correlation results into findings and notifications. A
// finding the sink cannot take is parked and retried until it lands.
type Processor struct {
	sink       FindingSink
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu      sync.Mutex
	pending []*model.Finding

	// qmu orders Handle's enqueue against Close
	qmu      sync.RWMutex
	queue    chan work
	running  bool
	closed   bool
	workers  sync.WaitGroup
	inflight sync.WaitGroup

	persisted  atomic.Int64
	dispatched atomic.Int64
	overflow   atomic.Int64
}

type work struct {
	ctx    context.Context
	result model.CorrelationResult
}

// New creates a new result processor
func New(sink FindingSink, dispatcher Dispatcher, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Processor {
	def := DefaultConfig()
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	return &Processor{
		sink:       sink,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		queue:      make(chan work, cfg.QueueSize),
	}
}

// Start launches the result workers. Until Start is called, and after Close,
// Handle processes results inline.
func (p *Processor) Start() {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	if p.running || p.closed {
		return
	}
	p.running = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	p.logger.Info("Result processor started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

// Close stops accepting queued work and waits until every accepted result
// has been persisted or parked and dispatched
func (p *Processor) Close() {
	p.qmu.Lock()
	if p.closed {
		p.qmu.Unlock()
		return
	}
	p.closed = true
	wasRunning := p.running
	p.running = false
	close(p.queue)
	p.qmu.Unlock()

	if wasRunning {
		p.workers.Wait()
	}
	p.inflight.Wait()
}

func (p *Processor) worker() {
	defer p.workers.Done()
	for w := range p.queue {
		p.Process(w.ctx, w.result)
		p.inflight.Done()
	}
}

// Handle hands results to the workers and returns without waiting for sinks
// or channels. It implements engine.ResultHandler; processing outlives the
// ingest caller's context. When the queue is full the result is processed on
// its own goroutine so the caller is never held up.
func (p *Processor) Handle(ctx context.Context, results []model.CorrelationResult) {
	ctx = context.WithoutCancel(ctx)

	p.qmu.RLock()
	defer p.qmu.RUnlock()

	for i := range results {
		if !p.running {
			p.Process(ctx, results[i])
			continue
		}

		p.inflight.Add(1)
		select {
		case p.queue <- work{ctx: ctx, result: results[i]}:
		default:
			p.overflow.Add(1)
			go func(result model.CorrelationResult) {
				defer p.inflight.Done()
				p.Process(ctx, result)
			}(results[i])
		}
	}
}

// Process materializes one finding and one notification for result
func (p *Processor) Process(ctx context.Context, result model.CorrelationResult) (*model.Finding, model.DeliveryReport) {
	finding := p.BuildFinding(result)

	if err := p.persist(ctx, finding); err != nil {
		p.park(finding)
		p.logger.Error("Finding sink unavailable, finding parked for retry",
			"finding_id", finding.ID,
			"tenant_id", finding.TenantID,
			"rule_id", finding.RuleID,
			"error", err)
	}

	n := BuildNotification(result, finding, p.now())
	report := p.dispatcher.Dispatch(ctx, finding.TenantID, n)
	p.dispatched.Add(1)

	p.logger.Info("Correlated finding processed",
		"finding_id", finding.ID,
		"tenant_id", finding.TenantID,
		"rule_id", finding.RuleID,
		"severity", finding.Severity,
		"delivered", report.Delivered(),
		"failed", report.Failed())

	return finding, report
}

// BuildFinding creates the finding record for result
func (p *Processor) BuildFinding(result model.CorrelationResult) *model.Finding {
	ids := make([]string, len(result.MatchedEvents))
	first, last := result.TriggerEvent.Timestamp, result.TriggerEvent.Timestamp
	for i, ev := range result.MatchedEvents {
		ids[i] = ev.ID
		if ev.Timestamp.Before(first) {
			first = ev.Timestamp
		}
		if ev.Timestamp.After(last) {
			last = ev.Timestamp
		}
	}

	return &model.Finding{
		ID:              uuid.NewString(),
		TenantID:        result.TriggerEvent.TenantID,
		RuleID:          result.RuleID,
		Title:           result.RuleName,
		Description:     result.Description,
		Severity:        result.Severity,
		Score:           result.Score,
		Status:          "open",
		TriggerEventID:  result.TriggerEvent.ID,
		EventIDs:        ids,
		SystemsInvolved: result.SystemsInvolved,
		FirstSeen:       first,
		LastSeen:        last,
		CreatedAt:       p.now(),
	}
}

// BuildNotification converts a result and its finding 1:1 into a notification
func BuildNotification(result model.CorrelationResult, finding *model.Finding, now time.Time) model.Notification {
	nType := result.NotificationType
	if nType == "" {
		nType = model.NotificationThreat
	}

	message := fmt.Sprintf("%d correlated events", len(result.MatchedEvents))
	if len(result.SystemsInvolved) > 0 {
		message += " across " + strings.Join(result.SystemsInvolved, ", ")
	}
	if result.Description != "" {
		message = result.Description + ": " + message
	}

	return model.Notification{
		ID:        uuid.NewString(),
		TenantID:  finding.TenantID,
		Type:      nType,
		Title:     result.RuleName,
		Message:   message,
		Priority:  model.PriorityFor(result.Severity),
		Timestamp: now,
		Source:    NotificationSource,
		Metadata: map[string]interface{}{
			"finding_id":       finding.ID,
			"rule_id":          result.RuleID,
			"score":            result.Score,
			"trigger_event_id": result.TriggerEvent.ID,
			"event_ids":        finding.EventIDs,
			"systems_involved": result.SystemsInvolved,
		},
	}
}

func (p *Processor) persist(ctx context.Context, finding *model.Finding) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval

	_, err := backoff.Retry(ctx, func() (string, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		defer cancel()
		return p.sink.PersistFinding(attemptCtx, finding)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.metrics.IncSinkRetries()
			p.logger.Warn("Finding sink attempt failed",
				"finding_id", finding.ID,
				"retry_in", next,
				"error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("persist finding %s: %w", finding.ID, err)
	}

	p.persisted.Add(1)
	p.metrics.IncFindingsPersisted()
	return nil
}

func (p *Processor) park(finding *model.Finding) {
	p.mu.Lock()
	p.pending = append(p.pending, finding)
	n := len(p.pending)
	p.mu.Unlock()

	p.metrics.SetFindingsPending(n)
}

// Pending returns the number of findings waiting for the sink
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// FlushPending retries every parked finding once and returns how many landed.
// Findings that still fail stay queued in their original order.
func (p *Processor) FlushPending(ctx context.Context) int {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	var failed []*model.Finding
	for i, f := range batch {
		if ctx.Err() != nil {
			failed = append(failed, batch[i:]...)
			break
		}
		if err := p.persist(ctx, f); err != nil {
			failed = append(failed, f)
		}
	}

	p.mu.Lock()
	// findings parked during the flush go after the ones that failed again
	p.pending = append(failed, p.pending...)
	n := len(p.pending)
	p.mu.Unlock()

	p.metrics.SetFindingsPending(n)

	landed := len(batch) - len(failed)
	if landed > 0 || len(failed) > 0 {
		p.logger.Info("Flushed pending findings", "persisted", landed, "still_pending", len(failed))
	}
	return landed
}

// RunRetryLoop flushes parked findings on an interval until ctx is done
func (p *Processor) RunRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := p.Pending(); n > 0 {
				p.logger.Warn("Retry loop stopping with pending findings", "pending", n)
			}
			return
		case <-ticker.C:
			p.FlushPending(ctx)
		}
	}
}

// GetStats returns processor statistics
func (p *Processor) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"findings_persisted":      p.persisted.Load(),
		"notifications_generated": p.dispatched.Load(),
		"findings_pending":        p.Pending(),
		"queued":                  len(p.queue),
		"overflow":                p.overflow.Load(),
	}
}
