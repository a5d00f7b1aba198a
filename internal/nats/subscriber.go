package nats

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

//go:embed schema/security_event.json
var securityEventSchema []byte

// SubjectPrefix is prepended to the category to form an ingest subject
const SubjectPrefix = "events."

// maxRedeliveryDelay caps the growing delay between local redeliveries
const maxRedeliveryDelay = time.Minute

// Ingester is the engine entry point
type Ingester interface {
	Ingest(ctx context.Context, event model.SecurityEvent) error
}

// SubscriberConfig controls the event subscriber
type SubscriberConfig struct {
	Queue           string
	IngestTimeout   time.Duration
	RedeliveryDelay time.Duration
	// MaxRedeliveries bounds local redelivery of one event; 0 retries until
	// the engine accepts it
	MaxRedeliveries int
	// MaxBacklog bounds the events held per tenant behind a refused one
	MaxBacklog int
}

// Subscriber consumes security events from NATS and hands them to the engine
type Subscriber struct {
	nc       *nats.Conn
	ingester Ingester
	schema   *gojsonschema.Schema
	cfg      SubscriberConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// redeliver replays a tenant backlog later when the message cannot be nak'd
	redeliver func(delay time.Duration, f func())

	mu   sync.Mutex
	subs []*nats.Subscription

	bmu      sync.Mutex
	backlogs map[string]*backlog
	closed   atomic.Bool

	received      atomic.Int64
	invalidEvents atomic.Int64
	requeued      atomic.Int64
	dropped       atomic.Int64
}

type heldEvent struct {
	subject string
	event   model.SecurityEvent
}

// backlog is a tenant's events waiting, in arrival order, behind one the
// engine refused. attempt counts redeliveries of the head event.
type backlog struct {
	events  []heldEvent
	attempt int
}

// NewSubscriber creates a new NATS subscriber
func NewSubscriber(nc *nats.Conn, ingester Ingester, cfg SubscriberConfig, m *metrics.Metrics, logger *slog.Logger) (*Subscriber, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(securityEventSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to load event schema: %w", err)
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = 30 * time.Second
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = 5 * time.Second
	}
	if cfg.MaxRedeliveries < 0 {
		cfg.MaxRedeliveries = 0
	}
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = 10000
	}

	return &Subscriber{
		nc:       nc,
		ingester: ingester,
		schema:   schema,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		backlogs: make(map[string]*backlog),
		redeliver: func(delay time.Duration, f func()) {
			time.AfterFunc(delay, f)
		},
	}, nil
}

// Subjects returns the ingest subjects, one per category
func Subjects() []string {
	subjects := make([]string, len(model.Categories))
	for i, c := range model.Categories {
		subjects[i] = SubjectPrefix + string(c)
	}
	return subjects
}

// Subscribe starts listening on every category subject and blocks until ctx is done
func (s *Subscriber) Subscribe(ctx context.Context) error {
	s.logger.Info("Subscribing to events", "queue", s.cfg.Queue)

	for _, subject := range Subjects() {
		sub, err := s.nc.QueueSubscribe(subject, s.cfg.Queue, s.handleMessage)
		if err != nil {
			s.logger.Error("Failed to subscribe", "subject", subject, "error", err)
			s.unsubscribeAll()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
		s.logger.Info("Subscribed to events", "subject", subject, "queue", s.cfg.Queue)
	}

	<-ctx.Done()

	s.logger.Info("Starting graceful shutdown")
	if err := s.gracefulShutdown(); err != nil {
		s.logger.Error("Error during graceful shutdown", "error", err)
		return err
	}
	s.logger.Info("Graceful shutdown completed")
	return nil
}

func (s *Subscriber) handleMessage(msg *nats.Msg) {
	s.received.Add(1)
	s.logger.Debug("Received event", "subject", msg.Subject, "data_length", len(msg.Data))

	event, err := s.decode(msg.Subject, msg.Data)
	if err == nil {
		if s.holdBehindBacklog(msg.Subject, event) {
			s.ack(msg)
			return
		}
		err = s.ingest(msg.Subject, event)
	}

	switch {
	case err == nil, errors.Is(err, model.ErrInvalidEvent):
		// invalid payloads are acknowledged so they are not redelivered forever
		s.ack(msg)
	default:
		s.requeue(msg, heldEvent{subject: msg.Subject, event: event})
	}
}

func (s *Subscriber) ack(msg *nats.Msg) {
	if err := msg.Ack(); err != nil && !errors.Is(err, nats.ErrMsgNoReply) && !errors.Is(err, nats.ErrMsgNotBound) {
		s.logger.Error("Failed to acknowledge message", "error", err)
	}
}

// process validates and ingests one payload. It returns an error wrapping
// model.ErrInvalidEvent for bad payloads and any other error for failures
// worth retrying.
func (s *Subscriber) process(subject string, data []byte) error {
	event, err := s.decode(subject, data)
	if err != nil {
		return err
	}
	return s.ingest(subject, event)
}

func (s *Subscriber) decode(subject string, data []byte) (model.SecurityEvent, error) {
	event, err := s.parseEvent(subject, data)
	if err != nil {
		s.invalidEvents.Add(1)
		s.metrics.IncEventsInvalid()
		s.logger.Warn("Rejected invalid event", "subject", subject, "error", err)
	}
	return event, err
}

func (s *Subscriber) ingest(subject string, event model.SecurityEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IngestTimeout)
	defer cancel()

	if err := s.ingester.Ingest(ctx, event); err != nil {
		if errors.Is(err, model.ErrInvalidEvent) {
			s.invalidEvents.Add(1)
			s.logger.Warn("Rejected invalid event", "subject", subject, "event_id", event.ID, "error", err)
			return err
		}
		s.logger.Error("Failed to ingest event",
			"subject", subject,
			"tenant_id", event.TenantID,
			"event_id", event.ID,
			"error", err)
		return err
	}
	return nil
}

// parseEvent validates data against the event schema and decodes it. A
// missing category is taken from the subject.
func (s *Subscriber) parseEvent(subject string, data []byte) (model.SecurityEvent, error) {
	var event model.SecurityEvent

	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return event, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return event, fmt.Errorf("%w: %s", model.ErrInvalidEvent, strings.Join(problems, "; "))
	}

	if err := json.Unmarshal(data, &event); err != nil {
		return event, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}

	if event.Category == "" {
		event.Category = model.Category(strings.TrimPrefix(subject, SubjectPrefix))
	}
	return event, event.Validate()
}

// requeue hands a refused event back for redelivery. JetStream messages are
// nak'd. Core NATS cannot redeliver, so the event opens a backlog for its
// tenant: later events from that tenant queue behind it and the backlog is
// replayed in arrival order.
func (s *Subscriber) requeue(msg *nats.Msg, h heldEvent) {
	if err := msg.NakWithDelay(s.cfg.RedeliveryDelay); err == nil {
		s.requeued.Add(1)
		s.metrics.IncEventsRequeued()
		return
	}

	tenantID := h.event.TenantID
	s.bmu.Lock()
	if b, ok := s.backlogs[tenantID]; ok {
		// a replay is already scheduled for this tenant
		b.events = append(b.events, h)
		s.bmu.Unlock()
		return
	}
	s.backlogs[tenantID] = &backlog{events: []heldEvent{h}, attempt: 1}
	s.bmu.Unlock()

	s.schedule(tenantID, 1)
}

// holdBehindBacklog queues event when its tenant already has a backlog
func (s *Subscriber) holdBehindBacklog(subject string, event model.SecurityEvent) bool {
	s.bmu.Lock()
	defer s.bmu.Unlock()

	b, ok := s.backlogs[event.TenantID]
	if !ok {
		return false
	}
	if len(b.events) >= s.cfg.MaxBacklog {
		s.dropped.Add(1)
		s.logger.Error("Redelivery backlog full, event dropped",
			"subject", subject,
			"tenant_id", event.TenantID,
			"event_id", event.ID,
			"backlog", len(b.events))
		return true
	}
	b.events = append(b.events, heldEvent{subject: subject, event: event})
	return true
}

func (s *Subscriber) schedule(tenantID string, attempt int) {
	s.requeued.Add(1)
	s.metrics.IncEventsRequeued()

	delay := min(s.cfg.RedeliveryDelay*time.Duration(attempt), maxRedeliveryDelay)
	s.redeliver(delay, func() { s.replay(tenantID) })
}

// replay ingests a tenant's backlog in order until it is empty or the engine
// refuses the head again, in which case another replay is scheduled
func (s *Subscriber) replay(tenantID string) {
	for {
		s.bmu.Lock()
		b := s.backlogs[tenantID]
		if b == nil || len(b.events) == 0 || s.closed.Load() {
			delete(s.backlogs, tenantID)
			s.bmu.Unlock()
			return
		}
		head := b.events[0]
		s.bmu.Unlock()

		err := s.ingest(head.subject, head.event)

		s.bmu.Lock()
		if err != nil && !errors.Is(err, model.ErrInvalidEvent) {
			if s.cfg.MaxRedeliveries == 0 || b.attempt < s.cfg.MaxRedeliveries {
				b.attempt++
				attempt := b.attempt
				s.bmu.Unlock()
				s.schedule(tenantID, attempt)
				return
			}
			s.dropped.Add(1)
			s.logger.Error("Event redelivery attempts exhausted",
				"subject", head.subject,
				"tenant_id", tenantID,
				"event_id", head.event.ID,
				"attempts", b.attempt)
		}
		b.events = b.events[1:]
		b.attempt = 1
		s.bmu.Unlock()
	}
}

// held returns the number of events waiting in tenant backlogs
func (s *Subscriber) held() int {
	s.bmu.Lock()
	defer s.bmu.Unlock()
	n := 0
	for _, b := range s.backlogs {
		n += len(b.events)
	}
	return n
}

func (s *Subscriber) unsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

// gracefulShutdown drains every subscription so in-flight messages finish
func (s *Subscriber) gracefulShutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, sub := range s.subs {
		s.logger.Info("Draining subscription", "subject", sub.Subject)
		if err := sub.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", sub.Subject, err))
		}
	}
	s.subs = nil

	s.closed.Store(true)
	if held := s.held(); held > 0 {
		s.logger.Warn("Discarding events held for redelivery", "events", held)
	}
	return errors.Join(errs...)
}

// GetMetrics returns subscriber metrics
func (s *Subscriber) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"received":       s.received.Load(),
		"invalid_events": s.invalidEvents.Load(),
		"requeued":       s.requeued.Load(),
		"dropped":        s.dropped.Load(),
		"held":           s.held(),
	}
}
