package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/engine"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/notify"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/rules"
)

const (
	maxBodySize         = 1 << 20
	defaultHistoryLimit = 100
	heartbeatInterval   = 15 * time.Second
)

// Ingester accepts security events
type Ingester interface {
	Ingest(ctx context.Context, event model.SecurityEvent) error
	IngestBatch(ctx context.Context, events []model.SecurityEvent) error
}

// Notifier is the notification hub surface exposed over HTTP
type Notifier interface {
	Dispatch(ctx context.Context, tenantID string, n model.Notification, channels ...model.Channel) model.DeliveryReport
	Broadcast(ctx context.Context, n model.Notification) int
	History(tenantID string, limit int) []model.Notification
	InvalidatePreferences(tenantID string)
}

// PreferenceEditor reads and replaces tenant preferences
type PreferenceEditor interface {
	notify.PreferenceStore
	Set(tenantID string, p *notify.Preferences)
	Delete(tenantID string)
}

// RuleCatalog exposes the active rule snapshot
type RuleCatalog interface {
	GetSnapshot() *rules.RuleSnapshot
}

// RuleOverrides manages runtime rule overrides
type RuleOverrides interface {
	AddOverride(req rules.OverrideRequest) (*rules.RuleOverride, error)
	RemoveOverride(id string) error
	ListOverrides() []rules.RuleOverride
}

// Deps are the components served by the API
type Deps struct {
	Ingester    Ingester
	Notifier    Notifier
	Live        *notify.LiveHub
	Preferences PreferenceEditor
	Rules       RuleCatalog
	Overrides   RuleOverrides
	Gatherer    prometheus.Gatherer
	// ReadyChecks must all pass for /readyz to report ready
	ReadyChecks map[string]func(ctx context.Context) error
	// Stats are reported by /healthz
	Stats map[string]func() map[string]interface{}
}

// Server provides the HTTP endpoints of the alert engine
type Server struct {
	deps   Deps
	logger *slog.Logger
	router *mux.Router
	now    func() time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger,
		router: mux.NewRouter(),
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/readyz", s.handleReady).Methods("GET")

	metricsHandler := promhttp.Handler()
	if s.deps.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})
	}
	s.router.Handle("/metrics", metricsHandler).Methods("GET")

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/events", s.handleIngest).Methods("POST")
	v1.HandleFunc("/broadcast", s.handleBroadcast).Methods("POST")
	v1.HandleFunc("/rules", s.handleRules).Methods("GET")
	v1.HandleFunc("/rules/overrides", s.handleListOverrides).Methods("GET")
	v1.HandleFunc("/rules/overrides", s.handleAddOverride).Methods("POST")
	v1.HandleFunc("/rules/overrides/{id}", s.handleRemoveOverride).Methods("DELETE")

	tenant := v1.PathPrefix("/tenants/{tenant}").Subrouter()
	tenant.HandleFunc("/notifications", s.handleDispatch).Methods("POST")
	tenant.HandleFunc("/notifications", s.handleHistory).Methods("GET")
	tenant.HandleFunc("/live", s.handleLive).Methods("GET")
	tenant.HandleFunc("/preferences", s.handleGetPreferences).Methods("GET")
	tenant.HandleFunc("/preferences", s.handlePutPreferences).Methods("PUT")
	tenant.HandleFunc("/preferences", s.handleDeletePreferences).Methods("DELETE")
}

// handleIngest handles POST /v1/events with a single event or an array
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var events []model.SecurityEvent
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &events)
	} else {
		var event model.SecurityEvent
		err = json.Unmarshal(trimmed, &event)
		events = []model.SecurityEvent{event}
	}
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid event payload: %v", err))
		return
	}
	if len(events) == 0 {
		s.writeErrorResponse(w, http.StatusBadRequest, "no events supplied")
		return
	}

	if len(events) == 1 {
		err = s.deps.Ingester.Ingest(r.Context(), events[0])
	} else {
		err = s.deps.Ingester.IngestBatch(r.Context(), events)
	}
	if err != nil {
		s.writeIngestError(w, err)
		return
	}

	s.writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"accepted":  len(events),
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidEvent):
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrEngineStopped):
		w.Header().Set("Retry-After", "1")
		s.writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("Failed to ingest events", "error", err)
		s.writeErrorResponse(w, http.StatusBadGateway, err.Error())
	}
}

type notificationRequest struct {
	Type     model.NotificationType `json:"type"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Priority model.Priority         `json:"priority"`
	Source   string                 `json:"source"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Channels []model.Channel        `json:"channels,omitempty"`
}

func (req *notificationRequest) validate() error {
	if req.Title == "" {
		return errors.New("title is required")
	}
	if req.Type != "" && !req.Type.Valid() {
		return fmt.Errorf("unknown notification type %q", req.Type)
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", req.Priority)
	}
	for _, ch := range req.Channels {
		if !ch.Valid() {
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	return nil
}

func (req *notificationRequest) notification() model.Notification {
	return model.Notification{
		Type:     req.Type,
		Title:    req.Title,
		Message:  req.Message,
		Priority: req.Priority,
		Source:   req.Source,
		Metadata: req.Metadata,
	}
}

// handleDispatch handles POST /v1/tenants/{tenant}/notifications
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]

	var req notificationRequest
	if err := s.decode(w, r, &req); err != nil {
		return
	}
	if err := req.validate(); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		req.Type = model.NotificationAlert
	}
	if req.Source == "" {
		req.Source = "api"
	}

	report := s.deps.Notifier.Dispatch(r.Context(), tenantID, req.notification(), req.Channels...)
	s.writeJSONResponse(w, http.StatusOK, report)
}

// handleHistory handles GET /v1/tenants/{tenant}/notifications?limit=
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	notifications := s.deps.Notifier.History(tenantID, limit)
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"tenant_id":     tenantID,
		"notifications": notifications,
		"count":         len(notifications),
	})
}

// handleLive handles GET /v1/tenants/{tenant}/live as a server-sent event stream
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || s.deps.Live == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "live streaming not supported")
		return
	}

	tenantID := mux.Vars(r)["tenant"]
	sub := s.deps.Live.Subscribe(tenantID)
	defer s.deps.Live.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", sub.ID)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(msg.Notification)
			if err != nil {
				s.logger.Error("Failed to encode live notification", "error", err)
				continue
			}
			event := "notification"
			if msg.Broadcast {
				event = "broadcast"
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.Notification.ID, event, data)
			flusher.Flush()
		}
	}
}

// handleGetPreferences handles GET /v1/tenants/{tenant}/preferences
func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]

	prefs, err := s.deps.Preferences.Preferences(r.Context(), tenantID)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadGateway, err.Error())
		return
	}

	defaults := make(map[model.NotificationType][]model.Channel, len(model.NotificationTypes))
	for _, t := range model.NotificationTypes {
		defaults[t] = notify.DefaultChannels(t)
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"tenant_id":   tenantID,
		"preferences": prefs,
		"defaults":    defaults,
	})
}

// handlePutPreferences handles PUT /v1/tenants/{tenant}/preferences
func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]

	var prefs notify.Preferences
	if err := s.decode(w, r, &prefs); err != nil {
		return
	}
	if err := prefs.Validate(); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.deps.Preferences.Set(tenantID, &prefs)
	s.deps.Notifier.InvalidatePreferences(tenantID)
	s.logger.Info("Tenant preferences replaced", "tenant_id", tenantID)

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"tenant_id":   tenantID,
		"preferences": &prefs,
	})
}

// handleDeletePreferences handles DELETE /v1/tenants/{tenant}/preferences
func (s *Server) handleDeletePreferences(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]

	s.deps.Preferences.Delete(tenantID)
	s.deps.Notifier.InvalidatePreferences(tenantID)

	w.WriteHeader(http.StatusNoContent)
}

// handleBroadcast handles POST /v1/broadcast
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := s.decode(w, r, &req); err != nil {
		return
	}
	if err := req.validate(); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	delivered := s.deps.Notifier.Broadcast(r.Context(), req.notification())
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"delivered": delivered,
		"timestamp": s.now().UTC(),
	})
}

type ruleSummary struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Enabled          bool                   `json:"enabled"`
	Severity         model.Severity         `json:"severity"`
	Score            int                    `json:"score"`
	Sequenced        bool                   `json:"sequenced"`
	NotificationType model.NotificationType `json:"notification_type"`
	TriggerTypes     []string               `json:"trigger_types"`
	Patterns         []rules.PatternSpec    `json:"patterns"`
	SourceFile       string                 `json:"source_file,omitempty"`
}

// handleRules handles GET /v1/rules
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	snapshot := s.deps.Rules.GetSnapshot()

	summaries := make([]ruleSummary, 0, len(snapshot.Rules))
	enabled := 0
	for _, rule := range snapshot.Rules {
		if rule.IsEnabled() {
			enabled++
		}
		summaries = append(summaries, ruleSummary{
			ID:               rule.ID(),
			Name:             rule.Metadata.Name,
			Enabled:          rule.IsEnabled(),
			Severity:         rule.Spec.Severity,
			Score:            rule.Spec.Score,
			Sequenced:        rule.Spec.Sequenced,
			NotificationType: rule.NotificationTypeOrDefault(),
			TriggerTypes:     rule.TriggerTypes(),
			Patterns:         rule.Spec.Patterns,
			SourceFile:       rule.SourceFile,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })

	response := map[string]interface{}{
		"rules":   summaries,
		"count":   len(summaries),
		"enabled": enabled,
		"version": snapshot.Version,
	}
	if s.deps.Overrides != nil {
		response["overrides"] = s.deps.Overrides.ListOverrides()
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

// handleListOverrides handles GET /v1/rules/overrides
func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	if s.deps.Overrides == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "rule overrides not enabled")
		return
	}
	overrides := s.deps.Overrides.ListOverrides()
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"overrides": overrides,
		"count":     len(overrides),
	})
}

// handleAddOverride handles POST /v1/rules/overrides
func (s *Server) handleAddOverride(w http.ResponseWriter, r *http.Request) {
	if s.deps.Overrides == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "rule overrides not enabled")
		return
	}

	var req rules.OverrideRequest
	if err := s.decode(w, r, &req); err != nil {
		return
	}

	override, err := s.deps.Overrides.AddOverride(req)
	if err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid override: %v", err))
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to add override: %v", err))
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, override)
}

// handleRemoveOverride handles DELETE /v1/rules/overrides/{id}
func (s *Server) handleRemoveOverride(w http.ResponseWriter, r *http.Request) {
	if s.deps.Overrides == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "rule overrides not enabled")
		return
	}

	if err := s.deps.Overrides.RemoveOverride(mux.Vars(r)["id"]); err != nil {
		if errors.Is(err, rules.ErrOverrideNotFound) {
			s.writeErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]interface{}, len(s.deps.Stats))
	for name, fn := range s.deps.Stats {
		stats[name] = fn()
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC(),
		"stats":     stats,
	})
}

// handleReady handles GET /readyz
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.ReadyChecks))
	ready := true
	for name, check := range s.deps.ReadyChecks {
		if err := check(ctx); err != nil {
			ready = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}

	s.writeJSONResponse(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": s.now().UTC(),
		"checks":    checks,
	})
}

// decode reads a JSON body into v, writing the error response on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return err
	}
	return nil
}

// writeJSONResponse writes a JSON response
func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": s.now().UTC(),
	})
}
