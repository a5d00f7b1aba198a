package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/api"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/cache"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/config"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/engine"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
	alertnats "github.com/sgerhart/aegisflux/backend/alertengine/internal/nats"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/notify"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/processor"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/rules"
	"github.com/sgerhart/aegisflux/backend/alertengine/internal/store"
)

const overridePruneInterval = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: NATS ingest, HTTP API, correlation and dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.New(), cfgFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Starting alert engine",
		"version", version,
		"http_addr", cfg.HTTPAddr,
		"nats_enabled", cfg.NATS.Enabled,
		"store_driver", cfg.Store.Driver,
		"rules_dir", cfg.Rules.Dir,
		"hot_reload", cfg.Rules.HotReload)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// Event source
	var (
		source   store.EventSource
		recorder store.EventRecorder
		pg       *store.Postgres
		memory   *store.MemoryEventSource
		findings []processor.FindingSink
	)
	switch cfg.Store.Driver {
	case "postgres":
		var err error
		pg, err = store.OpenPostgres(ctx, cfg.Store.DSN, logger)
		if err != nil {
			logger.Error("Failed to connect to Postgres", "error", err)
			return err
		}
		defer pg.Close()
		source = pg
		findings = append(findings, pg)
	default:
		memory = store.NewMemoryEventSource(cfg.Store.MaxAge)
		memory.StartGC(cfg.Store.GCInterval)
		defer memory.StopGC()
		source = memory
		recorder = memory
	}

	eventCache := cache.New[[]model.SecurityEvent]("events", m)
	eventCache.StartGC(cfg.Store.GCInterval)
	defer eventCache.StopGC()
	eventStore := store.NewEventStore(source, recorder, eventCache, cfg.Store.CacheTTL, cfg.Store.FetchTimeout, logger)

	// Rule catalog
	loader := rules.NewLoader(cfg.Rules.Dir, cfg.Rules.HotReload, cfg.Rules.DebounceMs, logger)
	snapshot, err := loader.LoadSnapshot()
	if err != nil {
		var invariant *rules.InvariantError
		if errors.As(err, &invariant) {
			logger.Error("Rule catalog violates an invariant", "rule_id", invariant.RuleID, "error", err)
		} else {
			logger.Error("Failed to load initial rules snapshot", "error", err)
		}
		return err
	}
	if err := loader.WatchForChanges(); err != nil {
		logger.Error("Failed to start rule watcher", "error", err)
		return err
	}
	defer loader.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	matcher := rules.NewMatcher(rules.BusinessHours{
		Start:    cfg.BusinessHours.Start,
		End:      cfg.BusinessHours.End,
		Location: loc,
	})
	overrides := rules.NewOverrideManager(m, logger)
	evaluator, err := rules.NewEvaluator(eventStore, matcher, overrides.Apply(snapshot), cfg.Rules.FiredCacheSize, m, logger)
	if err != nil {
		logger.Error("Failed to create evaluator", "error", err)
		return err
	}
	go followRuleChanges(ctx, loader, overrides, evaluator, logger)

	// NATS
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("alertengine"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("Disconnected from NATS", "error", err)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
			}))
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			return err
		}
		defer nc.Close()
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)

		if cfg.NATS.PublishFindings {
			publisher, err := alertnats.NewFindingPublisher(nc, cfg.NATS.CompressThreshold, logger)
			if err != nil {
				return err
			}
			defer publisher.Close()
			findings = append(findings, publisher)
		}
	}

	var sink processor.FindingSink
	switch len(findings) {
	case 0:
		sink = processor.NewLogSink(logger)
	case 1:
		sink = findings[0]
	default:
		sink = processor.NewMultiSink(findings...)
	}

	// Notification hub
	history := store.NewHistory(cfg.Notify.HistoryCapacity)
	live := notify.NewLiveHub(cfg.Notify.LiveBuffer, m, logger)
	prefs := notify.NewMemoryPreferences()
	prefCache := cache.New[*notify.Preferences]("preferences", m)
	prefCache.StartGC(cfg.Notify.PreferenceTTL)
	defer prefCache.StopGC()

	senders := []notify.Sender{
		notify.NewChatOpsSender(cfg.Notify.ChatOps.WebhookURL, cfg.Notify.ChatOps.Channel, cfg.Notify.ChannelTimeout),
		notify.NewEmailSender(notify.SMTPConfig{
			Host:              cfg.Notify.Email.Host,
			Port:              cfg.Notify.Email.Port,
			Username:          cfg.Notify.Email.Username,
			Password:          cfg.Notify.Email.Password,
			From:              cfg.Notify.Email.From,
			DefaultRecipients: cfg.Notify.Email.Recipients,
		}),
		notify.NewSMSSender(cfg.Notify.SMS.GatewayURL, cfg.Notify.SMS.APIKey, cfg.Notify.SMS.From, cfg.Notify.SMS.Recipients, cfg.Notify.ChannelTimeout),
	}
	hub := notify.NewHub(notify.HubConfig{
		ChannelTimeout: cfg.Notify.ChannelTimeout,
		MaxTries:       cfg.Notify.MaxTries,
		PreferenceTTL:  cfg.Notify.PreferenceTTL,
	}, prefs, prefCache, history, live, senders, m, logger)

	var client *config.Client
	if cfg.ConfigAPI.URL != "" {
		client = config.NewClient(cfg.ConfigAPI.URL, cfg.ConfigAPI.Timeout, logger)
	}
	configManager := config.NewManager(client, nc, prefs, hub, logger)
	if err := configManager.Initialize(ctx); err != nil {
		logger.Warn("Failed to initialize configuration manager, live preference updates disabled", "error", err)
	}
	defer configManager.Close()

	// Correlation pipeline
	proc := processor.New(sink, hub, processor.Config{
		MaxTries:        cfg.Processor.MaxTries,
		InitialInterval: cfg.Processor.InitialInterval,
		MaxInterval:     cfg.Processor.MaxInterval,
		AttemptTimeout:  cfg.Processor.AttemptTimeout,
		RetryInterval:   cfg.Processor.RetryInterval,
		Workers:         cfg.Processor.Workers,
		QueueSize:       cfg.Processor.QueueSize,
		SpoolPath:       cfg.Processor.SpoolPath,
	}, m, logger)
	if _, err := proc.LoadSpool(); err != nil {
		return err
	}
	proc.Start()
	go proc.RunRetryLoop(ctx)

	eng := engine.New(engine.Config{
		Shards:    cfg.Engine.Shards,
		QueueSize: cfg.Engine.QueueSize,
	}, evaluator, eventStore, proc, m, logger)
	eng.Start()

	stats := map[string]func() map[string]interface{}{
		"engine":    eng.GetStats,
		"evaluator": evaluator.GetMetrics,
		"processor": proc.GetStats,
		"history":   history.GetStats,
		"live":      live.GetStats,
		"config":    configManager.GetStats,
		"overrides": overrides.GetStats,
	}
	if memory != nil {
		stats["event_source"] = memory.GetStats
	}

	readyChecks := map[string]func(context.Context) error{
		"rules": func(context.Context) error {
			if evaluator.Index().Len() == 0 {
				return errors.New("no enabled rules")
			}
			return nil
		},
	}
	if pg != nil {
		readyChecks["store"] = pg.Ping
	}

	subscriberDone := make(chan struct{})
	if nc != nil {
		subscriber, err := alertnats.NewSubscriber(nc, eng, alertnats.SubscriberConfig{
			Queue:           cfg.NATS.Queue,
			IngestTimeout:   cfg.NATS.IngestTimeout,
			RedeliveryDelay: cfg.NATS.RedeliveryDelay,
			MaxRedeliveries: cfg.NATS.MaxRedeliveries,
			MaxBacklog:      cfg.NATS.MaxBacklog,
		}, m, logger)
		if err != nil {
			return err
		}
		stats["subscriber"] = subscriber.GetMetrics
		readyChecks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		}

		go func() {
			defer close(subscriberDone)
			logger.Info("Starting NATS subscriber")
			if err := subscriber.Subscribe(ctx); err != nil {
				logger.Error("NATS subscriber error", "error", err)
			}
		}()
	} else {
		close(subscriberDone)
	}

	httpAPI := api.NewServer(api.Deps{
		Ingester:    eng,
		Notifier:    hub,
		Live:        live,
		Preferences: prefs,
		Rules:       evaluator,
		Overrides:   overrides,
		Gatherer:    reg,
		ReadyChecks: readyChecks,
		Stats:       stats,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpAPI.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("Alert engine started successfully", "rules", evaluator.Index().Len())

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("HTTP server error", "error", err)
		stop()
	}

	logger.Info("Shutting down alert engine")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// stop intake first, then let queued events finish
	<-subscriberDone
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	eng.Stop()
	proc.Close()

	if pending := proc.Pending(); pending > 0 {
		flushed := proc.FlushPending(shutdownCtx)
		logger.Info("Flushed pending findings on shutdown", "flushed", flushed, "remaining", proc.Pending())
	}
	// whatever the sink still refuses survives to the next start
	if _, err := proc.SpoolPending(); err != nil {
		logger.Error("Failed to spool pending findings", "error", err)
	}

	logger.Info("Alert engine stopped")
	return nil
}

// followRuleChanges swaps the evaluator's catalog after every reload or
// override change, and expires overrides whose TTL has passed
func followRuleChanges(ctx context.Context, loader *rules.Loader, overrides *rules.OverrideManager, evaluator *rules.Evaluator, logger *slog.Logger) {
	reloads := loader.Subscribe()
	changes := overrides.Subscribe()
	prune := time.NewTicker(overridePruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			overrides.Prune()
			continue
		case <-reloads:
		case <-changes:
		}
		snapshot := overrides.Apply(loader.GetSnapshot())
		evaluator.SetSnapshot(snapshot)
		logger.Info("Rule catalog updated", "rules", len(snapshot.Rules), "version", snapshot.Version)
	}
}
