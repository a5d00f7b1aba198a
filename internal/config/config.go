package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override, e.g. ALERTENGINE_NATS_URL
const EnvPrefix = "ALERTENGINE"

// Config is the service configuration. Tags map YAML and env keys to fields.
type Config struct {
	LogLevel      string              `mapstructure:"log_level"`
	HTTPAddr      string              `mapstructure:"http_addr"`
	NATS          NATSConfig          `mapstructure:"nats"`
	ConfigAPI     ConfigAPIConfig     `mapstructure:"config_api"`
	Store         StoreConfig         `mapstructure:"store"`
	Rules         RulesConfig         `mapstructure:"rules"`
	BusinessHours BusinessHoursConfig `mapstructure:"business_hours"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Processor     ProcessorConfig     `mapstructure:"processor"`
	Notify        NotifyConfig        `mapstructure:"notify"`
}

// NATSConfig configures event ingest and finding publication
type NATSConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	URL               string        `mapstructure:"url"`
	Queue             string        `mapstructure:"queue"`
	PublishFindings   bool          `mapstructure:"publish_findings"`
	CompressThreshold int           `mapstructure:"compress_threshold"`
	IngestTimeout     time.Duration `mapstructure:"ingest_timeout"`
	RedeliveryDelay   time.Duration `mapstructure:"redelivery_delay"`
	MaxRedeliveries   int           `mapstructure:"max_redeliveries"`
	MaxBacklog        int           `mapstructure:"max_backlog"`
}

// ConfigAPIConfig points at the config-api holding tenant preferences
type ConfigAPIConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects and tunes the event source
type StoreConfig struct {
	Driver       string        `mapstructure:"driver"` // memory or postgres
	DSN          string        `mapstructure:"dsn"`
	MaxAge       time.Duration `mapstructure:"max_age"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	GCInterval   time.Duration `mapstructure:"gc_interval"`
}

// RulesConfig locates the rule catalog
type RulesConfig struct {
	Dir            string `mapstructure:"dir"`
	HotReload      bool   `mapstructure:"hot_reload"`
	DebounceMs     int    `mapstructure:"debounce_ms"`
	FiredCacheSize int    `mapstructure:"fired_cache_size"`
}

// BusinessHoursConfig defines the working day used by off-hours patterns
type BusinessHoursConfig struct {
	Start    int    `mapstructure:"start"`
	End      int    `mapstructure:"end"`
	Location string `mapstructure:"location"`
}

// EngineConfig sizes the ingest workers
type EngineConfig struct {
	Shards    int `mapstructure:"shards"`
	QueueSize int `mapstructure:"queue_size"`
}

// ProcessorConfig is the finding persistence retry policy and worker layout
type ProcessorConfig struct {
	MaxTries        uint          `mapstructure:"max_tries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	SpoolPath       string        `mapstructure:"spool_path"`
}

// NotifyConfig configures the notification hub and its channels
type NotifyConfig struct {
	HistoryCapacity int           `mapstructure:"history_capacity"`
	LiveBuffer      int           `mapstructure:"live_buffer"`
	ChannelTimeout  time.Duration `mapstructure:"channel_timeout"`
	MaxTries        uint          `mapstructure:"max_tries"`
	PreferenceTTL   time.Duration `mapstructure:"preference_ttl"`
	ChatOps         ChatOpsConfig `mapstructure:"chatops"`
	Email           EmailConfig   `mapstructure:"email"`
	SMS             SMSConfig     `mapstructure:"sms"`
}

// ChatOpsConfig is the incoming webhook of the chat integration
type ChatOpsConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// EmailConfig is the SMTP relay
type EmailConfig struct {
	Host       string   `mapstructure:"host"`
	Port       int      `mapstructure:"port"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

// SMSConfig is the HTTP SMS gateway
type SMSConfig struct {
	GatewayURL string   `mapstructure:"gateway_url"`
	APIKey     string   `mapstructure:"api_key"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

// SetDefaults registers every key with its default. Keys must be known to
// viper for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")

	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.queue", "alertengine")
	v.SetDefault("nats.publish_findings", true)
	v.SetDefault("nats.compress_threshold", 4096)
	v.SetDefault("nats.ingest_timeout", 30*time.Second)
	v.SetDefault("nats.redelivery_delay", 5*time.Second)
	v.SetDefault("nats.max_redeliveries", 0)
	v.SetDefault("nats.max_backlog", 10000)

	v.SetDefault("config_api.url", "")
	v.SetDefault("config_api.timeout", 10*time.Second)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_age", 24*time.Hour)
	v.SetDefault("store.cache_ttl", 5*time.Second)
	v.SetDefault("store.fetch_timeout", 5*time.Second)
	v.SetDefault("store.gc_interval", time.Minute)

	v.SetDefault("rules.dir", "rules.d")
	v.SetDefault("rules.hot_reload", false)
	v.SetDefault("rules.debounce_ms", 1000)
	v.SetDefault("rules.fired_cache_size", 100000)

	v.SetDefault("business_hours.start", 9)
	v.SetDefault("business_hours.end", 17)
	v.SetDefault("business_hours.location", "Local")

	v.SetDefault("engine.shards", 8)
	v.SetDefault("engine.queue_size", 256)

	v.SetDefault("processor.max_tries", 5)
	v.SetDefault("processor.initial_interval", 200*time.Millisecond)
	v.SetDefault("processor.max_interval", 5*time.Second)
	v.SetDefault("processor.attempt_timeout", 5*time.Second)
	v.SetDefault("processor.retry_interval", 30*time.Second)
	v.SetDefault("processor.workers", 4)
	v.SetDefault("processor.queue_size", 1024)
	v.SetDefault("processor.spool_path", "data/pending-findings.json")

	v.SetDefault("notify.history_capacity", 1000)
	v.SetDefault("notify.live_buffer", 64)
	v.SetDefault("notify.channel_timeout", 10*time.Second)
	v.SetDefault("notify.max_tries", 3)
	v.SetDefault("notify.preference_ttl", time.Minute)
	v.SetDefault("notify.chatops.webhook_url", "")
	v.SetDefault("notify.chatops.channel", "")
	v.SetDefault("notify.email.host", "")
	v.SetDefault("notify.email.port", 587)
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.password", "")
	v.SetDefault("notify.email.from", "")
	v.SetDefault("notify.email.recipients", []string{})
	v.SetDefault("notify.sms.gateway_url", "")
	v.SetDefault("notify.sms.api_key", "")
	v.SetDefault("notify.sms.from", "")
	v.SetDefault("notify.sms.recipients", []string{})
}

// Load reads defaults, the optional YAML file at path and ALERTENGINE_*
// environment overrides, in increasing precedence.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.BusinessHours.Start < 0 || c.BusinessHours.End > 24 || c.BusinessHours.Start >= c.BusinessHours.End {
		errs = append(errs, fmt.Errorf("business_hours must satisfy 0 <= start < end <= 24, got %d-%d", c.BusinessHours.Start, c.BusinessHours.End))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Engine.Shards <= 0 {
		errs = append(errs, errors.New("engine.shards must be positive"))
	}
	if c.Notify.HistoryCapacity <= 0 {
		errs = append(errs, errors.New("notify.history_capacity must be positive"))
	}
	return errors.Join(errs...)
}

// Location resolves the business hours time zone
func (c *Config) Location() (*time.Location, error) {
	name := c.BusinessHours.Location
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("business_hours.location: %w", err)
	}
	return loc, nil
}
