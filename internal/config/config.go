// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default endpoints. BYBIT_BASE_URL / BYBIT_WS_PUBLIC_URL override both.
const (
	MainnetBaseURL     = "https://api.bybit.com"
	TestnetBaseURL     = "https://api-testnet.bybit.com"
	MainnetWSPublicURL = "wss://stream.bybit.com/v5/public/linear"
	TestnetWSPublicURL = "wss://stream-testnet.bybit.com/v5/public/linear"
)

// Config represents the complete configuration structure
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Cache       CacheConfig       `yaml:"cache"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Alerts      AlertConfig       `yaml:"alerts"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	System      SystemConfig      `yaml:"system"`
}

// EngineConfig contains engine-level feature switches and constants
type EngineConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	MirrorEnabled           bool          `yaml:"mirror_enabled"`
	CancelLimitsOnTP1       bool          `yaml:"cancel_limits_on_tp1"`
	ExternalOrderProtection bool          `yaml:"external_order_protection"`
	BreakevenFeeRate        float64       `yaml:"breakeven_fee_rate"`
	BreakevenSafetyMargin   float64       `yaml:"breakeven_safety_margin"`
	AdoptOrphanPositions    bool          `yaml:"adopt_orphan_positions"`
	ReconcileInterval       time.Duration `yaml:"reconcile_interval"`
}

// ExchangeConfig contains venue credentials and endpoints
type ExchangeConfig struct {
	APIKey          Secret `yaml:"api_key"`
	APISecret       Secret `yaml:"api_secret"`
	MirrorAPIKey    Secret `yaml:"mirror_api_key"`
	MirrorAPISecret Secret `yaml:"mirror_api_secret"`
	BaseURL         string `yaml:"base_url"`
	WSPublicURL     string `yaml:"ws_public_url"`
	UseTestnet      bool   `yaml:"use_testnet"`
}

// MonitoringConfig contains per-urgency check intervals and scheduler bounds
type MonitoringConfig struct {
	CriticalInterval      time.Duration `yaml:"critical_interval"`
	UrgentInterval        time.Duration `yaml:"urgent_interval"`
	ActiveInterval        time.Duration `yaml:"active_interval"`
	BuildingInterval      time.Duration `yaml:"building_interval"`
	StableInterval        time.Duration `yaml:"stable_interval"`
	DormantInterval       time.Duration `yaml:"dormant_interval"`
	MaxConcurrentMonitors int           `yaml:"max_concurrent_monitors"`
	ExecutionModeTTL      time.Duration `yaml:"execution_mode_ttl"`
}

// CacheConfig contains position/order snapshot cache settings
type CacheConfig struct {
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	ExecutionTTL time.Duration `yaml:"execution_ttl"`
}

// PersistenceConfig contains snapshot file and backup settings
type PersistenceConfig struct {
	File           string        `yaml:"file"`
	BackupDir      string        `yaml:"backup_dir"`
	MaxBackups     int           `yaml:"max_backups"`
	BatchInterval  time.Duration `yaml:"batch_interval"`
	BackupInterval time.Duration `yaml:"backup_interval"`
}

// AlertConfig contains notification routing settings
type AlertConfig struct {
	DefaultChatID    *int64   `yaml:"default_chat_id"`
	TelegramBotToken Secret   `yaml:"telegram_bot_token"`
	SlackWebhookURL  Secret   `yaml:"slack_webhook_url"`
	Channels         []string `yaml:"channels"`
}

// ConcurrencyConfig contains per-account exchange request bounds
type ConcurrencyConfig struct {
	MaxExchangeConcurrency       int `yaml:"max_exchange_concurrency"`
	ExecutionExchangeConcurrency int `yaml:"execution_exchange_concurrency"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel         string `yaml:"log_level"`
	MetricsPort      int    `yaml:"metrics_port"`
	SignalDir        string `yaml:"signal_dir"`
	EventJournalPath string `yaml:"event_journal_path"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load assembles the configuration from environment variables. A .env file in
// the working directory is loaded first; values already exported win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	r := &envReader{}
	cfg := &Config{
		Engine: EngineConfig{
			Enabled:                 r.boolean("ENABLE_ENHANCED_TP_SL", true),
			MirrorEnabled:           r.boolean("ENABLE_MIRROR_TRADING", false),
			CancelLimitsOnTP1:       r.boolean("CANCEL_LIMITS_ON_TP1", true),
			ExternalOrderProtection: r.boolean("EXTERNAL_ORDER_PROTECTION", true),
			BreakevenFeeRate:        r.float("BREAKEVEN_FEE_RATE", 0.0006),
			BreakevenSafetyMargin:   r.float("BREAKEVEN_SAFETY_MARGIN", 0.0002),
			AdoptOrphanPositions:    r.boolean("ADOPT_ORPHAN_POSITIONS", false),
			ReconcileInterval:       r.duration("RECONCILE_INTERVAL", 60*time.Second),
		},
		Exchange: ExchangeConfig{
			APIKey:          r.secret("BYBIT_API_KEY"),
			APISecret:       r.secret("BYBIT_API_SECRET"),
			MirrorAPIKey:    r.secret("BYBIT_API_KEY_2"),
			MirrorAPISecret: r.secret("BYBIT_API_SECRET_2"),
			BaseURL:         r.str("BYBIT_BASE_URL", ""),
			WSPublicURL:     r.str("BYBIT_WS_PUBLIC_URL", ""),
			UseTestnet:      r.boolean("USE_TESTNET", false),
		},
		Monitoring: MonitoringConfig{
			CriticalInterval:      r.duration("MONITOR_INTERVAL_CRITICAL", 2*time.Second),
			UrgentInterval:        r.duration("MONITOR_INTERVAL_URGENT", 5*time.Second),
			ActiveInterval:        r.duration("MONITOR_INTERVAL_ACTIVE", 12*time.Second),
			BuildingInterval:      r.duration("MONITOR_INTERVAL_BUILDING", 20*time.Second),
			StableInterval:        r.duration("MONITOR_INTERVAL_STABLE", 60*time.Second),
			DormantInterval:       r.duration("MONITOR_INTERVAL_DORMANT", 180*time.Second),
			MaxConcurrentMonitors: r.integer("MAX_CONCURRENT_MONITORS", 15),
			ExecutionModeTTL:      r.duration("EXECUTION_MODE_TTL", 180*time.Second),
		},
		Cache: CacheConfig{
			DefaultTTL:   r.duration("CACHE_DEFAULT_TTL", 15*time.Second),
			ExecutionTTL: r.duration("CACHE_EXECUTION_TTL", 5*time.Second),
		},
		Persistence: PersistenceConfig{
			File:           r.str("PERSISTENCE_FILE", "monitors.json"),
			BackupDir:      r.str("PERSISTENCE_BACKUP_DIR", "backups"),
			MaxBackups:     r.integer("PERSISTENCE_MAX_BACKUPS", 5),
			BatchInterval:  r.duration("PERSISTENCE_BATCH_INTERVAL", 30*time.Second),
			BackupInterval: r.duration("BACKUP_INTERVAL", 15*time.Minute),
		},
		Alerts: AlertConfig{
			DefaultChatID:    r.chatID("DEFAULT_ALERT_CHAT_ID"),
			TelegramBotToken: r.secret("TELEGRAM_BOT_TOKEN"),
			SlackWebhookURL:  r.secret("SLACK_WEBHOOK_URL"),
			Channels:         r.list("ALERT_CHANNELS", []string{"log"}),
		},
		Concurrency: ConcurrencyConfig{
			MaxExchangeConcurrency:       r.integer("MAX_EXCHANGE_CONCURRENCY", 20),
			ExecutionExchangeConcurrency: r.integer("EXECUTION_EXCHANGE_CONCURRENCY", 50),
		},
		System: SystemConfig{
			LogLevel:         r.str("LOG_LEVEL", "INFO"),
			MetricsPort:      r.integer("METRICS_PORT", 9090),
			SignalDir:        r.str("SIGNAL_DIR", "."),
			EventJournalPath: r.str("EVENT_JOURNAL_PATH", "events.db"),
		},
	}

	if cfg.Exchange.BaseURL == "" {
		if cfg.Exchange.UseTestnet {
			cfg.Exchange.BaseURL = TestnetBaseURL
		} else {
			cfg.Exchange.BaseURL = MainnetBaseURL
		}
	}
	if cfg.Exchange.WSPublicURL == "" {
		if cfg.Exchange.UseTestnet {
			cfg.Exchange.WSPublicURL = TestnetWSPublicURL
		} else {
			cfg.Exchange.WSPublicURL = MainnetWSPublicURL
		}
	}

	if len(r.errs) > 0 {
		return nil, fmt.Errorf("configuration parse failed:\n%s", strings.Join(r.errs, "\n"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateExchange(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateEngine(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateMonitoring(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateCache(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validatePersistence(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateAlerts(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateConcurrency(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.APIKey == "" {
		return ValidationError{
			Field:   "BYBIT_API_KEY",
			Message: "API key is required",
		}
	}
	if c.Exchange.APISecret == "" {
		return ValidationError{
			Field:   "BYBIT_API_SECRET",
			Message: "API secret is required",
		}
	}

	hasMirrorKey := c.Exchange.MirrorAPIKey != ""
	hasMirrorSecret := c.Exchange.MirrorAPISecret != ""
	if hasMirrorKey != hasMirrorSecret {
		return ValidationError{
			Field:   "BYBIT_API_KEY_2",
			Message: "mirror credentials must supply both key and secret",
		}
	}
	if c.Engine.MirrorEnabled && !hasMirrorKey {
		return ValidationError{
			Field:   "ENABLE_MIRROR_TRADING",
			Value:   true,
			Message: "mirror trading requires BYBIT_API_KEY_2 and BYBIT_API_SECRET_2",
		}
	}

	return nil
}

func (c *Config) validateEngine() error {
	if c.Engine.BreakevenFeeRate < 0 || c.Engine.BreakevenFeeRate >= 0.1 {
		return ValidationError{
			Field:   "BREAKEVEN_FEE_RATE",
			Value:   c.Engine.BreakevenFeeRate,
			Message: "must be in [0, 0.1)",
		}
	}
	if c.Engine.BreakevenSafetyMargin < 0 || c.Engine.BreakevenSafetyMargin >= 0.1 {
		return ValidationError{
			Field:   "BREAKEVEN_SAFETY_MARGIN",
			Value:   c.Engine.BreakevenSafetyMargin,
			Message: "must be in [0, 0.1)",
		}
	}
	if c.Engine.ReconcileInterval <= 0 {
		return ValidationError{
			Field:   "RECONCILE_INTERVAL",
			Value:   c.Engine.ReconcileInterval,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateMonitoring() error {
	intervals := map[string]time.Duration{
		"MONITOR_INTERVAL_CRITICAL": c.Monitoring.CriticalInterval,
		"MONITOR_INTERVAL_URGENT":   c.Monitoring.UrgentInterval,
		"MONITOR_INTERVAL_ACTIVE":   c.Monitoring.ActiveInterval,
		"MONITOR_INTERVAL_BUILDING": c.Monitoring.BuildingInterval,
		"MONITOR_INTERVAL_STABLE":   c.Monitoring.StableInterval,
		"MONITOR_INTERVAL_DORMANT":  c.Monitoring.DormantInterval,
	}
	for field, d := range intervals {
		if d <= 0 {
			return ValidationError{
				Field:   field,
				Value:   d,
				Message: "must be positive",
			}
		}
	}

	if c.Monitoring.MaxConcurrentMonitors < 1 || c.Monitoring.MaxConcurrentMonitors > 100 {
		return ValidationError{
			Field:   "MAX_CONCURRENT_MONITORS",
			Value:   c.Monitoring.MaxConcurrentMonitors,
			Message: "must be between 1 and 100",
		}
	}
	if c.Monitoring.ExecutionModeTTL <= 0 {
		return ValidationError{
			Field:   "EXECUTION_MODE_TTL",
			Value:   c.Monitoring.ExecutionModeTTL,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.DefaultTTL <= 0 {
		return ValidationError{
			Field:   "CACHE_DEFAULT_TTL",
			Value:   c.Cache.DefaultTTL,
			Message: "must be positive",
		}
	}
	if c.Cache.ExecutionTTL <= 0 || c.Cache.ExecutionTTL > c.Cache.DefaultTTL {
		return ValidationError{
			Field:   "CACHE_EXECUTION_TTL",
			Value:   c.Cache.ExecutionTTL,
			Message: "must be positive and not exceed CACHE_DEFAULT_TTL",
		}
	}
	return nil
}

func (c *Config) validatePersistence() error {
	if c.Persistence.File == "" {
		return ValidationError{
			Field:   "PERSISTENCE_FILE",
			Message: "snapshot file path is required",
		}
	}
	if c.Persistence.MaxBackups < 0 {
		return ValidationError{
			Field:   "PERSISTENCE_MAX_BACKUPS",
			Value:   c.Persistence.MaxBackups,
			Message: "must be zero or positive",
		}
	}
	if c.Persistence.BatchInterval <= 0 {
		return ValidationError{
			Field:   "PERSISTENCE_BATCH_INTERVAL",
			Value:   c.Persistence.BatchInterval,
			Message: "must be positive",
		}
	}
	if c.Persistence.BackupInterval <= 0 {
		return ValidationError{
			Field:   "BACKUP_INTERVAL",
			Value:   c.Persistence.BackupInterval,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateAlerts() error {
	validChannels := []string{"log", "telegram", "slack"}
	for _, ch := range c.Alerts.Channels {
		if !contains(validChannels, ch) {
			return ValidationError{
				Field:   "ALERT_CHANNELS",
				Value:   ch,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validChannels, ", ")),
			}
		}
		if ch == "telegram" && c.Alerts.TelegramBotToken == "" {
			return ValidationError{
				Field:   "TELEGRAM_BOT_TOKEN",
				Message: "required when the telegram alert channel is enabled",
			}
		}
		if ch == "slack" && c.Alerts.SlackWebhookURL == "" {
			return ValidationError{
				Field:   "SLACK_WEBHOOK_URL",
				Message: "required when the slack alert channel is enabled",
			}
		}
	}
	return nil
}

func (c *Config) validateConcurrency() error {
	if c.Concurrency.MaxExchangeConcurrency < 1 {
		return ValidationError{
			Field:   "MAX_EXCHANGE_CONCURRENCY",
			Value:   c.Concurrency.MaxExchangeConcurrency,
			Message: "must be at least 1",
		}
	}
	if c.Concurrency.ExecutionExchangeConcurrency < c.Concurrency.MaxExchangeConcurrency {
		return ValidationError{
			Field:   "EXECUTION_EXCHANGE_CONCURRENCY",
			Value:   c.Concurrency.ExecutionExchangeConcurrency,
			Message: "must be at least MAX_EXCHANGE_CONCURRENCY",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "LOG_LEVEL",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if c.System.MetricsPort < 1 || c.System.MetricsPort > 65535 {
		return ValidationError{
			Field:   "METRICS_PORT",
			Value:   c.System.MetricsPort,
			Message: "must be a valid TCP port",
		}
	}
	return nil
}

// MirrorConfigured reports whether mirror-account credentials are present
func (c *Config) MirrorConfigured() bool {
	return c.Exchange.MirrorAPIKey != "" && c.Exchange.MirrorAPISecret != ""
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// envReader reads typed values from the environment, collecting parse errors
type envReader struct {
	errs []string
}

func (r *envReader) fail(key string, value interface{}, msg string) {
	r.errs = append(r.errs, ValidationError{Field: key, Value: value, Message: msg}.Error())
}

func (r *envReader) str(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (r *envReader) secret(key string) Secret {
	return Secret(r.str(key, ""))
}

func (r *envReader) boolean(key string, fallback bool) bool {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, "must be a boolean")
		return fallback
	}
	return parsed
}

func (r *envReader) integer(key string, fallback int) int {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, "must be an integer")
		return fallback
	}
	return parsed
}

func (r *envReader) float(key string, fallback float64) float64 {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, "must be a number")
		return fallback
	}
	return parsed
}

// duration accepts Go duration syntax ("30s") or a bare integer of seconds
func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	r.fail(key, v, `must be a duration ("30s") or an integer of seconds`)
	return fallback
}

func (r *envReader) chatID(key string) *int64 {
	v := r.str(key, "")
	if v == "" {
		return nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(key, v, "must be an integer chat id")
		return nil
	}
	return &id
}

func (r *envReader) list(key string, fallback []string) []string {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Enabled:                 true,
			MirrorEnabled:           false,
			CancelLimitsOnTP1:       true,
			ExternalOrderProtection: true,
			BreakevenFeeRate:        0.0006,
			BreakevenSafetyMargin:   0.0002,
			ReconcileInterval:       60 * time.Second,
		},
		Exchange: ExchangeConfig{
			APIKey:      "test_api_key",
			APISecret:   "test_api_secret",
			BaseURL:     TestnetBaseURL,
			WSPublicURL: TestnetWSPublicURL,
			UseTestnet:  true,
		},
		Monitoring: MonitoringConfig{
			CriticalInterval:      2 * time.Second,
			UrgentInterval:        5 * time.Second,
			ActiveInterval:        12 * time.Second,
			BuildingInterval:      20 * time.Second,
			StableInterval:        60 * time.Second,
			DormantInterval:       180 * time.Second,
			MaxConcurrentMonitors: 15,
			ExecutionModeTTL:      180 * time.Second,
		},
		Cache: CacheConfig{
			DefaultTTL:   15 * time.Second,
			ExecutionTTL: 5 * time.Second,
		},
		Persistence: PersistenceConfig{
			File:           "monitors.json",
			BackupDir:      "backups",
			MaxBackups:     5,
			BatchInterval:  30 * time.Second,
			BackupInterval: 15 * time.Minute,
		},
		Alerts: AlertConfig{
			Channels: []string{"log"},
		},
		Concurrency: ConcurrencyConfig{
			MaxExchangeConcurrency:       20,
			ExecutionExchangeConcurrency: 50,
		},
		System: SystemConfig{
			LogLevel:         "INFO",
			MetricsPort:      9090,
			SignalDir:        ".",
			EventJournalPath: "events.db",
		},
	}
}
