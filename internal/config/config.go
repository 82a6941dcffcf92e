package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFreeDailyQuota    = 100
	DefaultHistoryLimit      = 200
	DefaultStripePrice       = 499
	DefaultTrialDays         = 7
	DefaultPublicOrigin      = "http://localhost:3000"
	DefaultServerAddress     = ":8090"
	DefaultCompletionTimeout = 20
	DefaultProviderTimeout   = 10
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	AI          AIConfig                  `json:"ai" yaml:"ai"`
	Payments    PaymentsConfig            `json:"payments" yaml:"payments"`
}

type BasicConfig struct {
	ServerAddress            string   `json:"server_address" yaml:"server_address"`
	LogLevel                 string   `json:"log_level" yaml:"log_level"`
	FreeDailyQuota           int      `json:"free_daily_quota" yaml:"free_daily_quota"`
	HistoryLimit             int      `json:"history_limit" yaml:"history_limit"`
	BannedTerms              []string `json:"banned_terms" yaml:"banned_terms"`
	CompletionTimeoutSeconds int      `json:"completion_timeout_seconds" yaml:"completion_timeout_seconds"`
	ProviderTimeoutSeconds   int      `json:"provider_timeout_seconds" yaml:"provider_timeout_seconds"`
	MinWorkers               int      `json:"min_workers" yaml:"min_workers"`
	MaxWorkers               int      `json:"max_workers" yaml:"max_workers"`
	QueueSize                int      `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeoutSeconds int      `json:"worker_idle_timeout_seconds" yaml:"worker_idle_timeout_seconds"`
	RateLimitPerMinute       int      `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// AIConfig selects the chat model used for replies. Provider is one of
// gemini, openai or claude.
type AIConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
}

type PaymentsConfig struct {
	PublicOrigin string       `json:"public_origin" yaml:"public_origin"`
	Stripe       StripeConfig `json:"stripe" yaml:"stripe"`
	PayPal       PayPalConfig `json:"paypal" yaml:"paypal"`
}

type StripeConfig struct {
	SecretKey     string `json:"secret_key" yaml:"secret_key"`
	WebhookSecret string `json:"webhook_secret" yaml:"webhook_secret"`
	PriceCents    int    `json:"price_cents" yaml:"price_cents"`
	TrialDays     *int   `json:"trial_days" yaml:"trial_days"` // nil means DefaultTrialDays, 0 disables the trial
	APIBase       string `json:"api_base" yaml:"api_base"`
}

type PayPalConfig struct {
	ClientID string `json:"client_id" yaml:"client_id"`
	Secret   string `json:"secret" yaml:"secret"`
	Mode     string `json:"mode" yaml:"mode"`
	APIBase  string `json:"api_base" yaml:"api_base"`
}

// Load reads configuration from the provided path (defaults to config.json),
// then applies .env and environment overrides. A missing file is not an error
// so the service can run from the environment alone.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	// .env is optional
	_ = godotenv.Load()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		if err := decode(absPath, data, &cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" &&
		!strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString(&cfg.BasicConfig.LogLevel, "LOG_LEVEL")
	setInt(&cfg.BasicConfig.FreeDailyQuota, "FREE_CHATS_PER_DAY")
	setString(&cfg.AI.APIKey, "GEMINI_API_KEY")
	setString(&cfg.AI.Model, "GEMINI_MODEL")
	setString(&cfg.Payments.PublicOrigin, "PUBLIC_ORIGIN")
	setString(&cfg.Payments.Stripe.SecretKey, "STRIPE_SECRET_KEY")
	setString(&cfg.Payments.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	if v := strings.TrimSpace(os.Getenv("TRIAL_DAYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Payments.Stripe.TrialDays = &n
		}
	}
	setString(&cfg.Payments.PayPal.ClientID, "PAYPAL_CLIENT_ID")
	setString(&cfg.Payments.PayPal.Secret, "PAYPAL_SECRET")
	setString(&cfg.Payments.PayPal.Mode, "PAYPAL_MODE")

	if addr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); addr != "" {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			cfg.Redis.Enabled = true
			cfg.Redis.Host = host
			if p, err := strconv.Atoi(port); err == nil {
				cfg.Redis.Port = p
			}
		}
	}
}

func applyDefaults(cfg *Config) {
	b := &cfg.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = DefaultServerAddress
	}
	if b.FreeDailyQuota <= 0 {
		b.FreeDailyQuota = DefaultFreeDailyQuota
	}
	if b.HistoryLimit <= 0 {
		b.HistoryLimit = DefaultHistoryLimit
	}
	if b.CompletionTimeoutSeconds <= 0 {
		b.CompletionTimeoutSeconds = DefaultCompletionTimeout
	}
	if b.ProviderTimeoutSeconds <= 0 {
		b.ProviderTimeoutSeconds = DefaultProviderTimeout
	}
	if cfg.Databases == nil {
		cfg.Databases = make(map[string]DatabaseConfig)
	}
	if _, ok := cfg.Databases["sqlite3"]; !ok {
		cfg.Databases["sqlite3"] = DatabaseConfig{DSN: "chats.sqlite3"}
	}
	if cfg.AI.Provider == "" {
		cfg.AI.Provider = "gemini"
	}
	p := &cfg.Payments
	if p.PublicOrigin == "" {
		p.PublicOrigin = DefaultPublicOrigin
	}
	if p.Stripe.PriceCents <= 0 {
		p.Stripe.PriceCents = DefaultStripePrice
	}
	if p.Stripe.TrialDays == nil {
		days := DefaultTrialDays
		p.Stripe.TrialDays = &days
	}
	if p.PayPal.Mode == "" {
		p.PayPal.Mode = "sandbox"
	}
}

// TrialPeriodDays is the free trial length of a new subscription. Zero or a
// negative value means no trial.
func (s StripeConfig) TrialPeriodDays() int {
	if s.TrialDays == nil {
		return DefaultTrialDays
	}
	return max(*s.TrialDays, 0)
}

// MissingCredentials lists the secrets that are not configured, so the
// operator sees them at startup rather than on the first failing request.
func (c *Config) MissingCredentials() []string {
	var missing []string
	if c.AI.APIKey == "" {
		missing = append(missing, "ai.api_key (GEMINI_API_KEY)")
	}
	if c.Payments.Stripe.SecretKey == "" {
		missing = append(missing, "payments.stripe.secret_key (STRIPE_SECRET_KEY)")
	}
	if c.Payments.Stripe.WebhookSecret == "" {
		missing = append(missing, "payments.stripe.webhook_secret (STRIPE_WEBHOOK_SECRET)")
	}
	if c.Payments.PayPal.ClientID == "" || c.Payments.PayPal.Secret == "" {
		missing = append(missing, "payments.paypal.client_id/secret (PAYPAL_CLIENT_ID, PAYPAL_SECRET)")
	}
	return missing
}
