package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// StripeSecretKey authenticates calls to the payment processor.
	StripeSecretKey string

	// StripeWebhookSecret verifies inbound processor webhook signatures. Optional;
	// when empty the webhook route answers 503.
	StripeWebhookSecret string

	// AutomationWebhookURL receives abandoned-cart and other funnel events.
	AutomationWebhookURL string

	// OpsWebhookURL is the operations channel incoming webhook (Slack compatible).
	OpsWebhookURL string

	// InternalAPISecret is the bearer token required on automation-facing routes.
	InternalAPISecret string

	// SiteBaseURL is the public site root used to build recovery and redirect URLs.
	SiteBaseURL string

	// CatalogPath optionally overrides the embedded product catalog.
	CatalogPath string

	AbandonDelay         time.Duration
	AbandonCooldown      time.Duration
	AbandonSweepInterval time.Duration

	// TestEmails and TestPhones never receive recovery messages.
	TestEmails []string
	TestPhones []string

	WorkerConcurrency int

	LogLevel  string
	LogFormat string
}

const (
	defaultServerAddress        = ":18111"
	defaultSiteBaseURL          = "http://localhost:3000"
	defaultAbandonDelay         = 90 * time.Minute
	defaultAbandonCooldown      = 14 * 24 * time.Hour
	defaultAbandonSweepInterval = time.Hour
	defaultTestEmails           = "jt@gmail.com"
	defaultTestPhones           = "+12222222222"
	defaultWorkerConcurrency    = 2

	envServerAddress        = "BACKEND_ADDR"
	envDatabaseURL          = "DATABASE_URL"
	envStripeSecretKey      = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret  = "STRIPE_WEBHOOK_SECRET"
	envAutomationWebhookURL = "AUTOMATION_WEBHOOK_URL"
	envOpsWebhookURL        = "OPS_WEBHOOK_URL"
	envInternalAPISecret    = "INTERNAL_API_SECRET"
	envSiteBaseURL          = "SITE_BASE_URL"
	envCatalogPath          = "CATALOG_PATH"
	envAbandonDelay         = "ABANDON_DELAY"
	envAbandonCooldown      = "ABANDON_COOLDOWN"
	envAbandonSweepInterval = "ABANDON_SWEEP_INTERVAL"
	envTestEmails           = "TEST_EMAILS"
	envTestPhones           = "TEST_PHONES"
	envWorkerConcurrency    = "WORKER_CONCURRENCY"
	envLogLevel             = "LOG_LEVEL"
	envLogFormat            = "LOG_FORMAT"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault(envServerAddress, defaultServerAddress)
	v.SetDefault(envSiteBaseURL, defaultSiteBaseURL)
	v.SetDefault(envAbandonDelay, defaultAbandonDelay)
	v.SetDefault(envAbandonCooldown, defaultAbandonCooldown)
	v.SetDefault(envAbandonSweepInterval, defaultAbandonSweepInterval)
	v.SetDefault(envTestEmails, defaultTestEmails)
	v.SetDefault(envTestPhones, defaultTestPhones)
	v.SetDefault(envWorkerConcurrency, defaultWorkerConcurrency)
	v.SetDefault(envLogLevel, "info")
	v.SetDefault(envLogFormat, "json")

	cfg := Config{
		ServerAddress:        firstNonEmpty(v.GetString(envServerAddress), defaultServerAddress),
		DatabaseURL:          strings.TrimSpace(v.GetString(envDatabaseURL)),
		StripeSecretKey:      strings.TrimSpace(v.GetString(envStripeSecretKey)),
		StripeWebhookSecret:  strings.TrimSpace(v.GetString(envStripeWebhookSecret)),
		AutomationWebhookURL: strings.TrimSpace(v.GetString(envAutomationWebhookURL)),
		OpsWebhookURL:        strings.TrimSpace(v.GetString(envOpsWebhookURL)),
		InternalAPISecret:    v.GetString(envInternalAPISecret),
		SiteBaseURL:          strings.TrimRight(firstNonEmpty(v.GetString(envSiteBaseURL), defaultSiteBaseURL), "/"),
		CatalogPath:          strings.TrimSpace(v.GetString(envCatalogPath)),
		AbandonDelay:         v.GetDuration(envAbandonDelay),
		AbandonCooldown:      v.GetDuration(envAbandonCooldown),
		AbandonSweepInterval: v.GetDuration(envAbandonSweepInterval),
		TestEmails:           splitList(v.GetString(envTestEmails)),
		TestPhones:           splitList(v.GetString(envTestPhones)),
		WorkerConcurrency:    v.GetInt(envWorkerConcurrency),
		LogLevel:             strings.ToLower(v.GetString(envLogLevel)),
		LogFormat:            strings.ToLower(v.GetString(envLogFormat)),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if cfg.StripeSecretKey == "" {
		return Config{}, fmt.Errorf("%s is required", envStripeSecretKey)
	}
	if _, err := url.Parse(cfg.SiteBaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envSiteBaseURL, err)
	}
	if cfg.AbandonDelay <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envAbandonDelay)
	}
	if cfg.AbandonCooldown <= 0 {
		cfg.AbandonCooldown = defaultAbandonCooldown
	}
	if cfg.AbandonSweepInterval <= 0 {
		cfg.AbandonSweepInterval = defaultAbandonSweepInterval
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = defaultWorkerConcurrency
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
