package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseURL    string
	UseMemoryStore bool
	StoreTimeout   time.Duration

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	EventQueueKey string

	// Conversation windows
	WindowDuration time.Duration
	ReaperInterval time.Duration

	// Dispatch
	DispatchWorkers      int
	DispatchPollInterval time.Duration
	DispatchBatchSize    int
	DispatchLease        time.Duration
	SendMaxAttempts      int
	SendRetryBaseDelay   time.Duration
	SendRetryMaxDelay    time.Duration
	ProviderSendTimeout  time.Duration

	// Webhook ingestion
	IngestWorkers          int
	UnmatchedRetryAttempts int
	UnmatchedRetryDelay    time.Duration
	ProcessedRetention     time.Duration

	// WhatsApp Cloud API
	WhatsAppAccessToken   string
	WhatsAppPhoneNumberID string
	WhatsAppAPIBaseURL    string
	WhatsAppAppSecret     string
	WebhookVerifyToken    string

	// Templates
	TemplateCatalogPath string
	AlwaysTemplateTypes []string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		UseMemoryStore: getEnvAsBool("USE_MEMORY_STORE", false),
		StoreTimeout:   getEnvAsDuration("STORE_TIMEOUT", 5*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		EventQueueKey: getEnv("EVENT_QUEUE_KEY", "engine:inbound_events"),

		WindowDuration: getEnvAsDuration("WINDOW_DURATION", 24*time.Hour),
		ReaperInterval: getEnvAsDuration("REAPER_INTERVAL", 15*time.Minute),

		DispatchWorkers:      getEnvAsInt("DISPATCH_WORKERS", 4),
		DispatchPollInterval: getEnvAsDuration("DISPATCH_POLL_INTERVAL", 5*time.Second),
		DispatchBatchSize:    getEnvAsInt("DISPATCH_BATCH_SIZE", 25),
		DispatchLease:        getEnvAsDuration("DISPATCH_LEASE", 2*time.Minute),
		SendMaxAttempts:      getEnvAsInt("SEND_MAX_ATTEMPTS", 3),
		SendRetryBaseDelay:   getEnvAsDuration("SEND_RETRY_BASE_DELAY", 30*time.Second),
		SendRetryMaxDelay:    getEnvAsDuration("SEND_RETRY_MAX_DELAY", 30*time.Minute),
		ProviderSendTimeout:  getEnvAsDuration("PROVIDER_SEND_TIMEOUT", 10*time.Second),

		IngestWorkers:          getEnvAsInt("INGEST_WORKERS", 4),
		UnmatchedRetryAttempts: getEnvAsInt("UNMATCHED_RETRY_ATTEMPTS", 3),
		UnmatchedRetryDelay:    getEnvAsDuration("UNMATCHED_RETRY_DELAY", 200*time.Millisecond),
		ProcessedRetention:     getEnvAsDuration("PROCESSED_RETENTION", 7*24*time.Hour),

		WhatsAppAccessToken:   getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppPhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
		WhatsAppAPIBaseURL:    getEnv("WHATSAPP_API_BASE_URL", "https://graph.facebook.com/v22.0"),
		WhatsAppAppSecret:     getEnv("WHATSAPP_APP_SECRET", ""),
		WebhookVerifyToken:    getEnv("WEBHOOK_VERIFY_TOKEN", ""),

		TemplateCatalogPath: getEnv("TEMPLATE_CATALOG_PATH", ""),
		AlwaysTemplateTypes: getEnvAsList("ALWAYS_TEMPLATE_TYPES", []string{"celebration", "accountability"}),
	}
}

// Validate reports settings that would leave a binary unable to start.
func (c *Config) Validate() error {
	var errs []error
	if !c.UseMemoryStore && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required unless USE_MEMORY_STORE=true"))
	}
	if !c.UseMemoryStore && !c.WhatsAppConfigured() {
		errs = append(errs, errors.New("WHATSAPP_ACCESS_TOKEN and WHATSAPP_PHONE_NUMBER_ID are required unless USE_MEMORY_STORE=true"))
	}
	if c.DispatchWorkers <= 0 || c.IngestWorkers <= 0 {
		errs = append(errs, errors.New("DISPATCH_WORKERS and INGEST_WORKERS must be positive"))
	}
	if c.SendMaxAttempts <= 0 {
		errs = append(errs, errors.New("SEND_MAX_ATTEMPTS must be positive"))
	}
	return errors.Join(errs...)
}

// WhatsAppConfigured reports whether Cloud API credentials are present.
func (c *Config) WhatsAppConfigured() bool {
	return c.WhatsAppAccessToken != "" && c.WhatsAppPhoneNumberID != ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping empty items.
func getEnvAsList(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.ToLower(strings.TrimSpace(part)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
