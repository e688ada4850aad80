package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries all runtime settings. Values come from the environment;
// main loads an optional .env file first.
type Config struct {
	Addr        string
	PostgresDSN string
	RedisAddr   string

	SharedKey string

	OpenAIKey     string
	OpenAIBaseURL string

	VisionModel      string
	TranslationModel string
	VisionPrompt     string

	MonitorInterval time.Duration
	WebhookWorkers  int

	MaxLots       int
	MaxSyncImages int
	MaxBodyBytes  int64
	SyncBudget    time.Duration

	WebhookTimeout       time.Duration
	WebhookMaxAttempts   int
	WebhookBaseDelay     time.Duration
	WebhookInlineMaxLots int

	AllowUnsignedStatusReads bool
	AllowPrivateWebhooks     bool
}

const defaultVisionPrompt = "You are an expert automotive damage assessor. " +
	"Analyze the provided car images and generate a detailed description of any visible damage, " +
	"condition issues, or notable features. Be specific about locations and severity."

func Load() (*Config, error) {
	cfg := &Config{
		Addr:        envOr("HTTP_ADDR", ":8080"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		RedisAddr:   envOr("REDIS_ADDR", "localhost:6379"),

		SharedKey: os.Getenv("SHARED_KEY"),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),

		VisionModel:      envOr("VISION_MODEL", "o4-mini"),
		TranslationModel: envOr("TRANSLATION_MODEL", "gpt-4.1-mini"),
		VisionPrompt:     envOr("VISION_SYSTEM_PROMPT", defaultVisionPrompt),

		MonitorInterval: envDurationOr("MONITOR_INTERVAL", 30*time.Second),
		WebhookWorkers:  envIntOr("WEBHOOK_WORKERS", 4),

		MaxLots:       envIntOr("MAX_LOTS", 50000),
		MaxSyncImages: envIntOr("MAX_SYNC_IMAGES", 20),
		MaxBodyBytes:  int64(envIntOr("MAX_BODY_BYTES", 200_000_000)),
		SyncBudget:    envDurationOr("SYNC_BUDGET", 120*time.Second),

		WebhookTimeout:       envDurationOr("WEBHOOK_TIMEOUT", 30*time.Second),
		WebhookMaxAttempts:   envIntOr("WEBHOOK_RETRY_ATTEMPTS", 5),
		WebhookBaseDelay:     envDurationOr("WEBHOOK_BASE_DELAY", 30*time.Second),
		WebhookInlineMaxLots: envIntOr("WEBHOOK_INLINE_MAX_LOTS", 10),

		AllowUnsignedStatusReads: envBoolOr("ALLOW_UNSIGNED_STATUS_READS", false),
		// local/dev only: lets callbacks target private addresses
		AllowPrivateWebhooks: envBoolOr("ALLOW_PRIVATE_WEBHOOKS", false),
	}

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("missing env: POSTGRES_DSN")
	}
	if cfg.SharedKey == "" {
		return nil, fmt.Errorf("missing env: SHARED_KEY")
	}
	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("missing env: OPENAI_API_KEY")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envBoolOr(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// plain integers are seconds, otherwise Go duration syntax
	if i, err := strconv.Atoi(v); err == nil {
		return time.Duration(i) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
