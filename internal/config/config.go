package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	// Shared secret expected in the X-API-Key header. In development an
	// empty key disables the check.
	APIKey string

	// Upstream PMS settings
	ClinikoUserAgent    string
	UpstreamMaxCalls    int
	UpstreamWindow      time.Duration
	UpstreamCallTimeout time.Duration

	// Fan-out engine
	FanoutMaxConcurrency int
	FanoutMaxRetries     int
	FanoutBackoffBase    time.Duration
	TaskTimeoutNear      time.Duration
	TaskTimeoutFar       time.Duration
	BatchDeadline        time.Duration

	// Availability cache
	CacheTTL      time.Duration
	SweepInterval time.Duration
	SweepGrace    time.Duration

	// Booking
	SuppressionWindow time.Duration
	BookingTimeout    time.Duration

	// Incremental sync
	SyncLookback       time.Duration
	SyncOverlap        time.Duration
	SyncMaxDuration    time.Duration
	SyncLockWait       time.Duration
	BackgroundSyncEvery time.Duration

	// Sessions
	SessionTTL time.Duration

	// Search defaults
	DefaultHorizonDays int

	// Inbound per-key rate limit (requests/sec, burst)
	InboundRate  float64
	InboundBurst int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		APIKey: getEnv("WEBHOOK_API_KEY", ""),

		ClinikoUserAgent:    getEnv("CLINIKO_USER_AGENT", "VoiceBook/1.0"),
		UpstreamMaxCalls:    getEnvAsInt("UPSTREAM_MAX_CALLS", 199),
		UpstreamWindow:      getEnvAsDuration("UPSTREAM_WINDOW", 60*time.Second),
		UpstreamCallTimeout: getEnvAsDuration("UPSTREAM_CALL_TIMEOUT", 30*time.Second),

		FanoutMaxConcurrency: getEnvAsInt("FANOUT_MAX_CONCURRENCY", 12),
		FanoutMaxRetries:     getEnvAsInt("FANOUT_MAX_RETRIES", 2),
		FanoutBackoffBase:    getEnvAsDuration("FANOUT_BACKOFF_BASE", 250*time.Millisecond),
		TaskTimeoutNear:      getEnvAsDuration("TASK_TIMEOUT_NEAR", 8*time.Second),
		TaskTimeoutFar:       getEnvAsDuration("TASK_TIMEOUT_FAR", 20*time.Second),
		BatchDeadline:        getEnvAsDuration("BATCH_DEADLINE", 75*time.Second),

		CacheTTL:      getEnvAsDuration("AVAILABILITY_CACHE_TTL", 15*time.Minute),
		SweepInterval: getEnvAsDuration("CACHE_SWEEP_INTERVAL", 10*time.Minute),
		SweepGrace:    getEnvAsDuration("CACHE_SWEEP_GRACE", time.Hour),

		SuppressionWindow: getEnvAsDuration("BOOKING_SUPPRESSION_WINDOW", 2*time.Hour),
		BookingTimeout:    getEnvAsDuration("BOOKING_TIMEOUT", 30*time.Second),

		SyncLookback:        getEnvAsDuration("SYNC_LOOKBACK", 7*24*time.Hour),
		SyncOverlap:         getEnvAsDuration("SYNC_OVERLAP", 5*time.Minute),
		SyncMaxDuration:     getEnvAsDuration("SYNC_MAX_DURATION", 5*time.Minute),
		SyncLockWait:        getEnvAsDuration("SYNC_LOCK_WAIT", time.Second),
		BackgroundSyncEvery: getEnvAsDuration("BACKGROUND_SYNC_EVERY", time.Hour),

		SessionTTL: getEnvAsDuration("SESSION_TTL", 24*time.Hour),

		DefaultHorizonDays: getEnvAsInt("DEFAULT_HORIZON_DAYS", 14),

		InboundRate:  getEnvAsFloat("INBOUND_RATE", 10),
		InboundBurst: getEnvAsInt("INBOUND_BURST", 20),
	}
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
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
