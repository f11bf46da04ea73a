package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Port   string
	Env    string
	LogDir string

	// Redis
	RedisURL string

	// Auth
	AdminPassword string
	JWTSecret     string
	SessionTTL    time.Duration

	// Validation worker pool
	MaxWorkers  int
	QueueSize   int
	HTTPTimeout time.Duration

	// Routing cache
	CacheTTL       time.Duration
	LocalCacheSize int

	// Admin API rate limiting (requests per second per client)
	RateLimit      int
	RateLimitBurst int

	// Usage ledger
	LedgerBackend    string
	LedgerSQLitePath string
	RecentCalls      int

	// Credential validation
	ValidationFailureThreshold int
	ValidationErrorHistory     int
	ValidationSchedule         string
}

func Load() *Config {
	return &Config{
		Port:   getEnv("PORT", "8080"),
		Env:    getEnv("ENV", "development"),
		LogDir: getEnv("LOG_DIR", "logs"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		SessionTTL:    getEnvAsDuration("SESSION_TTL", 7*24*time.Hour),

		MaxWorkers:  getEnvAsInt("MAX_WORKERS", 16),
		QueueSize:   getEnvAsInt("QUEUE_SIZE", 256),
		HTTPTimeout: getEnvAsDuration("HTTP_TIMEOUT", 15*time.Second),

		CacheTTL:       getEnvAsDuration("CACHE_TTL", 5*time.Minute),
		LocalCacheSize: getEnvAsInt("LOCAL_CACHE_SIZE", 1000),

		RateLimit:      getEnvAsInt("RATE_LIMIT", 100),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 200),

		LedgerBackend:    getEnv("LEDGER_BACKEND", "redis"),
		LedgerSQLitePath: getEnv("LEDGER_SQLITE_PATH", "./data/usage.db"),
		RecentCalls:      getEnvAsInt("RECENT_CALLS", 10),

		ValidationFailureThreshold: getEnvAsInt("VALIDATION_FAILURE_THRESHOLD", 3),
		ValidationErrorHistory:     getEnvAsInt("VALIDATION_ERROR_HISTORY", 5),
		ValidationSchedule:         getEnv("VALIDATION_SCHEDULE", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	// bare integers are seconds
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
