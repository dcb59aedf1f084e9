package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	ServerPort  string

	// AdminAPIKey mints admin-role tokens from /auth/token. Empty disables
	// the admin surface entirely.
	AdminAPIKey string

	// Quota governor
	GlobalDailyQuota int64
	// BronzeReservePct is the fraction of global_daily below which bronze
	// traffic is shed. The 0.15 default is the tested policy value.
	BronzeReservePct float64

	// Scheduler
	SchedulerWorkers  int
	SchedulerQueueMax int

	// Cache
	LRUCacheSize int

	// Circuit breaker. Defaults preserve the tested thresholds:
	// 10 calls / 60s window, 50% success, 60s cool-down.
	BreakerMinCalls    int
	BreakerFailureRate float64
	BreakerWindow      time.Duration
	BreakerCooldown    time.Duration

	// Upstream ads client
	AdsAPIBaseURL string
	AdsTimeout    time.Duration
	AdsRatePerSec float64
	UseMockAds    bool
}

func Load() (*Config, error) {
	godotenv.Load()

	return &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:   getEnv("JWT_SECRET", "secret"),
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		AdminAPIKey: getEnv("ADMIN_API_KEY", ""),

		GlobalDailyQuota: getEnvInt64("GLOBAL_DAILY_QUOTA", 1_000_000),
		BronzeReservePct: getEnvFloat("BRONZE_RESERVE_PCT", 0.15),

		SchedulerWorkers:  getEnvInt("SCHEDULER_WORKERS", 8),
		SchedulerQueueMax: getEnvInt("SCHEDULER_QUEUE_MAX", 10_000),

		LRUCacheSize: getEnvInt("LRU_CACHE_SIZE", 10_000),

		BreakerMinCalls:    getEnvInt("BREAKER_MIN_CALLS", 10),
		BreakerFailureRate: getEnvFloat("BREAKER_FAILURE_RATE", 0.5),
		BreakerWindow:      getEnvDuration("BREAKER_WINDOW", 60*time.Second),
		BreakerCooldown:    getEnvDuration("BREAKER_COOLDOWN", 60*time.Second),

		AdsAPIBaseURL: getEnv("ADS_API_BASE_URL", "http://localhost:9090"),
		AdsTimeout:    getEnvDuration("ADS_TIMEOUT", 30*time.Second),
		AdsRatePerSec: getEnvFloat("ADS_RATE_PER_SEC", 20),
		UseMockAds:    getEnv("USE_MOCK_ADS", "true") == "true",
	}, nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}
