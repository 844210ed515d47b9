package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     string
	PostgresDatabase string
	PostgresSSLMode  string

	CacheDir      string
	CacheMaxBytes int64
	CacheTTL      time.Duration
	TempDir       string
	ChunkSize     int

	RateLimit       int
	RateLimitWindow time.Duration

	SettingsTTL       time.Duration
	SessionStaleAfter time.Duration
	ReaperInterval    time.Duration
	CleanupInterval   time.Duration
	AlertRetention    time.Duration
}

func Load() *Config {
	cfg := &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		S3Bucket:    getEnv("S3_BUCKET", "origin-files"),
		S3Region:    getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3AccessKey: mustGetEnv("AWS_ACCESS_KEY_ID"),
		S3SecretKey: mustGetEnv("AWS_SECRET_ACCESS_KEY"),

		PostgresUser:     getEnv("POSTGRES_USER", "gateway"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDatabase: getEnv("POSTGRES_DATABASE", "delivery_gateway"),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		CacheDir:      getEnv("CACHE_DIR", "/var/cache/delivery-gateway"),
		CacheMaxBytes: getEnvInt64("CACHE_MAX_BYTES", 10<<30),
		CacheTTL:      getEnvDuration("CACHE_TTL", 24*time.Hour),
		TempDir:       getEnv("TEMP_DIR", os.TempDir()),
		ChunkSize:     getEnvInt("CHUNK_SIZE", 1<<20),

		RateLimit:       getEnvInt("RATE_LIMIT", 100),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		SettingsTTL:       getEnvDuration("SETTINGS_TTL", 30*time.Second),
		SessionStaleAfter: getEnvDuration("SESSION_STALE_AFTER", 5*time.Minute),
		ReaperInterval:    getEnvDuration("REAPER_INTERVAL", time.Minute),
		CleanupInterval:   getEnvDuration("CACHE_CLEANUP_INTERVAL", 30*time.Minute),
		AlertRetention:    getEnvDuration("ALERT_RETENTION", 30*24*time.Hour),
	}

	return cfg
}

func mustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic("Missing required environment variable: " + key)
	}
	return value
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
