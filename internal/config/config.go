package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment          string
	HTTPPort             string
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	ServiceName          string
	CronSecret           string
	StateSecret          []byte
	TokenEncryptionKey   []byte
	RateLimitRPM         int
	RefreshInterval      time.Duration
	RefreshWindow        time.Duration
	RefreshBatchSize     int
	RefreshConcurrency   int
	CleanupInterval      time.Duration
	CleanupStartupDelay  time.Duration
	CleanupGracePeriod   time.Duration
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	stateSecret := strings.TrimSpace(os.Getenv("OAUTH_STATE_SECRET"))
	if stateSecret == "" {
		return Config{}, fmt.Errorf("OAUTH_STATE_SECRET is required")
	}

	keyRaw := strings.TrimSpace(os.Getenv("TOKEN_ENCRYPTION_KEY"))
	if keyRaw == "" {
		return Config{}, fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(keyRaw)
	if err != nil {
		return Config{}, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(key) != 32 {
		return Config{}, fmt.Errorf("TOKEN_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		ServiceName:          getEnv("SERVICE_NAME", "pluggedin-oauth"),
		CronSecret:           strings.TrimSpace(os.Getenv("CRON_SECRET")),
		StateSecret:          []byte(stateSecret),
		TokenEncryptionKey:   key,
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 60),
		RefreshInterval:      getDuration("TOKEN_REFRESH_INTERVAL", 5*time.Minute),
		RefreshWindow:        getDuration("TOKEN_REFRESH_WINDOW", 15*time.Minute),
		RefreshBatchSize:     getInt("TOKEN_REFRESH_BATCH_SIZE", 50),
		RefreshConcurrency:   getInt("TOKEN_REFRESH_CONCURRENCY", 5),
		CleanupInterval:      getDuration("PKCE_CLEANUP_INTERVAL", 15*time.Minute),
		CleanupStartupDelay:  getDuration("PKCE_CLEANUP_STARTUP_DELAY", 2*time.Minute),
		CleanupGracePeriod:   getDuration("PKCE_CLEANUP_GRACE_PERIOD", 10*time.Minute),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-User-ID"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.RefreshBatchSize <= 0 {
		cfg.RefreshBatchSize = 50
	}
	if cfg.RefreshConcurrency <= 0 {
		cfg.RefreshConcurrency = 5
	}

	return cfg, nil
}

// SchedulerEnabled reports whether background jobs should run. Test and CI
// contexts never run the scheduler to keep suites deterministic.
func (c Config) SchedulerEnabled() bool {
	if c.Environment == "test" {
		return false
	}
	if _, ok := os.LookupEnv("CI"); ok {
		return false
	}
	return true
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
