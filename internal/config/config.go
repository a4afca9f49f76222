package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultDSN = "host=localhost user=postgres password=postgres dbname=expenses port=5432 sslmode=disable"

type Config struct {
	HTTPPort    string
	CORSOrigins string

	DatabaseDriver string // postgres | sqlite
	DatabaseDSN    string
	DBDebug        bool
	SQLMigrations  bool

	JWTSecret string

	// Empty means per-process locking.
	RedisURL string

	ExtractionURL            string
	ExtractionAPIKey         string
	ExtractionCallbackSecret string
	PublicBaseURL            string
	ExtractionTTL            time.Duration
	ExtractionSweepInterval  time.Duration
	ExtractionMaxRetries     int

	// Bounds every call to the database, Redis and the extraction provider.
	NetworkTimeout time.Duration

	LogLevel string
	LogFile  string
}

// CallbackURL is the address the extraction provider posts results to.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.PublicBaseURL, "/") + "/api/extraction/callback"
}

// Parse reads the configuration from the environment, loading .env first when
// present.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		CORSOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
		DatabaseDSN:    getEnv("DATABASE_DSN", defaultDSN),
		DBDebug:        getBool("DB_DEBUG", false),
		SQLMigrations:  getBool("MIGRATIONS", false),

		JWTSecret: getEnv("JWT_SECRET", ""),

		RedisURL: getEnv("REDIS_URL", ""),

		ExtractionURL:            getEnv("EXTRACTION_URL", ""),
		ExtractionAPIKey:         getEnv("EXTRACTION_API_KEY", ""),
		ExtractionCallbackSecret: getEnv("EXTRACTION_CALLBACK_SECRET", ""),
		PublicBaseURL:            getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		ExtractionTTL:            getDuration("EXTRACTION_TTL", 15*time.Minute),
		ExtractionSweepInterval:  getDuration("EXTRACTION_SWEEP_INTERVAL", time.Minute),
		ExtractionMaxRetries:     getInt("EXTRACTION_MAX_RETRIES", 2),

		NetworkTimeout: getDuration("NETWORK_TIMEOUT", 30*time.Second),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is not set")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}
	if cfg.DatabaseDriver != "postgres" && cfg.DatabaseDriver != "sqlite" {
		return nil, fmt.Errorf("DATABASE_DRIVER %q is not supported", cfg.DatabaseDriver)
	}
	if cfg.ExtractionURL != "" && cfg.ExtractionCallbackSecret == "" {
		return nil, errors.New("EXTRACTION_CALLBACK_SECRET is required when EXTRACTION_URL is set")
	}
	if cfg.NetworkTimeout <= 0 {
		return nil, errors.New("NETWORK_TIMEOUT must be positive")
	}
	return cfg, nil
}

// Load is Parse for main: configuration errors are fatal.
func Load() *Config {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("[FATAL] %v", err)
	}

	if cfg.DatabaseDriver == "postgres" && cfg.DatabaseDSN == defaultDSN {
		log.Println("[WARN] DATABASE_DSN is using the default value, set your own Postgres connection for production.")
	}
	if cfg.CORSOrigins == "http://localhost:5173" {
		log.Println("[WARN] CORS_ALLOWED_ORIGINS is using the default value, set your own domain for production.")
	}
	if cfg.ExtractionURL == "" {
		log.Println("[WARN] EXTRACTION_URL is not set, extraction requests will only be logged.")
	}
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return def
}

func getInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
