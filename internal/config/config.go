package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends understood by bootstrap.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds application configuration
type Config struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string

	StoreBackend string
	DatabaseURL  string
	SQLitePath   string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Generation gateway (RAG engine)
	RAGBaseURL         string
	RAGAPIKey          string
	GenerationTimeout  time.Duration
	GenerationLeaseTTL time.Duration
	ReaperInterval     time.Duration

	StatsCacheTTL     time.Duration
	SupportedVersions []string

	AdminJWTSecret     string
	AuthDisabled       bool
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	AWSRegion            string
	AWSAccessKeyID       string
	AWSSecretAccessKey   string
	AWSEndpointOverride  string
	IngestQueueURL       string
	IngestWorkerCount    int
	TrainingExportBucket string
}

// Load reads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		StoreBackend: strings.ToLower(strings.TrimSpace(getEnv("STORE_BACKEND", ""))),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		SQLitePath:   getEnv("SQLITE_PATH", "shadow-review.db"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		RAGBaseURL:         getEnv("RAG_BASE_URL", ""),
		RAGAPIKey:          getEnv("RAG_API_KEY", ""),
		GenerationTimeout:  getEnvAsDuration("GENERATION_TIMEOUT", 45*time.Second),
		GenerationLeaseTTL: getEnvAsDuration("GENERATION_LEASE_TTL", 0),
		ReaperInterval:     getEnvAsDuration("REAPER_INTERVAL", 30*time.Second),

		StatsCacheTTL:     getEnvAsDuration("STATS_CACHE_TTL", 0),
		SupportedVersions: getEnvAsList("SUPPORTED_VERSIONS", []string{"bisq1", "bisq2"}),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		AuthDisabled:       getEnvAsBool("AUTH_DISABLED", false),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 40),

		AWSRegion:            getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:       getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:  getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		IngestQueueURL:       getEnv("INGEST_QUEUE_URL", ""),
		IngestWorkerCount:    getEnvAsInt("INGEST_WORKER_COUNT", 2),
		TrainingExportBucket: getEnv("TRAINING_EXPORT_BUCKET", ""),
	}

	if cfg.StoreBackend == "" {
		if cfg.DatabaseURL != "" {
			cfg.StoreBackend = StorePostgres
		} else {
			cfg.StoreBackend = StoreMemory
		}
	}
	// The lease must outlive the slowest allowed generation call.
	if cfg.GenerationLeaseTTL <= cfg.GenerationTimeout {
		cfg.GenerationLeaseTTL = cfg.GenerationTimeout + 15*time.Second
	}
	return cfg
}

// LoadDotEnv loads variables from the given .env files (default ".env") without
// overriding values already present in the environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
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

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
