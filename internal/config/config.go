package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds all service configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Import    ImportConfig
	Usage     UsageConfig
	Inference InferenceConfig
	Agent     AgentConfig
	Store     StoreConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// DevTokens exposes POST /dev/token for local testing.
	DevTokens bool
	// AllowedOrigins lists CORS origins; empty or "*" allows any.
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

type RedisConfig struct {
	URL       string
	KeyPrefix string
}

type JWTConfig struct {
	Secret      string
	Issuer      string
	ExpiryHours int
}

type ImportConfig struct {
	MaxFileSize    int64 // bytes
	IdempotencyTTL time.Duration
}

// UsageConfig is the global usage policy default. Stored overrides are
// applied on top at startup.
type UsageConfig struct {
	MaxRequests       int
	Window            time.Duration
	CacheTTL          time.Duration
	TokenCostUSDPer1K float64
}

type InferenceConfig struct {
	Timeout          time.Duration
	MaxRetries       int
	RetryBaseWait    time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Model            string
}

type AgentConfig struct {
	MemoryLimit int
}

// StoreConfig selects where entities and usage state live.
type StoreConfig struct {
	Backend      string // postgres | memory
	UsageBackend string // postgres | redis | memory
	Migrate      bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			ReadTimeout:    getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),
			DevTokens:      getBoolEnv("DEV_TOKENS_ENABLED", false),
			AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "quotes"),
			Password: getEnv("DB_PASSWORD", "quotes_dev_password"),
			DBName:   getEnv("DB_NAME", "quote_engine"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("DB_MAX_CONNS", 20),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "quote-engine"),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "dev-secret-change-in-production"),
			Issuer:      getEnv("JWT_ISSUER", "reconiq"),
			ExpiryHours: getIntEnv("JWT_EXPIRY_HOURS", 24),
		},
		Import: ImportConfig{
			MaxFileSize:    int64(getIntEnv("IMPORT_MAX_SIZE_KB", 512)) * 1024,
			IdempotencyTTL: getDurationEnv("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Usage: UsageConfig{
			MaxRequests:       getIntEnv("USAGE_MAX_REQUESTS", 60),
			Window:            getDurationEnv("USAGE_WINDOW", time.Minute),
			CacheTTL:          getDurationEnv("USAGE_CACHE_TTL", time.Hour),
			TokenCostUSDPer1K: getFloatEnv("USAGE_TOKEN_COST_PER_1K", 0.002),
		},
		Inference: InferenceConfig{
			Timeout:          getDurationEnv("INFERENCE_TIMEOUT", 10*time.Second),
			MaxRetries:       getIntEnv("INFERENCE_MAX_RETRIES", 2),
			RetryBaseWait:    getDurationEnv("INFERENCE_RETRY_BASE_WAIT", 200*time.Millisecond),
			BreakerThreshold: getIntEnv("INFERENCE_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  getDurationEnv("INFERENCE_BREAKER_COOLDOWN", 30*time.Second),
			Model:            getEnv("INFERENCE_MODEL", "heuristic-v1"),
		},
		Agent: AgentConfig{
			MemoryLimit: getIntEnv("AGENT_MEMORY_LIMIT", 20),
		},
		Store: StoreConfig{
			Backend:      strings.ToLower(getEnv("STORE_BACKEND", BackendPostgres)),
			UsageBackend: strings.ToLower(getEnv("USAGE_BACKEND", BackendPostgres)),
			Migrate:      getBoolEnv("DB_MIGRATE", true),
		},
	}
}

// DSN returns the Postgres connection string.
func (d *DatabaseConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password +
		"@" + d.Host + ":" + d.Port +
		"/" + d.DBName + "?sslmode=" + d.SSLMode
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getListEnv(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
