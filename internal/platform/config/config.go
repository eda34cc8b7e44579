package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names the event log implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
)

// Server captures process level configuration.
type Server struct {
	Addr            string
	LedgerID        string
	Backend         Backend
	DatabaseURL     string
	BackendMaxRange uint64
	BootstrapAdmin  string
	StagePolicyFile string
	LogFormat       string
	Auth            AuthConfig
	Redis           RedisConfig
	Kafka           KafkaConfig
	RateLimit       RateLimitConfig
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	JWTSigningKey string
	JWTIssuer     string
	TokenTTL      time.Duration
}

// RedisConfig configures the verification cache. Empty URL disables it.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	VerifyTTL    time.Duration
}

// KafkaConfig configures the committed-event publisher. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// RateLimitConfig caps requests per minute. Zero disables a class.
type RateLimitConfig struct {
	ReadsPerMinute  int
	WritesPerMinute int
}

// VerifyCacheTTL bounds how long a consumer verification report may be served from cache.
var VerifyCacheTTL = 30 * time.Second

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	cfg := Server{
		Addr:            getenv("LEDGER_ADDR", ":8080"),
		LedgerID:        getenv("LEDGER_ID", "halal-ledger"),
		Backend:         Backend(strings.ToLower(getenv("LEDGER_BACKEND", string(BackendMemory)))),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		BootstrapAdmin:  os.Getenv("BOOTSTRAP_ADMIN"),
		StagePolicyFile: os.Getenv("STAGE_POLICY_FILE"),
		LogFormat:       getenv("LOG_FORMAT", "json"),
		Auth: AuthConfig{
			// Use a default for development - should be overridden in production
			JWTSigningKey: getenv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			JWTIssuer:     getenv("JWT_ISSUER", "halal-ledger"),
			TokenTTL:      time.Hour,
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			VerifyTTL:    VerifyCacheTTL,
		},
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   getenv("KAFKA_TOPIC", "ledger.events"),
		},
		RateLimit: RateLimitConfig{
			ReadsPerMinute:  600,
			WritesPerMinute: 60,
		},
	}

	var err error
	if cfg.BackendMaxRange, err = uintEnv("BACKEND_MAX_RANGE", 1000); err != nil {
		return Server{}, err
	}
	if cfg.Redis.PoolSize, err = intEnv("REDIS_POOL_SIZE", cfg.Redis.PoolSize); err != nil {
		return Server{}, err
	}
	if cfg.Redis.MinIdleConns, err = intEnv("REDIS_MIN_IDLE_CONNS", cfg.Redis.MinIdleConns); err != nil {
		return Server{}, err
	}
	if cfg.Redis.VerifyTTL, err = durationEnv("REDIS_VERIFY_TTL", cfg.Redis.VerifyTTL); err != nil {
		return Server{}, err
	}
	if cfg.RateLimit.ReadsPerMinute, err = intEnv("RATE_LIMIT_READS", cfg.RateLimit.ReadsPerMinute); err != nil {
		return Server{}, err
	}
	if cfg.RateLimit.WritesPerMinute, err = intEnv("RATE_LIMIT_WRITES", cfg.RateLimit.WritesPerMinute); err != nil {
		return Server{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (s Server) Validate() error {
	switch s.Backend {
	case BackendMemory:
	case BackendPostgres:
		if s.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", s.Backend)
	}
	if strings.TrimSpace(s.LedgerID) == "" {
		return fmt.Errorf("LEDGER_ID cannot be empty")
	}
	if s.RateLimit.ReadsPerMinute < 0 || s.RateLimit.WritesPerMinute < 0 {
		return fmt.Errorf("rate limits cannot be negative")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func uintEnv(key string, fallback uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("parse %s: must be a positive integer", key)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
