package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	strutil "teamclock/pkg/platform/strings"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// devSigningKey is only accepted outside production.
const devSigningKey = "dev-secret-key-change-in-production"

// Config is the full process configuration, read once at startup.
type Config struct {
	Server   Server
	Store    Store
	Redis    RedisConfig
	Auth     Auth
	Registry Registry
	Kafka    Kafka

	LogLevel    string
	Environment string
	SeedFile    string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr           string
	AllowedOrigins []string
}

// Store selects and locates the member store.
type Store struct {
	Backend     string
	DatabaseURL string
}

// RedisConfig locates Redis for the blob backend and idempotency keys.
type RedisConfig struct {
	URL          string
	BlobKey      string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Auth configures bearer token verification.
type Auth struct {
	JWTSigningKey string
	JWTIssuer     string
	AdminEmails   []string
}

// Registry tunes the registry service.
type Registry struct {
	RequireAuthForList bool
	StorageTimeout     time.Duration
	StorageRetries     int
	IdempotencyTTL     time.Duration
}

// Kafka enables member events when Brokers is non-empty.
type Kafka struct {
	Brokers []string
	Topic   string
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var errs []error
	p := parser{errs: &errs}

	cfg := Config{
		Server: Server{
			Addr:           env("TEAMCLOCK_ADDR", ":8080"),
			AllowedOrigins: strutil.SplitList(env("ALLOWED_ORIGINS", "http://localhost:3000")),
		},
		Store: Store{
			Backend:     strings.ToLower(env("STORE_BACKEND", BackendMemory)),
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			BlobKey:      env("REDIS_BLOB_KEY", "teamclock:members"),
			PoolSize:     p.int("REDIS_POOL_SIZE", 10),
			MinIdleConns: p.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  p.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  p.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Auth: Auth{
			JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),
			JWTIssuer:     env("JWT_ISSUER", "teamclock"),
			AdminEmails:   strutil.DedupeAndTrimLower(strings.Split(os.Getenv("ADMIN_EMAILS"), ",")),
		},
		Registry: Registry{
			RequireAuthForList: p.bool("REQUIRE_AUTH_FOR_LIST", false),
			StorageTimeout:     p.duration("STORAGE_TIMEOUT", 3*time.Second),
			StorageRetries:     p.int("STORAGE_RETRIES", 3),
			IdempotencyTTL:     p.duration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Kafka: Kafka{
			Brokers: strutil.SplitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   env("KAFKA_TOPIC", "teamclock.members"),
		},
		LogLevel:    env("LOG_LEVEL", "info"),
		Environment: env("ENVIRONMENT", "development"),
		SeedFile:    os.Getenv("SEED_FILE"),
	}

	if cfg.Auth.JWTSigningKey == "" {
		if cfg.IsProduction() {
			errs = append(errs, errors.New("JWT_SIGNING_KEY is required in production"))
		}
		cfg.Auth.JWTSigningKey = devSigningKey
	}
	errs = append(errs, cfg.validate()...)

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of memory, postgres, redis; got %q", c.Store.Backend))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error; got %q", c.LogLevel))
	}
	if c.Registry.StorageTimeout <= 0 {
		errs = append(errs, errors.New("STORAGE_TIMEOUT must be positive"))
	}
	if c.Registry.StorageRetries < 0 {
		errs = append(errs, errors.New("STORAGE_RETRIES must not be negative"))
	}
	if c.Registry.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be positive"))
	}
	return errs
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	errs *[]error
}

func (p parser) int(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return fallback
	}
	return v
}

func (p parser) bool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %q is not a boolean", key, raw))
		return fallback
	}
	return v
}

func (p parser) duration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %q is not a duration", key, raw))
		return fallback
	}
	return v
}
