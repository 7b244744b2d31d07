package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	StoreDriver string
	SQLitePath  string
	DBUser      string
	DBPass      string
	DBHost      string
	DBPort      string
	DBName      string
	SSLMode     string

	RedisHost string
	RedisPort string
	CacheTTL  time.Duration

	BusProvider  string
	NatsHost     string
	NatsPort     string
	AMQPURL      string
	AMQPExchange string

	ApiEnabled     string
	ApiPort        string
	GRPCPort       string
	AllowedOrigins []string

	JWTSecret string
	JWTIssuer string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripePrices        map[string]string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	SweepSchedule string
	SweepLeaseTTL time.Duration
	SweepLimit    int

	LogLevel string
}

// New loads and validates configuration from environment variables.
// Redis, the message bus, the HTTP API and the gRPC server are optional;
// the database is not.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		StoreDriver: getEnv("ACT_STORE_DRIVER", "postgres"),
		SQLitePath:  getEnv("ACT_SQLITE_PATH", "data/actcredits.db"),
		DBUser:      os.Getenv("ACT_POSTGRES_USER"),
		DBPass:      os.Getenv("ACT_POSTGRES_PASSWORD"),
		DBHost:      os.Getenv("ACT_POSTGRES_HOST"),
		DBPort:      getEnv("ACT_POSTGRES_PORT", "5432"),
		DBName:      os.Getenv("ACT_POSTGRES_DB"),
		SSLMode:     getEnv("ACT_POSTGRES_SSLMODE", "disable"),

		RedisHost: os.Getenv("ACT_REDIS_HOST"),
		RedisPort: getEnv("ACT_REDIS_PORT", "6379"),
		CacheTTL:  getEnvDuration("ACT_CACHE_TTL", 5*time.Minute),

		BusProvider:  getEnv("ACT_BUS_PROVIDER", "none"),
		NatsHost:     os.Getenv("ACT_NATS_HOST"),
		NatsPort:     getEnv("ACT_NATS_PORT", "4222"),
		AMQPURL:      os.Getenv("ACT_AMQP_URL"),
		AMQPExchange: getEnv("ACT_AMQP_EXCHANGE", "ledger_events"),

		ApiEnabled:     getEnv("ACT_API_ENABLED", "true"),
		ApiPort:        getEnv("ACT_API_PORT", "8080"),
		GRPCPort:       os.Getenv("ACT_GRPC_PORT"),
		AllowedOrigins: splitList(getEnv("ACT_ALLOWED_ORIGINS", "*")),

		JWTSecret: os.Getenv("ACT_JWT_SECRET"),
		JWTIssuer: os.Getenv("ACT_JWT_ISSUER"),

		StripeSecretKey:     os.Getenv("ACT_STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("ACT_STRIPE_WEBHOOK_SECRET"),
		StripePrices:        stripePrices(),
		CheckoutSuccessURL:  os.Getenv("ACT_CHECKOUT_SUCCESS_URL"),
		CheckoutCancelURL:   os.Getenv("ACT_CHECKOUT_CANCEL_URL"),

		SweepSchedule: getEnv("ACT_SWEEP_SCHEDULE", "*/10 * * * *"),
		SweepLeaseTTL: getEnvDuration("ACT_SWEEP_LEASE_TTL", 5*time.Minute),
		SweepLimit:    getEnvInt("ACT_SWEEP_LIMIT", 0),

		LogLevel: getEnv("ACT_LOG_LEVEL", "info"),
	}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" {
			return nil, fmt.Errorf("missing required env for database: ACT_POSTGRES_USER/HOST/DB")
		}
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("ACT_SQLITE_PATH is required when ACT_STORE_DRIVER=sqlite")
		}
	default:
		return nil, fmt.Errorf("invalid store driver %q, must be 'postgres' or 'sqlite'", cfg.StoreDriver)
	}

	switch cfg.BusProvider {
	case "none":
	case "nats":
		if cfg.NatsHost == "" {
			return nil, fmt.Errorf("missing required env for nats bus: ACT_NATS_HOST")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			return nil, fmt.Errorf("missing required env for amqp bus: ACT_AMQP_URL")
		}
	default:
		return nil, fmt.Errorf("invalid bus provider %q, must be 'nats', 'amqp' or 'none'", cfg.BusProvider)
	}

	if cfg.ApiEnabled == "true" && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("ACT_JWT_SECRET is required when the HTTP API is enabled")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

// RedisAddr returns "" when Redis is not configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled != "true" {
		return "", fmt.Errorf("HTTP API is disabled (ACT_API_ENABLED != true)")
	}
	if c.ApiPort == "" {
		return "", fmt.Errorf("ACT_API_PORT is required when ACT_API_ENABLED=true")
	}
	return ":" + c.ApiPort, nil
}

// GRPCAddr returns the gRPC listen address if a port is configured.
func (c *Config) GRPCAddr() (string, error) {
	if c.GRPCPort == "" {
		return "", fmt.Errorf("gRPC server is disabled (ACT_GRPC_PORT is empty)")
	}
	return ":" + c.GRPCPort, nil
}

// SweepEnabled reports whether the in-process sweeper should run. Setting
// ACT_SWEEP_SCHEDULE=off leaves expiry to cmd/sweep or the admin endpoint.
func (c *Config) SweepEnabled() bool {
	return c.SweepSchedule != "" && c.SweepSchedule != "off"
}

// SlogLevel parses LogLevel, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// stripePrices reads ACT_STRIPE_PRICE_<PLAN> variables, e.g.
// ACT_STRIPE_PRICE_BASIC_MONTHLY=price_123 for plan basic_monthly.
func stripePrices() map[string]string {
	const prefix = "ACT_STRIPE_PRICE_"
	prices := make(map[string]string)
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || val == "" || !strings.HasPrefix(key, prefix) {
			continue
		}
		prices[strings.ToLower(strings.TrimPrefix(key, prefix))] = val
	}
	return prices
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
