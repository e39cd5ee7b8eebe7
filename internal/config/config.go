package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Port                   string        `mapstructure:"PORT"`
	Env                    string        `mapstructure:"ENV"`
	StoreDriver            string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL            string        `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir          string        `mapstructure:"MIGRATIONS_DIR"`
	JWTSecret              string        `mapstructure:"JWT_SECRET"`
	AuthIssuer             string        `mapstructure:"AUTH_ISSUER"`
	DefaultHospital        string        `mapstructure:"DEFAULT_HOSPITAL"`
	DefaultOrganization    string        `mapstructure:"DEFAULT_ORGANIZATION"`
	CORSOrigins            []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitMax           int           `mapstructure:"RATE_LIMIT_MAX"`
	RateLimitWindow        time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	BodyLimit              string        `mapstructure:"BODY_LIMIT"`
	KafkaBrokers           []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic             string        `mapstructure:"KAFKA_TOPIC"`
	SchedulingLockTerminal bool          `mapstructure:"SCHEDULING_LOCK_TERMINAL"`
	WebhookTimeout         time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
	WebhookQueueSize       int           `mapstructure:"WEBHOOK_QUEUE_SIZE"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MIGRATIONS_DIR", "JWT_SECRET", "AUTH_ISSUER", "DEFAULT_HOSPITAL",
	"DEFAULT_ORGANIZATION", "CORS_ORIGINS", "RATE_LIMIT_MAX", "RATE_LIMIT_WINDOW",
	"BODY_LIMIT", "KAFKA_BROKERS", "KAFKA_TOPIC", "SCHEDULING_LOCK_TERMINAL",
	"WEBHOOK_TIMEOUT", "WEBHOOK_QUEUE_SIZE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("DEFAULT_HOSPITAL", "default")
	v.SetDefault("DEFAULT_ORGANIZATION", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_MAX", 100)
	v.SetDefault("RATE_LIMIT_WINDOW", "15m")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("KAFKA_TOPIC", "appointments")
	v.SetDefault("SCHEDULING_LOCK_TERMINAL", false)
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")
	v.SetDefault("WEBHOOK_QUEUE_SIZE", 256)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	return cfg, nil
}

// splitList normalises a comma-separated setting that viper may already have
// split, dropping blanks.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 0 && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	var out []string
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// KafkaEnabled reports whether appointment events go to Kafka rather than
// the log.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT secret is mandatory, and the postgres driver needs DATABASE_URL.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreDriver)
	}

	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 && c.IsProduction() {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}

	if c.DefaultHospital == "" || c.DefaultOrganization == "" {
		return fmt.Errorf("DEFAULT_HOSPITAL and DEFAULT_ORGANIZATION must not be empty")
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}
	if c.KafkaEnabled() && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.WebhookTimeout <= 0 || c.WebhookQueueSize <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT and WEBHOOK_QUEUE_SIZE must be positive")
	}
	return nil
}
