package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode values. Local mode relaxes the idempotency-key requirement and permits
// the non-durable memory storage driver; release mode fails closed on both.
const (
	ModeLocal   = "local"
	ModeRelease = "release"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Nats     NatsConfig     `mapstructure:"nats"`
	Provider ProviderConfig `mapstructure:"provider"`
	Payout   PayoutConfig   `mapstructure:"payout"`
	Risk     RiskConfig     `mapstructure:"risk"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local, release
}

// IsLocal reports whether the server runs in the designated local/dev mode.
func (s ServerConfig) IsLocal() bool {
	return s.Mode == ModeLocal
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // postgres, memory (local mode only)
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type NatsConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

type ProviderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PayoutConfig struct {
	MinAmount      int64         `mapstructure:"min_amount"`
	MaxAmount      int64         `mapstructure:"max_amount"`
	DailyCap       int64         `mapstructure:"daily_cap"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepStaleness time.Duration `mapstructure:"sweep_staleness"`
}

type RiskConfig struct {
	BlockThreshold float64 `mapstructure:"block_threshold"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: NOVA_.
// Nested keys use underscore: NOVA_DATABASE_HOST, NOVA_PROVIDER_API_KEY, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", ModeRelease)
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "nova_ledger")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.timeout", "10s")
	v.SetDefault("payout.min_amount", 100)
	v.SetDefault("payout.max_amount", 5000000)
	v.SetDefault("payout.daily_cap", 10000000)
	v.SetDefault("payout.sweep_interval", "5m")
	v.SetDefault("payout.sweep_staleness", "10m")
	v.SetDefault("risk.block_threshold", 0.8)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "nova-ledger")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: NOVA_DATABASE_HOST -> database.host
	v.SetEnvPrefix("NOVA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required — env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces cross-field constraints. Non-durable options are rejected
// outside local mode rather than silently degrading.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case ModeLocal, ModeRelease:
	default:
		return fmt.Errorf("server.mode must be %q or %q, got %q", ModeLocal, ModeRelease, c.Server.Mode)
	}

	switch c.Storage.Driver {
	case "postgres":
	case "memory":
		if !c.Server.IsLocal() {
			return fmt.Errorf("storage.driver=memory is only permitted in %s mode", ModeLocal)
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	if c.Payout.MinAmount <= 0 || c.Payout.MaxAmount < c.Payout.MinAmount {
		return fmt.Errorf("invalid payout bounds: min=%d max=%d", c.Payout.MinAmount, c.Payout.MaxAmount)
	}
	if c.Payout.DailyCap < c.Payout.MaxAmount {
		return fmt.Errorf("payout.daily_cap %d must be >= payout.max_amount %d", c.Payout.DailyCap, c.Payout.MaxAmount)
	}

	return nil
}
