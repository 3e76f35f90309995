/*
Package config loads runtime settings for the CRM engine.

SOURCES (later wins):
  1. Built-in defaults (setDefaults)
  2. crm.yaml in the working directory or any extra search path
  3. .env file in the working directory (loaded into the process env)
  4. CRM_-prefixed environment variables, nested keys joined with "_"
     e.g. CRM_STORE_DRIVER=postgres, CRM_SERVER_PORT=9000

EXAMPLE crm.yaml:
  server:
    port: 8080
    cors_origins: ["https://app.example.com"]
  store:
    driver: postgres
    postgres_dsn: "host=db user=crm dbname=crm sslmode=disable"
  quotes:
    default_tax_rate: "20"
    ambiguity: promote_all
  expiry:
    enabled: true
    interval: 1h
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Store  StoreConfig  `mapstructure:"store"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Quotes QuotesConfig `mapstructure:"quotes"`
	Expiry ExpiryConfig `mapstructure:"expiry"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type QuotesConfig struct {
	DefaultTaxRate string `mapstructure:"default_tax_rate"`
	Ambiguity      string `mapstructure:"ambiguity"`
}

// TaxRate parses DefaultTaxRate.
func (q QuotesConfig) TaxRate() (decimal.Decimal, error) {
	return decimal.NewFromString(q.DefaultTaxRate)
}

type ExpiryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://localhost:8080"})

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", "crm.db")
	v.SetDefault("store.postgres_dsn", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("quotes.default_tax_rate", "20")
	v.SetDefault("quotes.ambiguity", "promote_all")

	v.SetDefault("expiry.enabled", false)
	v.SetDefault("expiry.interval", time.Hour)
}

// Load reads the configuration. Extra search paths for crm.yaml are tried
// after the working directory. A missing config file is not an error.
func Load(searchPaths ...string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("crm")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("CRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail late at startup.
// The JWT secret is checked by the serve command only; the one-shot jobs
// run without HTTP auth.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("config: store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("config: store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	rate, err := c.Quotes.TaxRate()
	if err != nil {
		return fmt.Errorf("config: quotes.default_tax_rate: %w", err)
	}
	if rate.IsNegative() {
		return errors.New("config: quotes.default_tax_rate must not be negative")
	}

	switch c.Quotes.Ambiguity {
	case "promote_all", "require_unique":
	default:
		return fmt.Errorf("config: unknown quotes.ambiguity %q", c.Quotes.Ambiguity)
	}

	if c.Expiry.Enabled && c.Expiry.Interval <= 0 {
		return errors.New("config: expiry.interval must be positive when expiry is enabled")
	}
	return nil
}
