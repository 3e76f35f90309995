package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// GIVEN: No config file and no environment overrides
	dir := t.TempDir()

	// WHEN: Loading
	cfg, err := Load(dir)

	// THEN: Defaults are applied
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "crm.db", cfg.Store.SQLitePath)
	assert.Equal(t, "promote_all", cfg.Quotes.Ambiguity)
	assert.False(t, cfg.Expiry.Enabled)

	rate, err := cfg.Quotes.TaxRate()
	require.NoError(t, err)
	assert.Equal(t, "20", rate.String())
}

func TestLoad_FileAndEnv(t *testing.T) {
	// GIVEN: A crm.yaml in a search path and an env override
	dir := t.TempDir()
	yaml := `
server:
  port: 9000
store:
  driver: postgres
  postgres_dsn: "host=localhost dbname=crm"
quotes:
  default_tax_rate: "18"
expiry:
  enabled: true
  interval: 30m
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crm.yaml"), []byte(yaml), 0o600))
	t.Setenv("CRM_SERVER_PORT", "9100")
	t.Setenv("CRM_QUOTES_AMBIGUITY", "require_unique")

	// WHEN: Loading
	cfg, err := Load(dir)

	// THEN: The file is read and env wins over it
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "host=localhost dbname=crm", cfg.Store.PostgresDSN)
	assert.Equal(t, "require_unique", cfg.Quotes.Ambiguity)
	assert.True(t, cfg.Expiry.Enabled)
	assert.Equal(t, 30*time.Minute, cfg.Expiry.Interval)

	rate, err := cfg.Quotes.TaxRate()
	require.NoError(t, err)
	assert.Equal(t, "18", rate.String())
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Store:  StoreConfig{Driver: DriverSQLite, SQLitePath: ":memory:"},
			Quotes: QuotesConfig{DefaultTaxRate: "20", Ambiguity: "promote_all"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, true},
		{"bad tax rate", func(c *Config) { c.Quotes.DefaultTaxRate = "twenty" }, true},
		{"negative tax rate", func(c *Config) { c.Quotes.DefaultTaxRate = "-1" }, true},
		{"unknown ambiguity", func(c *Config) { c.Quotes.Ambiguity = "first" }, true},
		{"expiry without interval", func(c *Config) { c.Expiry.Enabled = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
