package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Ledger   LedgerConfig   `json:"ledger" yaml:"ledger"`
	Oracle   OracleConfig   `json:"oracle" yaml:"oracle"`
	Audit    AuditConfig    `json:"audit" yaml:"audit"`
}

type ServerConfig struct {
	Port      string `json:"port" yaml:"port"`
	Env       string `json:"env" yaml:"env"`
	Debug     bool   `json:"debug" yaml:"debug"`
	RateLimit bool   `json:"rate_limit" yaml:"rate_limit"`
}

// DatabaseConfig selects the gorm driver. DSN is a file path for sqlite.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `json:"dsn" yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret  string `json:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL   string `json:"token_ttl" yaml:"token_ttl"` // e.g. "24h"
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

// TTL parses TokenTTL, defaulting to 24 hours when unset.
func (a AuthConfig) TTL() (time.Duration, error) {
	if a.TokenTTL == "" {
		return 24 * time.Hour, nil
	}
	return time.ParseDuration(a.TokenTTL)
}

// SessionConfig configures the token revocation store. An empty
// RedisAddr keeps revocations in memory.
type SessionConfig struct {
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
}

type LedgerConfig struct {
	StartingCash string `json:"starting_cash" yaml:"starting_cash"`
	Currency     string `json:"currency" yaml:"currency"`
}

// Cash parses StartingCash as a decimal.
func (l LedgerConfig) Cash() (decimal.Decimal, error) {
	return decimal.NewFromString(l.StartingCash)
}

// OracleConfig selects and configures the price source.
type OracleConfig struct {
	Type      string                 `json:"type" yaml:"type"` // "static", "market" or "http"
	URL       string                 `json:"url,omitempty" yaml:"url,omitempty"`
	APIKey    string                 `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	PricePath string                 `json:"price_path,omitempty" yaml:"price_path,omitempty"`
	OpenPath  string                 `json:"open_path,omitempty" yaml:"open_path,omitempty"`
	Timeout   string                 `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Quotes    map[string]QuoteConfig `json:"quotes,omitempty" yaml:"quotes,omitempty"`
}

// QuoteConfig seeds the static and market oracles.
type QuoteConfig struct {
	Price float64 `json:"price" yaml:"price"`
	Open  float64 `json:"open" yaml:"open"`
}

// RequestTimeout parses Timeout, defaulting to 10 seconds.
func (o OracleConfig) RequestTimeout() (time.Duration, error) {
	if o.Timeout == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(o.Timeout)
}

type AuditConfig struct {
	Interval string `json:"interval" yaml:"interval"` // "0" or "" disables
}

// Every parses Interval. Zero means the periodic audit is off.
func (a AuditConfig) Every() (time.Duration, error) {
	if a.Interval == "" || a.Interval == "0" {
		return 0, nil
	}
	return time.ParseDuration(a.Interval)
}

// Load builds the configuration: defaults, then the optional file, then
// .env and process environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a file (YAML, falling back to JSON).
// Fields missing from the file keep their default values.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables that are set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		c.Server.Debug, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Session.RedisAddr = v
	}
	if v := os.Getenv("ORACLE_TYPE"); v != "" {
		c.Oracle.Type = v
	}
	if v := os.Getenv("ORACLE_API_KEY"); v != "" {
		c.Oracle.APIKey = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver must be 'sqlite' or 'postgres'")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if ttl, err := c.Auth.TTL(); err != nil || ttl <= 0 {
		return fmt.Errorf("auth.token_ttl must be a positive duration")
	}
	if c.Auth.CookieName == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	cash, err := c.Ledger.Cash()
	if err != nil {
		return fmt.Errorf("ledger.starting_cash must be a decimal: %w", err)
	}
	if cash.IsNegative() {
		return fmt.Errorf("ledger.starting_cash must not be negative")
	}
	if c.Ledger.Currency == "" {
		return fmt.Errorf("ledger.currency is required")
	}
	switch c.Oracle.Type {
	case "static", "market":
		for symbol, q := range c.Oracle.Quotes {
			if q.Price <= 0 {
				return fmt.Errorf("oracle.quotes.%s.price must be positive", symbol)
			}
		}
	case "http":
		if c.Oracle.URL == "" {
			return fmt.Errorf("oracle.url is required for http oracle")
		}
		if c.Oracle.PricePath == "" || c.Oracle.OpenPath == "" {
			return fmt.Errorf("oracle.price_path and oracle.open_path are required for http oracle")
		}
	default:
		return fmt.Errorf("oracle.type must be 'static', 'market' or 'http'")
	}
	if _, err := c.Oracle.RequestTimeout(); err != nil {
		return fmt.Errorf("oracle.timeout: %w", err)
	}
	if _, err := c.Audit.Every(); err != nil {
		return fmt.Errorf("audit.interval: %w", err)
	}
	return nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      "8080",
			Env:       "development",
			RateLimit: true,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "finance.db",
		},
		Auth: AuthConfig{
			JWTSecret:  "klear-secret-key",
			TokenTTL:   "24h",
			CookieName: "session",
		},
		Ledger: LedgerConfig{
			StartingCash: "10000",
			Currency:     "USD",
		},
		Oracle: OracleConfig{
			Type: "market",
			Quotes: map[string]QuoteConfig{
				"AAPL":  {Price: 190, Open: 188.5},
				"GOOGL": {Price: 140, Open: 141.2},
				"MSFT":  {Price: 410, Open: 405},
				"AMZN":  {Price: 180, Open: 178},
				"META":  {Price: 480, Open: 470},
				"NVDA":  {Price: 100, Open: 98},
			},
		},
		Audit: AuditConfig{
			Interval: "5m",
		},
	}
}

// AlphaVantage returns an http oracle configuration for the Alpha Vantage
// GLOBAL_QUOTE endpoint.
func AlphaVantage(apiKey string) OracleConfig {
	return OracleConfig{
		Type:      "http",
		URL:       "https://www.alphavantage.co/query?function=GLOBAL_QUOTE&symbol={symbol}&apikey={apikey}",
		APIKey:    apiKey,
		PricePath: `$["Global Quote"]["05. price"]`,
		OpenPath:  `$["Global Quote"]["02. open"]`,
		Timeout:   "10s",
	}
}
