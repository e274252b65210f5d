package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port string

	// Backend selection
	DataBackend   string
	SQLiteDBPath  string
	DataDirectory string

	// Ledger
	SupportedCurrencies []string
	Categories          []string

	// FX provider
	FXSymbols         []string
	FXEndpoints       []Provider
	FXTimeout         time.Duration
	FXMaxAttempts     int
	FXBackoff         time.Duration
	FXRefreshInterval time.Duration
	FXProvidersFile   string

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Google Sheets ledger mirror
	GoogleSpreadsheetID string
	GoogleSheetName     string

	// HTTP surface
	ReportCacheTTL time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	LogLevel string
}

// Provider is one FX endpoint. BaseInPath selects "<url>/<BASE>" addressing.
type Provider struct {
	URL        string `yaml:"url"`
	BaseInPath bool   `yaml:"base_in_path"`
}

var (
	defaultCurrencies = []string{"USD", "TWD", "JPY", "EUR", "GBP"}
	defaultCategories = []string{"Food", "Transport", "Housing", "Entertainment", "Other"}
	defaultSymbols    = []string{"TWD", "JPY", "EUR", "GBP"}
	defaultEndpoints  = []string{"https://api.frankfurter.app/latest", "https://api.frankfurter.dev/v1/latest"}
)

func Load() *Config {
	cfg := &Config{
		Port: getEnv("PORT", "8081"),

		DataBackend:   getEnv("DATA_BACKEND", "sqlite"),
		SQLiteDBPath:  getEnv("SQLITE_DB_PATH", "./data/fxledger.db"),
		DataDirectory: getEnv("DATA_DIRECTORY", "data"),

		SupportedCurrencies: getEnvList("SUPPORTED_CURRENCIES", defaultCurrencies, true),
		Categories:          getEnvList("CATEGORIES", defaultCategories, false),

		FXSymbols:         getEnvList("FX_SYMBOLS", defaultSymbols, true),
		FXEndpoints:       queryProviders(getEnvList("FX_ENDPOINTS", defaultEndpoints, false)),
		FXTimeout:         getEnvDuration("FX_TIMEOUT", 15*time.Second),
		FXMaxAttempts:     getEnvInt("FX_MAX_ATTEMPTS", 3),
		FXBackoff:         getEnvDuration("FX_BACKOFF", 600*time.Millisecond),
		FXRefreshInterval: getEnvDuration("FX_REFRESH_INTERVAL", 0),
		FXProvidersFile:   getEnv("FX_PROVIDERS_FILE", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "fxledger"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "fxledger_events"),

		GoogleSpreadsheetID: getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:     getEnv("GOOGLE_SHEET_NAME", "Ledger"),

		ReportCacheTTL: getEnvDuration("REPORT_CACHE_TTL", 5*time.Minute),
		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 20),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate data backend
	switch c.DataBackend {
	case "memory":
	case "sqlite":
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of [memory sqlite]", c.DataBackend))
	}

	// Validate currencies
	if len(c.SupportedCurrencies) == 0 {
		errors = append(errors, "supported currencies cannot be empty")
	}
	hasUSD := false
	for _, code := range c.SupportedCurrencies {
		if !isCurrencyCode(code) {
			errors = append(errors, fmt.Sprintf("invalid currency code '%s': must be three letters", code))
		}
		if code == "USD" {
			hasUSD = true
		}
	}
	if len(c.SupportedCurrencies) > 0 && !hasUSD {
		errors = append(errors, "supported currencies must include USD, the reporting currency")
	}
	for _, code := range c.FXSymbols {
		if !isCurrencyCode(code) {
			errors = append(errors, fmt.Sprintf("invalid FX symbol '%s': must be three letters", code))
		}
	}

	// Validate FX provider settings
	if len(c.FXEndpoints) == 0 {
		errors = append(errors, "at least one FX endpoint is required")
	}
	for _, p := range c.FXEndpoints {
		if u, err := url.Parse(p.URL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid FX endpoint '%s': %v", p.URL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errors = append(errors, fmt.Sprintf("invalid FX endpoint scheme '%s': must be 'http' or 'https'", u.Scheme))
		}
	}
	if c.FXTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid FX timeout %v: must be positive", c.FXTimeout))
	}
	if c.FXMaxAttempts < 1 || c.FXMaxAttempts > 10 {
		errors = append(errors, fmt.Sprintf("invalid FX max attempts %d: must be between 1 and 10", c.FXMaxAttempts))
	}
	if c.FXBackoff < 0 {
		errors = append(errors, fmt.Sprintf("invalid FX backoff %v: must not be negative", c.FXBackoff))
	}
	if c.FXRefreshInterval != 0 && c.FXRefreshInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid FX refresh interval %v: must be 0 (disabled) or at least 1 minute", c.FXRefreshInterval))
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	// Sheets mirror is optional
	if c.GoogleSpreadsheetID != "" && c.GoogleSheetName == "" {
		errors = append(errors, "Google Sheet name is required when a spreadsheet ID is set")
	}

	if c.ReportCacheTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid report cache TTL %v: must not be negative", c.ReportCacheTTL))
	}
	if c.RateLimitRPS <= 0 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %v: must be positive", c.RateLimitRPS))
	}
	if c.RateLimitBurst < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit burst %d: must be at least 1", c.RateLimitBurst))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be debug, info, warn or error", c.LogLevel))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func isCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func queryProviders(urls []string) []Provider {
	out := make([]Provider, 0, len(urls))
	for _, u := range urls {
		out = append(out, Provider{URL: u})
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string, defaultValue []string, upper bool) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if upper {
			part = strings.ToUpper(part)
		}
		out = append(out, part)
	}
	return out
}
