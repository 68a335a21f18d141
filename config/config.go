package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"thresholdBot/internal/adapters/logger" // Import the logger package for LogLevel
)

// Credential sources.
const (
	CredentialsFile = "file"
	CredentialsAWS  = "aws"
)

var knownProviders = map[string]bool{"binance": true, "coinpaprika": true, "coincap": true, "coingecko": true}

// Config holds all process-wide configuration. Per-user trading settings live
// in the accounts file.
type Config struct {
	// Logging
	LogLevel  logger.LogLevel // Use the LogLevel type from the logger adapter
	LogFormat string          // "text" or "json"

	// Storage
	DBPath       string
	AccountsFile string

	// Market
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	IsTestnet  bool

	// Credentials
	CredentialsSource string
	AWSRegion         string
	AWSSecretPrefix   string

	// Price feed
	PriceProviders []string // tried in order
	CoinPaprikaID  string
	CoinCapID      string
	CoinGeckoID    string
	PollInterval   time.Duration
	QuoteMaxAge    time.Duration // PollInterval * QUOTE_MAX_AGE_MULTIPLE
	RequestTimeout time.Duration

	// Order execution
	SubmitRetries  int
	OrderPollBase  time.Duration
	OrderPollMax   time.Duration
	OrderPollTries int
	OrderDeadline  time.Duration

	// Loop supervision
	ErrorBackoffMax time.Duration
	ConfigRefresh   time.Duration

	// Exchange rate limit, shared by all users
	RateLimitPerSecond float64
	RateLimitBurst     int

	// Risk
	MaxTradesPerDay  int
	MaxOrderNotional float64

	// Notifications
	NotifyQueueSize  int
	NotifyWebhookURL string
	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
	SMTPFrom         string

	// Demo exchange starting balances
	DemoBaseBalance  float64
	DemoQuoteBalance float64
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors
	var err error

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "text"))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, "LOG_FORMAT must be text or json")
	}

	// Storage
	cfg.DBPath = getEnv("DB_PATH", "./data/trades.db")
	cfg.AccountsFile = getEnv("ACCOUNTS_FILE", "./accounts.yaml")

	// Market
	cfg.Symbol = strings.ToUpper(getEnv("SYMBOL", "BTCUSDT"))
	cfg.BaseAsset = strings.ToUpper(getEnv("BASE_ASSET", "BTC"))
	cfg.QuoteAsset = strings.ToUpper(getEnv("QUOTE_ASSET", "USDT"))
	if cfg.Symbol != cfg.BaseAsset+cfg.QuoteAsset {
		errs = append(errs, fmt.Sprintf("SYMBOL %s must equal BASE_ASSET+QUOTE_ASSET", cfg.Symbol))
	}
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	// Credentials
	cfg.CredentialsSource = strings.ToLower(getEnv("CREDENTIALS_SOURCE", CredentialsFile))
	cfg.AWSRegion = getEnv("AWS_REGION", "us-east-1")
	cfg.AWSSecretPrefix = getEnv("AWS_SECRET_PREFIX", "thresholdbot/")
	switch cfg.CredentialsSource {
	case CredentialsFile, CredentialsAWS:
	default:
		errs = append(errs, "CREDENTIALS_SOURCE must be file or aws")
	}

	// Price feed
	cfg.PriceProviders = splitList(getEnv("PRICE_PROVIDERS", "binance,coinpaprika,coingecko"))
	if len(cfg.PriceProviders) == 0 {
		errs = append(errs, "PRICE_PROVIDERS must name at least one provider")
	}
	for _, p := range cfg.PriceProviders {
		if !knownProviders[p] {
			errs = append(errs, fmt.Sprintf("unknown price provider %q", p))
		}
	}
	cfg.CoinPaprikaID = getEnv("COINPAPRIKA_ID", "btc-bitcoin")
	cfg.CoinCapID = getEnv("COINCAP_ID", "bitcoin")
	cfg.CoinGeckoID = getEnv("COINGECKO_ID", "bitcoin")

	cfg.PollInterval, err = getEnvAsSecondsRequired("POLL_INTERVAL_SECONDS", 30)
	errs = appendErr(errs, err)
	multiple, err := getEnvAsIntRequired("QUOTE_MAX_AGE_MULTIPLE", 3)
	if err != nil {
		errs = append(errs, err.Error())
	} else if multiple <= 0 {
		errs = append(errs, "QUOTE_MAX_AGE_MULTIPLE must be positive")
	}
	cfg.QuoteMaxAge = cfg.PollInterval * time.Duration(multiple)
	cfg.RequestTimeout, err = getEnvAsSecondsRequired("REQUEST_TIMEOUT_SECONDS", 10)
	errs = appendErr(errs, err)

	// Order execution
	cfg.SubmitRetries, err = getEnvAsIntRequired("SUBMIT_RETRIES", 3)
	if err != nil {
		errs = append(errs, err.Error())
	} else if cfg.SubmitRetries < 0 {
		errs = append(errs, "SUBMIT_RETRIES cannot be negative")
	}
	pollBaseMs, err := getEnvAsIntRequired("ORDER_POLL_BASE_MS", 500)
	if err != nil {
		errs = append(errs, err.Error())
	} else if pollBaseMs <= 0 {
		errs = append(errs, "ORDER_POLL_BASE_MS must be positive")
	}
	cfg.OrderPollBase = time.Duration(pollBaseMs) * time.Millisecond
	cfg.OrderPollMax, err = getEnvAsSecondsRequired("ORDER_POLL_MAX_SECONDS", 10)
	errs = appendErr(errs, err)
	cfg.OrderPollTries, err = getEnvAsIntRequired("ORDER_POLL_ATTEMPTS", 8)
	if err != nil {
		errs = append(errs, err.Error())
	} else if cfg.OrderPollTries <= 0 {
		errs = append(errs, "ORDER_POLL_ATTEMPTS must be positive")
	}
	cfg.OrderDeadline, err = getEnvAsSecondsRequired("ORDER_DEADLINE_SECONDS", 120)
	errs = appendErr(errs, err)

	// Loop supervision
	cfg.ErrorBackoffMax, err = getEnvAsSecondsRequired("ERROR_BACKOFF_MAX_SECONDS", 300)
	errs = appendErr(errs, err)
	if cfg.ErrorBackoffMax < cfg.PollInterval {
		errs = append(errs, "ERROR_BACKOFF_MAX_SECONDS cannot be shorter than POLL_INTERVAL_SECONDS")
	}
	cfg.ConfigRefresh, err = getEnvAsSecondsRequired("CONFIG_REFRESH_SECONDS", 60)
	errs = appendErr(errs, err)

	// Rate limit
	cfg.RateLimitPerSecond, err = getEnvAsFloatRequired("RATE_LIMIT_PER_SECOND", 10)
	if err != nil {
		errs = append(errs, err.Error())
	} else if cfg.RateLimitPerSecond <= 0 {
		errs = append(errs, "RATE_LIMIT_PER_SECOND must be positive")
	}
	cfg.RateLimitBurst = getEnvAsInt("RATE_LIMIT_BURST", 5)

	// Risk, zero disables a limit
	cfg.MaxTradesPerDay, err = getEnvAsIntRequired("MAX_TRADES_PER_DAY", 0)
	if err != nil {
		errs = append(errs, err.Error())
	} else if cfg.MaxTradesPerDay < 0 {
		errs = append(errs, "MAX_TRADES_PER_DAY cannot be negative")
	}
	cfg.MaxOrderNotional, err = getEnvAsFloatRequired("MAX_ORDER_NOTIONAL", 0)
	if err != nil {
		errs = append(errs, err.Error())
	} else if cfg.MaxOrderNotional < 0 {
		errs = append(errs, "MAX_ORDER_NOTIONAL cannot be negative")
	}

	// Notifications
	cfg.NotifyQueueSize = getEnvAsInt("NOTIFY_QUEUE_SIZE", 256)
	cfg.NotifyWebhookURL = getEnv("NOTIFY_WEBHOOK_URL", "")
	cfg.SMTPHost = getEnv("SMTP_HOST", "")
	cfg.SMTPPort = getEnvAsInt("SMTP_PORT", 587)
	cfg.SMTPUsername = getEnv("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnv("SMTP_PASSWORD", "")
	cfg.SMTPFrom = getEnv("SMTP_FROM", cfg.SMTPUsername)
	if cfg.SMTPHost != "" && cfg.SMTPFrom == "" {
		errs = append(errs, "SMTP_FROM or SMTP_USERNAME must be set when SMTP_HOST is")
	}

	// Demo balances
	cfg.DemoBaseBalance, err = getEnvAsFloatRequired("DEMO_BASE_BALANCE", 1)
	errs = appendErr(errs, err)
	cfg.DemoQuoteBalance, err = getEnvAsFloatRequired("DEMO_QUOTE_BALANCE", 50000)
	errs = appendErr(errs, err)
	if cfg.DemoBaseBalance < 0 || cfg.DemoQuoteBalance < 0 {
		errs = append(errs, "demo balances cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func appendErr(errs []string, err error) []string {
	if err != nil {
		return append(errs, err.Error())
	}
	return errs
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

// getEnvAsSecondsRequired reads a positive whole number of seconds.
func getEnvAsSecondsRequired(key string, defaultSeconds int) (time.Duration, error) {
	seconds, err := getEnvAsIntRequired(key, defaultSeconds)
	if err != nil {
		return 0, err
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return time.Duration(seconds) * time.Second, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
