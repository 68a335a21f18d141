// Package settings reads and writes per-user accounts in a YAML file:
//
//	users:
//	  alice:
//	    email: alice@example.com
//	    buy_threshold: 60000
//	    sell_threshold: 66000
//	    trade_amount: 0.001
//	    enabled: true
//
// User ids are case-insensitive and stored lower-case.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

// Account is one user's entry in the accounts file.
type Account struct {
	Email     string `mapstructure:"email"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`

	Symbol         string  `mapstructure:"symbol"`
	BuyThreshold   float64 `mapstructure:"buy_threshold"`
	SellThreshold  float64 `mapstructure:"sell_threshold"`
	TolerancePct   float64 `mapstructure:"tolerance_pct"`
	AutoThreshold  bool    `mapstructure:"auto_threshold"`
	AutoMarginPct  float64 `mapstructure:"auto_margin_pct"`
	TradeAmount    float64 `mapstructure:"trade_amount"`
	Enabled        bool    `mapstructure:"enabled"`
	AllowAveraging bool    `mapstructure:"allow_averaging"`
	MinDropPct     float64 `mapstructure:"min_drop_pct"`
	StopLossPct    float64 `mapstructure:"stop_loss_pct"`
	DemoMode       bool    `mapstructure:"demo_mode"`
}

// TradingConfig converts the entry into the engine's config.
func (a Account) TradingConfig(userID string) domain.TradingConfig {
	return domain.TradingConfig{
		UserID:         userID,
		Symbol:         a.Symbol,
		BuyThreshold:   a.BuyThreshold,
		SellThreshold:  a.SellThreshold,
		TolerancePct:   a.TolerancePct,
		AutoThreshold:  a.AutoThreshold,
		AutoMarginPct:  a.AutoMarginPct,
		TradeAmount:    a.TradeAmount,
		Enabled:        a.Enabled,
		AllowAveraging: a.AllowAveraging,
		MinDropPct:     a.MinDropPct,
		StopLossPct:    a.StopLossPct,
		DemoMode:       a.DemoMode,
	}
}

// Store implements ports.SettingsStore on the accounts file. The file is re-read
// on every call so edits made while the engine runs are picked up.
type Store struct {
	path   string
	logger ports.Logger
	symbol string // the only symbol accounts may name, empty for any

	mu sync.Mutex // serialises read-modify-write of the file
}

// NewStore opens the accounts file at path, which must exist.
func NewStore(path string, logger ports.Logger) (*Store, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for settings store")
	}
	s := &Store{path: path, logger: logger}
	if _, err := s.read(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) read() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading accounts file %s: %w", ports.ErrConfigurationError, s.path, err)
	}
	return v, nil
}

func key(userID string) string {
	return "users." + strings.ToLower(userID)
}

// RestrictSymbol makes Load reject accounts that name a symbol other than
// symbol. Call it before the store is shared.
func (s *Store) RestrictSymbol(symbol string) {
	s.symbol = strings.ToUpper(symbol)
}

// Account returns the raw entry for userID.
func (s *Store) Account(ctx context.Context, userID string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account(userID)
}

func (s *Store) account(userID string) (Account, error) {
	v, err := s.read()
	if err != nil {
		return Account{}, err
	}
	if !v.IsSet(key(userID)) {
		return Account{}, fmt.Errorf("account %q: %w", userID, ports.ErrUserNotFound)
	}
	var a Account
	if err := v.UnmarshalKey(key(userID), &a); err != nil {
		return Account{}, fmt.Errorf("%w: decoding account %q: %w", ports.ErrConfigInvalid, userID, err)
	}
	return a, nil
}

// Load returns the user's trading config. A config that fails validation is
// still returned, together with an error wrapping ports.ErrConfigInvalid, so the
// caller can tell a disabled account from a broken one.
func (s *Store) Load(ctx context.Context, userID string) (domain.TradingConfig, error) {
	a, err := s.Account(ctx, userID)
	if err != nil {
		return domain.TradingConfig{}, err
	}
	cfg := a.TradingConfig(strings.ToLower(userID))
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("account %q: %w", userID, err)
	}
	if s.symbol != "" && cfg.Symbol != "" && !strings.EqualFold(cfg.Symbol, s.symbol) {
		return cfg, fmt.Errorf("account %q: %w: symbol %s is not traded here, only %s", userID, ports.ErrConfigInvalid, cfg.Symbol, s.symbol)
	}
	return cfg, nil
}

// Save validates cfg and writes its trading fields back to the user's entry.
// Email and API keys are left untouched.
func (s *Store) Save(ctx context.Context, userID string, cfg domain.TradingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.read()
	if err != nil {
		return err
	}
	k := key(userID)
	if !v.IsSet(k) {
		return fmt.Errorf("account %q: %w", userID, ports.ErrUserNotFound)
	}
	values := map[string]interface{}{
		"symbol":          cfg.Symbol,
		"buy_threshold":   cfg.BuyThreshold,
		"sell_threshold":  cfg.SellThreshold,
		"tolerance_pct":   cfg.TolerancePct,
		"auto_threshold":  cfg.AutoThreshold,
		"auto_margin_pct": cfg.AutoMarginPct,
		"trade_amount":    cfg.TradeAmount,
		"enabled":         cfg.Enabled,
		"allow_averaging": cfg.AllowAveraging,
		"min_drop_pct":    cfg.MinDropPct,
		"stop_loss_pct":   cfg.StopLossPct,
		"demo_mode":       cfg.DemoMode,
	}
	for field, value := range values {
		v.Set(k+"."+field, value)
	}
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("%w: writing accounts file %s: %w", ports.ErrConfigurationError, s.path, err)
	}
	s.logger.Info(ctx, "Account settings saved", map[string]interface{}{"userID": userID, "buyThreshold": cfg.BuyThreshold, "sellThreshold": cfg.SellThreshold})
	return nil
}

// ListUsers returns every user id in the file, sorted.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.read()
	if err != nil {
		return nil, err
	}
	users := make([]string, 0)
	for id := range v.GetStringMap("users") {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

// Contact returns the user's notification email address.
func (s *Store) Contact(ctx context.Context, userID string) (string, error) {
	a, err := s.Account(ctx, userID)
	if err != nil {
		return "", err
	}
	if a.Email == "" {
		return "", fmt.Errorf("account %q has no email: %w", userID, ports.ErrNotFound)
	}
	return a.Email, nil
}

// GetCredentials returns the API keys kept in the accounts file.
func (s *Store) GetCredentials(ctx context.Context, userID string) (domain.Credentials, error) {
	a, err := s.Account(ctx, userID)
	if err != nil {
		if errors.Is(err, ports.ErrUserNotFound) {
			return domain.Credentials{}, err
		}
		return domain.Credentials{}, fmt.Errorf("%w: %w", ports.ErrMissingCredential, err)
	}
	creds := domain.Credentials{APIKey: a.APIKey, APISecret: a.APISecret}
	if creds.Empty() {
		return domain.Credentials{}, fmt.Errorf("account %q: %w", userID, ports.ErrMissingCredential)
	}
	return creds, nil
}
