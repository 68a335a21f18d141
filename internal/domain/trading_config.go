package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is wrapped by every TradingConfig validation failure.
var ErrInvalidConfig = errors.New("trading configuration is invalid")

// TradingConfig holds one user's trading parameters.
// Percentages are fractions (0.01 == 1%). A zero threshold means "unset".
type TradingConfig struct {
	UserID string
	Symbol string // e.g. "BTCUSDT"; empty means the process default

	BuyThreshold  float64
	SellThreshold float64
	TolerancePct  float64

	AutoThreshold bool
	AutoMarginPct float64 // distance of the recentred thresholds from the fill price

	TradeAmount float64 // base asset quantity per buy order
	Enabled     bool

	AllowAveraging bool    // permit buying again while holding
	MinDropPct     float64 // required drop below the last buy price when averaging
	StopLossPct    float64 // sell everything below entry*(1-StopLossPct); 0 disables

	DemoMode bool // route orders to the paper exchange
}

// Thresholds is a buy/sell pair produced by recentering.
type Thresholds struct {
	Buy  float64
	Sell float64
}

// Validate checks the invariants the engine relies on. It is the single validation
// function, run at load, at every update and after every recentering.
func (c TradingConfig) Validate() error {
	var errs []string

	if c.TradeAmount <= 0 {
		errs = append(errs, "trade amount must be positive")
	}
	if c.TolerancePct < 0 || c.TolerancePct >= 1 {
		errs = append(errs, "tolerance must be in [0, 1)")
	}
	if c.BuyThreshold < 0 || c.SellThreshold < 0 {
		errs = append(errs, "thresholds cannot be negative")
	}
	if c.StopLossPct < 0 || c.StopLossPct >= 1 {
		errs = append(errs, "stop loss must be in [0, 1)")
	}
	if c.MinDropPct < 0 || c.MinDropPct >= 1 {
		errs = append(errs, "minimum drop must be in [0, 1)")
	}

	bothSet := c.BuyThreshold > 0 && c.SellThreshold > 0
	if c.AutoThreshold {
		if c.BuyThreshold <= 0 {
			errs = append(errs, "auto threshold needs an initial buy threshold")
		}
		if c.AutoMarginPct <= 0 || c.AutoMarginPct >= 1 {
			errs = append(errs, "auto margin must be in (0, 1)")
		}
	} else if !bothSet {
		errs = append(errs, "buy and sell thresholds must both be set")
	}
	if bothSet && c.BuyThreshold >= c.SellThreshold {
		errs = append(errs, fmt.Sprintf("buy threshold %.8g must be below sell threshold %.8g", c.BuyThreshold, c.SellThreshold))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// WithThresholds returns a copy of c carrying t.
func (c TradingConfig) WithThresholds(t Thresholds) TradingConfig {
	c.BuyThreshold = t.Buy
	c.SellThreshold = t.Sell
	return c
}
