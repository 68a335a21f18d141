package risk

import (
	"context"
	"fmt"
	"math"

	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

// GuardConfig holds pre-trade limits. Zero values disable a limit.
type GuardConfig struct {
	MaxTradesPerDay  int
	MaxOrderNotional float64
	BaseAsset        string // e.g. "BTC"
	QuoteAsset       string // e.g. "USDT"
}

// TradeCounter counts a user's trades for the daily limit.
type TradeCounter interface {
	CountToday(ctx context.Context, userID string) (int, error)
}

// Guard vetoes orders that would break a limit or cannot be funded.
type Guard struct {
	config  GuardConfig
	counter TradeCounter
}

// NewGuard creates a new risk guard instance.
func NewGuard(config GuardConfig, counter TradeCounter) *Guard {
	return &Guard{config: config, counter: counter}
}

// Check validates a decision against the limits and the user's balances and
// returns the quantity that may be traded. Sells are clamped to the free base
// balance; buys are never resized. A veto wraps ports.ErrRiskLimit.
func (g *Guard) Check(ctx context.Context, userID string, d domain.Decision, ex ports.Exchange) (float64, error) {
	side, ok := d.Action.Side()
	if !ok {
		return 0, fmt.Errorf("%w: decision %s is not actionable", ports.ErrInvalidRequest, d.Action)
	}
	amount := d.Amount
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount %f must be positive", ports.ErrRiskLimit, amount)
	}

	// Daily trade limit only restricts opening exposure; exits always pass.
	if side == domain.Buy && g.config.MaxTradesPerDay > 0 && g.counter != nil {
		count, err := g.counter.CountToday(ctx, userID)
		if err != nil {
			return 0, fmt.Errorf("failed to count today's trades: %w", err)
		}
		if count >= g.config.MaxTradesPerDay {
			return 0, fmt.Errorf("%w: daily trade limit reached (%d/%d)", ports.ErrRiskLimit, count, g.config.MaxTradesPerDay)
		}
	}

	notional := amount * d.Quote.Price
	if side == domain.Buy && g.config.MaxOrderNotional > 0 && notional > g.config.MaxOrderNotional {
		return 0, fmt.Errorf("%w: order notional %.2f exceeds maximum %.2f", ports.ErrRiskLimit, notional, g.config.MaxOrderNotional)
	}

	if ex == nil || g.config.BaseAsset == "" || g.config.QuoteAsset == "" {
		return amount, nil
	}
	balances, err := ex.GetBalances(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load balances: %w", err)
	}

	switch side {
	case domain.Buy:
		free := balances[g.config.QuoteAsset].Free
		if free < notional {
			return 0, fmt.Errorf("%w: %w: need %.2f %s, have %.2f", ports.ErrRiskLimit, ports.ErrInsufficientFunds, notional, g.config.QuoteAsset, free)
		}
	case domain.Sell:
		free := balances[g.config.BaseAsset].Free
		if free <= 0 {
			return 0, fmt.Errorf("%w: %w: no free %s to sell", ports.ErrRiskLimit, ports.ErrInsufficientFunds, g.config.BaseAsset)
		}
		amount = math.Min(amount, free)
	}
	return amount, nil
}
