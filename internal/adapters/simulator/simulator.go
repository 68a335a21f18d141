// Package simulator is the paper-trading exchange behind demo mode. Market
// orders fill immediately at the current price against per-user in-memory
// balances, which reset when the process restarts.
package simulator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

// Config holds the simulator settings.
type Config struct {
	BaseAsset    string
	QuoteAsset   string
	InitialBase  float64 // starting base balance per user
	InitialQuote float64 // starting quote balance per user
	FeeRate      float64 // e.g. 0.001, charged in the quote asset
	BuyFeeInBase bool    // take the buy commission out of the bought base asset, as Binance does
	Prices       ports.PriceProvider
	Logger       ports.Logger
	Now          func() time.Time
}

type account struct {
	base   decimal.Decimal
	quote  decimal.Decimal
	orders map[string]*ports.OrderResponse // by client order id
}

// Exchange holds every demo account. Connect hands out per-user views.
type Exchange struct {
	cfg    Config
	fee    decimal.Decimal
	nextID int64

	mu       sync.Mutex
	accounts map[string]*account
}

// New creates a simulator.
func New(cfg Config) (*Exchange, error) {
	if cfg.Prices == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("simulator requires a price provider and a logger")
	}
	if cfg.BaseAsset == "" || cfg.QuoteAsset == "" {
		return nil, fmt.Errorf("simulator requires base and quote assets")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Exchange{
		cfg:      cfg,
		fee:      decimal.NewFromFloat(cfg.FeeRate),
		accounts: make(map[string]*account),
	}, nil
}

// Connect returns the user's demo account. Credentials are not needed.
func (s *Exchange) Connect(ctx context.Context, userID string, creds domain.Credentials) (ports.Exchange, error) {
	return &userExchange{sim: s, userID: userID}, nil
}

// account returns the user's account, creating it with the initial balances.
// Callers hold s.mu.
func (s *Exchange) account(userID string) *account {
	a, ok := s.accounts[userID]
	if !ok {
		a = &account{
			base:   decimal.NewFromFloat(s.cfg.InitialBase),
			quote:  decimal.NewFromFloat(s.cfg.InitialQuote),
			orders: make(map[string]*ports.OrderResponse),
		}
		s.accounts[userID] = a
		s.cfg.Logger.Info(context.Background(), "Demo account opened", map[string]interface{}{"userID": userID, "base": s.cfg.InitialBase, "quote": s.cfg.InitialQuote})
	}
	return a
}

type userExchange struct {
	sim    *Exchange
	userID string
}

func (u *userExchange) GetTicker(ctx context.Context, symbol string) (float64, error) {
	price, err := u.sim.cfg.Prices.Price(ctx)
	if err != nil {
		return 0, fmt.Errorf("GetTicker failed: %w: %w", ports.ErrExchangeUnavailable, err)
	}
	return price, nil
}

func (u *userExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	op := "PlaceOrder"
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%s failed: %w: quantity must be positive", op, ports.ErrInvalidRequest)
	}

	s := u.sim
	s.mu.Lock()
	_, dup := s.account(u.userID).orders[req.ClientOrderID]
	s.mu.Unlock()
	if dup {
		return nil, fmt.Errorf("%s failed: %w: %s", op, ports.ErrDuplicateOrder, req.ClientOrderID)
	}

	price, err := s.cfg.Prices.Price(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrExchangeUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.account(u.userID)
	if _, ok := a.orders[req.ClientOrderID]; ok {
		return nil, fmt.Errorf("%s failed: %w: %s", op, ports.ErrDuplicateOrder, req.ClientOrderID)
	}

	qty := decimal.NewFromFloat(req.Quantity)
	px := decimal.NewFromFloat(price)
	notional := qty.Mul(px)
	fee := notional.Mul(s.fee)

	switch req.Side {
	case domain.Buy:
		cost, received := notional.Add(fee), qty
		if s.cfg.BuyFeeInBase {
			cost, received = notional, qty.Sub(qty.Mul(s.fee))
		}
		if a.quote.LessThan(cost) {
			return nil, fmt.Errorf("%s failed: %w: need %s %s, have %s", op, ports.ErrInsufficientFunds, cost.StringFixed(2), s.cfg.QuoteAsset, a.quote.StringFixed(2))
		}
		a.quote = a.quote.Sub(cost)
		a.base = a.base.Add(received)
	case domain.Sell:
		if a.base.LessThan(qty) {
			return nil, fmt.Errorf("%s failed: %w: need %s %s, have %s", op, ports.ErrInsufficientFunds, qty.String(), s.cfg.BaseAsset, a.base.String())
		}
		a.base = a.base.Sub(qty)
		a.quote = a.quote.Add(notional.Sub(fee))
	default:
		return nil, fmt.Errorf("%s failed: %w: unknown side %q", op, ports.ErrInvalidRequest, req.Side)
	}

	s.nextID++
	resp := &ports.OrderResponse{
		OrderID:       "demo-" + strconv.FormatInt(s.nextID, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		State:         ports.OrderFilled,
		OrigQuantity:  req.Quantity,
		ExecutedQty:   req.Quantity,
		AvgPrice:      price,
		Timestamp:     s.cfg.Now(),
	}
	a.orders[req.ClientOrderID] = resp
	s.cfg.Logger.Info(ctx, "Demo order filled", map[string]interface{}{"userID": u.userID, "side": req.Side, "quantity": req.Quantity, "price": price, "fee": fee.InexactFloat64()})

	out := *resp
	return &out, nil
}

func (u *userExchange) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	s := u.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.account(u.userID).orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("GetOrderStatus failed: %w: %s", ports.ErrOrderNotFound, clientOrderID)
	}
	out := *resp
	return &out, nil
}

func (u *userExchange) GetBalances(ctx context.Context) (map[string]ports.Balance, error) {
	s := u.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.account(u.userID)
	return map[string]ports.Balance{
		s.cfg.BaseAsset:  {Asset: s.cfg.BaseAsset, Free: a.base.InexactFloat64()},
		s.cfg.QuoteAsset: {Asset: s.cfg.QuoteAsset, Free: a.quote.InexactFloat64()},
	}, nil
}
