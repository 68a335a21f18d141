package ports

import (
	"context"
	"time"

	"thresholdBot/internal/domain"
)

// OrderState is the exchange-side lifecycle state of an order.
type OrderState string

const (
	OrderNew             OrderState = "NEW"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCanceled        OrderState = "CANCELED"
	OrderRejected        OrderState = "REJECTED"
	OrderExpired         OrderState = "EXPIRED"
)

// Terminal reports whether the exchange will not change the order any more.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// OrderRequest describes a market order.
type OrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Quantity      float64
	ClientOrderID string // idempotency key, the exchange rejects duplicates
}

// OrderResponse represents the essential details of an order on the exchange.
type OrderResponse struct {
	OrderID       string // Exchange's order ID
	ClientOrderID string // Idempotency key echoed back
	Symbol        string // Symbol for the order
	Side          domain.OrderSide
	State         OrderState // Exchange lifecycle state
	OrigQuantity  float64    // Original quantity requested
	ExecutedQty   float64    // Quantity filled
	AvgPrice      float64    // Average filled price, 0 when nothing filled
	Timestamp     time.Time  // Time the order response was generated
}

// Balance is the free amount of one asset.
type Balance struct {
	Asset string
	Free  float64
}

// Exchange is the narrow contract the engine needs from a spot exchange.
type Exchange interface {
	// GetTicker retrieves the last traded price for a symbol.
	GetTicker(ctx context.Context, symbol string) (float64, error)

	// PlaceOrder submits a market order. Submitting the same ClientOrderID twice
	// must never create a second order; adapters return ErrDuplicateOrder instead.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)

	// GetOrderStatus looks an order up by its client order id.
	// Returns ErrOrderNotFound when the exchange has no such order.
	GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderResponse, error)

	// GetBalances returns free balances keyed by asset.
	GetBalances(ctx context.Context) (map[string]Balance, error)
}

// ExchangeFactory builds an Exchange bound to one user's credentials.
// The returned client must not outlive the call it was created for.
type ExchangeFactory interface {
	Connect(ctx context.Context, userID string, creds domain.Credentials) (Exchange, error)
}

// PriceProvider is one source of spot prices for the feed.
type PriceProvider interface {
	Name() string
	Price(ctx context.Context) (float64, error)
}
