package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://api.binance.com"
	baseURLTestnet    = "https://testnet.binance.vision"

	defaultQuantityPrecision = 5
)

// Config holds configuration for the Binance spot adapter.
type Config struct {
	UseTestnet        bool
	BaseURL           string // overrides UseTestnet when set
	HTTPClient        *http.Client
	RequestsPerSecond float64 // shared across every user
	Burst             int
	QuantityPrecision int32 // decimal places accepted by the symbol's LOT_SIZE filter
	Logger            ports.Logger
}

// Factory builds per-user spot clients. All clients share one HTTP connection
// pool, one request limiter and the measured server time offset.
type Factory struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	precision  int32
	logger     ports.Logger
	timeOffset atomic.Int64
}

// NewFactory creates a Factory.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = baseURLProduction
		if cfg.UseTestnet {
			baseURL = baseURLTestnet
		}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	precision := cfg.QuantityPrecision
	if precision <= 0 {
		precision = defaultQuantityPrecision
	}
	cfg.Logger.Info(context.Background(), "Binance spot client configured", map[string]interface{}{"baseURL": baseURL, "requestsPerSecond": rps})

	return &Factory{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		precision:  precision,
		logger:     cfg.Logger,
	}, nil
}

func (f *Factory) newAPI(apiKey, secretKey string) *binance.Client {
	api := binance.NewClient(apiKey, secretKey)
	api.BaseURL = f.baseURL
	api.HTTPClient = f.httpClient
	api.TimeOffset = f.timeOffset.Load()
	return api
}

// Connect returns a client authenticated as the user. Credentials are held only
// by the returned client.
func (f *Factory) Connect(ctx context.Context, userID string, creds domain.Credentials) (ports.Exchange, error) {
	if creds.Empty() {
		return nil, fmt.Errorf("connect %s: %w", userID, ports.ErrMissingCredential)
	}
	return &Client{
		api:       f.newAPI(creds.APIKey, creds.APISecret),
		limiter:   f.limiter,
		precision: f.precision,
		logger:    f.logger,
		userID:    userID,
	}, nil
}

// SyncServerTime measures the offset between local and exchange time and applies
// it to every client created afterwards.
func (f *Factory) SyncServerTime(ctx context.Context) error {
	op := "SyncServerTime"
	if err := f.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrContextCanceled, err)
	}
	serverMs, err := f.newAPI("", "").NewServerTimeService().Do(ctx)
	if err != nil {
		return handleError(ctx, f.logger, err, op)
	}
	offset := serverMs - time.Now().UnixMilli()
	f.timeOffset.Store(offset)
	f.logger.Info(ctx, op+" successful", map[string]interface{}{"offsetMs": offset})
	return nil
}

// TickerProvider serves the public last-trade price as a feed provider.
type TickerProvider struct {
	factory *Factory
	symbol  string
}

// NewTickerProvider creates a price provider for symbol.
func NewTickerProvider(f *Factory, symbol string) *TickerProvider {
	return &TickerProvider{factory: f, symbol: symbol}
}

// Name identifies the provider in quotes and logs.
func (p *TickerProvider) Name() string { return "binance" }

// Price fetches the last price without credentials.
func (p *TickerProvider) Price(ctx context.Context) (float64, error) {
	c := &Client{api: p.factory.newAPI("", ""), limiter: p.factory.limiter, logger: p.factory.logger}
	return c.GetTicker(ctx, p.symbol)
}

// Client implements ports.Exchange for one user on Binance spot.
type Client struct {
	api       *binance.Client
	limiter   *rate.Limiter
	precision int32
	logger    ports.Logger
	userID    string
}

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrContextCanceled, err)
	}
	return nil
}

// GetTicker retrieves the last price for symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (float64, error) {
	op := "GetTicker"
	if err := c.wait(ctx, op); err != nil {
		return 0, err
	}
	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, handleError(ctx, c.logger, err, op)
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			return 0, handleError(ctx, c.logger, fmt.Errorf("could not parse price '%s': %w", p.Price, err), op)
		}
		return price, nil
	}
	return 0, handleError(ctx, c.logger, fmt.Errorf("no price data returned for symbol %s", symbol), op)
}

// PlaceOrder places a market order tagged with the request's client order id.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	op := "PlaceOrder"
	qty := FormatQuantity(req.Quantity, c.precision)
	if qty == "0" {
		return nil, fmt.Errorf("%s failed: %w: quantity %v rounds to zero", op, ports.ErrInvalidRequest, req.Quantity)
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	order, err := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderTypeMarket).
		Quantity(qty).
		NewClientOrderID(req.ClientOrderID).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return nil, handleError(ctx, c.logger, err, op)
	}

	resp := translateCreateOrder(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"userID": c.userID, "symbol": req.Symbol, "side": req.Side, "quantity": qty, "orderID": resp.OrderID, "state": resp.State, "avgPrice": resp.AvgPrice})
	return resp, nil
}

// GetOrderStatus looks an order up by its client order id.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	op := "GetOrderStatus"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	order, err := c.api.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		return nil, handleError(ctx, c.logger, err, op)
	}
	return translateOrder(order), nil
}

// GetBalances returns free balances keyed by asset.
func (c *Client) GetBalances(ctx context.Context) (map[string]ports.Balance, error) {
	op := "GetBalances"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	account, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, handleError(ctx, c.logger, err, op)
	}
	balances := make(map[string]ports.Balance, len(account.Balances))
	for _, b := range account.Balances {
		free, err := strconv.ParseFloat(b.Free, 64)
		if err != nil {
			return nil, handleError(ctx, c.logger, fmt.Errorf("could not parse balance '%s' for asset %s: %w", b.Free, b.Asset, err), op)
		}
		balances[b.Asset] = ports.Balance{Asset: b.Asset, Free: free}
	}
	return balances, nil
}

// handleError translates Binance API errors into ports errors.
func handleError(ctx context.Context, logger ports.Logger, err error, operation string) error {
	if err == nil {
		return nil
	}
	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1007: // Timeout waiting for response from backend server, outcome unknown
			mappedErr = ports.ErrTimeout
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1013, -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1112, -1114, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			msg := strings.ToLower(apiErr.Message)
			switch {
			case strings.Contains(msg, "duplicate"):
				mappedErr = ports.ErrDuplicateOrder
			case strings.Contains(msg, "insufficient balance"):
				mappedErr = ports.ErrInsufficientFunds
			default:
				mappedErr = ports.ErrOrderPlacementFailed
			}
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrInvalidAPIKeys
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrInvalidAPIKeys
		case -3005: // Insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		default:
			mappedErr = ports.ErrUnknown
		}
		// Expected outcomes the executor handles itself.
		if errors.Is(mappedErr, ports.ErrOrderNotFound) || errors.Is(mappedErr, ports.ErrDuplicateOrder) {
			logger.Debug(ctx, operation+" returned "+mappedErr.Error(), fields)
		} else {
			logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		}
		return fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
	}

	var finalErr error
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "no such host"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// --- Translation Helpers ---

// FormatQuantity truncates q to the given number of decimal places, never
// rounding up past what the account holds.
func FormatQuantity(q float64, places int32) string {
	return decimal.NewFromFloat(q).Truncate(places).String()
}

func translateState(s binance.OrderStatusType) ports.OrderState {
	switch s {
	case binance.OrderStatusTypeFilled:
		return ports.OrderFilled
	case binance.OrderStatusTypePartiallyFilled:
		return ports.OrderPartiallyFilled
	case binance.OrderStatusTypeCanceled:
		return ports.OrderCanceled
	case binance.OrderStatusTypeRejected:
		return ports.OrderRejected
	case binance.OrderStatusTypeExpired, binance.OrderStatusType("EXPIRED_IN_MATCH"):
		return ports.OrderExpired
	default:
		// NEW, PENDING_CANCEL and anything unrecognised are still open.
		return ports.OrderNew
	}
}

// averagePrice derives the fill price from cumulative quote over executed base.
func averagePrice(executed, cumulativeQuote string) (qty float64, avg float64) {
	exec, err := decimal.NewFromString(executed)
	if err != nil || !exec.IsPositive() {
		return 0, 0
	}
	quote, err := decimal.NewFromString(cumulativeQuote)
	if err != nil {
		return exec.InexactFloat64(), 0
	}
	return exec.InexactFloat64(), quote.Div(exec).InexactFloat64()
}

func translateCreateOrder(order *binance.CreateOrderResponse) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, avg := averagePrice(order.ExecutedQuantity, order.CummulativeQuoteQuantity)
	return &ports.OrderResponse{
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          domain.OrderSide(order.Side),
		State:         translateState(order.Status),
		OrigQuantity:  origQty,
		ExecutedQty:   execQty,
		AvgPrice:      avg,
		Timestamp:     time.UnixMilli(order.TransactTime),
	}
}

func translateOrder(order *binance.Order) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, avg := averagePrice(order.ExecutedQuantity, order.CummulativeQuoteQuantity)
	return &ports.OrderResponse{
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          domain.OrderSide(order.Side),
		State:         translateState(order.Status),
		OrigQuantity:  origQty,
		ExecutedQty:   execQty,
		AvgPrice:      avg,
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}
