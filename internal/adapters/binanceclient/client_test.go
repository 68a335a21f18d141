package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestFactory(t *testing.T, handler http.HandlerFunc) *Factory {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	f, err := NewFactory(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), RequestsPerSecond: 1000, Burst: 10, Logger: &mockLogger{}})
	require.NoError(t, err)
	return f
}

func connect(t *testing.T, f *Factory) ports.Exchange {
	t.Helper()
	ex, err := f.Connect(context.Background(), "alice", domain.Credentials{APIKey: "key", APISecret: "secret"})
	require.NoError(t, err)
	return ex
}

func TestFactory_ConnectRequiresCredentials(t *testing.T) {
	f, err := NewFactory(Config{Logger: &mockLogger{}})
	require.NoError(t, err)
	_, err = f.Connect(context.Background(), "alice", domain.Credentials{APIKey: "only-key"})
	assert.ErrorIs(t, err, ports.ErrMissingCredential)
}

func TestClient_GetTickerAndProvider(t *testing.T) {
	f := newTestFactory(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `[{"symbol":"BTCUSDT","price":"64123.45000000"}]`)
	})

	price, err := connect(t, f).GetTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 64123.45, price)

	p := NewTickerProvider(f, "BTCUSDT")
	assert.Equal(t, "binance", p.Name())
	price, err = p.Price(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 64123.45, price)
}

func TestClient_PlaceOrder(t *testing.T) {
	f := newTestFactory(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "MARKET", r.Form.Get("type"))
		assert.Equal(t, "BUY", r.Form.Get("side"))
		assert.Equal(t, "0.01", r.Form.Get("quantity"))
		assert.Equal(t, "key-1", r.Form.Get("newClientOrderId"))
		fmt.Fprint(w, `{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"key-1","transactTime":1700000000000,
			"price":"0.00000000","origQty":"0.01000000","executedQty":"0.01000000",
			"cummulativeQuoteQty":"640.50000000","status":"FILLED","timeInForce":"GTC","type":"MARKET","side":"BUY"}`)
	})

	resp, err := connect(t, f).PlaceOrder(context.Background(), ports.OrderRequest{Symbol: "BTCUSDT", Side: domain.Buy, Quantity: 0.01, ClientOrderID: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, "28", resp.OrderID)
	assert.Equal(t, "key-1", resp.ClientOrderID)
	assert.Equal(t, ports.OrderFilled, resp.State)
	assert.Equal(t, 0.01, resp.ExecutedQty)
	assert.Equal(t, 64050.0, resp.AvgPrice)
	assert.Equal(t, domain.Buy, resp.Side)
}

func TestClient_PlaceOrderRejectsDustQuantity(t *testing.T) {
	f := newTestFactory(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := connect(t, f).PlaceOrder(context.Background(), ports.OrderRequest{Symbol: "BTCUSDT", Side: domain.Sell, Quantity: 0.000001, ClientOrderID: "k"})
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestClient_APIErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		call    func(ex ports.Exchange) error
		wantErr error
	}{
		{
			name: "duplicate order",
			body: `{"code":-2010,"msg":"Duplicate order sent."}`,
			call: func(ex ports.Exchange) error {
				_, err := ex.PlaceOrder(context.Background(), ports.OrderRequest{Symbol: "BTCUSDT", Side: domain.Buy, Quantity: 0.01, ClientOrderID: "k"})
				return err
			},
			wantErr: ports.ErrDuplicateOrder,
		},
		{
			name: "insufficient balance",
			body: `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`,
			call: func(ex ports.Exchange) error {
				_, err := ex.PlaceOrder(context.Background(), ports.OrderRequest{Symbol: "BTCUSDT", Side: domain.Buy, Quantity: 0.01, ClientOrderID: "k"})
				return err
			},
			wantErr: ports.ErrInsufficientFunds,
		},
		{
			name: "order not found",
			body: `{"code":-2013,"msg":"Order does not exist."}`,
			call: func(ex ports.Exchange) error {
				_, err := ex.GetOrderStatus(context.Background(), "BTCUSDT", "k")
				return err
			},
			wantErr: ports.ErrOrderNotFound,
		},
		{
			name: "bad keys",
			body: `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`,
			call: func(ex ports.Exchange) error {
				_, err := ex.GetBalances(context.Background())
				return err
			},
			wantErr: ports.ErrInvalidAPIKeys,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFactory(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, tt.body)
			})
			err := tt.call(connect(t, f))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClient_GetOrderStatusAndBalances(t *testing.T) {
	f := newTestFactory(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/order":
			assert.Equal(t, "key-1", r.URL.Query().Get("origClientOrderId"))
			fmt.Fprint(w, `{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"key-1","price":"0","origQty":"0.02",
				"executedQty":"0.01","cummulativeQuoteQty":"650","status":"PARTIALLY_FILLED","type":"MARKET","side":"SELL",
				"time":1700000000000,"updateTime":1700000001000}`)
		case "/api/v3/account":
			fmt.Fprint(w, `{"balances":[{"asset":"BTC","free":"0.25000000","locked":"0"},{"asset":"USDT","free":"1000.5","locked":"0"}]}`)
		default:
			http.NotFound(w, r)
		}
	})
	ex := connect(t, f)

	resp, err := ex.GetOrderStatus(context.Background(), "BTCUSDT", "key-1")
	require.NoError(t, err)
	assert.Equal(t, ports.OrderPartiallyFilled, resp.State)
	assert.False(t, resp.State.Terminal())
	assert.Equal(t, 0.01, resp.ExecutedQty)
	assert.Equal(t, 65000.0, resp.AvgPrice)
	assert.Equal(t, domain.Sell, resp.Side)

	balances, err := ex.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.25, balances["BTC"].Free)
	assert.Equal(t, 1000.5, balances["USDT"].Free)
}

func TestHandleError_NonAPIErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, ports.ErrTimeout},
		{"canceled", context.Canceled, ports.ErrContextCanceled},
		{"refused", errors.New("dial tcp: connection refused"), ports.ErrConnectionFailed},
		{"other", errors.New("boom"), ports.ErrUnknown},
		{"rate limited", &common.APIError{Code: -1003, Message: "Too many requests"}, ports.ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := handleError(context.Background(), &mockLogger{}, tt.err, "op")
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, errors.Is(err, ports.ErrRateLimited) || errors.Is(err, ports.ErrTimeout) || errors.Is(err, ports.ErrConnectionFailed) || errors.Is(err, ports.ErrUnknown), ports.IsRetryable(err))
		})
	}
}

func TestTranslateState(t *testing.T) {
	tests := map[binance.OrderStatusType]ports.OrderState{
		binance.OrderStatusTypeNew:             ports.OrderNew,
		binance.OrderStatusTypePartiallyFilled: ports.OrderPartiallyFilled,
		binance.OrderStatusTypeFilled:          ports.OrderFilled,
		binance.OrderStatusTypeCanceled:        ports.OrderCanceled,
		binance.OrderStatusTypePendingCancel:   ports.OrderNew,
		binance.OrderStatusTypeRejected:        ports.OrderRejected,
		binance.OrderStatusTypeExpired:         ports.OrderExpired,
	}
	for in, want := range tests {
		assert.Equal(t, want, translateState(in), string(in))
	}
}

func TestFormatQuantity(t *testing.T) {
	assert.Equal(t, "0.12345", FormatQuantity(0.123456789, 5))
	assert.Equal(t, "0.1", FormatQuantity(0.1, 8))
	assert.Equal(t, "0", FormatQuantity(0.000001, 5))
}
