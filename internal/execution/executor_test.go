package execution

import (
	"context"
	"errors"
	"testing"
	"time"

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

// memLedger mirrors the sqlite ledger's append rules.
type memLedger struct {
	records   []*domain.TradeRecord
	pending   map[string]*domain.PendingOrder
	appendErr error
	saveErr   error
}

func newMemLedger() *memLedger {
	return &memLedger{pending: map[string]*domain.PendingOrder{}}
}

func (l *memLedger) Append(ctx context.Context, rec *domain.TradeRecord) (domain.PositionState, error) {
	if l.appendErr != nil {
		return domain.PositionState{}, l.appendErr
	}
	if rec.Status != domain.StatusTimedOut {
		for _, r := range l.records {
			if r.UserID == rec.UserID && r.ClientOrderID == rec.ClientOrderID && r.Status != domain.StatusTimedOut {
				return domain.PositionState{}, ports.ErrDuplicateEntry
			}
		}
		delete(l.pending, rec.UserID)
	}
	cp := *rec
	cp.ID = int64(len(l.records) + 1)
	l.records = append(l.records, &cp)
	return domain.PositionState{UserID: rec.UserID, LastRecordID: cp.ID}, nil
}

func (l *memLedger) GetPosition(ctx context.Context, userID string) (domain.PositionState, error) {
	return domain.PositionState{UserID: userID}, nil
}

func (l *memLedger) History(ctx context.Context, userID string, limit int) ([]*domain.TradeRecord, error) {
	return l.records, nil
}

func (l *memLedger) CountToday(ctx context.Context, userID string) (int, error) {
	return len(l.records), nil
}

func (l *memLedger) SavePending(ctx context.Context, order *domain.PendingOrder) error {
	if l.saveErr != nil {
		return l.saveErr
	}
	cp := *order
	l.pending[order.UserID] = &cp
	return nil
}

func (l *memLedger) UpdatePending(ctx context.Context, order *domain.PendingOrder) error {
	cp := *order
	l.pending[order.UserID] = &cp
	return nil
}

func (l *memLedger) PendingOrder(ctx context.Context, userID string) (*domain.PendingOrder, error) {
	return l.pending[userID], nil
}

func (l *memLedger) ClearPending(ctx context.Context, userID, clientOrderID string) error {
	if p, ok := l.pending[userID]; ok && p.ClientOrderID == clientOrderID {
		delete(l.pending, userID)
	}
	return nil
}

func (l *memLedger) fills() int {
	n := 0
	for _, r := range l.records {
		if r.Status.IsFill() {
			n++
		}
	}
	return n
}

type recordingSink struct {
	events []domain.Event
}

func (s *recordingSink) Notify(userID string, event domain.Event) {
	s.events = append(s.events, event)
}

// fakeExchange remembers client order ids like a real exchange does.
type fakeExchange struct {
	price      float64
	placeState ports.OrderState
	placeErrs  []error
	loseFirst  bool // accept the first order but fail the response
	statuses   []ports.OrderResponse
	statusErr  error

	placed      map[string]bool
	placeCalls  int
	statusCalls int
}

func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (float64, error) {
	return f.price, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	f.placeCalls++
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.placed == nil {
		f.placed = map[string]bool{}
	}
	if f.placed[req.ClientOrderID] {
		return nil, ports.ErrDuplicateOrder
	}
	f.placed[req.ClientOrderID] = true
	if f.loseFirst {
		f.loseFirst = false
		return nil, ports.ErrConnectionFailed
	}
	resp := &ports.OrderResponse{OrderID: "42", ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Side: req.Side, State: f.placeState, OrigQuantity: req.Quantity}
	if f.placeState == ports.OrderFilled {
		resp.ExecutedQty = req.Quantity
		resp.AvgPrice = f.price
	}
	return resp, nil
}

func (f *fakeExchange) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if len(f.statuses) == 0 {
		return nil, ports.ErrOrderNotFound
	}
	s := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	s.ClientOrderID = clientOrderID
	return &s, nil
}

func (f *fakeExchange) GetBalances(ctx context.Context) (map[string]ports.Balance, error) {
	return map[string]ports.Balance{}, nil
}

type staticFactory struct {
	ex    ports.Exchange
	calls int
}

func (s *staticFactory) Connect(ctx context.Context, userID string, creds domain.Credentials) (ports.Exchange, error) {
	s.calls++
	return s.ex, nil
}

type vetoRisk struct{}

func (vetoRisk) Check(ctx context.Context, userID string, d domain.Decision, ex ports.Exchange) (float64, error) {
	return 0, ports.ErrRiskLimit
}

type fixture struct {
	ledger *memLedger
	sink   *recordingSink
	ex     *fakeExchange
	exec   *Executor
}

func newFixture(t *testing.T, ex *fakeExchange) *fixture {
	t.Helper()
	f := &fixture{ledger: newMemLedger(), sink: &recordingSink{}, ex: ex}
	exec, err := New(Config{
		Ledger:   f.ledger,
		Events:   f.sink,
		Logger:   &mockLogger{},
		Live:     &staticFactory{ex: ex},
		Symbol:   "BTCUSDT",
		Now:      func() time.Time { return time.Unix(1700000100, 0) },
		Retries:  2,
		PollBase: time.Millisecond,
		PollMax:  2 * time.Millisecond,
		Attempts: 3,
		Deadline: 5 * time.Second,
	})
	require.NoError(t, err)
	f.exec = exec
	return f
}

var quoteTime = time.Unix(1700000000, 0)

func buyDecision() domain.Decision {
	return domain.Decision{
		Action: domain.ActionBuy,
		Reason: domain.ReasonBuyThreshold,
		Amount: 0.01,
		Quote:  domain.Quote{Price: 100, Timestamp: quoteTime, Source: "test"},
	}
}

func tradingConfig() domain.TradingConfig {
	return domain.TradingConfig{UserID: "alice", Symbol: "BTCUSDT", BuyThreshold: 100, SellThreshold: 110, TolerancePct: 0.01, TradeAmount: 0.01, Enabled: true}
}

var creds = domain.Credentials{APIKey: "k", APISecret: "s"}

func TestExecute_FilledImmediately(t *testing.T) {
	f := newFixture(t, &fakeExchange{price: 99.5, placeState: ports.OrderFilled})

	rec, err := f.exec.Execute(context.Background(), "alice", buyDecision(), tradingConfig(), creds)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFilled, rec.Status)
	assert.Equal(t, 0.01, rec.Amount)
	assert.Equal(t, 99.5, rec.Price)
	assert.Equal(t, "42", rec.ExchangeOrderID)
	assert.Equal(t, IdempotencyKey("alice", domain.Buy, quoteTime), rec.ClientOrderID)
	assert.Equal(t, domain.ReasonBuyThreshold, rec.Reason)
	assert.Len(t, f.ledger.records, 1)
	assert.Empty(t, f.ledger.pending)
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, domain.EventTradeExecuted, f.sink.events[0].Type)
}

func TestExecute_PollsUntilPartialFill(t *testing.T) {
	ex := &fakeExchange{price: 100, placeState: ports.OrderNew, statuses: []ports.OrderResponse{
		{OrderID: "42", State: ports.OrderPartiallyFilled, OrigQuantity: 0.01, ExecutedQty: 0.004, AvgPrice: 100.2},
		{OrderID: "42", State: ports.OrderCanceled, OrigQuantity: 0.01, ExecutedQty: 0.004, AvgPrice: 100.2},
	}}
	f := newFixture(t, ex)

	rec, err := f.exec.Execute(context.Background(), "alice", buyDecision(), tradingConfig(), creds)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPartiallyFilled, rec.Status)
	assert.Equal(t, 0.004, rec.Amount)
	assert.Equal(t, 0.01, rec.RequestedAmount)
	assert.Equal(t, 100.2, rec.Price)
	assert.Equal(t, 2, ex.statusCalls)
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, domain.EventTradeExecuted, f.sink.events[0].Type)
}

func TestExecute_RejectedWithoutFillIsFailed(t *testing.T) {
	ex := &fakeExchange{placeState: ports.OrderRejected}
	f := newFixture(t, ex)

	rec, err := f.exec.Execute(context.Background(), "alice", buyDecision(), tradingConfig(), creds)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Zero(t, rec.Amount)
	assert.Equal(t, 100.0, rec.Price)
}

func TestExecute_NonRetryableFailure(t *testing.T) {
	ex := &fakeExchange{placeErrs: []error{ports.ErrInsufficientFunds}}
	f := newFixture(t, ex)

	rec, err := f.exec.Execute(context.Background(), "alice", buyDecision(), tradingConfig(), creds)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, 1, ex.placeCalls)
	assert.Zero(t, ex.statusCalls)
	assert.Empty(t, f.ledger.pending)
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, domain.EventTradeFailed, f.sink.events[0].Type)
}

func TestExecute_LostResponseResolvedByDuplicate(t *testing.T) {
	ex := &fakeExchange{price: 100, placeState: ports.OrderNew, loseFirst: true, statuses: []ports.OrderResponse{
		{OrderID: "42", State: ports.OrderFilled, OrigQuantity: 0.01, ExecutedQty: 0.01, AvgPrice: 100.1},
	}}
	f := newFixture(t, ex)

	rec, err := f.exec.Execute(context.Background(), "alice", buyDecision(), tradingConfig(), creds)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFilled, rec.Status)
	assert.Equal(t, 2, ex.placeCalls)
	assert.Len(t, ex.placed, 1)
	assert.Equal(t, 1, f.ledger.fills())
}

func TestExecute_RetriesExhaustedAndUnknownToExchange(t *testing.T) {
	ex := &fakeExchange{placeErrs: []error{ports.ErrConnectionFailed, ports.ErrConnectionFailed, ports.ErrConnectionFailed}}
	f := newFixture(t, ex)

	rec, err := f.exec.Execute(context.Background(), "alice", buyDecision(), tradingConfig(), creds)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, 3, ex.placeCalls)
	assert.Equal(t, 1, ex.statusCalls)
	assert.Empty(t, f.ledger.pending)
}

func TestExecute_TimeoutThenReconciledExactlyOnce(t *testing.T) {
	ex := &fakeExchange{
		placeErrs: []error{ports.ErrConnectionFailed, ports.ErrConnectionFailed, ports.ErrConnectionFailed},
		statusErr: ports.ErrExchangeUnavailable,
	}
	f := newFixture(t, ex)
	ctx := context.Background()

	rec, err := f.exec.Execute(ctx, "alice", buyDecision(), tradingConfig(), creds)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTimedOut, rec.Status)

	pending, err := f.ledger.PendingOrder(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, domain.PendingTimedOut, pending.State)

	// Still unreachable: nothing new is recorded.
	_, err = f.exec.Reconcile(ctx, pending, creds)
	assert.ErrorIs(t, err, ports.ErrOrderTimedOut)
	assert.Len(t, f.ledger.records, 1)

	// The order went through after all.
	ex.statusErr = nil
	ex.statuses = []ports.OrderResponse{{OrderID: "42", State: ports.OrderFilled, OrigQuantity: 0.01, ExecutedQty: 0.01, AvgPrice: 100.3}}

	rec, err = f.exec.Reconcile(ctx, pending, creds)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, rec.Status)
	assert.Equal(t, 100.3, rec.Price)
	assert.Contains(t, rec.Reason, domain.ReasonReconciled)
	assert.Empty(t, f.ledger.pending)

	// A second reconcile of the same intent is a no-op.
	_, err = f.exec.Reconcile(ctx, pending, creds)
	require.NoError(t, err)

	assert.Equal(t, 1, f.ledger.fills())
	assert.Len(t, f.ledger.records, 2)
	require.Len(t, f.sink.events, 2)
	assert.Equal(t, domain.EventTradeFailed, f.sink.events[0].Type)
	assert.Equal(t, domain.EventTradeExecuted, f.sink.events[1].Type)
}

func TestExecute_PollingExhaustedIsTimedOut(t *testing.T) {
	ex := &fakeExchange{placeState: ports.OrderNew, statuses: []ports.OrderResponse{{OrderID: "42", State: ports.OrderNew, OrigQuantity: 0.01}}}
	f := newFixture(t, ex)
	ctx := context.Background()

	rec, err := f.exec.Execute(ctx, "alice", buyDecision(), tradingConfig(), creds)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTimedOut, rec.Status)
	assert.Equal(t, "42", rec.ExchangeOrderID)
	assert.Equal(t, 3, ex.statusCalls)

	pending, _ := f.ledger.PendingOrder(ctx, "alice")
	require.NotNil(t, pending)
	_, err = f.exec.Reconcile(ctx, pending, creds)
	assert.ErrorIs(t, err, ports.ErrOrderTimedOut)
}

func TestReconcile_UnknownOrderIsFailed(t *testing.T) {
	f := newFixture(t, &fakeExchange{})
	pending := &domain.PendingOrder{UserID: "alice", ClientOrderID: "abc", Symbol: "BTCUSDT", Side: domain.Buy, Amount: 0.01, QuotePrice: 100, State: domain.PendingCreated}
	require.NoError(t, f.ledger.SavePending(context.Background(), pending))

	rec, err := f.exec.Reconcile(context.Background(), pending, creds)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Empty(t, f.ledger.pending)
}

func TestExecute_SameDecisionTwiceRecordsOnce(t *testing.T) {
	ex := &fakeExchange{price: 100, placeState: ports.OrderFilled, statuses: []ports.OrderResponse{
		{OrderID: "42", State: ports.OrderFilled, OrigQuantity: 0.01, ExecutedQty: 0.01, AvgPrice: 100},
	}}
	f := newFixture(t, ex)

	_, err := f.exec.Execute(context.Background(), "alice", buyDecision(), tradingConfig(), creds)
	require.NoError(t, err)
	_, err = f.exec.Execute(context.Background(), "alice", buyDecision(), tradingConfig(), creds)
	require.NoError(t, err)

	assert.Len(t, ex.placed, 1)
	assert.Equal(t, 1, f.ledger.fills())
	assert.Len(t, f.sink.events, 1)
}

func TestExecute_LedgerFailure(t *testing.T) {
	f := newFixture(t, &fakeExchange{price: 100, placeState: ports.OrderFilled})
	f.ledger.appendErr = errors.New("disk full")

	_, err := f.exec.Execute(context.Background(), "alice", buyDecision(), tradingConfig(), creds)
	assert.ErrorIs(t, err, ports.ErrLedgerWriteFailed)
	assert.Empty(t, f.sink.events)
}

func TestExecute_PendingNotSavedMeansNoOrder(t *testing.T) {
	ex := &fakeExchange{placeState: ports.OrderFilled}
	f := newFixture(t, ex)
	f.ledger.saveErr = errors.New("locked")

	_, err := f.exec.Execute(context.Background(), "alice", buyDecision(), tradingConfig(), creds)
	assert.ErrorIs(t, err, ports.ErrLedgerWriteFailed)
	assert.Zero(t, ex.placeCalls)
}

func TestExecute_RiskVeto(t *testing.T) {
	ex := &fakeExchange{placeState: ports.OrderFilled}
	f := newFixture(t, ex)
	f.exec.risk = vetoRisk{}

	_, err := f.exec.Execute(context.Background(), "alice", buyDecision(), tradingConfig(), creds)
	assert.ErrorIs(t, err, ports.ErrRiskLimit)
	assert.Zero(t, ex.placeCalls)
	assert.Empty(t, f.ledger.records)
	assert.Empty(t, f.ledger.pending)
}

func TestExecute_DemoModeUsesDemoExchange(t *testing.T) {
	f := newFixture(t, &fakeExchange{})
	demo := &fakeExchange{price: 100, placeState: ports.OrderFilled}
	demoFactory := &staticFactory{ex: demo}
	f.exec.demo = demoFactory

	cfg := tradingConfig()
	cfg.DemoMode = true
	rec, err := f.exec.Execute(context.Background(), "alice", buyDecision(), cfg, domain.Credentials{})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFilled, rec.Status)
	assert.Equal(t, 1, demoFactory.calls)
	assert.Zero(t, f.ex.placeCalls)
}

func TestExecute_CancelledContextStillRecords(t *testing.T) {
	ex := &fakeExchange{price: 100, placeState: ports.OrderNew, statuses: []ports.OrderResponse{
		{OrderID: "42", State: ports.OrderFilled, OrigQuantity: 0.01, ExecutedQty: 0.01, AvgPrice: 100},
	}}
	f := newFixture(t, ex)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := f.exec.Execute(ctx, "alice", buyDecision(), tradingConfig(), creds)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, rec.Status)
	assert.Equal(t, 1, f.ledger.fills())
}

func TestExecute_NotActionable(t *testing.T) {
	f := newFixture(t, &fakeExchange{})
	_, err := f.exec.Execute(context.Background(), "alice", domain.Decision{Action: domain.ActionNone}, tradingConfig(), creds)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("alice", domain.Buy, quoteTime)
	assert.Equal(t, a, IdempotencyKey("alice", domain.Buy, quoteTime))
	assert.NotEqual(t, a, IdempotencyKey("alice", domain.Sell, quoteTime))
	assert.NotEqual(t, a, IdempotencyKey("bob", domain.Buy, quoteTime))
	assert.NotEqual(t, a, IdempotencyKey("alice", domain.Buy, quoteTime.Add(time.Nanosecond)))
}
