// Package execution drives one order from decision to a recorded terminal outcome.
//
// Every order walks Pending -> Submitted -> {Filled | PartiallyFilled | Failed |
// TimedOut}. The pending intent is written to the ledger before anything reaches
// the exchange and the client order id is derived from the decision, so a crash
// or a retried submission can always be reconciled against the exchange.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

const (
	defaultSubmitRetries = 3
	defaultPollBase      = time.Second
	defaultPollMax       = 30 * time.Second
	defaultPollAttempts  = 8
	defaultDeadline      = 2 * time.Minute
)

// RiskChecker vetoes or resizes an order before it is submitted.
type RiskChecker interface {
	Check(ctx context.Context, userID string, d domain.Decision, ex ports.Exchange) (float64, error)
}

// Config wires an Executor.
type Config struct {
	Ledger   ports.Ledger
	Events   ports.EventSink
	Logger   ports.Logger
	Live     ports.ExchangeFactory
	Demo     ports.ExchangeFactory // used when TradingConfig.DemoMode is set
	Risk     RiskChecker           // optional
	Symbol   string                // default symbol when the config has none
	Now      func() time.Time
	Retries  int           // submission attempts after the first, negative for none
	PollBase time.Duration // first status poll delay
	PollMax  time.Duration // status poll delay cap
	Attempts int           // status polls before giving up
	Deadline time.Duration // hard limit for submit + polling
}

// Executor submits orders and records their outcome.
type Executor struct {
	ledger   ports.Ledger
	events   ports.EventSink
	logger   ports.Logger
	live     ports.ExchangeFactory
	demo     ports.ExchangeFactory
	risk     RiskChecker
	symbol   string
	now      func() time.Time
	retries  int
	pollBase time.Duration
	pollMax  time.Duration
	attempts int
	deadline time.Duration
}

// New creates an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Ledger == nil || cfg.Events == nil || cfg.Logger == nil || cfg.Live == nil {
		return nil, fmt.Errorf("missing required dependencies for executor")
	}
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("executor symbol must be set")
	}
	e := &Executor{
		ledger:   cfg.Ledger,
		events:   cfg.Events,
		logger:   cfg.Logger,
		live:     cfg.Live,
		demo:     cfg.Demo,
		risk:     cfg.Risk,
		symbol:   cfg.Symbol,
		now:      cfg.Now,
		retries:  cfg.Retries,
		pollBase: cfg.PollBase,
		pollMax:  cfg.PollMax,
		attempts: cfg.Attempts,
		deadline: cfg.Deadline,
	}
	if e.now == nil {
		e.now = time.Now
	}
	switch {
	case e.retries == 0:
		e.retries = defaultSubmitRetries
	case e.retries < 0:
		e.retries = 0
	}
	if e.pollBase <= 0 {
		e.pollBase = defaultPollBase
	}
	if e.pollMax <= 0 {
		e.pollMax = defaultPollMax
	}
	if e.attempts <= 0 {
		e.attempts = defaultPollAttempts
	}
	if e.deadline <= 0 {
		e.deadline = defaultDeadline
	}
	return e, nil
}

// Execute submits the decision for userID and records exactly one terminal
// outcome. Cancelling ctx does not abort an order already handed to the
// exchange: submission and polling run detached, bounded by the deadline.
//
// A nil error means the outcome was recorded; check the record's status.
// Errors wrapping ErrLedgerWriteFailed mean the outcome may not be recorded.
func (e *Executor) Execute(ctx context.Context, userID string, d domain.Decision, cfg domain.TradingConfig, creds domain.Credentials) (*domain.TradeRecord, error) {
	op := "Execute"
	side, ok := d.Action.Side()
	if !ok {
		return nil, fmt.Errorf("%s: %w: decision %s is not actionable", op, ports.ErrInvalidRequest, d.Action)
	}
	symbol := e.symbolFor(cfg)

	ex, err := e.connect(ctx, userID, cfg.DemoMode, creds)
	if err != nil {
		return nil, err
	}

	amount := d.Amount
	if e.risk != nil {
		amount, err = e.risk.Check(ctx, userID, d, ex)
		if err != nil {
			return nil, err
		}
	}

	key := IdempotencyKey(userID, side, d.Quote.Timestamp)
	fields := map[string]interface{}{"userID": userID, "side": side, "amount": amount, "clientOrderID": key, "quotePrice": d.Quote.Price}

	// Pending: the intent must be durable before the exchange sees anything.
	pending := &domain.PendingOrder{
		UserID:        userID,
		ClientOrderID: key,
		Symbol:        symbol,
		Side:          side,
		Amount:        amount,
		QuotePrice:    d.Quote.Price,
		QuoteTime:     d.Quote.Timestamp,
		State:         domain.PendingCreated,
		Reason:        d.Reason,
		DemoMode:      cfg.DemoMode,
		CreatedAt:     e.now(),
	}
	if err := e.ledger.SavePending(ctx, pending); err != nil {
		e.logger.Error(ctx, err, op+": Failed to persist order intent, not submitting", fields)
		return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrLedgerWriteFailed, err)
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.deadline)
	defer cancel()

	e.logger.Info(ctx, op+": Submitting order", fields)
	req := ports.OrderRequest{Symbol: symbol, Side: side, Quantity: amount, ClientOrderID: key}
	resp, submitErr := e.submit(opCtx, ex, req)

	var rec *domain.TradeRecord
	switch {
	case submitErr == nil:
		// Submitted.
		pending.State = domain.PendingSubmitted
		pending.ExchangeOrderID = resp.OrderID
		if err := e.ledger.UpdatePending(opCtx, pending); err != nil {
			// The client order id is enough to reconcile; keep driving the order.
			e.logger.Warn(ctx, op+": Failed to mark intent submitted", map[string]interface{}{"clientOrderID": key, "error": err.Error()})
		}
		final, pollErr := e.awaitTerminal(opCtx, ex, symbol, key, resp)
		if pollErr != nil {
			e.logger.Warn(ctx, op+": Order not terminal before deadline", map[string]interface{}{"clientOrderID": key, "error": pollErr.Error()})
			rec = e.timedOutRecord(pending, final)
		} else {
			rec = e.outcomeRecord(pending, final)
		}
	case errors.Is(submitErr, ports.ErrOrderTimedOut):
		rec = e.timedOutRecord(pending, nil)
	default:
		rec = e.failedRecord(pending, submitErr)
	}
	rec.Reason = d.Reason

	return e.record(opCtx, pending, rec)
}

// Reconcile resolves an intent left behind by a timeout or a crash. It returns
// ErrOrderTimedOut while the exchange still reports the order as open or cannot
// be reached; no new order may be placed for the user until it succeeds.
func (e *Executor) Reconcile(ctx context.Context, pending *domain.PendingOrder, creds domain.Credentials) (*domain.TradeRecord, error) {
	op := "Reconcile"
	fields := map[string]interface{}{"userID": pending.UserID, "clientOrderID": pending.ClientOrderID, "state": pending.State}
	e.logger.Info(ctx, op+": Re-querying order status", fields)

	ex, err := e.connect(ctx, pending.UserID, pending.DemoMode, creds)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.deadline)
	defer cancel()

	symbol := pending.Symbol
	if symbol == "" {
		symbol = e.symbol
	}
	resp, err := ex.GetOrderStatus(opCtx, symbol, pending.ClientOrderID)
	var rec *domain.TradeRecord
	switch {
	case errors.Is(err, ports.ErrOrderNotFound):
		// The exchange never accepted it.
		rec = e.failedRecord(pending, fmt.Errorf("%w: order unknown to exchange", ports.ErrOrderSubmitFailed))
	case err != nil:
		return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrOrderTimedOut, err)
	case !resp.State.Terminal():
		return nil, fmt.Errorf("%s: %w: order %s still %s", op, ports.ErrOrderTimedOut, pending.ClientOrderID, resp.State)
	default:
		rec = e.outcomeRecord(pending, resp)
	}
	rec.Reason = domain.ReasonReconciled
	if pending.Reason != "" {
		rec.Reason = pending.Reason + "," + domain.ReasonReconciled
	}
	return e.record(opCtx, pending, rec)
}

// record appends the terminal record and notifies exactly once.
func (e *Executor) record(ctx context.Context, pending *domain.PendingOrder, rec *domain.TradeRecord) (*domain.TradeRecord, error) {
	op := "record"
	fields := map[string]interface{}{"userID": rec.UserID, "clientOrderID": rec.ClientOrderID, "status": rec.Status, "amount": rec.Amount, "price": rec.Price}

	if _, err := e.ledger.Append(ctx, rec); err != nil {
		if errors.Is(err, ports.ErrDuplicateEntry) {
			// Already recorded by an earlier attempt; make sure the intent is gone.
			e.logger.Warn(ctx, op+": Outcome already recorded", fields)
			if clearErr := e.ledger.ClearPending(ctx, rec.UserID, rec.ClientOrderID); clearErr != nil {
				return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrLedgerWriteFailed, clearErr)
			}
			return rec, nil
		}
		e.logger.Error(ctx, err, op+": Failed to append trade record", fields)
		return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrLedgerWriteFailed, err)
	}

	if rec.Status == domain.StatusTimedOut {
		pending.State = domain.PendingTimedOut
		if err := e.ledger.UpdatePending(ctx, pending); err != nil {
			return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrLedgerWriteFailed, err)
		}
	}

	e.logger.Info(ctx, op+": Order outcome recorded", fields)
	e.events.Notify(rec.UserID, eventFor(rec, e.now()))
	return rec, nil
}

// submit places the order, retrying transient failures with the same client
// order id. Exhausted retries end in ErrOrderTimedOut unless the exchange
// confirms it never saw the order.
func (e *Executor) submit(ctx context.Context, ex ports.Exchange, req ports.OrderRequest) (*ports.OrderResponse, error) {
	b := &backoff.Backoff{Min: e.pollBase, Max: e.pollMax, Factor: 2}
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, b.Duration()); err != nil {
				break
			}
		}
		resp, err := ex.PlaceOrder(ctx, req)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ports.ErrDuplicateOrder) {
			// An earlier attempt got through.
			return &ports.OrderResponse{ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Side: req.Side, State: ports.OrderNew, OrigQuantity: req.Quantity}, nil
		}
		if !ports.IsRetryable(err) {
			return nil, fmt.Errorf("%w: %w", ports.ErrOrderSubmitFailed, err)
		}
		lastErr = err
		e.logger.Warn(ctx, "submit: Retryable order submission failure", map[string]interface{}{"clientOrderID": req.ClientOrderID, "attempt": attempt + 1, "error": err.Error()})
	}

	// Ambiguous: ask the exchange whether any attempt landed.
	resp, err := ex.GetOrderStatus(ctx, req.Symbol, req.ClientOrderID)
	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, ports.ErrOrderNotFound):
		return nil, fmt.Errorf("%w: %w", ports.ErrOrderSubmitFailed, lastErr)
	default:
		return nil, fmt.Errorf("%w: %w", ports.ErrOrderTimedOut, lastErr)
	}
}

// awaitTerminal polls until the order is terminal, attempts run out or the
// deadline passes. The last known response is always returned.
func (e *Executor) awaitTerminal(ctx context.Context, ex ports.Exchange, symbol, key string, resp *ports.OrderResponse) (*ports.OrderResponse, error) {
	if resp != nil && resp.State.Terminal() {
		return resp, nil
	}
	b := &backoff.Backoff{Min: e.pollBase, Max: e.pollMax, Factor: 2}
	last := resp
	for i := 0; i < e.attempts; i++ {
		if err := sleep(ctx, b.Duration()); err != nil {
			return last, fmt.Errorf("%w: %w", ports.ErrOrderTimedOut, err)
		}
		status, err := ex.GetOrderStatus(ctx, symbol, key)
		if err != nil {
			e.logger.Debug(ctx, "awaitTerminal: Status query failed", map[string]interface{}{"clientOrderID": key, "attempt": i + 1, "error": err.Error()})
			continue
		}
		last = status
		if status.State.Terminal() {
			return status, nil
		}
	}
	return last, fmt.Errorf("%w: %d status polls", ports.ErrOrderTimedOut, e.attempts)
}

func (e *Executor) outcomeRecord(p *domain.PendingOrder, resp *ports.OrderResponse) *domain.TradeRecord {
	rec := e.baseRecord(p, resp)
	executed := resp.ExecutedQty
	if resp.State == ports.OrderFilled && executed <= 0 {
		executed = resp.OrigQuantity
	}
	switch {
	case resp.State == ports.OrderFilled:
		rec.Status = domain.StatusFilled
	case executed > 0:
		rec.Status = domain.StatusPartiallyFilled
	default:
		rec.Status = domain.StatusFailed
		executed = 0
	}
	rec.Amount = executed
	if resp.AvgPrice > 0 && executed > 0 {
		rec.Price = resp.AvgPrice
	}
	return rec
}

func (e *Executor) timedOutRecord(p *domain.PendingOrder, resp *ports.OrderResponse) *domain.TradeRecord {
	rec := e.baseRecord(p, resp)
	rec.Status = domain.StatusTimedOut
	rec.Amount = 0
	return rec
}

func (e *Executor) failedRecord(p *domain.PendingOrder, cause error) *domain.TradeRecord {
	rec := e.baseRecord(p, nil)
	rec.Status = domain.StatusFailed
	e.logger.Warn(context.Background(), "Order failed", map[string]interface{}{"userID": p.UserID, "clientOrderID": p.ClientOrderID, "error": cause.Error()})
	return rec
}

func (e *Executor) baseRecord(p *domain.PendingOrder, resp *ports.OrderResponse) *domain.TradeRecord {
	rec := &domain.TradeRecord{
		UserID:          p.UserID,
		Timestamp:       e.now().UTC(),
		Side:            p.Side,
		Price:           p.QuotePrice,
		RequestedAmount: p.Amount,
		ExchangeOrderID: p.ExchangeOrderID,
		ClientOrderID:   p.ClientOrderID,
	}
	if resp != nil && resp.OrderID != "" {
		rec.ExchangeOrderID = resp.OrderID
	}
	return rec
}

func (e *Executor) connect(ctx context.Context, userID string, demo bool, creds domain.Credentials) (ports.Exchange, error) {
	factory := e.live
	if demo {
		if e.demo == nil {
			return nil, fmt.Errorf("%w: demo mode requested but no demo exchange configured", ports.ErrConfigurationError)
		}
		factory = e.demo
	}
	ex, err := factory.Connect(ctx, userID, creds)
	if err != nil {
		return nil, fmt.Errorf("connect exchange for %s: %w", userID, err)
	}
	return ex, nil
}

func (e *Executor) symbolFor(cfg domain.TradingConfig) string {
	if cfg.Symbol != "" {
		return cfg.Symbol
	}
	return e.symbol
}

func eventFor(rec *domain.TradeRecord, now time.Time) domain.Event {
	ev := domain.Event{Time: now, Trade: rec}
	switch rec.Status {
	case domain.StatusFilled, domain.StatusPartiallyFilled:
		ev.Type = domain.EventTradeExecuted
		ev.Message = fmt.Sprintf("%s %.8f @ %.2f (%s)", rec.Side, rec.Amount, rec.Price, rec.Status)
	case domain.StatusTimedOut:
		ev.Type = domain.EventTradeFailed
		ev.Message = fmt.Sprintf("%s order %s timed out, will reconcile", rec.Side, rec.ClientOrderID)
	default:
		ev.Type = domain.EventTradeFailed
		ev.Message = fmt.Sprintf("%s order %s failed", rec.Side, rec.ClientOrderID)
	}
	return ev
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
