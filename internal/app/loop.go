package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"thresholdBot/internal/adapters/logger"
	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
	"thresholdBot/internal/strategy"
)

const (
	defaultInterval   = 30 * time.Second
	defaultBackoffMax = 5 * time.Minute
)

// LoopState is the stage a trading loop is in.
type LoopState string

const (
	StateIdle       LoopState = "Idle"
	StateFetching   LoopState = "Fetching"
	StateEvaluating LoopState = "Evaluating"
	StateExecuting  LoopState = "Executing"
	StateRecording  LoopState = "Recording"
)

// PriceSource yields the next quote for a loop.
type PriceSource interface {
	GetPrice(ctx context.Context) (domain.Quote, error)
}

// OrderExecutor turns decisions into recorded trades.
type OrderExecutor interface {
	Execute(ctx context.Context, userID string, d domain.Decision, cfg domain.TradingConfig, creds domain.Credentials) (*domain.TradeRecord, error)
	Reconcile(ctx context.Context, pending *domain.PendingOrder, creds domain.Credentials) (*domain.TradeRecord, error)
}

// LoopConfig wires one user's trading loop.
type LoopConfig struct {
	UserID      string
	Settings    ports.SettingsStore
	Credentials ports.CredentialProvider
	Ledger      ports.Ledger
	Feed        PriceSource
	Executor    OrderExecutor
	Events      ports.EventSink
	Logger      ports.Logger
	Interval    time.Duration // pause between iterations
	BackoffMax  time.Duration // cap for the error backoff
	Now         func() time.Time
}

// Loop is the per-user fetch, evaluate, execute cycle. Stages run strictly in
// sequence; a Loop is not safe for concurrent Run calls.
type Loop struct {
	userID      string
	settings    ports.SettingsStore
	credentials ports.CredentialProvider
	ledger      ports.Ledger
	feed        PriceSource
	executor    OrderExecutor
	events      ports.EventSink
	logger      ports.Logger
	interval    time.Duration
	now         func() time.Time
	backoff     *backoff.Backoff

	feedFailures  int
	tradeFailures int
	lastConfigErr string

	mu    sync.Mutex
	state LoopState
}

// NewLoop creates a loop for one user.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("trading loop needs a user id")
	}
	if cfg.Settings == nil || cfg.Ledger == nil || cfg.Feed == nil || cfg.Executor == nil || cfg.Events == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for trading loop %s", cfg.UserID)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	maxBackoff := cfg.BackoffMax
	if maxBackoff < interval {
		maxBackoff = defaultBackoffMax
		if maxBackoff < interval {
			maxBackoff = interval
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Loop{
		userID:      cfg.UserID,
		settings:    cfg.Settings,
		credentials: cfg.Credentials,
		ledger:      cfg.Ledger,
		feed:        cfg.Feed,
		executor:    cfg.Executor,
		events:      cfg.Events,
		logger:      cfg.Logger,
		interval:    interval,
		now:         now,
		backoff:     &backoff.Backoff{Min: interval, Max: maxBackoff, Factor: 2},
		state:       StateIdle,
	}, nil
}

// State returns the stage the loop is currently in.
func (l *Loop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s LoopState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run iterates until ctx is cancelled or the loop must stop. It returns nil on
// cancellation, ErrTradingDisabled or ErrUserNotFound when the account no
// longer trades, and an error wrapping ErrLoopHalted when the ledger failed.
func (l *Loop) Run(ctx context.Context) error {
	ctx = logger.WithUser(ctx, l.userID)
	l.logger.Info(ctx, "Trading loop started")
	for {
		wait, err := l.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			l.logger.Info(ctx, "Trading loop stopped", map[string]interface{}{"reason": err.Error()})
			return err
		}
		if err := sleep(ctx, wait); err != nil {
			break
		}
	}
	l.logger.Info(ctx, "Trading loop cancelled")
	return nil
}

// RunOnce performs a single iteration and returns how long to wait before the
// next one. Only conditions that end the loop are returned as errors.
func (l *Loop) RunOnce(ctx context.Context) (time.Duration, error) {
	defer l.setState(StateIdle)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ctx = logger.WithUser(ctx, l.userID)

	cfg, err := l.settings.Load(ctx, l.userID)
	switch {
	case errors.Is(err, ports.ErrUserNotFound):
		return 0, err
	case errors.Is(err, ports.ErrConfigInvalid):
		if cfg.UserID != "" && !cfg.Enabled {
			return 0, fmt.Errorf("%s: %w", l.userID, ports.ErrTradingDisabled)
		}
		l.configInvalid(ctx, err)
		return l.interval, nil
	case err != nil:
		l.logger.Error(ctx, err, "Failed to load trading config")
		return l.backoff.Duration(), nil
	case !cfg.Enabled:
		return 0, fmt.Errorf("%s: %w", l.userID, ports.ErrTradingDisabled)
	}
	l.lastConfigErr = ""

	// An open order intent blocks every new decision; a reconciled one ends
	// the iteration so the next starts from the updated config and position.
	if proceed, wait, err := l.reconcile(ctx, cfg); err != nil || !proceed {
		return wait, err
	}

	l.setState(StateFetching)
	quote, err := l.feed.GetPrice(ctx)
	if err != nil {
		return l.feedFailure(ctx, err), nil
	}
	if l.feedFailures > 0 {
		l.logger.Info(ctx, "Price feed recovered", map[string]interface{}{"failures": l.feedFailures})
		l.feedFailures = 0
	}

	l.setState(StateEvaluating)
	pos, err := l.ledger.GetPosition(ctx, l.userID)
	if err != nil {
		l.logger.Error(ctx, err, "Failed to load position")
		return l.backoff.Duration(), nil
	}
	decision := strategy.Evaluate(quote, cfg, pos)
	l.logger.Debug(ctx, "Evaluated quote", map[string]interface{}{
		"price":   quote.Price,
		"source":  quote.Source,
		"stale":   quote.Stale,
		"action":  decision.Action,
		"holding": pos.Holding,
	})
	if !decision.Actionable() {
		l.backoff.Reset()
		return l.interval, nil
	}

	l.setState(StateExecuting)
	creds, err := l.credentialsFor(ctx, cfg.DemoMode)
	if err != nil {
		return l.tradeFailure(ctx, "Cannot trade without exchange credentials", string(decision.Action), err), nil
	}
	rec, err := l.executor.Execute(ctx, l.userID, decision, cfg, creds)
	switch {
	case err == nil:
		l.tradeFailures = 0
	case errors.Is(err, ports.ErrRiskLimit):
		l.logger.Info(ctx, "Order vetoed by risk guard", map[string]interface{}{"action": decision.Action, "reason": err.Error()})
		return l.interval, nil
	case errors.Is(err, ports.ErrLedgerWriteFailed):
		return 0, l.halt(ctx, err)
	default:
		return l.tradeFailure(ctx, "Order execution failed", string(decision.Action), err), nil
	}

	l.setState(StateRecording)
	l.afterRecord(ctx, cfg, rec)
	l.backoff.Reset()
	return l.interval, nil
}

// reconcile resolves the user's open order intent, if any. proceed is true only
// when there was nothing to reconcile.
func (l *Loop) reconcile(ctx context.Context, cfg domain.TradingConfig) (proceed bool, wait time.Duration, err error) {
	pending, err := l.ledger.PendingOrder(ctx, l.userID)
	if err != nil {
		l.logger.Error(ctx, err, "Failed to read pending order")
		return false, l.backoff.Duration(), nil
	}
	if pending == nil {
		return true, 0, nil
	}

	l.setState(StateExecuting)
	creds, err := l.credentialsFor(ctx, pending.DemoMode)
	if err != nil {
		return false, l.tradeFailure(ctx, "Cannot reconcile without exchange credentials", string(pending.Side), err), nil
	}
	rec, err := l.executor.Reconcile(ctx, pending, creds)
	switch {
	case err == nil:
	case errors.Is(err, ports.ErrLedgerWriteFailed):
		return false, 0, l.halt(ctx, err)
	case errors.Is(err, ports.ErrOrderTimedOut):
		l.logger.Info(ctx, "Pending order still unresolved", map[string]interface{}{"clientOrderID": pending.ClientOrderID})
		return false, l.interval, nil
	default:
		return false, l.tradeFailure(ctx, "Reconciliation failed", string(pending.Side), err), nil
	}

	l.tradeFailures = 0
	l.setState(StateRecording)
	l.afterRecord(ctx, cfg, rec)
	l.backoff.Reset()
	return false, l.interval, nil
}

// afterRecord recentres the thresholds once the exchange confirmed a fill.
func (l *Loop) afterRecord(ctx context.Context, cfg domain.TradingConfig, rec *domain.TradeRecord) {
	if rec == nil {
		return
	}
	l.logger.Info(ctx, "Trade recorded", map[string]interface{}{
		"clientOrderID": rec.ClientOrderID,
		"side":          rec.Side,
		"status":        rec.Status,
		"amount":        rec.Amount,
		"price":         rec.Price,
	})
	next, changed, err := strategy.ApplyFill(cfg, *rec)
	if err != nil {
		l.logger.Error(ctx, err, "Recentred thresholds are invalid, keeping the old ones", map[string]interface{}{"fillPrice": rec.Price})
		l.events.Notify(l.userID, domain.Event{Type: domain.EventConfigInvalid, Time: l.now(), Message: err.Error()})
		return
	}
	if !changed {
		return
	}
	// The fill already happened; the new thresholds must land even during shutdown.
	if err := l.settings.Save(context.WithoutCancel(ctx), l.userID, next); err != nil {
		l.logger.Error(ctx, err, "Failed to save recentred thresholds")
		return
	}
	l.logger.Info(ctx, "Thresholds recentred", map[string]interface{}{"buyThreshold": next.BuyThreshold, "sellThreshold": next.SellThreshold})
}

func (l *Loop) credentialsFor(ctx context.Context, demo bool) (domain.Credentials, error) {
	if demo {
		return domain.Credentials{}, nil
	}
	if l.credentials == nil {
		return domain.Credentials{}, ports.ErrMissingCredential
	}
	return l.credentials.GetCredentials(ctx, l.userID)
}

// feedFailure logs a failed fetch, notifies on the first failure of a streak
// and returns the backoff delay.
func (l *Loop) feedFailure(ctx context.Context, err error) time.Duration {
	l.feedFailures++
	wait := l.backoff.Duration()
	l.logger.Warn(ctx, "Price fetch failed", map[string]interface{}{"failures": l.feedFailures, "retryIn": wait.String(), "error": err.Error()})
	if l.feedFailures == 1 {
		l.events.Notify(l.userID, domain.Event{Type: domain.EventFeedError, Time: l.now(), Message: err.Error()})
	}
	return wait
}

// tradeFailure logs an order that never reached a recorded outcome, notifies
// on the first failure of a streak and returns the backoff delay.
func (l *Loop) tradeFailure(ctx context.Context, msg, side string, err error) time.Duration {
	l.tradeFailures++
	wait := l.backoff.Duration()
	l.logger.Error(ctx, err, msg, map[string]interface{}{"side": side, "failures": l.tradeFailures, "retryIn": wait.String()})
	if l.tradeFailures == 1 {
		l.events.Notify(l.userID, domain.Event{Type: domain.EventTradeFailed, Time: l.now(), Message: fmt.Sprintf("%s: %v", msg, err)})
	}
	return wait
}

// configInvalid pauses trading and notifies once per distinct problem.
func (l *Loop) configInvalid(ctx context.Context, err error) {
	msg := err.Error()
	if msg == l.lastConfigErr {
		return
	}
	l.lastConfigErr = msg
	l.logger.Warn(ctx, "Trading paused, configuration invalid", map[string]interface{}{"error": msg})
	l.events.Notify(l.userID, domain.Event{Type: domain.EventConfigInvalid, Time: l.now(), Message: msg})
}

func (l *Loop) halt(ctx context.Context, cause error) error {
	l.logger.Error(ctx, cause, "Ledger unavailable, halting trading loop")
	l.events.Notify(l.userID, domain.Event{Type: domain.EventLoopHalted, Time: l.now(), Message: cause.Error()})
	return fmt.Errorf("%s: %w: %w", l.userID, ports.ErrLoopHalted, cause)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
