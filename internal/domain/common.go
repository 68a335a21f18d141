package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Action is the outcome of a threshold evaluation.
type Action string

const (
	ActionNone Action = "NONE"
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Side converts an actionable Action into an OrderSide. ok is false for ActionNone.
func (a Action) Side() (side OrderSide, ok bool) {
	switch a {
	case ActionBuy:
		return Buy, true
	case ActionSell:
		return Sell, true
	default:
		return "", false
	}
}

// TradeStatus is the terminal outcome recorded for an order.
type TradeStatus string

const (
	StatusFilled          TradeStatus = "FILLED"
	StatusPartiallyFilled TradeStatus = "PARTIALLY_FILLED"
	StatusFailed          TradeStatus = "FAILED"
	StatusTimedOut        TradeStatus = "TIMED_OUT"
)

// IsFill reports whether the status moved any quantity.
func (s TradeStatus) IsFill() bool {
	return s == StatusFilled || s == StatusPartiallyFilled
}

// Decision reasons recorded on trades.
const (
	ReasonBuyThreshold  = "buy_threshold"
	ReasonSellThreshold = "sell_threshold"
	ReasonStopLoss      = "stop_loss"
	ReasonReconciled    = "reconciled"
)
