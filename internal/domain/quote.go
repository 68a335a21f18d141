package domain

import "time"

// Quote is a single normalized price observation. It is a value: the loop
// iteration that fetched it owns it and it is never persisted on its own.
type Quote struct {
	Price     float64
	Timestamp time.Time
	Source    string
	Stale     bool // served from the feed's last-good cache
}

// Age returns how old the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// Decision is what the evaluator asks the executor to do.
type Decision struct {
	Action    Action
	Reason    string
	Amount    float64 // base asset quantity
	Quote     Quote
	Projected *Thresholds // thresholds after a fill at the quote price (auto mode only)
}

// Actionable reports whether the decision requires an order.
func (d Decision) Actionable() bool {
	return d.Action == ActionBuy || d.Action == ActionSell
}
