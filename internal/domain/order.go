package domain

import "time"

// PendingState tracks an order intent between decision and terminal record.
type PendingState string

const (
	PendingCreated   PendingState = "PENDING"
	PendingSubmitted PendingState = "SUBMITTED"
	PendingTimedOut  PendingState = "TIMED_OUT"
)

// PendingOrder is the durable intent written before an order is submitted.
// At most one exists per user; it is removed when a terminal record is appended.
type PendingOrder struct {
	UserID          string
	ClientOrderID   string
	Symbol          string
	Side            OrderSide
	Amount          float64
	QuotePrice      float64
	QuoteTime       time.Time
	ExchangeOrderID string
	State           PendingState
	Reason          string
	DemoMode        bool
	CreatedAt       time.Time
}
