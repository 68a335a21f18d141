package domain

import "time"

// TradeRecord is one append-only entry in a user's trade history.
type TradeRecord struct {
	ID              int64
	UserID          string
	Timestamp       time.Time
	Side            OrderSide
	Price           float64 // average fill price, or the quote price when nothing filled
	Amount          float64 // filled base quantity
	RequestedAmount float64
	ExchangeOrderID string
	ClientOrderID   string // idempotency key
	Status          TradeStatus
	Profit          float64 // realised on sells, set by the ledger
	Reason          string
}

// Credentials are exchange API keys, valid for the lifetime of one call.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Empty reports whether no key material is present.
func (c Credentials) Empty() bool {
	return c.APIKey == "" || c.APISecret == ""
}
