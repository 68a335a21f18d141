package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuantityPlaces is the precision holdings are kept at.
const QuantityPlaces = 8

// PositionState is a user's current holding, derived from their trade records.
type PositionState struct {
	UserID       string
	Holding      float64 // base asset held
	EntryPrice   float64 // average price of the current holding, 0 when flat
	LastAction   OrderSide
	LastPrice    float64 // price of the last executed trade
	LastStatus   TradeStatus
	LastRecordID int64 // id of the last record folded into this snapshot
	UpdatedAt    time.Time
}

// HasHolding reports whether any base asset is held.
func (p PositionState) HasHolding() bool {
	return p.Holding > 0
}

// ApplyTrade folds rec into pos and returns the new position together with the
// profit realised by rec. Records that moved no quantity only advance LastRecordID.
//
// A fully filled sell closes the position. Sells always target the whole
// holding, so a remainder is quantity the exchange never credited (a buy
// commission taken in the base asset) and is written off.
func ApplyTrade(pos PositionState, rec TradeRecord) (PositionState, float64) {
	next := pos
	next.UserID = rec.UserID
	next.LastRecordID = rec.ID
	next.UpdatedAt = rec.Timestamp

	if !rec.Status.IsFill() || rec.Amount <= 0 {
		return next, 0
	}

	holding := decimal.NewFromFloat(pos.Holding)
	amount := decimal.NewFromFloat(rec.Amount)
	price := decimal.NewFromFloat(rec.Price)
	entry := decimal.NewFromFloat(pos.EntryPrice)
	profit := decimal.Zero

	switch rec.Side {
	case Buy:
		total := holding.Add(amount)
		// Weighted average entry over the combined holding.
		cost := holding.Mul(entry).Add(amount.Mul(price))
		next.Holding = total.Round(QuantityPlaces).InexactFloat64()
		next.EntryPrice = cost.Div(total).InexactFloat64()
	case Sell:
		sold := decimal.Min(amount, holding)
		if pos.EntryPrice > 0 {
			profit = price.Sub(entry).Mul(sold)
		}
		remaining := holding.Sub(sold).Round(QuantityPlaces)
		if rec.Status == StatusFilled || !remaining.IsPositive() {
			remaining = decimal.Zero
			next.EntryPrice = 0
		}
		next.Holding = remaining.InexactFloat64()
	}

	next.LastAction = rec.Side
	next.LastPrice = rec.Price
	next.LastStatus = rec.Status
	return next, profit.Round(QuantityPlaces).InexactFloat64()
}

// Replay rebuilds a position from scratch out of records in append order.
func Replay(userID string, records []TradeRecord) PositionState {
	pos := PositionState{UserID: userID}
	for _, rec := range records {
		pos, _ = ApplyTrade(pos, rec)
	}
	return pos
}
