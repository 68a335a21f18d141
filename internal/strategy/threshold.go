// Package strategy decides what to trade. Everything here is pure: no I/O, no
// clocks, no shared state, so the same inputs always give the same decision.
package strategy

import (
	"thresholdBot/internal/domain"
)

// Band is an inclusive price interval. A zero band never matches.
type Band struct {
	Low  float64
	High float64
}

// Contains reports whether price lies inside the band.
func (b Band) Contains(price float64) bool {
	if b.High <= 0 {
		return false
	}
	return price >= b.Low && price <= b.High
}

// BuyBand is [buy*(1-tol), buy].
func BuyBand(cfg domain.TradingConfig) Band {
	if cfg.BuyThreshold <= 0 {
		return Band{}
	}
	return Band{Low: cfg.BuyThreshold * (1 - cfg.TolerancePct), High: cfg.BuyThreshold}
}

// SellBand is [sell, sell*(1+tol)].
func SellBand(cfg domain.TradingConfig) Band {
	if cfg.SellThreshold <= 0 {
		return Band{}
	}
	return Band{Low: cfg.SellThreshold, High: cfg.SellThreshold * (1 + cfg.TolerancePct)}
}

// Evaluate compares the quote against the user's bands and position.
//
// Buys are edge-triggered: a user whose last action was a buy does not buy again
// on the same dip. With AllowAveraging the edge trigger is replaced by a minimum
// drop below the last buy price. When the bands overlap (a configuration error)
// a user holding the asset sells, otherwise buys.
func Evaluate(quote domain.Quote, cfg domain.TradingConfig, pos domain.PositionState) domain.Decision {
	none := domain.Decision{Action: domain.ActionNone, Quote: quote}
	if !cfg.Enabled || quote.Price <= 0 {
		return none
	}

	price := quote.Price
	canBuy := BuyBand(cfg).Contains(price) && buyAllowed(price, cfg, pos)
	canSell := SellBand(cfg).Contains(price) && sellAllowed(pos)

	var d domain.Decision
	switch {
	case canSell:
		// canSell implies a holding, which is the overlap tie-break.
		d = domain.Decision{Action: domain.ActionSell, Reason: domain.ReasonSellThreshold, Amount: pos.Holding, Quote: quote}
	case stopLossHit(price, cfg, pos):
		d = domain.Decision{Action: domain.ActionSell, Reason: domain.ReasonStopLoss, Amount: pos.Holding, Quote: quote}
	case canBuy:
		d = domain.Decision{Action: domain.ActionBuy, Reason: domain.ReasonBuyThreshold, Amount: cfg.TradeAmount, Quote: quote}
	default:
		return none
	}

	if cfg.AutoThreshold {
		side, _ := d.Action.Side()
		t := Recenter(cfg, side, price)
		d.Projected = &t
	}
	return d
}

func buyAllowed(price float64, cfg domain.TradingConfig, pos domain.PositionState) bool {
	if !cfg.AllowAveraging {
		return pos.LastAction != domain.Buy && !pos.HasHolding()
	}
	if pos.LastAction != domain.Buy || pos.LastPrice <= 0 {
		return true
	}
	return price <= pos.LastPrice*(1-cfg.MinDropPct)
}

func sellAllowed(pos domain.PositionState) bool {
	if !pos.HasHolding() {
		return false
	}
	// A partially filled sell leaves a remainder that may still be sold.
	return pos.LastAction != domain.Sell || pos.LastStatus == domain.StatusPartiallyFilled
}

func stopLossHit(price float64, cfg domain.TradingConfig, pos domain.PositionState) bool {
	if cfg.StopLossPct <= 0 || !pos.HasHolding() || pos.EntryPrice <= 0 {
		return false
	}
	return price <= pos.EntryPrice*(1-cfg.StopLossPct)
}

// Recenter returns thresholds centred on a confirmed fill price. It must only be
// applied after the exchange confirmed the fill.
func Recenter(cfg domain.TradingConfig, side domain.OrderSide, fillPrice float64) domain.Thresholds {
	if !cfg.AutoThreshold || fillPrice <= 0 {
		return domain.Thresholds{Buy: cfg.BuyThreshold, Sell: cfg.SellThreshold}
	}
	return domain.Thresholds{
		Buy:  fillPrice * (1 - cfg.AutoMarginPct),
		Sell: fillPrice * (1 + cfg.AutoMarginPct),
	}
}

// ApplyFill returns cfg with thresholds recentred after rec, validated. Records
// that moved no quantity leave cfg untouched.
func ApplyFill(cfg domain.TradingConfig, rec domain.TradeRecord) (domain.TradingConfig, bool, error) {
	if !cfg.AutoThreshold || !rec.Status.IsFill() || rec.Amount <= 0 {
		return cfg, false, nil
	}
	next := cfg.WithThresholds(Recenter(cfg, rec.Side, rec.Price))
	if err := next.Validate(); err != nil {
		return cfg, false, err
	}
	return next, true, nil
}
