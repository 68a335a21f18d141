package domain

import "time"

// EventType classifies user notifications.
type EventType string

const (
	EventTradeExecuted EventType = "TradeExecuted"
	EventTradeFailed   EventType = "TradeFailed"
	EventFeedError     EventType = "FeedError"
	EventConfigInvalid EventType = "ConfigInvalid"
	EventLoopHalted    EventType = "LoopHalted"
)

// Event is delivered to the notification collaborator.
type Event struct {
	Type    EventType
	Time    time.Time
	Message string
	Trade   *TradeRecord // set for trade events
}
