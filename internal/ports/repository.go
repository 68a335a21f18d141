package ports

import (
	"context"

	"thresholdBot/internal/domain"
)

// Ledger is the durable, append-only trade history plus derived position state.
// It is the sole writer of TradeRecords.
type Ledger interface {
	// Append stores rec and applies it to the user's position atomically.
	// rec.ID and rec.Profit are filled in. Re-appending a record with the same
	// client order id returns ErrDuplicateEntry and changes nothing.
	Append(ctx context.Context, rec *domain.TradeRecord) (domain.PositionState, error)

	// GetPosition returns the user's position, replaying records the snapshot
	// has not folded in yet.
	GetPosition(ctx context.Context, userID string) (domain.PositionState, error)

	// History returns the most recent records, newest first.
	History(ctx context.Context, userID string, limit int) ([]*domain.TradeRecord, error)

	// CountToday counts filled trades recorded today for a user.
	CountToday(ctx context.Context, userID string) (int, error)

	// SavePending writes the order intent; a user may only have one.
	SavePending(ctx context.Context, order *domain.PendingOrder) error
	// UpdatePending updates state and exchange order id of an existing intent.
	UpdatePending(ctx context.Context, order *domain.PendingOrder) error
	// PendingOrder returns the user's open intent, or nil.
	PendingOrder(ctx context.Context, userID string) (*domain.PendingOrder, error)
	// ClearPending removes an intent that never reached the exchange.
	ClearPending(ctx context.Context, userID, clientOrderID string) error
}
