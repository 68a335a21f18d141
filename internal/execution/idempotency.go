package execution

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"thresholdBot/internal/domain"
)

// orderNamespace scopes idempotency keys to this engine.
var orderNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("thresholdBot/orders"))

// IdempotencyKey derives the client order id for a decision. The same user, side
// and quote timestamp always give the same key, so a resubmission after a network
// failure is recognised by the exchange as the same order.
func IdempotencyKey(userID string, side domain.OrderSide, quoteTime time.Time) string {
	name := userID + "|" + string(side) + "|" + strconv.FormatInt(quoteTime.UnixNano(), 10)
	return uuid.NewSHA1(orderNamespace, []byte(name)).String()
}
