// Package notify holds the notification channels behind the event sink.
package notify

import (
	"context"
	"errors"

	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

// LogNotifier writes events to the log. It is always part of the fan-out.
type LogNotifier struct {
	logger ports.Logger
}

func NewLogNotifier(logger ports.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, userID string, event domain.Event) error {
	fields := map[string]interface{}{"userID": userID, "event": event.Type, "message": event.Message}
	if rec := event.Trade; rec != nil {
		fields["status"] = rec.Status
		fields["clientOrderID"] = rec.ClientOrderID
	}
	l.logger.Info(ctx, "Event", fields)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []ports.Notifier

// NewMulti drops nil entries, so disabled channels can be passed straight in.
func NewMulti(notifiers ...ports.Notifier) Multi {
	m := make(Multi, 0, len(notifiers))
	for _, n := range notifiers {
		if n == nil || isNilPointer(n) {
			continue
		}
		m = append(m, n)
	}
	return m
}

func isNilPointer(n ports.Notifier) bool {
	switch v := n.(type) {
	case *WebhookNotifier:
		return v == nil
	case *EmailNotifier:
		return v == nil
	case *LogNotifier:
		return v == nil
	}
	return false
}

func (m Multi) Notify(ctx context.Context, userID string, event domain.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, userID, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
