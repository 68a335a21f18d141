package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"thresholdBot/internal/domain"
)

// WebhookNotifier posts events as Discord-style embeds to a webhook URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier returns nil when url is empty.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if url == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}
}

func color(t domain.EventType) int {
	switch t {
	case domain.EventTradeExecuted:
		return 0x2ecc71
	case domain.EventFeedError, domain.EventConfigInvalid:
		return 0xf1c40f
	default:
		return 0xe74c3c
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, userID string, event domain.Event) error {
	embed := map[string]interface{}{
		"title":       fmt.Sprintf("%s | %s", event.Type, userID),
		"description": event.Message,
		"color":       color(event.Type),
		"footer":      map[string]string{"text": "thresholdBot"},
		"timestamp":   event.Time.UTC().Format(time.RFC3339),
	}
	if rec := event.Trade; rec != nil {
		embed["fields"] = []map[string]interface{}{
			{"name": "side", "value": string(rec.Side), "inline": true},
			{"name": "status", "value": string(rec.Status), "inline": true},
			{"name": "amount", "value": fmt.Sprintf("%.8f", rec.Amount), "inline": true},
			{"name": "price", "value": fmt.Sprintf("%.2f", rec.Price), "inline": true},
			{"name": "order", "value": rec.ClientOrderID},
		}
	}
	data, err := json.Marshal(map[string]interface{}{"embeds": []map[string]interface{}{embed}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}
