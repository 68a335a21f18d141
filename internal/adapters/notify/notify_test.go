package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type contacts map[string]string

func (c contacts) Contact(ctx context.Context, userID string) (string, error) {
	if email, ok := c[userID]; ok {
		return email, nil
	}
	return "", ports.ErrNotFound
}

var tradeEvent = domain.Event{
	Type:    domain.EventTradeExecuted,
	Time:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	Message: "SELL 0.01000000 @ 66000.00 (FILLED)",
	Trade: &domain.TradeRecord{
		Side: domain.Sell, Status: domain.StatusFilled, Amount: 0.01, Price: 66000, Profit: 60, ClientOrderID: "k1",
	},
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, srv.Client())
	require.NoError(t, n.Notify(context.Background(), "alice", tradeEvent))

	embeds := got["embeds"].([]interface{})
	require.Len(t, embeds, 1)
	embed := embeds[0].(map[string]interface{})
	assert.Equal(t, "TradeExecuted | alice", embed["title"])
	assert.Equal(t, tradeEvent.Message, embed["description"])
	assert.Len(t, embed["fields"], 5)
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, srv.Client()).Notify(context.Background(), "alice", domain.Event{Type: domain.EventFeedError})
	assert.ErrorContains(t, err, "429")
	assert.Nil(t, NewWebhookNotifier("", nil))
}

func TestEmailNotifier(t *testing.T) {
	type sent struct {
		addr string
		to   []string
		msg  string
	}
	var mails []sent
	n := NewEmailNotifier(SMTPConfig{Host: "smtp.example.com", From: "bot@example.com"}, contacts{"alice": "alice@example.com"}, &mockLogger{})
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		mails = append(mails, sent{addr: addr, to: to, msg: string(msg)})
		return nil
	}
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "alice", tradeEvent))
	require.NoError(t, n.Notify(ctx, "alice", domain.Event{Type: domain.EventFeedError}))
	require.NoError(t, n.Notify(ctx, "bob", tradeEvent))

	require.Len(t, mails, 1)
	assert.Equal(t, "smtp.example.com:587", mails[0].addr)
	assert.Equal(t, []string{"alice@example.com"}, mails[0].to)
	assert.Contains(t, mails[0].msg, "Subject: [thresholdBot] SELL filled: TradeExecuted")
	assert.Contains(t, mails[0].msg, "Profit: 60.00")

	n.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	assert.Error(t, n.Notify(ctx, "alice", tradeEvent))

	assert.Nil(t, NewEmailNotifier(SMTPConfig{}, nil, &mockLogger{}))
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(ctx context.Context, userID string, event domain.Event) error {
	c.calls++
	return c.err
}

func TestMulti(t *testing.T) {
	ok := &countingNotifier{}
	failing := &countingNotifier{err: errors.New("down")}
	var noWebhook *WebhookNotifier

	m := NewMulti(ok, nil, noWebhook, failing, NewLogNotifier(&mockLogger{}))
	assert.Len(t, m, 3)

	err := m.Notify(context.Background(), "alice", tradeEvent)
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, failing.calls)
}
