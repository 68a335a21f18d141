package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

// ContactBook resolves a user's email address.
type ContactBook interface {
	Contact(ctx context.Context, userID string) (string, error)
}

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails trade outcomes and loop failures to the account's address.
// Feed errors are not mailed.
type EmailNotifier struct {
	cfg      SMTPConfig
	contacts ContactBook
	logger   ports.Logger
	send     sendFunc
}

// NewEmailNotifier returns nil when no SMTP host is configured.
func NewEmailNotifier(cfg SMTPConfig, contacts ContactBook, logger ports.Logger) *EmailNotifier {
	if cfg.Host == "" {
		return nil
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailNotifier{cfg: cfg, contacts: contacts, logger: logger, send: smtp.SendMail}
}

func (e *EmailNotifier) Notify(ctx context.Context, userID string, event domain.Event) error {
	if event.Type == domain.EventFeedError {
		return nil
	}
	to, err := e.contacts.Contact(ctx, userID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			e.logger.Debug(ctx, "No email address for user, skipping", map[string]interface{}{"userID": userID})
			return nil
		}
		return fmt.Errorf("resolving email for %s: %w", userID, err)
	}

	msg := buildMessage(e.cfg.From, to, event)
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	if err := e.send(addr, auth, e.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("sending email to %s: %w", userID, err)
	}
	return nil
}

func subject(event domain.Event) string {
	if rec := event.Trade; rec != nil {
		return fmt.Sprintf("%s %s: %s", rec.Side, strings.ToLower(string(rec.Status)), event.Type)
	}
	return string(event.Type)
}

func buildMessage(from, to string, event domain.Event) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: [thresholdBot] %s\r\n", subject(event))
	fmt.Fprintf(&b, "Date: %s\r\n", event.Time.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(event.Message)
	b.WriteString("\r\n")
	if rec := event.Trade; rec != nil {
		fmt.Fprintf(&b, "\r\nSide: %s\r\nStatus: %s\r\nAmount: %.8f\r\nPrice: %.2f\r\n", rec.Side, rec.Status, rec.Amount, rec.Price)
		if rec.Side == domain.Sell && rec.Status.IsFill() {
			fmt.Fprintf(&b, "Profit: %.2f\r\n", rec.Profit)
		}
		fmt.Fprintf(&b, "Order: %s\r\n", rec.ClientOrderID)
	}
	return []byte(b.String())
}
