package ports

import (
	"context"

	"thresholdBot/internal/domain"
)

// SettingsStore is the account/settings collaborator owning TradingConfig.
type SettingsStore interface {
	// Load returns the validated config, ErrConfigInvalid or ErrUserNotFound.
	Load(ctx context.Context, userID string) (domain.TradingConfig, error)
	// Save validates and persists cfg.
	Save(ctx context.Context, userID string, cfg domain.TradingConfig) error
	// ListUsers returns every known user id.
	ListUsers(ctx context.Context) ([]string, error)
}

// CredentialProvider returns decrypted exchange credentials for a user.
type CredentialProvider interface {
	GetCredentials(ctx context.Context, userID string) (domain.Credentials, error)
}

// Notifier delivers one event to a user. Implementations may block; callers
// that must not block go through the notification sink.
type Notifier interface {
	Notify(ctx context.Context, userID string, event domain.Event) error
}

// EventSink is the fire-and-forget side of notifications used by the engine.
type EventSink interface {
	Notify(userID string, event domain.Event)
}
