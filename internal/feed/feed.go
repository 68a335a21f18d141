// Package feed turns one or more price providers into timestamped quotes.
package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

const (
	defaultTimeout = 10 * time.Second
	defaultMaxAge  = 3 * time.Minute
)

// Config holds feed settings.
type Config struct {
	Providers []ports.PriceProvider // tried in order
	Timeout   time.Duration         // per provider request
	MaxAge    time.Duration         // oldest cached quote still served
	Logger    ports.Logger
	Now       func() time.Time
}

// Feed fetches quotes with provider fallback and a bounded last-good cache.
// Each trading loop owns its own Feed; providers may be shared.
type Feed struct {
	providers []ports.PriceProvider
	timeout   time.Duration
	maxAge    time.Duration
	logger    ports.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastGood *domain.Quote
}

// New creates a Feed.
func New(cfg Config) (*Feed, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one price provider is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for price feed")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Feed{
		providers: cfg.Providers,
		timeout:   timeout,
		maxAge:    maxAge,
		logger:    cfg.Logger,
		now:       now,
	}, nil
}

// GetPrice returns a fresh quote from the first provider that answers. When all
// fail it falls back to the last good quote if it is young enough, otherwise it
// returns ErrFeedUnavailable.
func (f *Feed) GetPrice(ctx context.Context) (domain.Quote, error) {
	var failures []string
	for _, p := range f.providers {
		if err := ctx.Err(); err != nil {
			return domain.Quote{}, fmt.Errorf("%w: %w", ports.ErrFeedUnavailable, err)
		}
		price, err := f.fetch(ctx, p)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
			f.logger.Debug(ctx, "Price provider failed", map[string]interface{}{"provider": p.Name(), "error": err.Error()})
			continue
		}
		q := domain.Quote{Price: price, Timestamp: f.now(), Source: p.Name()}
		f.mu.Lock()
		cached := q
		f.lastGood = &cached
		f.mu.Unlock()
		return q, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastGood != nil {
		age := f.lastGood.Age(f.now())
		if age <= f.maxAge {
			q := *f.lastGood
			q.Stale = true
			f.logger.Warn(ctx, "All price providers failed, serving cached quote", map[string]interface{}{"source": q.Source, "age": age.String()})
			return q, nil
		}
	}
	return domain.Quote{}, fmt.Errorf("%w: %s", ports.ErrFeedUnavailable, strings.Join(failures, "; "))
}

func (f *Feed) fetch(ctx context.Context, p ports.PriceProvider) (float64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	price, err := p.Price(reqCtx)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price %v", price)
	}
	return price, nil
}

// Name implements ports.PriceProvider, letting a Feed price the demo exchange.
func (f *Feed) Name() string { return "feed" }

// Price returns the price GetPrice would quote.
func (f *Feed) Price(ctx context.Context) (float64, error) {
	q, err := f.GetPrice(ctx)
	if err != nil {
		return 0, err
	}
	return q.Price, nil
}
