package main

import (
	"context"
	"fmt"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"thresholdBot/config"
	"thresholdBot/internal/adapters/binanceclient"
	"thresholdBot/internal/adapters/credentials"
	"thresholdBot/internal/adapters/logger"
	notifiers "thresholdBot/internal/adapters/notify"
	"thresholdBot/internal/adapters/pricefeeds"
	"thresholdBot/internal/adapters/settings"
	"thresholdBot/internal/adapters/simulator"
	"thresholdBot/internal/adapters/sqlite"
	"thresholdBot/internal/app"
	"thresholdBot/internal/execution"
	"thresholdBot/internal/feed"
	"thresholdBot/internal/notify"
	"thresholdBot/internal/ports"
	"thresholdBot/internal/risk"
)

func main() {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	var appLogger ports.Logger
	if cfg.LogFormat == "json" {
		zl, err := logger.NewZapLogger(cfg.LogLevel)
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize zap logger: %v", err)
		}
		defer func() { _ = zl.Sync() }()
		appLogger = zl
	} else {
		appLogger = logger.NewStdLogger(cfg.LogLevel)
	}
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "format": cfg.LogFormat})

	// 3. Initialize Ledger (Database Adapter)
	ledger, err := sqlite.NewLedger(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trade ledger")
		log.Fatalf("FATAL: Failed to initialize trade ledger: %v", err) // Also log to stderr
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing trade ledger")
		}
	}()
	appLogger.Info(ctx, "Trade ledger initialized", map[string]interface{}{"path": cfg.DBPath})

	// 4. Initialize Exchange Factory (Binance Adapter)
	binance, err := binanceclient.NewFactory(binanceclient.Config{
		UseTestnet:        cfg.IsTestnet,
		HTTPClient:        pricefeeds.NewHTTPClient(cfg.RequestTimeout),
		RequestsPerSecond: cfg.RateLimitPerSecond,
		Burst:             cfg.RateLimitBurst,
		Logger:            appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	// 5. Price providers, shared by every user's feed
	providers, err := buildProviders(cfg, binance)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	newFeed := func() (*feed.Feed, error) {
		return feed.New(feed.Config{Providers: providers, Timeout: cfg.RequestTimeout, MaxAge: cfg.QuoteMaxAge, Logger: appLogger})
	}

	// 6. Demo exchange
	demoPrices, err := newFeed()
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize demo price feed: %v", err)
	}
	demo, err := simulator.New(simulator.Config{
		BaseAsset:    cfg.BaseAsset,
		QuoteAsset:   cfg.QuoteAsset,
		InitialBase:  cfg.DemoBaseBalance,
		InitialQuote: cfg.DemoQuoteBalance,
		FeeRate:      0.001,
		BuyFeeInBase: true,
		Prices:       demoPrices,
		Logger:       appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize demo exchange: %v", err)
	}

	// 7. Collaborators: settings, credentials, notifications
	store, err := settings.NewStore(cfg.AccountsFile, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to open accounts file")
		log.Fatalf("FATAL: Failed to open accounts file: %v", err)
	}
	// Balances, risk checks and aggregator prices are all for the one configured pair.
	store.RestrictSymbol(cfg.Symbol)
	var creds ports.CredentialProvider = store
	if cfg.CredentialsSource == config.CredentialsAWS {
		creds, err = credentials.NewAWSSecretsProvider(cfg.AWSRegion, cfg.AWSSecretPrefix, appLogger)
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize AWS secrets provider: %v", err)
		}
	}

	sink := notify.NewSink(notify.Config{
		Notifier: notifiers.NewMulti(
			notifiers.NewLogNotifier(appLogger),
			notifiers.NewWebhookNotifier(cfg.NotifyWebhookURL, pricefeeds.NewHTTPClient(cfg.RequestTimeout)),
			notifiers.NewEmailNotifier(notifiers.SMTPConfig{
				Host:     cfg.SMTPHost,
				Port:     cfg.SMTPPort,
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
				From:     cfg.SMTPFrom,
			}, store, appLogger),
		),
		Logger:    appLogger,
		QueueSize: cfg.NotifyQueueSize,
	})
	defer sink.Close()

	// 8. Risk guard and order executor
	guard := risk.NewGuard(risk.GuardConfig{
		MaxTradesPerDay:  cfg.MaxTradesPerDay,
		MaxOrderNotional: cfg.MaxOrderNotional,
		BaseAsset:        cfg.BaseAsset,
		QuoteAsset:       cfg.QuoteAsset,
	}, ledger)
	executor, err := execution.New(execution.Config{
		Ledger:   ledger,
		Events:   sink,
		Logger:   appLogger,
		Live:     binance,
		Demo:     demo,
		Risk:     guard,
		Symbol:   cfg.Symbol,
		Retries:  retries(cfg.SubmitRetries),
		PollBase: cfg.OrderPollBase,
		PollMax:  cfg.OrderPollMax,
		Attempts: cfg.OrderPollTries,
		Deadline: cfg.OrderDeadline,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize order executor: %v", err)
	}

	// 9. Initialize Application Service
	service, err := app.NewService(app.ServiceConfig{
		Settings: store,
		Events:   sink,
		Logger:   appLogger,
		TimeSync: binance,
		Refresh:  cfg.ConfigRefresh,
		NewLoop: func(userID string) (app.Runner, error) {
			f, err := newFeed()
			if err != nil {
				return nil, err
			}
			return app.NewLoop(app.LoopConfig{
				UserID:      userID,
				Settings:    store,
				Credentials: creds,
				Ledger:      ledger,
				Feed:        f,
				Executor:    executor,
				Events:      sink,
				Logger:      appLogger,
				Interval:    cfg.PollInterval,
				BackoffMax:  cfg.ErrorBackoffMax,
			})
		},
		HandleSignals: true,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}

	// 10. Start the Service
	if err := service.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(ctx, "Application finished gracefully.", map[string]interface{}{"droppedNotifications": sink.Dropped()})
}

func buildProviders(cfg *config.Config, binance *binanceclient.Factory) ([]ports.PriceProvider, error) {
	client := pricefeeds.NewHTTPClient(cfg.RequestTimeout)
	providers := make([]ports.PriceProvider, 0, len(cfg.PriceProviders))
	for _, name := range cfg.PriceProviders {
		switch name {
		case "binance":
			providers = append(providers, binanceclient.NewTickerProvider(binance, cfg.Symbol))
		case "coinpaprika":
			providers = append(providers, pricefeeds.NewCoinPaprika(client, "", cfg.CoinPaprikaID))
		case "coincap":
			providers = append(providers, pricefeeds.NewCoinCap(client, "", cfg.CoinCapID))
		case "coingecko":
			providers = append(providers, pricefeeds.NewCoinGecko(client, "", cfg.CoinGeckoID))
		default:
			return nil, fmt.Errorf("unknown price provider %q", name)
		}
	}
	return providers, nil
}

// retries maps the configured count onto the executor's convention, where zero
// selects the default and a negative value disables retries.
func retries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}
