package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"thresholdBot/internal/adapters/logger"
	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

const defaultRefresh = time.Minute

// Runner is one user's trading loop as the service sees it.
type Runner interface {
	Run(ctx context.Context) error
}

// LoopBuilder creates a fresh loop for a user. Each loop owns its own feed.
type LoopBuilder func(userID string) (Runner, error)

// TimeSyncer aligns request signing with the exchange clock.
type TimeSyncer interface {
	SyncServerTime(ctx context.Context) error
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Settings      ports.SettingsStore
	Events        ports.EventSink
	Logger        ports.Logger
	NewLoop       LoopBuilder
	TimeSync      TimeSyncer    // optional
	Refresh       time.Duration // how often the user list is rescanned
	HandleSignals bool          // stop on SIGINT/SIGTERM
	Now           func() time.Time
}

// Service supervises one trading loop per enabled user.
type Service struct {
	settings      ports.SettingsStore
	events        ports.EventSink
	logger        ports.Logger
	newLoop       LoopBuilder
	timeSync      TimeSyncer
	refresh       time.Duration
	handleSignals bool
	now           func() time.Time

	wg      sync.WaitGroup
	mu      sync.Mutex // protects the maps below
	running map[string]bool
	halted  map[string]error
}

// NewService creates a new application service instance.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Settings == nil || cfg.Events == nil || cfg.Logger == nil || cfg.NewLoop == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	refresh := cfg.Refresh
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		settings:      cfg.Settings,
		events:        cfg.Events,
		logger:        cfg.Logger,
		newLoop:       cfg.NewLoop,
		timeSync:      cfg.TimeSync,
		refresh:       refresh,
		handleSignals: cfg.HandleSignals,
		now:           now,
		running:       make(map[string]bool),
		halted:        make(map[string]error),
	}, nil
}

// Start runs loops until ctx is cancelled (or a signal arrives) and returns once
// every loop, including any order it was executing, has finished.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Trading Service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.handleSignals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case sig := <-sigCh:
				s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	if s.timeSync != nil {
		if err := s.timeSync.SyncServerTime(ctx); err != nil {
			// Demo users and public feeds still work without it.
			s.logger.Warn(ctx, "Failed to synchronize server time", map[string]interface{}{"error": err.Error()})
		} else {
			s.logger.Info(ctx, "Server time synchronized")
		}
	}

	s.Scan(ctx)
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Main context cancelled, waiting for trading loops...")
			s.wg.Wait()
			s.logger.Info(ctx, "Trading Service stopped.")
			return nil
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan starts loops for enabled users that have none. Halted users are skipped
// until the process restarts.
func (s *Service) Scan(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	users, err := s.settings.ListUsers(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to list users")
		return
	}

	started := 0
	for _, userID := range users {
		s.mu.Lock()
		_, halted := s.halted[userID]
		skip := s.running[userID] || halted
		s.mu.Unlock()
		if skip || !s.wantsLoop(ctx, userID) {
			continue
		}

		loop, err := s.newLoop(userID)
		if err != nil {
			s.logger.Error(ctx, err, "Failed to create trading loop", map[string]interface{}{"userID": userID})
			continue
		}
		s.mu.Lock()
		s.running[userID] = true
		s.mu.Unlock()
		s.wg.Add(1)
		go s.run(ctx, userID, loop)
		started++
	}

	s.mu.Lock()
	active, halted := len(s.running), len(s.halted)
	s.mu.Unlock()
	if started > 0 {
		s.logger.Info(ctx, "Trading loops started", map[string]interface{}{"started": started, "active": active, "halted": halted, "users": len(users)})
	}
}

// wantsLoop reports whether the user's account is enabled. Enabled accounts
// with an invalid config still get a loop, which pauses and reports it.
func (s *Service) wantsLoop(ctx context.Context, userID string) bool {
	cfg, err := s.settings.Load(ctx, userID)
	switch {
	case err == nil:
		return cfg.Enabled
	case errors.Is(err, ports.ErrConfigInvalid):
		return cfg.Enabled || cfg.UserID == ""
	default:
		s.logger.Warn(ctx, "Skipping user, settings unavailable", map[string]interface{}{"userID": userID, "error": err.Error()})
		return false
	}
}

// run executes one loop. A panic or a halt only ever stops this user.
func (s *Service) run(ctx context.Context, userID string, loop Runner) {
	defer s.wg.Done()
	ctx = logger.WithUser(ctx, userID)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: panic: %v", ports.ErrLoopHalted, r)
				s.events.Notify(userID, domain.Event{Type: domain.EventLoopHalted, Time: s.now(), Message: err.Error()})
			}
		}()
		return loop.Run(ctx)
	}()

	s.mu.Lock()
	delete(s.running, userID)
	if errors.Is(err, ports.ErrLoopHalted) {
		s.halted[userID] = err
	}
	s.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, ports.ErrLoopHalted):
		s.logger.Error(ctx, err, "Trading loop halted, it will not be restarted")
	case errors.Is(err, ports.ErrTradingDisabled), errors.Is(err, ports.ErrUserNotFound):
		s.logger.Info(ctx, "Trading loop ended", map[string]interface{}{"reason": err.Error()})
	default:
		s.logger.Warn(ctx, "Trading loop exited", map[string]interface{}{"error": err.Error()})
	}
}

// Running returns the users with an active loop, sorted.
func (s *Service) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.running))
	for id := range s.running {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Halted returns the error that halted the user's loop, or nil.
func (s *Service) Halted(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted[userID]
}
