package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

// fakeRunner blocks until cancelled unless it has an exit or panic scripted.
type fakeRunner struct {
	exit    error
	panicky bool
}

func (r *fakeRunner) Run(ctx context.Context) error {
	if r.panicky {
		panic("boom")
	}
	if r.exit != nil {
		return r.exit
	}
	<-ctx.Done()
	return nil
}

type fakeTimeSync struct {
	err   error
	calls atomic.Int32
}

func (f *fakeTimeSync) SyncServerTime(ctx context.Context) error {
	f.calls.Add(1)
	return f.err
}

// runnerBook hands out scripted runners and counts builds per user.
type runnerBook struct {
	mu     sync.Mutex
	exits  map[string]error
	panics map[string]bool
	builds map[string]int
}

func newRunnerBook() *runnerBook {
	return &runnerBook{exits: map[string]error{}, panics: map[string]bool{}, builds: map[string]int{}}
}

func (b *runnerBook) build(userID string) (Runner, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds[userID]++
	return &fakeRunner{exit: b.exits[userID], panicky: b.panics[userID]}, nil
}

func (b *runnerBook) count(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds[userID]
}

func enabledConfig(userID string, enabled bool) domain.TradingConfig {
	cfg := demoConfig()
	cfg.UserID = userID
	cfg.Enabled = enabled
	return cfg
}

func newTestService(t *testing.T, settings *mockSettings, book *runnerBook, events *recordingSink) *Service {
	t.Helper()
	svc, err := NewService(ServiceConfig{
		Settings: settings,
		Events:   events,
		Logger:   &mockLogger{},
		NewLoop:  book.build,
		Refresh:  time.Hour,
	})
	require.NoError(t, err)
	return svc
}

func TestNewService(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServiceConfig
		wantErr bool
	}{
		{name: "missing everything", cfg: ServiceConfig{}, wantErr: true},
		{name: "missing loop builder", cfg: ServiceConfig{Settings: &mockSettings{}, Events: &recordingSink{}, Logger: &mockLogger{}}, wantErr: true},
		{name: "valid", cfg: ServiceConfig{Settings: &mockSettings{}, Events: &recordingSink{}, Logger: &mockLogger{}, NewLoop: newRunnerBook().build}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewService(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, defaultRefresh, svc.refresh)
		})
	}
}

func TestService_ScanStartsEnabledUsers(t *testing.T) {
	settings := &mockSettings{}
	settings.On("ListUsers", mock.Anything).Return([]string{"alice", "bob", "carol", "dave"}, nil)
	settings.On("Load", mock.Anything, "alice").Return(enabledConfig("alice", true), nil)
	settings.On("Load", mock.Anything, "bob").Return(enabledConfig("bob", false), nil)
	broken := enabledConfig("carol", true)
	broken.TradeAmount = 0
	settings.On("Load", mock.Anything, "carol").Return(broken, fmt.Errorf("account: %w", domain.ErrInvalidConfig))
	settings.On("Load", mock.Anything, "dave").Return(domain.TradingConfig{}, fmt.Errorf("account: %w", ports.ErrUserNotFound))

	book := newRunnerBook()
	svc := newTestService(t, settings, book, &recordingSink{})
	ctx, cancel := context.WithCancel(context.Background())

	svc.Scan(ctx)
	assert.Equal(t, []string{"alice", "carol"}, svc.Running(), "enabled users get a loop, even with a broken config")

	// Running loops are not started twice.
	svc.Scan(ctx)
	assert.Equal(t, 1, book.count("alice"))
	assert.Equal(t, 0, book.count("bob"))

	cancel()
	svc.wg.Wait()
	assert.Empty(t, svc.Running())
}

func TestService_RestartsReenabledButNotHaltedLoops(t *testing.T) {
	settings := &mockSettings{}
	settings.On("ListUsers", mock.Anything).Return([]string{"alice", "bob"}, nil)
	settings.On("Load", mock.Anything, mock.Anything).Return(enabledConfig("x", true), nil)

	book := newRunnerBook()
	book.exits["alice"] = fmt.Errorf("alice: %w", ports.ErrTradingDisabled)
	book.exits["bob"] = fmt.Errorf("bob: %w: %w", ports.ErrLoopHalted, ports.ErrLedgerWriteFailed)
	svc := newTestService(t, settings, book, &recordingSink{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Scan(ctx)
	require.Eventually(t, func() bool { return len(svc.Running()) == 0 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, svc.Halted("bob"), ports.ErrLedgerWriteFailed)
	assert.NoError(t, svc.Halted("alice"))

	svc.Scan(ctx)
	require.Eventually(t, func() bool { return len(svc.Running()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, book.count("alice"), "a loop that ended on disable is started again")
	assert.Equal(t, 1, book.count("bob"), "a halted loop stays down")
	svc.wg.Wait()
}

func TestService_PanicOnlyStopsThatUser(t *testing.T) {
	settings := &mockSettings{}
	settings.On("ListUsers", mock.Anything).Return([]string{"alice", "bob"}, nil)
	settings.On("Load", mock.Anything, mock.Anything).Return(enabledConfig("x", true), nil)

	book := newRunnerBook()
	book.panics["bob"] = true
	events := &recordingSink{}
	svc := newTestService(t, settings, book, events)
	ctx, cancel := context.WithCancel(context.Background())

	svc.Scan(ctx)
	require.Eventually(t, func() bool { return svc.Halted("bob") != nil }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, svc.Halted("bob"), ports.ErrLoopHalted)
	assert.Equal(t, []string{"alice"}, svc.Running())
	halted := events.ofType(domain.EventLoopHalted)
	require.Len(t, halted, 1)
	assert.Contains(t, halted[0].Message, "boom")

	cancel()
	svc.wg.Wait()
}

func TestService_Start(t *testing.T) {
	tests := []struct {
		name    string
		syncErr error
		listErr error
	}{
		{name: "runs until cancelled"},
		{name: "time sync failure only warns", syncErr: errors.New("clock unreachable")},
		{name: "user listing failure keeps running", listErr: errors.New("accounts file missing")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := &mockSettings{}
			users := []string{"alice"}
			if tt.listErr != nil {
				users = nil
			}
			settings.On("ListUsers", mock.Anything).Return(users, tt.listErr)
			settings.On("Load", mock.Anything, "alice").Return(enabledConfig("alice", true), nil)

			book := newRunnerBook()
			ts := &fakeTimeSync{err: tt.syncErr}
			svc, err := NewService(ServiceConfig{
				Settings: settings,
				Events:   &recordingSink{},
				Logger:   &mockLogger{},
				NewLoop:  book.build,
				TimeSync: ts,
				Refresh:  10 * time.Millisecond,
			})
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- svc.Start(ctx) }()

			if tt.listErr == nil {
				require.Eventually(t, func() bool { return book.count("alice") == 1 }, time.Second, 5*time.Millisecond)
			} else {
				time.Sleep(30 * time.Millisecond)
				assert.Equal(t, 0, book.count("alice"))
			}
			cancel()

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("service did not stop")
			}
			assert.Empty(t, svc.Running(), "Start waits for every loop")
			assert.Equal(t, int32(1), ts.calls.Load())
		})
	}
}
