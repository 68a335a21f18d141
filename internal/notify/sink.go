// Package notify delivers engine events to users without ever blocking the
// trading loops.
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

const (
	defaultQueueSize       = 256
	defaultDeliveryTimeout = 10 * time.Second
)

type item struct {
	userID string
	event  domain.Event
}

// Sink implements ports.EventSink with a bounded queue drained by one worker.
type Sink struct {
	notifier ports.Notifier
	logger   ports.Logger
	timeout  time.Duration
	queue    chan item
	done     chan struct{}
	dropped  atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Config configures a Sink.
type Config struct {
	Notifier        ports.Notifier
	Logger          ports.Logger
	QueueSize       int
	DeliveryTimeout time.Duration
}

// NewSink starts the delivery worker.
func NewSink(cfg Config) *Sink {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	s := &Sink{
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		timeout:  timeout,
		queue:    make(chan item, size),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Notify queues the event. When the queue is full or the sink is closed the
// event is dropped and a warning logged.
func (s *Sink) Notify(userID string, event domain.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(userID, event, "sink closed")
		return
	}
	select {
	case s.queue <- item{userID: userID, event: event}:
	default:
		s.drop(userID, event, "queue full")
	}
}

func (s *Sink) drop(userID string, event domain.Event, reason string) {
	s.dropped.Add(1)
	s.logger.Warn(context.Background(), "Notification dropped", map[string]interface{}{"userID": userID, "event": event.Type, "reason": reason})
}

// Dropped reports how many events were discarded.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events and waits until the queued ones are delivered.
func (s *Sink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for it := range s.queue {
		s.deliver(it)
	}
}

// deliver sends one event. A panicking notifier loses only that event.
func (s *Sink) deliver(it item) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	fields := map[string]interface{}{"userID": it.userID, "event": it.event.Type}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, fmt.Errorf("notifier panic: %v", r), "Notification delivery panicked", fields)
		}
	}()
	if err := s.notifier.Notify(ctx, it.userID, it.event); err != nil {
		s.logger.Error(ctx, err, "Notification delivery failed", fields)
	}
}
