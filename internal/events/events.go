// Package events fans lifecycle events and message snapshots out to
// in-process subscribers (WebSocket clients) and, optionally, to NATS.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize   int
	syncDelivery bool
	logger       *zerolog.Logger
}

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.bufferSize = size
	}
}

// WithLogger sets a structured logger for handler errors
func WithLogger(logger zerolog.Logger) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.logger = &logger
	}
}

// WithSyncDelivery delivers every event inline on the event loop.
// Handlers are then never called concurrently, which WebSocket writers need.
func WithSyncDelivery() SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.syncDelivery = true
	}
}

// Subscription is a handler attached to one topic.
type Subscription struct {
	Topic       string
	ID          string
	Handler     HandlerFunc
	Unsubscribe func()
}

type event struct {
	topic   string
	message any
}

// Subject is an in-process topic broker with a single dispatch goroutine.
type Subject struct {
	mu        sync.RWMutex
	subs      map[string]map[string]Subscription
	nextSubID atomic.Int64
	delivered atomic.Int64

	events   chan event
	shutdown chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	config subjectConfig
}

// NewSubject creates a Subject and starts its event loop.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{bufferSize: 512}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		subs:     make(map[string]map[string]Subscription),
		events:   make(chan event, cfg.bufferSize),
		shutdown: make(chan struct{}),
		config:   cfg,
	}
	s.wg.Add(1)
	go s.eventLoop()
	return s
}

// Emit queues value for delivery to topic subscribers. It gives up after
// five seconds when the buffer stays full or the subject is closed.
func Emit[T any](s *Subject, topic string, value T) error {
	if s == nil {
		return nil
	}
	if s.closed.Load() {
		return fmt.Errorf("emit %s: subject closed", topic)
	}
	select {
	case s.events <- event{topic: topic, message: value}:
		return nil
	case <-s.shutdown:
		return fmt.Errorf("emit %s: subject closed", topic)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emit %s: buffer full", topic)
	}
}

// Subscribe attaches a typed handler to topic. Values of other types
// emitted on the same topic are reported as handler errors.
func Subscribe[T any](s *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		if typed, ok := data.(T); ok {
			return handler(ctx, typed)
		}
		return fmt.Errorf("type assertion failed for %T, expected %T", data, *new(T))
	})

	sub := Subscription{
		Topic:   topic,
		ID:      fmt.Sprintf("%s-%d", topic, s.nextSubID.Add(1)),
		Handler: wrapped,
	}
	sub.Unsubscribe = func() { s.remove(topic, sub.ID) }

	s.mu.Lock()
	if s.subs[topic] == nil {
		s.subs[topic] = make(map[string]Subscription)
	}
	s.subs[topic][sub.ID] = sub
	s.mu.Unlock()

	return sub
}

// Subscribers reports how many handlers are attached to topic.
func (s *Subject) Subscribers(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[topic])
}

// Delivered reports how many events the loop has dispatched.
func (s *Subject) Delivered() int64 {
	return s.delivered.Load()
}

// Complete shuts the subject down. It is idempotent.
func Complete(s *Subject) {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.shutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func (s *Subject) remove(topic, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[topic], id)
	if len(s.subs[topic]) == 0 {
		delete(s.subs, topic)
	}
}

func (s *Subject) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.events:
			s.delivered.Add(1)

			s.mu.RLock()
			targets := make([]Subscription, 0, len(s.subs[evt.topic]))
			for _, sub := range s.subs[evt.topic] {
				targets = append(targets, sub)
			}
			s.mu.RUnlock()

			for _, sub := range targets {
				s.deliver(sub, evt)
			}
		}
	}
}

func (s *Subject) deliver(sub Subscription, evt event) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sub.Handler(ctx, evt.message); err != nil && s.config.logger != nil {
			s.config.logger.Debug().
				Str("topic", evt.topic).
				Str("subscription_id", sub.ID).
				Err(err).
				Msg("event handler error")
		}
	}
	if s.config.syncDelivery {
		run()
		return
	}
	go run()
}
