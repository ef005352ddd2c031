// ABOUTME: In-memory bus driver with at-least-once delivery semantics
// ABOUTME: Used by tests and the single-process dev mode; retries failed handlers and dead-letters poison

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// retryDelay spaces out redeliveries of a failing message. Short, because
// the in-memory driver only backs single-process deployments.
const retryDelay = 5 * time.Millisecond

// MemoryBus is an in-process bus driver. Publish returns immediately and
// deliveries run on their own goroutines, like a real broker: a publisher
// must never observe its consumers, and consumers may need writes the
// publisher performs after publishing.
type MemoryBus struct {
	mu          sync.Mutex
	subs        map[string]map[string]Handler // topic -> group -> handler
	deadLetters map[string][]DeadLetter       // dead-letter topic -> messages
	logger      *slog.Logger
	closed      bool

	wg sync.WaitGroup
}

// NewMemoryBus creates an in-memory bus. Pass nil logger for default.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subs:        make(map[string]map[string]Handler),
		deadLetters: make(map[string][]DeadLetter),
		logger:      logger.With("component", "bus", "driver", "memory"),
	}
}

// Subscribe attaches a handler for the group on the topic. A group may only
// subscribe once per topic.
func (b *MemoryBus) Subscribe(topic, group string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("bus is closed")
	}
	if _, ok := b.subs[topic]; !ok {
		b.subs[topic] = make(map[string]Handler)
	}
	if _, ok := b.subs[topic][group]; ok {
		return fmt.Errorf("group %q already subscribed to %q", group, topic)
	}
	b.subs[topic][group] = handler

	b.logger.Debug("subscriber added", "topic", topic, "group", group)
	return nil
}

// Publish delivers the envelope to every subscribed group asynchronously.
// Each delivery re-decodes the wire bytes so handlers see an independent
// copy.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bus is closed")
	}
	handlers := make(map[string]Handler, len(b.subs[topic]))
	for group, h := range b.subs[topic] {
		handlers[group] = h
	}
	b.mu.Unlock()

	for group, handler := range handlers {
		b.wg.Add(1)
		go func(group string, handler Handler) {
			defer b.wg.Done()
			b.deliver(topic, group, handler, data)
		}(group, handler)
	}
	return nil
}

// deliver runs one group's handler with the retry and dead-letter policy.
func (b *MemoryBus) deliver(topic, group string, handler Handler, data []byte) {
	ctx := context.Background()

	var lastErr error
	for attempt := 1; attempt <= MaxDeliveries; attempt++ {
		env, err := Decode(data)
		if err != nil {
			// The wire bytes themselves are unusable
			b.deadLetter(topic, &Envelope{}, err.Error(), attempt)
			return
		}

		err = handler(ctx, env)
		if err == nil {
			return
		}
		lastErr = err

		if errors.Is(err, ErrPoison) {
			b.logger.Warn("poison message dead-lettered",
				"topic", topic, "group", group, "event_id", env.EventID, "error", err)
			b.deadLetter(topic, env, err.Error(), attempt)
			return
		}

		b.logger.Debug("handler failed, redelivering",
			"topic", topic, "group", group, "event_id", env.EventID,
			"attempt", attempt, "error", err)
		time.Sleep(retryDelay)
	}

	env, _ := Decode(data)
	b.logger.Warn("delivery cap exhausted, dead-lettering",
		"topic", topic, "group", group, "event_id", env.EventID,
		"attempts", MaxDeliveries, "error", lastErr)
	b.deadLetter(topic, env, lastErr.Error(), MaxDeliveries)
}

func (b *MemoryBus) deadLetter(topic string, env *Envelope, reason string, attempts int) {
	dlq := DeadLetterTopic(topic)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters[dlq] = append(b.deadLetters[dlq], DeadLetter{
		Envelope: env,
		Reason:   reason,
		Attempts: attempts,
	})
}

// DeadLetters returns the messages accumulated on a dead-letter topic.
func (b *MemoryBus) DeadLetters(dlqTopic string) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.deadLetters[dlqTopic]))
	copy(out, b.deadLetters[dlqTopic])
	return out
}

// Drain blocks until every delivery in flight has finished. Test helper.
func (b *MemoryBus) Drain() {
	b.wg.Wait()
}

// Close detaches all subscribers and waits for in-flight deliveries.
// Safe to call multiple times.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[string]Handler)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
