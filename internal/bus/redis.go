// ABOUTME: Redis Streams bus driver with consumer groups
// ABOUTME: Implements at-least-once delivery, pending-entry reclamation, and dead-letter streams

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// readBlock is how long XREADGROUP blocks waiting for new entries.
	readBlock = 5 * time.Second
	// reclaimInterval is how often each subscriber scans the pending
	// entries list for stuck deliveries.
	reclaimInterval = 10 * time.Second
	// reclaimMinIdle is how long a pending entry must sit unacked before
	// another consumer may claim it.
	reclaimMinIdle = 30 * time.Second
)

// RedisBus is a bus driver backed by Redis Streams. Each topic is a stream,
// each group a consumer group. Unacked entries are reclaimed after
// reclaimMinIdle; entries delivered MaxDeliveries times move to the
// dead-letter stream.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(addr, password string, db int, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client: client,
		logger: logger.With("component", "bus", "driver", "redis"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Publish appends the envelope to the topic's stream. The full envelope
// rides in the data field; a few metadata fields are duplicated for
// XRANGE inspection.
func (b *RedisBus) Publish(ctx context.Context, topic string, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{
			"data":            string(data),
			"event_id":        env.EventID,
			"event_type":      env.EventType,
			"conversation_id": env.ConversationID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates the consumer group if needed and starts the read and
// reclaim loops for this subscriber.
func (b *RedisBus) Subscribe(topic, group string, handler Handler) error {
	err := b.client.XGroupCreateMkStream(b.ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating group %s on %s: %w", group, topic, err)
	}

	consumer := group + "-" + uuid.New().String()[:8]
	logger := b.logger.With("topic", topic, "group", group, "consumer", consumer)

	b.wg.Add(2)
	go b.readLoop(topic, group, consumer, handler, logger)
	go b.reclaimLoop(topic, group, consumer, handler, logger)

	logger.Info("subscribed")
	return nil
}

func (b *RedisBus) readLoop(topic, group, consumer string, handler Handler, logger *slog.Logger) {
	defer b.wg.Done()

	for {
		streams, err := b.client.XReadGroup(b.ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    10,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if err != redis.Nil {
				logger.Error("read failed", "error", err)
				select {
				case <-b.ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.handleMessage(topic, group, msg, handler, logger)
			}
		}
	}
}

// reclaimLoop scans the pending entries list for deliveries stuck on a
// crashed or slow consumer. Entries past the delivery cap are dead-lettered;
// the rest are claimed and retried here.
func (b *RedisBus) reclaimLoop(topic, group, consumer string, handler Handler, logger *slog.Logger) {
	defer b.wg.Done()

	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := b.client.XPendingExt(b.ctx, &redis.XPendingExtArgs{
			Stream: topic,
			Group:  group,
			Idle:   reclaimMinIdle,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil {
			if !errors.Is(err, context.Canceled) && err != redis.Nil {
				logger.Error("pending scan failed", "error", err)
			}
			continue
		}

		for _, entry := range pending {
			if entry.RetryCount >= MaxDeliveries {
				b.deadLetterPending(topic, group, entry, logger)
				continue
			}

			claimed, err := b.client.XClaim(b.ctx, &redis.XClaimArgs{
				Stream:   topic,
				Group:    group,
				Consumer: consumer,
				MinIdle:  reclaimMinIdle,
				Messages: []string{entry.ID},
			}).Result()
			if err != nil {
				if !errors.Is(err, context.Canceled) && err != redis.Nil {
					logger.Error("claim failed", "stream_id", entry.ID, "error", err)
				}
				continue
			}
			for _, msg := range claimed {
				logger.Info("reclaimed stuck delivery",
					"stream_id", msg.ID, "retry_count", entry.RetryCount)
				b.handleMessage(topic, group, msg, handler, logger)
			}
		}
	}
}

// handleMessage decodes and runs the handler for one stream entry. Success
// and poison both ack; transient failures leave the entry pending so the
// reclaim loop redelivers it.
func (b *RedisBus) handleMessage(topic, group string, msg redis.XMessage, handler Handler, logger *slog.Logger) {
	raw, _ := msg.Values["data"].(string)
	env, err := Decode([]byte(raw))
	if err != nil {
		logger.Warn("undecodable entry dead-lettered", "stream_id", msg.ID, "error", err)
		b.deadLetterMessage(topic, group, msg, err.Error())
		return
	}

	err = handler(b.ctx, env)
	switch {
	case err == nil:
		b.ack(topic, group, msg.ID, logger)
	case errors.Is(err, ErrPoison):
		logger.Warn("poison message dead-lettered",
			"stream_id", msg.ID, "event_id", env.EventID, "error", err)
		b.deadLetterMessage(topic, group, msg, err.Error())
	default:
		logger.Debug("handler failed, leaving pending",
			"stream_id", msg.ID, "event_id", env.EventID, "error", err)
	}
}

func (b *RedisBus) deadLetterPending(topic, group string, entry redis.XPendingExt, logger *slog.Logger) {
	msgs, err := b.client.XRange(b.ctx, topic, entry.ID, entry.ID).Result()
	if err != nil || len(msgs) == 0 {
		logger.Error("failed to fetch entry for dead-lettering", "stream_id", entry.ID, "error", err)
		return
	}
	logger.Warn("delivery cap exhausted, dead-lettering",
		"stream_id", entry.ID, "attempts", entry.RetryCount)
	b.deadLetterMessage(topic, group, msgs[0], fmt.Sprintf("delivery cap exhausted after %d attempts", entry.RetryCount))
}

// deadLetterMessage copies the entry onto the dead-letter stream and acks
// the original so it is never delivered again.
func (b *RedisBus) deadLetterMessage(topic, group string, msg redis.XMessage, reason string) {
	dlq := DeadLetterTopic(topic)
	values := make(map[string]any, len(msg.Values)+2)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["reason"] = reason
	values["source_id"] = msg.ID

	if err := b.client.XAdd(b.ctx, &redis.XAddArgs{Stream: dlq, Values: values}).Err(); err != nil {
		b.logger.Error("dead-letter publish failed", "topic", dlq, "stream_id", msg.ID, "error", err)
		return
	}
	b.ack(topic, group, msg.ID, b.logger)
}

func (b *RedisBus) ack(topic, group, id string, logger *slog.Logger) {
	if err := b.client.XAck(b.ctx, topic, group, id).Err(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ack failed", "stream_id", id, "error", err)
	}
}

// ReadDeadLetters returns up to limit entries from a dead-letter stream,
// oldest first. Used by the admin CLI.
func (b *RedisBus) ReadDeadLetters(ctx context.Context, dlqTopic string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := b.client.XRangeN(ctx, dlqTopic, "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dlqTopic, err)
	}

	out := make([]DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		raw, _ := msg.Values["data"].(string)
		env, err := Decode([]byte(raw))
		if err != nil {
			env = &Envelope{}
		}
		reason, _ := msg.Values["reason"].(string)
		out = append(out, DeadLetter{Envelope: env, Reason: reason, Attempts: MaxDeliveries})
	}
	return out, nil
}

// Close stops all subscriber loops and closes the connection.
func (b *RedisBus) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}
