// ABOUTME: Bus interfaces, topic names, and the delivery policy shared by all drivers
// ABOUTME: Defines at-least-once semantics, poison signaling, and dead-letter routing

package bus

import (
	"context"
	"errors"
)

// Topics connecting the pipeline stages.
const (
	TopicReasoning = "reasoning-requested"
	TopicAction    = "action-requested"
)

// Dead-letter topics. Messages land here after exhausting deliveries
// or when a handler reports them as poison.
const (
	DeadLetterReasoning = "reasoning-dead-letter"
	DeadLetterAction    = "action-dead-letter"
)

// MaxDeliveries is the delivery cap before a message is dead-lettered.
const MaxDeliveries = 5

// ErrPoison tells the bus a message can never succeed and must go straight
// to the dead-letter topic instead of being redelivered. Handlers wrap the
// underlying cause: fmt.Errorf("%w: bad payload", bus.ErrPoison).
var ErrPoison = errors.New("poison message")

// DeadLetterTopic maps a work topic to its dead-letter topic.
func DeadLetterTopic(topic string) string {
	switch topic {
	case TopicReasoning:
		return DeadLetterReasoning
	case TopicAction:
		return DeadLetterAction
	default:
		return topic + "-dead-letter"
	}
}

// Handler processes a single delivered envelope. Returning nil acknowledges
// the message. Returning an error schedules redelivery, unless the error is
// (or wraps) ErrPoison, which dead-letters immediately.
type Handler func(ctx context.Context, env *Envelope) error

// Publisher publishes envelopes to a topic. Delivery is at-least-once:
// consumers must deduplicate via receipts.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *Envelope) error
}

// Consumer attaches handlers to topics. Each named group receives every
// message once; redelivery within a group follows the delivery policy.
type Consumer interface {
	Subscribe(topic, group string, handler Handler) error
	Close() error
}

// Bus is a full bus driver.
type Bus interface {
	Publisher
	Consumer
}

// DeadLetter is a message that exhausted its deliveries or was reported
// as poison, together with why.
type DeadLetter struct {
	Envelope *Envelope
	Reason   string
	Attempts int
}
