// ABOUTME: Package documentation for the event bus
// ABOUTME: Explains delivery semantics and the driver split

// Package bus moves typed event envelopes between the pipeline stages.
//
// Two drivers implement the Bus interface: MemoryBus runs in-process and is
// used by tests and the single-binary dev mode, RedisBus uses Redis Streams
// consumer groups for multi-process deployments.
//
// Delivery is at-least-once on both drivers. A handler error schedules
// redelivery; after MaxDeliveries attempts, or immediately when the handler
// returns ErrPoison, the message moves to the topic's dead-letter stream.
// Consumers are expected to deduplicate redeliveries through event receipts,
// never through the bus.
package bus
