// ABOUTME: Package documentation for the HTTP ingress
// ABOUTME: The only synchronous surface; everything downstream is event-driven

// Package ingress exposes the pipeline's HTTP surface. POST /messages
// accepts a user message, claims the client's idempotency key before any
// other write, persists the message, publishes a reasoning_requested event,
// and advances the conversation. The GET endpoints expose conversation
// documents and their event logs for polling and inspection. No handler
// ever calls another pipeline stage directly.
package ingress
