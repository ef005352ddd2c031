// ABOUTME: Package documentation for the reasoner stage
// ABOUTME: Consumes reasoning_requested, produces validated intents and action_requested

// Package reason implements the middle pipeline stage. It turns a user
// message into an intent candidate via a pluggable deterministic reasoning
// function, validates the candidate against the intent schema, persists the
// intent either way, and dispatches valid intents to the executor topic.
// Redeliveries are absorbed by event receipts; all IDs it mints are
// derived deterministically from the message so retries converge.
package reason
