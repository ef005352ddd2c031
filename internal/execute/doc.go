// ABOUTME: Package documentation for the executor stage
// ABOUTME: Consumes action_requested and records the terminal outcome

// Package execute implements the final pipeline stage. It runs the
// deterministic tool matching a validated intent's action, persists the
// result exactly once per intent, and transitions the conversation to
// ACTION_COMPLETED or FAILED_EXECUTION. Receipts, the per-intent result
// uniqueness constraint, and deterministic tools together make repeated
// delivery harmless.
package execute
