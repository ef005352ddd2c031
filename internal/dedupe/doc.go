// ABOUTME: Package documentation for the dedupe fast path
// ABOUTME: Clarifies that the cache supplements, never replaces, receipts

// Package dedupe provides a small in-memory cache of recently completed
// event IDs. Consumers consult it before claiming a receipt so a burst of
// redeliveries for an already-finished event skips the database entirely.
// Correctness never depends on it: processes restart with an empty cache
// and fall through to the receipt protocol.
package dedupe
