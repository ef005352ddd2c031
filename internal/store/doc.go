// ABOUTME: Package documentation for the store package
// ABOUTME: Explains the document hierarchy and the two deduplication layers

// Package store persists the pipeline's documents in SQLite and enforces
// the consistency the pipeline depends on.
//
// The document hierarchy is rooted at conversations: messages, intents,
// action results, and event-log entries belong to a conversation and are
// deleted with it. Receipts and idempotency keys are global roots that
// outlive conversations; they exist only as deduplication tokens.
//
// Three operations carry the correctness envelope:
//
//   - TransitionState checks every state write against the transition
//     table inside a transaction, so concurrent workers serialize per
//     conversation.
//   - ClaimReceipt grants each logical event to exactly one worker at a
//     time, with stale-claim reclamation for crashed workers.
//   - ClaimIdempotencyKey gives at most one submission per client key.
//
// Everything else is plain document CRUD.
package store
