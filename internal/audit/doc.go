// Package audit records job lifecycle events with effective-once semantics.
//
// Every event carries a deterministic idempotency key hashed from its
// identifying fields and a coarse time bucket, so at-least-once delivery and
// handler retries collapse to a single stored row. The Batcher buffers
// events in memory and flushes them in bulk; the optional Journal adds crash
// durability by appending events to disk before they are buffered and
// replaying them on restart.
package audit
