// Package queue persists jobs, broker messages, dead letters, and control
// flags in a single WAL-mode SQLite database.
//
// The broker is a durable multi-lane queue with strict priority: Claim drains
// high before default before low. Delivery is at-least-once: a claim takes a
// lease (visibility timeout) and a crashed worker's lease expires, making the
// message claimable again. Handlers therefore guard every job state change
// with an expected-prior-status transition so replays are safely ignored.
//
// Sibling stores (audit, costs) keep their tables in the same database file
// and share the handle via Store.DB.
package queue
