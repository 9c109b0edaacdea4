// Package cancel exposes cooperative cancellation state to workers. Workers
// consult a Checker between pipeline stages; the store-backed implementation
// reads the per-job cancel flag and the shared emergency-stop flag that the
// CLI and deletion workflow set.
package cancel

import (
	"context"
	"sync"

	"docmill/internal/queue"
)

// Checker reports whether work should stop. Both checks are advisory: a
// worker that has already observed false may finish its current stage before
// looking again.
type Checker interface {
	// Cancelled reports whether cancellation was requested for one job.
	Cancelled(ctx context.Context, jobID string) (bool, error)
	// StopRequested reports whether the shared emergency stop is engaged.
	StopRequested(ctx context.Context) (bool, error)
}

// StopHandle engages and releases the shared emergency stop.
type StopHandle interface {
	Engage(ctx context.Context) error
	Release(ctx context.Context) error
	Engaged(ctx context.Context) (bool, error)
}

// StoreChecker reads cancellation state from the job store.
type StoreChecker struct {
	store *queue.Store
}

// NewStoreChecker wraps a store as both Checker and StopHandle.
func NewStoreChecker(store *queue.Store) *StoreChecker {
	return &StoreChecker{store: store}
}

func (c *StoreChecker) Cancelled(ctx context.Context, jobID string) (bool, error) {
	return c.store.CancelRequested(ctx, jobID)
}

func (c *StoreChecker) StopRequested(ctx context.Context) (bool, error) {
	return c.store.HasFlag(ctx, queue.EmergencyStopFlag)
}

func (c *StoreChecker) Engage(ctx context.Context) error {
	return c.store.SetFlag(ctx, queue.EmergencyStopFlag)
}

func (c *StoreChecker) Release(ctx context.Context) error {
	return c.store.ClearFlag(ctx, queue.EmergencyStopFlag)
}

func (c *StoreChecker) Engaged(ctx context.Context) (bool, error) {
	return c.store.HasFlag(ctx, queue.EmergencyStopFlag)
}

// MemoryChecker is an in-memory Checker and StopHandle for tests.
type MemoryChecker struct {
	mu        sync.Mutex
	cancelled map[string]bool
	stopped   bool
}

func NewMemoryChecker() *MemoryChecker {
	return &MemoryChecker{cancelled: make(map[string]bool)}
}

// MarkCancelled flags one job as cancel requested.
func (c *MemoryChecker) MarkCancelled(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled[jobID] = true
}

func (c *MemoryChecker) Cancelled(_ context.Context, jobID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[jobID], nil
}

func (c *MemoryChecker) StopRequested(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped, nil
}

func (c *MemoryChecker) Engage(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *MemoryChecker) Release(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = false
	return nil
}

func (c *MemoryChecker) Engaged(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped, nil
}
