package testsupport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"docmill/internal/config"
	"docmill/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob persists a queued job for tests and returns it.
func NewJob(t testing.TB, store *queue.Store, lane queue.Lane) *queue.Job {
	t.Helper()

	now := time.Now().UTC()
	job := &queue.Job{
		ID:             uuid.NewString(),
		Lane:           lane,
		Status:         queue.StatusQueued,
		Filename:       "doc.txt",
		Bucket:         "documents",
		SizeBytes:      64,
		EstimatedUnits: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("store.CreateJob: %v", err)
	}
	return job
}

// EnqueueJob persists a queued job and its delivery message.
func EnqueueJob(t testing.TB, store *queue.Store, lane queue.Lane) (*queue.Job, *queue.Message) {
	t.Helper()

	job := NewJob(t, store, lane)
	msg, err := store.Enqueue(context.Background(), job.ID, lane)
	if err != nil {
		t.Fatalf("store.Enqueue: %v", err)
	}
	return job, msg
}
