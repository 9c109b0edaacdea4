package progress_test

import (
	"context"
	"testing"
	"time"

	"docmill/internal/progress"
	"docmill/internal/queue"
	"docmill/internal/testsupport"
)

func TestHubFetchSince(t *testing.T) {
	hub := progress.NewHub(8)
	for i := 1; i <= 5; i++ {
		hub.Publish(progress.Event{JobID: "job", Stage: "extract", Percent: float64(i * 10)})
	}

	events, next, err := hub.Fetch(context.Background(), 2, 0, false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Sequence != 3 || events[len(events)-1].Sequence != 5 {
		t.Fatalf("sequence range = %d..%d", events[0].Sequence, events[len(events)-1].Sequence)
	}
	if next != 5 {
		t.Fatalf("next = %d, want 5", next)
	}

	// Caught up: a non-waiting fetch returns nothing.
	events, _, err = hub.Fetch(context.Background(), next, 0, false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("caught-up fetch returned %d events", len(events))
	}
}

func TestHubEvictsOldestAtCapacity(t *testing.T) {
	hub := progress.NewHub(3)
	for i := 1; i <= 5; i++ {
		hub.Publish(progress.Event{JobID: "job", Percent: float64(i)})
	}

	events, _ := hub.Tail(10)
	if len(events) != 3 {
		t.Fatalf("tail = %d events, want 3", len(events))
	}
	// Sequences 1 and 2 fell off the front.
	if events[0].Sequence != 3 {
		t.Fatalf("oldest retained sequence = %d, want 3", events[0].Sequence)
	}
}

func TestHubFetchWaitsForPublish(t *testing.T) {
	hub := progress.NewHub(8)
	done := make(chan []progress.Event, 1)
	go func() {
		events, _, _ := hub.Fetch(context.Background(), 0, 0, true)
		done <- events
	}()

	time.Sleep(50 * time.Millisecond)
	hub.Publish(progress.Event{JobID: "job", Stage: "export", Percent: 80})

	select {
	case events := <-done:
		if len(events) != 1 || events[0].Stage != "export" {
			t.Fatalf("events = %+v", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting fetch never woke up")
	}
}

func TestHubFetchHonorsContext(t *testing.T) {
	hub := progress.NewHub(8)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := hub.Fetch(ctx, 0, 0, true)
	if err == nil {
		t.Fatal("fetch returned nil error after context expiry")
	}
}

func TestSnapshotFallsBackToJobRow(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Progress.SnapshotTTL = 0 // expire immediately
	store := testsupport.MustOpenStore(t, cfg)
	publisher := progress.NewPublisher(cfg, store, progress.NewHub(8))

	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.LaneDefault)
	if err := publisher.Publish(ctx, job.ID, "classify", 60); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	snap, ok, err := publisher.Snapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !ok {
		t.Fatal("snapshot missing despite mirrored job row")
	}
	if !snap.Durable {
		t.Fatal("expired cache entry should fall back to the durable row")
	}
	if snap.Stage != "classify" || snap.Percent != 60 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSnapshotPrefersLiveCache(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Progress.SnapshotTTL = 60
	store := testsupport.MustOpenStore(t, cfg)
	publisher := progress.NewPublisher(cfg, store, progress.NewHub(8))

	ctx := context.Background()
	job := testsupport.NewJob(t, store, queue.LaneDefault)
	if err := publisher.Publish(ctx, job.ID, "download", 120); err != nil {
		t.Fatalf("publish: %v", err)
	}

	snap, ok, err := publisher.Snapshot(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("snapshot: ok=%v err=%v", ok, err)
	}
	if snap.Durable {
		t.Fatal("live cache entry reported as durable fallback")
	}
	if snap.Percent != 100 {
		t.Fatalf("percent = %v, want clamped to 100", snap.Percent)
	}
}

func TestSnapshotUnknownJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	publisher := progress.NewPublisher(cfg, store, progress.NewHub(8))

	_, ok, err := publisher.Snapshot(context.Background(), "missing")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if ok {
		t.Fatal("snapshot reported for unknown job")
	}
}
