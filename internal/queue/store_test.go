package queue_test

import (
	"context"
	"testing"
	"time"

	"docmill/internal/queue"
	"docmill/internal/testsupport"
)

var laneOrder = []queue.Lane{queue.LaneHigh, queue.LaneDefault, queue.LaneLow}

func TestClaimFollowsLanePriority(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lowJob, _ := testsupport.EnqueueJob(t, store, queue.LaneLow)
	defaultJob, _ := testsupport.EnqueueJob(t, store, queue.LaneDefault)
	highJob, _ := testsupport.EnqueueJob(t, store, queue.LaneHigh)

	want := []string{highJob.ID, defaultJob.ID, lowJob.ID}
	for i, expected := range want {
		msg, err := store.Claim(ctx, laneOrder, time.Minute)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if msg == nil {
			t.Fatalf("claim %d: expected a message", i)
		}
		if msg.JobID != expected {
			t.Fatalf("claim %d: got job %s, want %s", i, msg.JobID, expected)
		}
	}

	msg, err := store.Claim(ctx, laneOrder, time.Minute)
	if err != nil {
		t.Fatalf("final claim: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected empty queue, claimed job %s", msg.JobID)
	}
}

func TestClaimLeasesExclusively(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.EnqueueJob(t, store, queue.LaneDefault)

	first, err := store.Claim(ctx, laneOrder, time.Minute)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if first == nil {
		t.Fatal("expected first claim to succeed")
	}

	second, err := store.Claim(ctx, laneOrder, time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatalf("leased message claimed twice: %d", second.ID)
	}
}

func TestReclaimExpiredLeases(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	_, msg := testsupport.EnqueueJob(t, store, queue.LaneDefault)

	claimed, err := store.Claim(ctx, laneOrder, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != msg.ID {
		t.Fatal("expected to claim the enqueued message")
	}

	time.Sleep(20 * time.Millisecond)
	reclaimed, err := store.ReclaimExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed %d leases, want 1", reclaimed)
	}

	again, err := store.Claim(ctx, laneOrder, time.Minute)
	if err != nil {
		t.Fatalf("reclaim claim: %v", err)
	}
	if again == nil || again.ID != msg.ID {
		t.Fatal("expected reclaimed message to be claimable")
	}
	if again.Attempt != 0 {
		t.Fatalf("reclaim must not consume an attempt, got %d", again.Attempt)
	}
}

func TestReleaseDelaysRedelivery(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	_, msg := testsupport.EnqueueJob(t, store, queue.LaneDefault)

	claimed, err := store.Claim(ctx, laneOrder, time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("claim: msg=%v err=%v", claimed, err)
	}

	if err := store.Release(ctx, msg.ID, time.Now().UTC().Add(time.Hour), "transient failure"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, err := store.Claim(ctx, laneOrder, time.Minute); err != nil || got != nil {
		t.Fatalf("delayed message should not be claimable yet: msg=%v err=%v", got, err)
	}

	if err := store.Release(ctx, msg.ID, time.Now().UTC().Add(-time.Second), "transient failure"); err != nil {
		t.Fatalf("re-release: %v", err)
	}
	got, err := store.Claim(ctx, laneOrder, time.Minute)
	if err != nil {
		t.Fatalf("claim after backoff: %v", err)
	}
	if got == nil {
		t.Fatal("expected released message to be claimable")
	}
	if got.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2 after two releases", got.Attempt)
	}
	if got.LastError != "transient failure" {
		t.Fatalf("last error = %q", got.LastError)
	}
}

func TestMoveToDeadLetterIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	_, msg := testsupport.EnqueueJob(t, store, queue.LaneDefault)

	if err := store.MoveToDeadLetter(ctx, msg, "TRANSIENT_ERROR", "gave up"); err != nil {
		t.Fatalf("first move: %v", err)
	}
	if err := store.MoveToDeadLetter(ctx, msg, "TRANSIENT_ERROR", "gave up"); err != nil {
		t.Fatalf("second move: %v", err)
	}

	letters, err := store.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want exactly 1", len(letters))
	}
	if letters[0].FailureKind != "TRANSIENT_ERROR" {
		t.Fatalf("failure kind = %q", letters[0].FailureKind)
	}

	if remaining, err := store.GetMessage(ctx, msg.ID); err != nil || remaining != nil {
		t.Fatalf("message should be gone from its lane: msg=%v err=%v", remaining, err)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job, msg := testsupport.EnqueueJob(t, store, queue.LaneHigh)
	if _, err := store.MarkFailed(ctx, job.ID, "FATAL_ERROR", "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MoveToDeadLetter(ctx, msg, "FATAL_ERROR", "boom"); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}

	letters, err := store.DeadLetters(ctx)
	if err != nil || len(letters) != 1 {
		t.Fatalf("dead letters: %v (%d)", err, len(letters))
	}

	requeued, err := store.RequeueDeadLetter(ctx, letters[0].ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.JobID != job.ID || requeued.Lane != queue.LaneHigh || requeued.Attempt != 0 {
		t.Fatalf("requeued message = %+v", requeued)
	}

	fresh, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if fresh.Status != queue.StatusQueued {
		t.Fatalf("job status = %s, want queued", fresh.Status)
	}
	if fresh.ErrorKind != "" {
		t.Fatalf("error kind should be cleared, got %q", fresh.ErrorKind)
	}

	if letters, err := store.DeadLetters(ctx); err != nil || len(letters) != 0 {
		t.Fatalf("dead letters after requeue: %v (%d)", err, len(letters))
	}
}

func TestTransitionStatusIsGuarded(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, store, queue.LaneDefault)

	ok, err := store.TransitionStatus(ctx, job.ID, queue.StatusQueued, queue.StatusProcessing)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}
	ok, err = store.TransitionStatus(ctx, job.ID, queue.StatusQueued, queue.StatusProcessing)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if ok {
		t.Fatal("transition from stale status must fail")
	}
}

func TestMarkCancelledNeverOverwritesTerminal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, store, queue.LaneDefault)
	if _, err := store.TransitionStatus(ctx, job.ID, queue.StatusQueued, queue.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionStatus(ctx, job.ID, queue.StatusProcessing, queue.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	changed, err := store.MarkCancelled(ctx, job.ID)
	if err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	if changed {
		t.Fatal("completed job must not be cancelled")
	}
	fresh, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want completed", fresh.Status)
	}
}

func TestFindCompletedByCanonicalHashScoping(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, store, queue.LaneDefault)
	job.CanonicalHash = "abc123"
	job.ActorID = "alice"
	if err := store.UpdateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionStatus(ctx, job.ID, queue.StatusQueued, queue.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionStatus(ctx, job.ID, queue.StatusProcessing, queue.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	global, err := store.FindCompletedByCanonicalHash(ctx, "abc123", "")
	if err != nil {
		t.Fatal(err)
	}
	if global == nil || global.ID != job.ID {
		t.Fatalf("global lookup = %v", global)
	}

	scoped, err := store.FindCompletedByCanonicalHash(ctx, "abc123", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if scoped != nil {
		t.Fatalf("bob should not see alice's job, got %s", scoped.ID)
	}

	if miss, err := store.FindCompletedByCanonicalHash(ctx, "unknown", ""); err != nil || miss != nil {
		t.Fatalf("unknown hash lookup: job=%v err=%v", miss, err)
	}
}

func TestControlFlags(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	has, err := store.HasFlag(ctx, queue.EmergencyStopFlag)
	if err != nil || has {
		t.Fatalf("flag should start clear: has=%v err=%v", has, err)
	}

	if err := store.SetFlag(ctx, queue.EmergencyStopFlag); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if err := store.SetFlag(ctx, queue.EmergencyStopFlag); err != nil {
		t.Fatalf("set flag twice: %v", err)
	}
	if has, err := store.HasFlag(ctx, queue.EmergencyStopFlag); err != nil || !has {
		t.Fatalf("flag should be set: has=%v err=%v", has, err)
	}

	if err := store.ClearFlag(ctx, queue.EmergencyStopFlag); err != nil {
		t.Fatalf("clear flag: %v", err)
	}
	if has, err := store.HasFlag(ctx, queue.EmergencyStopFlag); err != nil || has {
		t.Fatalf("flag should be clear: has=%v err=%v", has, err)
	}
}
