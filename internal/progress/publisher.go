// Package progress fans out job progress updates. Updates are advisory: they
// live in a TTL snapshot cache and a bounded in-memory hub, never in the
// durable store, so a restart loses nothing a reader cannot recover from the
// job's status.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"docmill/internal/config"
	"docmill/internal/queue"
)

// Event is a single progress update published to subscribers.
type Event struct {
	Sequence  uint64    `json:"seq"`
	JobID     string    `json:"job_id"`
	Stage     string    `json:"stage"`
	Percent   float64   `json:"percent"`
	KeepAlive bool      `json:"keep_alive,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Snapshot is the latest known progress for one job.
type Snapshot struct {
	JobID     string
	Stage     string
	Percent   float64
	UpdatedAt time.Time
	// Durable is true when the snapshot was reconstructed from the job
	// store because the cached entry expired.
	Durable bool
}

// Publisher caches per-job snapshots and broadcasts events on a hub.
type Publisher struct {
	store     *queue.Store
	hub       *Hub
	ttl       time.Duration
	keepalive time.Duration

	mu        sync.Mutex
	snapshots map[string]snapshotEntry
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type snapshotEntry struct {
	snapshot Snapshot
	expires  time.Time
}

func snapshotKey(jobID string) string {
	return fmt.Sprintf("progress:%s", jobID)
}

// NewPublisher builds a publisher backed by the job store for expired reads.
func NewPublisher(cfg *config.Config, store *queue.Store, hub *Hub) *Publisher {
	return &Publisher{
		store:     store,
		hub:       hub,
		ttl:       time.Duration(cfg.Progress.SnapshotTTL) * time.Second,
		keepalive: time.Duration(cfg.Progress.KeepAliveInterval) * time.Second,
		snapshots: make(map[string]snapshotEntry),
	}
}

// Start launches the keep-alive loop. Safe to skip in tests that only need
// Publish and Snapshot.
func (p *Publisher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.keepaliveLoop(runCtx)
}

// Stop halts the keep-alive loop.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Publish records a snapshot for the job and broadcasts the update. It also
// mirrors stage and percent onto the job row so status listings stay useful
// after the cache expires.
func (p *Publisher) Publish(ctx context.Context, jobID, stage string, percent float64) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	now := time.Now().UTC()
	snap := Snapshot{JobID: jobID, Stage: stage, Percent: percent, UpdatedAt: now}

	p.mu.Lock()
	p.snapshots[snapshotKey(jobID)] = snapshotEntry{snapshot: snap, expires: now.Add(p.ttl)}
	p.mu.Unlock()

	p.hub.Publish(Event{JobID: jobID, Stage: stage, Percent: percent, Timestamp: now})

	if p.store != nil {
		if err := p.store.SetProgress(ctx, jobID, stage, percent); err != nil {
			return fmt.Errorf("persist progress: %w", err)
		}
	}
	return nil
}

// Snapshot returns the latest progress for a job. When the cached entry has
// expired it falls back to the stage and percent mirrored on the job row.
func (p *Publisher) Snapshot(ctx context.Context, jobID string) (Snapshot, bool, error) {
	now := time.Now().UTC()

	p.mu.Lock()
	entry, ok := p.snapshots[snapshotKey(jobID)]
	if ok && now.After(entry.expires) {
		delete(p.snapshots, snapshotKey(jobID))
		ok = false
	}
	p.mu.Unlock()

	if ok {
		return entry.snapshot, true, nil
	}
	if p.store == nil {
		return Snapshot{}, false, nil
	}
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return Snapshot{}, false, err
	}
	if job == nil {
		return Snapshot{}, false, nil
	}
	return Snapshot{
		JobID:     job.ID,
		Stage:     job.ProgressStage,
		Percent:   job.ProgressPercent,
		UpdatedAt: job.UpdatedAt,
		Durable:   true,
	}, true, nil
}

// ActiveJobs returns the job ids with a live cached snapshot.
func (p *Publisher) ActiveJobs() []string {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for key, entry := range p.snapshots {
		if now.After(entry.expires) {
			delete(p.snapshots, key)
			continue
		}
		ids = append(ids, entry.snapshot.JobID)
	}
	return ids
}

// keepaliveLoop re-broadcasts the latest snapshot for every live job so
// long-polling subscribers can distinguish a quiet pipeline from a dead one.
func (p *Publisher) keepaliveLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			p.mu.Lock()
			for key, entry := range p.snapshots {
				if now.After(entry.expires) {
					delete(p.snapshots, key)
					continue
				}
				snap := entry.snapshot
				p.hub.Publish(Event{
					JobID:     snap.JobID,
					Stage:     snap.Stage,
					Percent:   snap.Percent,
					KeepAlive: true,
					Timestamp: now,
				})
			}
			p.mu.Unlock()
		}
	}
}
