package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Event types recorded by the pipeline.
const (
	EventJobQueued         = "job.queued"
	EventJobStarted        = "job.started"
	EventJobCompleted      = "job.completed"
	EventJobFailed         = "job.failed"
	EventJobCancelled      = "job.cancelled"
	EventJobRetrying       = "job.retrying"
	EventDeletionRequested = "deletion.requested"
	EventDeletionCompleted = "deletion.completed"
)

// Event is a single audit record. Events are immutable once written.
type Event struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	JobID          string         `json:"job_id"`
	Type           string         `json:"event_type"`
	ActorID        string         `json:"actor_id,omitempty"`
	SourceAddress  string         `json:"source_address,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// keyBucket is the coarse timestamp granularity folded into the idempotency
// key. Retries of the same logical event within a bucket collapse to one row.
const keyBucket = time.Minute

type keyPayload struct {
	JobID    string         `json:"job_id"`
	Type     string         `json:"event_type"`
	TraceID  string         `json:"trace_id"`
	ActorID  string         `json:"actor_id"`
	Source   string         `json:"source_address"`
	Metadata map[string]any `json:"metadata"`
	Bucket   string         `json:"ts"`
}

// IdempotencyKey computes the deterministic key for an event. Metadata is
// serialized order-independently: encoding/json writes map keys sorted.
func IdempotencyKey(evt Event) string {
	payload := keyPayload{
		JobID:    evt.JobID,
		Type:     evt.Type,
		TraceID:  evt.TraceID,
		ActorID:  evt.ActorID,
		Source:   evt.SourceAddress,
		Metadata: evt.Metadata,
		Bucket:   evt.OccurredAt.UTC().Truncate(keyBucket).Format(time.RFC3339),
	}
	if payload.Metadata == nil {
		payload.Metadata = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		// Metadata values are plain JSON types in practice; an unmarshalable
		// value still needs a stable key, so fall back to the identifying
		// fields alone.
		encoded = []byte(payload.JobID + "|" + payload.Type + "|" + payload.TraceID + "|" + payload.Bucket)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
