package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusQueued,
	StatusProcessing,
	StatusRetrying,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var terminalStatuses = map[Status]struct{}{
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// Lane identifies a priority lane of the broker.
type Lane string

const (
	LaneHigh    Lane = "high"
	LaneDefault Lane = "default"
	LaneLow     Lane = "low"
)

// ParseLane converts a string into a known Lane, defaulting to LaneDefault.
func ParseLane(value string) Lane {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(LaneHigh):
		return LaneHigh
	case string(LaneLow):
		return LaneLow
	default:
		return LaneDefault
	}
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// IsTerminal reports whether a status ends the job lifecycle.
func IsTerminal(status Status) bool {
	_, ok := terminalStatuses[status]
	return ok
}

// Job represents a document processing job persisted in SQLite. Rows are
// never deleted by the pipeline; terminal jobs persist for audit even after
// their artifacts are removed.
type Job struct {
	ID              string
	Lane            Lane
	Status          Status
	Filename        string
	Bucket          string
	SourceKey       string
	ProcessedKey    string
	ExportKey       string
	RawHash         string
	CanonicalHash   string
	ActorID         string
	TraceID         string
	SizeBytes       int64
	EstimatedUnits  int64
	ErrorKind       string
	ErrorSummary    string
	CancelRequested bool
	DedupOf         string
	ManifestJSON    string
	ProgressStage   string
	ProgressPercent float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsActive reports whether the job may still reach a worker.
func (j *Job) IsActive() bool {
	return j != nil && !IsTerminal(j.Status)
}

// ArtifactKeys returns the object keys currently known for the job, in the
// order they were produced.
func (j *Job) ArtifactKeys() []string {
	keys := make([]string, 0, 3)
	for _, key := range []string{j.SourceKey, j.ProcessedKey, j.ExportKey} {
		if strings.TrimSpace(key) != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// Message is a broker delivery persisted in a priority lane.
type Message struct {
	ID             int64
	JobID          string
	Lane           Lane
	Attempt        int
	EnqueuedAt     time.Time
	AvailableAt    time.Time
	LeaseExpiresAt *time.Time
	LastError      string
}

// DeadLetter preserves an exhausted message for operator inspection.
type DeadLetter struct {
	ID             int64
	MessageID      int64
	JobID          string
	Lane           Lane
	Attempt        int
	FailureKind    string
	FailureSummary string
	DeadAt         time.Time
}

// HealthSummary describes aggregated job counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Queued     int
	Processing int
	Retrying   int
	Completed  int
	Failed     int
	Cancelled  int
}
