package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	journalFileName = "audit.journal"
	overflowDirName = "audit-overflow"
)

// Journal gives the batcher crash durability: every event is appended to an
// on-disk JSON-lines log before it enters the in-memory buffer, and appended
// events are replayed into the store on the next start. Replaying an event
// that was already flushed is harmless because inserts suppress duplicate
// idempotency keys.
type Journal struct {
	mu          sync.Mutex
	path        string
	overflowDir string
	file        *os.File
}

// OpenJournal creates or opens the journal under dir.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure journal directory: %w", err)
	}
	path := filepath.Join(dir, journalFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{
		path:        path,
		overflowDir: filepath.Join(dir, overflowDirName),
		file:        file,
	}, nil
}

// Close releases the journal file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Append writes one event to the journal and syncs it to disk.
func (j *Journal) Append(evt Event) error {
	encoded, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal journal event: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return errors.New("journal closed")
	}
	if _, err := j.file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("append journal event: %w", err)
	}
	return j.file.Sync()
}

// Replay inserts every journaled event into the store (duplicates are
// suppressed by idempotency key) and truncates the journal on success. It
// returns the number of events read back.
func (j *Journal) Replay(ctx context.Context, store *Store) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	events, err := decodeLines(j.path)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	if _, err := store.InsertBatch(ctx, events); err != nil {
		return 0, fmt.Errorf("replay insert: %w", err)
	}
	if err := j.truncateLocked(); err != nil {
		return len(events), err
	}
	return len(events), nil
}

// Checkpoint truncates the journal. Callers must ensure every recorded event
// has reached durable storage first.
func (j *Journal) Checkpoint() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.truncateLocked()
}

// Overflow preserves a batch that could not be flushed so an operator can
// reconcile it later. Each call writes a timestamped JSON-lines file.
func (j *Journal) Overflow(batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	if err := os.MkdirAll(j.overflowDir, 0o755); err != nil {
		return fmt.Errorf("ensure overflow directory: %w", err)
	}
	name := fmt.Sprintf("batch-%s.jsonl", time.Now().UTC().Format("20060102T150405.000000000"))
	path := filepath.Join(j.overflowDir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create overflow file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, evt := range batch {
		encoded, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal overflow event: %w", err)
		}
		if _, err := writer.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("write overflow event: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush overflow file: %w", err)
	}
	return file.Sync()
}

// OverflowDir returns the directory holding preserved batches.
func (j *Journal) OverflowDir() string {
	return j.overflowDir
}

func (j *Journal) truncateLocked() error {
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("close journal before truncate: %w", err)
		}
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		j.file = nil
		return fmt.Errorf("truncate journal: %w", err)
	}
	j.file = file
	return nil
}

func decodeLines(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read journal: %w", err)
	}

	var events []Event
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var evt Event
			if err := json.Unmarshal(line, &evt); err != nil {
				// A torn final line from a crash mid-append is expected;
				// anything readable before it is still replayed.
				continue
			}
			events = append(events, evt)
		}
	}
	return events, nil
}
