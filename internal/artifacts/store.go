// Package artifacts abstracts object storage for job payloads and outputs.
// Keys follow the bucket/key shape of object stores; the filesystem
// implementation maps a bucket to a subdirectory and is what the daemon and
// tests run against.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("artifact not found")

// Ref locates one stored object.
type Ref struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (r Ref) String() string {
	return r.Bucket + "/" + r.Key
}

// Store is the object storage surface the pipeline depends on.
type Store interface {
	Put(ctx context.Context, ref Ref, data []byte) error
	Get(ctx context.Context, ref Ref) ([]byte, error)
	Delete(ctx context.Context, ref Ref) error
	Exists(ctx context.Context, ref Ref) (bool, error)
}

// FilesystemStore keeps objects under root/bucket/key.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates the root directory if needed.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if root == "" {
		return nil, errors.New("artifact root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

// Root returns the base directory.
func (s *FilesystemStore) Root() string {
	return s.root
}

func (s *FilesystemStore) Put(_ context.Context, ref Ref, data []byte) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

func (s *FilesystemStore) Get(_ context.Context, ref Ref) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Delete removes an object. Deleting a missing object succeeds so the
// deletion workflow stays idempotent across retries.
func (s *FilesystemStore) Delete(_ context.Context, ref Ref) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

func (s *FilesystemStore) Exists(_ context.Context, ref Ref) (bool, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FilesystemStore) resolve(ref Ref) (string, error) {
	if ref.Bucket == "" || ref.Key == "" {
		return "", fmt.Errorf("artifact ref requires bucket and key, got %q", ref)
	}
	cleaned := filepath.Join(s.root, filepath.FromSlash(ref.Bucket), filepath.FromSlash(ref.Key))
	base := filepath.Clean(s.root) + string(os.PathSeparator)
	if !strings.HasPrefix(cleaned, base) {
		return "", fmt.Errorf("artifact ref escapes store root: %q", ref)
	}
	return cleaned, nil
}
