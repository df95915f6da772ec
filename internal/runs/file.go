package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type snapshotFile struct {
	Version int       `json:"version"`
	Runs    []*Record `json:"runs"`
}

// FileStore is a MemoryStore persisted as a JSON snapshot. Every mutation
// rewrites the snapshot through a temp file and rename, so a crash leaves
// either the old or the new file.
type FileStore struct {
	*MemoryStore
	path string
	mu   sync.Mutex
}

// OpenFileStore loads path if it exists and returns a store writing back
// to it.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create run store dir: %w", err)
	}
	s := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read run store: %w", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode run store %s: %w", path, err)
	}
	s.load(snap.Runs)
	return s, nil
}

// Path returns the snapshot location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Create(ctx context.Context, rec *Record) error {
	if err := s.MemoryStore.Create(ctx, rec); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileStore) Transition(ctx context.Context, conversationID, runID string, from []Status, to Status, mutate func(*Record)) (*Record, bool, error) {
	rec, won, err := s.MemoryStore.Transition(ctx, conversationID, runID, from, to, mutate)
	if err != nil || !won {
		return rec, won, err
	}
	return rec, true, s.persist()
}

func (s *FileStore) MergeMetadata(ctx context.Context, conversationID, runID string, md map[string]any) (*Record, error) {
	rec, err := s.MemoryStore.MergeMetadata(ctx, conversationID, runID, md)
	if err != nil {
		return nil, err
	}
	return rec, s.persist()
}

func (s *FileStore) Delete(ctx context.Context, conversationID, runID string) error {
	if err := s.MemoryStore.Delete(ctx, conversationID, runID); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileStore) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(snapshotFile{Version: 1, Runs: s.snapshot()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write run store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace run store: %w", err)
	}
	return nil
}
