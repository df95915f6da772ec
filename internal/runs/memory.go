package runs

import (
	"context"
	"sync"
	"time"
)

type key struct{ conv, run string }

// MemoryStore keeps runs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[key]*Record
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[key]*Record), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{rec.ConversationID, rec.RunID}
	if _, ok := s.runs[k]; ok {
		return ErrExists
	}
	s.runs[k] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, conversationID, runID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[key{conversationID, runID}]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, conversationID, runID string, from []Status, to Status, mutate func(*Record)) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[key{conversationID, runID}]
	if !ok {
		return nil, false, ErrNotFound
	}
	won := ApplyTransition(rec, from, to, mutate, s.now().UTC())
	return rec.Clone(), won, nil
}

func (s *MemoryStore) MergeMetadata(_ context.Context, conversationID, runID string, md map[string]any) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[key{conversationID, runID}]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Metadata = MergeMetadata(rec.Metadata, md)
	rec.UpdatedAt = s.now().UTC()
	return rec.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Record, error) {
	s.mu.RLock()
	out := make([]*Record, 0, len(s.runs))
	for _, rec := range s.runs {
		if f.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()
	SortRecords(out)
	return limitRecords(out, f.Limit), nil
}

func (s *MemoryStore) Delete(_ context.Context, conversationID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, key{conversationID, runID})
	return nil
}

// snapshot returns every record, for stores layered on the memory store.
func (s *MemoryStore) snapshot() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.runs))
	for _, rec := range s.runs {
		out = append(out, rec.Clone())
	}
	SortRecords(out)
	return out
}

func (s *MemoryStore) load(recs []*Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.runs[key{rec.ConversationID, rec.RunID}] = rec.Clone()
	}
}
