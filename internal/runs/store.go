package runs

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrExists is returned when creating a run whose id is taken.
	ErrExists = errors.New("run already exists")
	// ErrInvalidTransition is returned for a transition the state machine
	// does not allow from the run's current, non-terminal status.
	ErrInvalidTransition = errors.New("invalid run transition")
)

// Filter selects runs. Empty fields match everything.
type Filter struct {
	RunID          string
	ConversationID string
	Requester      string
	RootRunID      string
	ParentRunID    string
	SubAgent       string
	Statuses       []Status
	// EndedBefore matches terminal runs that ended strictly before it.
	EndedBefore time.Time
	Limit       int
}

// Match reports whether rec satisfies f.
func (f Filter) Match(rec *Record) bool {
	if f.RunID != "" && rec.RunID != f.RunID {
		return false
	}
	if f.ConversationID != "" && rec.ConversationID != f.ConversationID {
		return false
	}
	if f.Requester != "" && rec.Requester != f.Requester {
		return false
	}
	if f.RootRunID != "" && rec.RootRunID != f.RootRunID {
		return false
	}
	if f.ParentRunID != "" && rec.ParentRunID != f.ParentRunID {
		return false
	}
	if f.SubAgent != "" && rec.SubAgent != f.SubAgent {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, rec.Status) {
		return false
	}
	if !f.EndedBefore.IsZero() {
		if rec.EndedAt == nil || !rec.EndedAt.Before(f.EndedBefore) {
			return false
		}
	}
	return true
}

// Store persists run records. Implementations must make Transition atomic:
// of any number of concurrent callers racing the same run, at most one
// observes won == true.
type Store interface {
	// Create inserts rec. It returns ErrExists when the key is taken.
	Create(ctx context.Context, rec *Record) error
	// Get returns a copy of the run or ErrNotFound.
	Get(ctx context.Context, conversationID, runID string) (*Record, error)
	// Transition moves the run to status to when its current status is one
	// of from. mutate, if non-nil, edits the record before it is written.
	// When the current status is not in from, the current record is
	// returned with won == false and a nil error.
	Transition(ctx context.Context, conversationID, runID string, from []Status, to Status, mutate func(*Record)) (rec *Record, won bool, err error)
	// MergeMetadata adds md to the run's metadata and returns the result.
	MergeMetadata(ctx context.Context, conversationID, runID string, md map[string]any) (*Record, error)
	// List returns matching runs ordered by creation time, oldest first.
	List(ctx context.Context, f Filter) ([]*Record, error)
	// Delete removes a run. Deleting a missing run is not an error.
	Delete(ctx context.Context, conversationID, runID string) error
}

// ApplyTransition edits rec in place when its status is one of from:
// status, timestamps and mutate are applied and true is returned. Stores
// call it inside whatever lock or transaction guards the record.
func ApplyTransition(rec *Record, from []Status, to Status, mutate func(*Record), now time.Time) bool {
	if !slices.Contains(from, rec.Status) {
		return false
	}
	rec.Status = to
	rec.UpdatedAt = now
	if to == StatusRunning && rec.StartedAt == nil {
		t := now
		rec.StartedAt = &t
	}
	if to.Terminal() && rec.EndedAt == nil {
		t := now
		rec.EndedAt = &t
	}
	if mutate != nil {
		mutate(rec)
	}
	return true
}

// SortRecords orders records oldest first, breaking ties by run id.
func SortRecords(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].RunID < recs[j].RunID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

func limitRecords(recs []*Record, limit int) []*Record {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}
