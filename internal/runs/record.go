package runs

import (
	"encoding/json"
	"time"
)

// Well-known metadata keys.
const (
	MetaSessionMode      = "session_mode"
	MetaSteerPending     = "steer_instructions"
	MetaSteerCount       = "steer_count"
	MetaLastSteerAt      = "last_steer_at"
	MetaSteeredFrom      = "steered_from_run_id"
	MetaReplacedBy       = "replaced_by_run_id"
	MetaAnnounce         = "announce"
	MetaAnnounceAttempts = "announce_attempts"
	MetaAnnounceFailed   = "announce_failed"
	MetaGoalIterations   = "goal_iterations"
	MetaCancelReason     = "cancel_reason"
	MetaMode             = "mode"
	MetaTruncated        = "truncated"
)

// Record is one subagent run. Parent and root are run ids in the same
// conversation; the registry never links records by pointer.
type Record struct {
	RunID          string         `json:"run_id"`
	ConversationID string         `json:"conversation_id"`
	SubAgent       string         `json:"subagent"`
	Task           string         `json:"task"`
	Status         Status         `json:"status"`
	ParentRunID    string         `json:"parent_run_id,omitempty"`
	RootRunID      string         `json:"root_run_id"`
	Requester      string         `json:"requester,omitempty"`
	Depth          int            `json:"depth"`
	Result         string         `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
}

// Clone returns a deep copy of r. Metadata is copied through JSON so
// nested maps are not shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Metadata = CloneMetadata(r.Metadata)
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// Elapsed is the run time so far, or the total once ended.
func (r *Record) Elapsed(now time.Time) time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	if r.EndedAt != nil {
		return r.EndedAt.Sub(*r.StartedAt)
	}
	return now.Sub(*r.StartedAt)
}

// MetaString returns a string metadata value.
func (r *Record) MetaString(key string) string {
	s, _ := r.Metadata[key].(string)
	return s
}

// MetaInt returns an integer metadata value, accepting the float64 form
// JSON decoding produces.
func (r *Record) MetaInt(key string) int {
	switch v := r.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// CloneMetadata deep-copies a metadata map.
func CloneMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		out := make(map[string]any, len(md))
		for k, v := range md {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// mergeMetadata merges patch into dst, returning dst. A nil value deletes
// nothing; merge is additive only.
func MergeMetadata(dst, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(patch))
	}
	for k, v := range CloneMetadata(patch) {
		dst[k] = v
	}
	return dst
}
