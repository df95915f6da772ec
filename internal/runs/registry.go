package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/otel"
)

// Default admission limits.
const (
	DefaultMaxActivePerConversation = 8
	DefaultMaxActivePerRequester    = 4
	DefaultMaxActivePerLineage      = 16
	DefaultMaxDepth                 = 3
	DefaultRetention                = 24 * time.Hour
)

// RestartReason is recorded on runs closed by Recover.
const RestartReason = "process restarted"

// Limits configures admission control. A non-positive cap disables it.
type Limits struct {
	MaxActivePerConversation int
	MaxActivePerRequester    int
	MaxActivePerLineage      int
	MaxDepth                 int
	Retention                time.Duration
}

// DefaultLimits returns the built-in admission limits.
func DefaultLimits() Limits {
	return Limits{
		MaxActivePerConversation: DefaultMaxActivePerConversation,
		MaxActivePerRequester:    DefaultMaxActivePerRequester,
		MaxActivePerLineage:      DefaultMaxActivePerLineage,
		MaxDepth:                 DefaultMaxDepth,
		Retention:                DefaultRetention,
	}
}

// Spec describes a run to create.
type Spec struct {
	// RunID is generated when empty.
	RunID          string
	ConversationID string
	SubAgent       string
	Task           string
	Requester      string
	// ParentRunID links the run under an existing run; depth and root are
	// inherited from the parent.
	ParentRunID string
	// RootRunID groups a top-level run into an existing lineage. Ignored
	// when ParentRunID is set; defaults to the run's own id.
	RootRunID string
	// Depth of a top-level run; defaults to 1.
	Depth    int
	Metadata map[string]any
}

// Counts are active run counts along each admission scope.
type Counts struct {
	Conversation int
	Requester    int
	Lineage      int
}

// Option configures a Registry.
type Option func(*Registry)

// WithBus publishes run transitions on b.
func WithBus(b *bus.Bus) Option { return func(r *Registry) { r.bus = b } }

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithMetrics records run counters on m.
func WithMetrics(m *otel.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// Registry is the single source of truth for runs. Admission and creation
// are serialized in-process; transitions rely on the store's atomicity.
type Registry struct {
	store   Store
	limits  Limits
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time

	admitMu sync.Mutex
}

// NewRegistry creates a registry over store. A nil store uses a fresh
// MemoryStore.
func NewRegistry(store Store, limits Limits, opts ...Option) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Registry{store: store, limits: limits, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Store returns the backing store.
func (r *Registry) Store() Store { return r.store }

// Limits returns the admission limits.
func (r *Registry) Limits() Limits { return r.limits }

// Create admits and inserts a pending run. Rejections return a
// *CapacityError or an error wrapping ErrDepthExceeded.
func (r *Registry) Create(ctx context.Context, spec Spec) (*Record, error) {
	if spec.ConversationID == "" {
		return nil, errors.New("create run: conversation id is required")
	}
	runID := spec.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	r.admitMu.Lock()
	defer r.admitMu.Unlock()

	depth := spec.Depth
	if depth <= 0 {
		depth = 1
	}
	root := spec.RootRunID
	if root == "" {
		root = runID
	}
	if spec.ParentRunID != "" {
		parent, err := r.store.Get(ctx, spec.ConversationID, spec.ParentRunID)
		if err != nil {
			return nil, fmt.Errorf("create run: load parent %s: %w", spec.ParentRunID, err)
		}
		depth = parent.Depth + 1
		root = parent.RootRunID
	}
	if max := r.limits.MaxDepth; max > 0 && depth > max {
		r.metrics.AdmissionRejected(ctx, "depth")
		return nil, fmt.Errorf("%w: depth %d > %d", ErrDepthExceeded, depth, max)
	}

	counts, err := r.ActiveCounts(ctx, spec.ConversationID, spec.Requester, root)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := r.admit(spec, root, counts); err != nil {
		r.metrics.AdmissionRejected(ctx, err.Scope)
		r.logger.Warn("run admission rejected", "conversation_id", spec.ConversationID,
			"scope", err.Scope, "active", err.Active, "limit", err.Limit)
		return nil, err
	}

	now := r.now().UTC()
	rec := &Record{
		RunID:          runID,
		ConversationID: spec.ConversationID,
		SubAgent:       spec.SubAgent,
		Task:           spec.Task,
		Status:         StatusPending,
		ParentRunID:    spec.ParentRunID,
		RootRunID:      root,
		Requester:      spec.Requester,
		Depth:          depth,
		Metadata:       CloneMetadata(spec.Metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create run %s: %w", runID, err)
	}
	r.metrics.RunActive(ctx, 1)
	r.publishState(rec, "")
	r.logger.Info("run created", "run_id", runID, "conversation_id", rec.ConversationID,
		"subagent", rec.SubAgent, "parent_run_id", rec.ParentRunID, "depth", depth)
	return rec, nil
}

func (r *Registry) admit(spec Spec, root string, c Counts) *CapacityError {
	if max := r.limits.MaxActivePerConversation; max > 0 && c.Conversation >= max {
		return &CapacityError{Scope: ScopeConversation, Key: spec.ConversationID, Active: c.Conversation, Limit: max}
	}
	if max := r.limits.MaxActivePerRequester; max > 0 && spec.Requester != "" && c.Requester >= max {
		return &CapacityError{Scope: ScopeRequester, Key: spec.Requester, Active: c.Requester, Limit: max}
	}
	if max := r.limits.MaxActivePerLineage; max > 0 && c.Lineage >= max {
		return &CapacityError{Scope: ScopeLineage, Key: root, Active: c.Lineage, Limit: max}
	}
	return nil
}

// ActiveCounts returns the pending+running counts for a conversation, a
// requester within it and a lineage root. Empty requester or root count
// as zero.
func (r *Registry) ActiveCounts(ctx context.Context, conversationID, requester, rootRunID string) (Counts, error) {
	active, err := r.store.List(ctx, Filter{ConversationID: conversationID, Statuses: ActiveStatuses})
	if err != nil {
		return Counts{}, fmt.Errorf("count active runs: %w", err)
	}
	c := Counts{Conversation: len(active)}
	for _, rec := range active {
		if requester != "" && rec.Requester == requester {
			c.Requester++
		}
		if rootRunID != "" && rec.RootRunID == rootRunID {
			c.Lineage++
		}
	}
	return c, nil
}

// Get returns a run.
func (r *Registry) Get(ctx context.Context, conversationID, runID string) (*Record, error) {
	return r.store.Get(ctx, conversationID, runID)
}

// List returns runs matching f.
func (r *Registry) List(ctx context.Context, f Filter) ([]*Record, error) {
	return r.store.List(ctx, f)
}

// MarkRunning moves a pending run to running.
func (r *Registry) MarkRunning(ctx context.Context, conversationID, runID string) (*Record, bool, error) {
	return r.transition(ctx, conversationID, runID, StatusRunning, nil)
}

// MarkCompleted records a successful result.
func (r *Registry) MarkCompleted(ctx context.Context, conversationID, runID, result string) (*Record, bool, error) {
	return r.transition(ctx, conversationID, runID, StatusCompleted, func(rec *Record) {
		rec.Result = result
	})
}

// MarkFailed records a failure message.
func (r *Registry) MarkFailed(ctx context.Context, conversationID, runID, errMsg string) (*Record, bool, error) {
	return r.transition(ctx, conversationID, runID, StatusFailed, func(rec *Record) {
		rec.Error = errMsg
	})
}

// MarkCancelled cancels a pending or running run.
func (r *Registry) MarkCancelled(ctx context.Context, conversationID, runID, reason string) (*Record, bool, error) {
	return r.transition(ctx, conversationID, runID, StatusCancelled, func(rec *Record) {
		rec.Error = reason
		if reason != "" {
			rec.Metadata = MergeMetadata(rec.Metadata, map[string]any{MetaCancelReason: reason})
		}
	})
}

// MarkTimedOut records a run that exceeded its deadline.
func (r *Registry) MarkTimedOut(ctx context.Context, conversationID, runID, reason string) (*Record, bool, error) {
	return r.transition(ctx, conversationID, runID, StatusTimedOut, func(rec *Record) {
		rec.Error = reason
	})
}

// transition performs a compare-and-transition. A run already in a
// terminal state makes this call a loser: the current record is returned
// with won == false and no error. A non-terminal run whose status cannot
// reach to yields ErrInvalidTransition.
func (r *Registry) transition(ctx context.Context, conversationID, runID string, to Status, mutate func(*Record)) (*Record, bool, error) {
	rec, won, err := r.store.Transition(ctx, conversationID, runID, predecessors(to), to, mutate)
	if err != nil {
		return nil, false, fmt.Errorf("transition run %s to %s: %w", runID, to, err)
	}
	if !won {
		if rec.Status.Terminal() || rec.Status == to {
			r.logger.Debug("run transition lost", "run_id", runID, "to", to, "status", rec.Status)
			return rec, false, nil
		}
		return rec, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, to)
	}

	old := StatusRunning
	if rec.StartedAt == nil || to == StatusRunning {
		old = StatusPending
	}
	if to.Terminal() {
		r.metrics.RunActive(ctx, -1)
	}
	r.publishState(rec, old)
	r.logger.Info("run transitioned", "run_id", runID, "conversation_id", conversationID,
		"from", old, "to", to)
	return rec, true, nil
}

// AttachMetadata merges md into the run's metadata. It is allowed in every
// status, terminal ones included.
func (r *Registry) AttachMetadata(ctx context.Context, conversationID, runID string, md map[string]any) (*Record, error) {
	rec, err := r.store.MergeMetadata(ctx, conversationID, runID, md)
	if err != nil {
		return nil, fmt.Errorf("attach metadata to run %s: %w", runID, err)
	}
	if r.bus != nil {
		keys := make([]string, 0, len(md))
		for k := range md {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		r.bus.Publish(bus.TopicRunMetadata, bus.RunMetadataEvent{
			RunID:          runID,
			ConversationID: conversationID,
			Keys:           keys,
		})
	}
	return rec, nil
}

// Descendants returns every run below runID in its lineage, parents
// before children.
func (r *Registry) Descendants(ctx context.Context, conversationID, runID string) ([]*Record, error) {
	rec, err := r.store.Get(ctx, conversationID, runID)
	if err != nil {
		return nil, err
	}
	lineage, err := r.store.List(ctx, Filter{ConversationID: conversationID, RootRunID: rec.RootRunID})
	if err != nil {
		return nil, fmt.Errorf("list lineage %s: %w", rec.RootRunID, err)
	}
	children := make(map[string][]*Record)
	for _, l := range lineage {
		if l.ParentRunID != "" {
			children[l.ParentRunID] = append(children[l.ParentRunID], l)
		}
	}

	var out []*Record
	seen := map[string]bool{runID: true}
	queue := []string{runID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range children[id] {
			if seen[child.RunID] {
				continue
			}
			seen[child.RunID] = true
			out = append(out, child)
			queue = append(queue, child.RunID)
		}
	}
	return out, nil
}

// CancelTree cancels runID and every non-terminal descendant, deepest
// first. It returns the ids this call actually cancelled.
func (r *Registry) CancelTree(ctx context.Context, conversationID, runID, reason string) ([]string, error) {
	desc, err := r.Descendants(ctx, conversationID, runID)
	if err != nil {
		return nil, err
	}
	var cancelled []string
	var errs []error
	for i := len(desc) - 1; i >= 0; i-- {
		d := desc[i]
		if d.Status.Terminal() {
			continue
		}
		_, won, err := r.MarkCancelled(ctx, conversationID, d.RunID, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if won {
			cancelled = append(cancelled, d.RunID)
		}
	}
	_, won, err := r.MarkCancelled(ctx, conversationID, runID, reason)
	if err != nil {
		errs = append(errs, err)
	} else if won {
		cancelled = append(cancelled, runID)
	}
	return cancelled, errors.Join(errs...)
}

// Sweep deletes terminal runs that ended more than the retention period
// ago and returns how many were removed.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	retention := r.limits.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	expired, err := r.store.List(ctx, Filter{
		Statuses:    TerminalStatuses,
		EndedBefore: r.now().UTC().Add(-retention),
	})
	if err != nil {
		return 0, fmt.Errorf("sweep runs: %w", err)
	}
	n := 0
	for _, rec := range expired {
		if err := r.store.Delete(ctx, rec.ConversationID, rec.RunID); err != nil {
			return n, fmt.Errorf("sweep run %s: %w", rec.RunID, err)
		}
		n++
	}
	r.metrics.Swept(ctx, n)
	if n > 0 {
		r.logger.Info("runs swept", "count", n, "retention", retention.String())
	}
	return n, nil
}

// Recover closes runs a previous process left active: running runs fail
// and pending runs are cancelled, both with RestartReason.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	active, err := r.store.List(ctx, Filter{Statuses: ActiveStatuses})
	if err != nil {
		return 0, fmt.Errorf("recover runs: %w", err)
	}
	n := 0
	for _, rec := range active {
		var won bool
		if rec.Status == StatusRunning {
			_, won, err = r.MarkFailed(ctx, rec.ConversationID, rec.RunID, RestartReason)
		} else {
			_, won, err = r.MarkCancelled(ctx, rec.ConversationID, rec.RunID, RestartReason)
		}
		if err != nil {
			return n, err
		}
		if won {
			n++
		}
	}
	if n > 0 {
		r.logger.Warn("recovered runs left active by a previous process", "count", n)
	}
	return n, nil
}

func (r *Registry) publishState(rec *Record, old Status) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.TopicRunStateChanged, bus.RunStateChangedEvent{
		RunID:          rec.RunID,
		ConversationID: rec.ConversationID,
		SubAgent:       rec.SubAgent,
		OldStatus:      string(old),
		NewStatus:      string(rec.Status),
		Error:          rec.Error,
	})
}
