// Package hooks delivers subagent lifecycle notifications. Hook failures
// never affect the run: they are logged, counted and dropped.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/pricing"
)

// Kind is a lifecycle stage.
type Kind string

const (
	KindSpawning Kind = "spawning"
	KindSpawned  Kind = "spawned"
	KindEnded    Kind = "ended"
)

// DefaultTimeout bounds each hook call.
const DefaultTimeout = 5 * time.Second

// Event is one lifecycle notification.
type Event struct {
	Kind           Kind          `json:"event"`
	RunID          string        `json:"run_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	ParentRunID    string        `json:"parent_run_id,omitempty"`
	SubAgent       string        `json:"subagent"`
	Task           string        `json:"task,omitempty"`
	Status         string        `json:"status,omitempty"`
	Summary        string        `json:"summary,omitempty"`
	Error          string        `json:"error,omitempty"`
	Usage          pricing.Usage `json:"usage,omitzero"`
	Cost           string        `json:"cost,omitempty"`
	Elapsed        time.Duration `json:"elapsed_ns,omitempty"`
	At             time.Time     `json:"at"`
}

// Hook receives lifecycle events.
type Hook interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Func adapts a function into a Hook.
type Func struct {
	HookName string
	Fn       func(ctx context.Context, ev Event) error
}

func (f Func) Name() string                               { return f.HookName }
func (f Func) Handle(ctx context.Context, ev Event) error { return f.Fn(ctx, ev) }

// Dispatcher fans events out to hooks in registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	hooks    []Hook
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *otel.Metrics
	failures atomic.Int64
}

// NewDispatcher creates a dispatcher. A nil logger uses slog.Default.
func NewDispatcher(logger *slog.Logger, metrics *otel.Metrics, hooks ...Hook) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{hooks: hooks, timeout: DefaultTimeout, logger: logger, metrics: metrics}
}

// SetTimeout changes the per-hook deadline.
func (d *Dispatcher) SetTimeout(t time.Duration) {
	if t > 0 {
		d.timeout = t
	}
}

// Add registers a hook.
func (d *Dispatcher) Add(h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, h)
}

// Len returns the number of registered hooks.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.hooks)
}

// Failures returns how many hook calls failed since creation.
func (d *Dispatcher) Failures() int64 {
	if d == nil {
		return 0
	}
	return d.failures.Load()
}

// Dispatch delivers ev to every hook. It never returns an error; a nil
// dispatcher is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	if d == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	d.mu.RLock()
	hooks := append([]Hook(nil), d.hooks...)
	d.mu.RUnlock()

	// Delivery outlives a cancelled run context; ended events matter most
	// exactly when the run was cancelled.
	base := context.WithoutCancel(ctx)
	for _, h := range hooks {
		if err := d.call(base, h, ev); err != nil {
			d.failures.Add(1)
			d.metrics.HookFailed(ctx, h.Name())
			d.logger.Warn("lifecycle hook failed", "hook", h.Name(), "event", ev.Kind,
				"run_id", ev.RunID, "error", err)
		}
	}
}

func (d *Dispatcher) call(ctx context.Context, h Hook, ev Event) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}
