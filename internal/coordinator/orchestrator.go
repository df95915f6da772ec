// Package coordinator runs subagents on behalf of a delegating processor:
// single delegation, bounded parallel fan-out, dependency-ordered chains and
// detached background runs, all admitted through the run registry.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/agent"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/engine"
	"github.com/basket/agentcore/internal/hooks"
	"github.com/basket/agentcore/internal/llm"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/permission"
	"github.com/basket/agentcore/internal/retry"
	"github.com/basket/agentcore/internal/runs"
	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/tools"
)

// Execution modes recorded in run metadata.
const (
	ModeDelegate = "delegate"
	ModeParallel = "parallel"
	ModeChain    = "chain"
	ModeSpawn    = "spawn"
)

// SteerMode selects how Steer reaches a live run.
type SteerMode string

const (
	// SteerSoft queues the instruction for the run's next step boundary.
	SteerSoft SteerMode = "soft"
	// SteerHard cancels the run and starts a replacement.
	SteerHard SteerMode = "hard"
)

// Defaults applied by New.
const (
	DefaultMaxConcurrency = 4
	DefaultSteerInterval  = 2 * time.Second
	DefaultWaitTimeout    = 5 * time.Minute
)

var (
	// ErrShuttingDown rejects new detached runs after Shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrSteerRateLimited is returned when a run is steered too often.
	ErrSteerRateLimited = errors.New("steer rate limited")

	errRunTimedOut  = errors.New("subagent timed out")
	errShutdown     = errors.New("orchestrator shutting down")
	errCancelledRun = errors.New("run cancelled")

	// errContextOverflow fails a run whose session suspended for compaction.
	errContextOverflow = errors.New("context limit reached before the task finished; the session needs compaction")
)

// DefaultAnnouncePolicy is the backoff for persisting a detached run's
// outcome: 2s doubling to a 2m cap, six attempts.
func DefaultAnnouncePolicy() retry.Policy {
	return retry.Policy{InitialDelay: 2 * time.Second, Factor: 2, MaxDelay: 2 * time.Minute, MaxAttempts: 6}
}

// Config controls an Orchestrator.
type Config struct {
	// Processor is the base configuration of every nested processor. A
	// subagent definition overrides model, system prompt and step budget.
	Processor      engine.Config
	MaxConcurrency int
	SteerMode      SteerMode
	// SteerInterval is the minimum time between two steers of one run.
	SteerInterval time.Duration
	Announce      retry.Policy
	WaitTimeout   time.Duration
	// GoalSelfCheck asks the model whether a goal-mode run is done instead
	// of inspecting its final message.
	GoalSelfCheck bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTools sets the tool registry subagents draw from.
func WithTools(reg *tools.Registry) Option { return func(o *Orchestrator) { o.tools = reg } }

// WithHooks sets the lifecycle hook dispatcher.
func WithHooks(d *hooks.Dispatcher) Option { return func(o *Orchestrator) { o.hooks = d } }

// WithBus publishes steer notices and nested processor events on b.
func WithBus(b *bus.Bus) Option { return func(o *Orchestrator) { o.bus = b } }

// WithGate sets the permission gate of nested processors.
func WithGate(g permission.Gate) Option { return func(o *Orchestrator) { o.gate = g } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithMetrics sets the metric instruments.
func WithMetrics(m *otel.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithPlans makes named plans available to the delegate_chain tool.
func WithPlans(plans map[string]Plan) Option { return func(o *Orchestrator) { o.plans = plans } }

// WithSleep replaces backoff sleeps, for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

type liveRun struct {
	cancel  context.CancelCauseFunc
	session *engine.Session
}

// Orchestrator builds and supervises subagent runs.
type Orchestrator struct {
	registry *runs.Registry
	catalog  *agent.Catalog
	gen      llm.Generator
	cfg      Config
	tools    *tools.Registry
	hooks    *hooks.Dispatcher
	bus      *bus.Bus
	gate     permission.Gate
	logger   *slog.Logger
	metrics  *otel.Metrics
	plans    map[string]Plan
	sleep    func(context.Context, time.Duration) error
	now      func() time.Time
	waiter   *Waiter

	mu        sync.Mutex
	live      map[string]*liveRun
	lastSteer map[string]time.Time
	closed    bool
	wg        sync.WaitGroup
}

// New creates an orchestrator. A nil catalog holds only the general
// subagent.
func New(reg *runs.Registry, catalog *agent.Catalog, gen llm.Generator, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.SteerMode == "" {
		cfg.SteerMode = SteerSoft
	}
	if cfg.SteerInterval <= 0 {
		cfg.SteerInterval = DefaultSteerInterval
	}
	if cfg.Announce.MaxAttempts <= 0 {
		cfg.Announce = DefaultAnnouncePolicy()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if catalog == nil {
		catalog, _ = agent.NewCatalog()
	}
	o := &Orchestrator{
		registry:  reg,
		catalog:   catalog,
		gen:       gen,
		cfg:       cfg,
		sleep:     retry.Sleep,
		now:       time.Now,
		live:      make(map[string]*liveRun),
		lastSteer: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tools == nil {
		o.tools = tools.NewRegistry()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.waiter = NewWaiter(o.bus, reg)
	return o
}

// Registry returns the run registry.
func (o *Orchestrator) Registry() *runs.Registry { return o.registry }

// Catalog returns the subagent catalogue.
func (o *Orchestrator) Catalog() *agent.Catalog { return o.catalog }

// Delegate runs one subagent synchronously. Admission and lookup failures
// are returned as errors; a run that fails is reported on the Outcome.
func (o *Orchestrator) Delegate(ctx context.Context, t Task) (Outcome, error) {
	return o.delegate(ctx, t, ModeDelegate)
}

func (o *Orchestrator) delegate(ctx context.Context, t Task, mode string) (Outcome, error) {
	rec, def, err := o.start(ctx, t, mode)
	if err != nil {
		return Outcome{TaskID: t.ID, SubAgent: t.SubAgent, Status: StatusRejected, Error: err.Error()}, err
	}
	out := o.drive(ctx, rec, def, false)
	out.TaskID = t.ID
	return out, nil
}

// start resolves the subagent, admits a run for it under the caller found
// in ctx and marks it running.
func (o *Orchestrator) start(ctx context.Context, t Task, mode string) (*runs.Record, agent.Definition, error) {
	def, err := o.catalog.Resolve(t.SubAgent)
	if err != nil {
		return nil, def, err
	}
	if strings.TrimSpace(t.Prompt) == "" {
		return nil, def, fmt.Errorf("subagent %s: task is empty", def.Name)
	}
	spec, err := o.specFor(ctx, def, t, mode)
	if err != nil {
		return nil, def, err
	}

	o.hooks.Dispatch(ctx, hooks.Event{
		Kind:           hooks.KindSpawning,
		RunID:          spec.RunID,
		ConversationID: spec.ConversationID,
		ParentRunID:    spec.ParentRunID,
		SubAgent:       def.Name,
		Task:           t.Prompt,
	})
	rec, err := o.registry.Create(ctx, spec)
	if err != nil {
		return nil, def, err
	}
	running, won, err := o.registry.MarkRunning(ctx, rec.ConversationID, rec.RunID)
	if err != nil {
		return nil, def, err
	}
	if !won {
		return nil, def, fmt.Errorf("run %s was %s before it started", rec.RunID, running.Status)
	}
	o.hooks.Dispatch(ctx, hooks.Event{
		Kind:           hooks.KindSpawned,
		RunID:          running.RunID,
		ConversationID: running.ConversationID,
		ParentRunID:    running.ParentRunID,
		SubAgent:       def.Name,
		Task:           running.Task,
		Status:         string(running.Status),
	})
	return running, def, nil
}

// specFor derives the run's place in its lineage from ctx. Inside a nested
// processor the caller's run becomes the parent; at the top level the run
// starts (or joins) a lineage of its own.
func (o *Orchestrator) specFor(ctx context.Context, def agent.Definition, t Task, mode string) (runs.Spec, error) {
	conv := shared.ConversationID(ctx)
	if conv == "" {
		conv = shared.SessionID(ctx)
	}
	if conv == "" {
		return runs.Spec{}, errors.New("delegate: conversation id missing from context")
	}
	requester := shared.Requester(ctx)
	if requester == "" {
		requester = shared.SessionID(ctx)
	}
	sessionMode := def.Mode
	if t.Mode != "" {
		sessionMode = t.Mode
	}
	spec := runs.Spec{
		RunID:          uuid.NewString(),
		ConversationID: conv,
		SubAgent:       def.Name,
		Task:           t.Prompt,
		Requester:      requester,
		Metadata: map[string]any{
			runs.MetaMode:        mode,
			runs.MetaSessionMode: string(sessionMode),
		},
	}
	if t.ID != "" {
		spec.Metadata["task_id"] = t.ID
	}
	if shared.DelegationDepth(ctx) > 0 {
		spec.ParentRunID = shared.RunID(ctx)
	} else {
		spec.RootRunID = shared.RootRunID(ctx)
	}
	return spec, nil
}

// drive executes a running run to completion and records its terminal
// status. Goal mode only applies to detached runs.
func (o *Orchestrator) drive(ctx context.Context, rec *runs.Record, def agent.Definition, detached bool) Outcome {
	started := o.now()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ctx, stop := context.WithTimeoutCause(ctx, def.Timeout, errRunTimedOut)
	defer stop()
	ctx = shared.WithDelegationDepth(ctx, rec.Depth)
	ctx = shared.WithRootRunID(ctx, rec.RootRunID)
	ctx = shared.WithRequester(ctx, rec.RunID)

	s := engine.NewSession(rec.RunID)
	s.ConversationID = rec.ConversationID
	s.RunID = rec.RunID
	if pending := rec.MetaString(runs.MetaSteerPending); pending != "" {
		s.Steer(pending)
	}
	o.track(rec.RunID, cancel, s)
	defer o.untrack(rec.RunID)

	logger := o.logger.With("run_id", rec.RunID, "conversation_id", rec.ConversationID, "subagent", def.Name)
	logger.Info("subagent started", "depth", rec.Depth, "detached", detached)

	proc := o.processorFor(def, rec.Depth)
	out := Outcome{RunID: rec.RunID, SubAgent: def.Name}

	mode := agent.SessionMode(rec.MetaString(runs.MetaSessionMode))
	iterations := 1
	if !detached {
		mode = agent.ModeRun
	}
	res, err := proc.Process(ctx, s, llm.UserMessage(rec.Task))
	if res != nil {
		out.Steps += res.Steps
		out.Truncated = res.Truncated
	}
	if err == nil && suspended(res) {
		err = errContextOverflow
	}
	if err == nil && mode == agent.ModeGoal {
		err = o.pursueGoal(ctx, proc, s, rec, def, &iterations, &out)
		_, _ = o.registry.AttachMetadata(context.WithoutCancel(ctx), rec.ConversationID, rec.RunID,
			map[string]any{runs.MetaGoalIterations: iterations})
	}

	if tr := s.Tracker(); tr != nil {
		out.Usage = tr.Usage()
		out.Cost = tr.Total()
	}
	out.Duration = o.now().Sub(started)
	out.Attempts = 1
	if err == nil && out.Truncated {
		logger.Warn("subagent reply was cut short")
		_, _ = o.registry.AttachMetadata(context.WithoutCancel(ctx), rec.ConversationID, rec.RunID,
			map[string]any{runs.MetaTruncated: true})
	}

	final := o.finish(ctx, rec, s, err, logger)
	out.Status = string(final.Status)
	out.Error = final.Error
	if final.Status == runs.StatusCompleted {
		out.Output = final.Result
	}
	o.hooks.Dispatch(ctx, hooks.Event{
		Kind:           hooks.KindEnded,
		RunID:          rec.RunID,
		ConversationID: rec.ConversationID,
		ParentRunID:    rec.ParentRunID,
		SubAgent:       def.Name,
		Status:         out.Status,
		Summary:        truncate(out.Output, 500),
		Error:          out.Error,
		Usage:          out.Usage,
		Cost:           out.Cost.String(),
		Elapsed:        out.Duration,
	})
	logger.Info("subagent finished", "status", out.Status, "steps", out.Steps,
		"cost", out.Cost.String(), "elapsed", out.Duration.String())
	return out
}

// pursueGoal re-prompts a goal-mode session until its goal is judged
// achieved. Running out of iterations fails the run.
func (o *Orchestrator) pursueGoal(ctx context.Context, proc *engine.Processor, s *engine.Session, rec *runs.Record, def agent.Definition, iterations *int, out *Outcome) error {
	opts := engine.GoalOptions{Model: proc.Config().Model}
	if o.cfg.GoalSelfCheck {
		opts.Generator = o.gen
	}
	for {
		verdict := engine.EvaluateGoal(ctx, rec.Task, s, opts)
		if verdict.Achieved {
			return nil
		}
		if *iterations >= def.MaxGoalIterations {
			return fmt.Errorf("goal not achieved after %d iterations: %s", *iterations, verdict.Reason)
		}
		*iterations++
		prompt := fmt.Sprintf("The goal is not achieved yet (%s). Continue working on: %s\nReply with %s once it is done.",
			verdict.Reason, rec.Task, engine.CompletionKeyword)
		res, err := proc.Process(ctx, s, llm.UserMessage(prompt))
		if res != nil {
			out.Steps += res.Steps
		}
		if err != nil {
			return err
		}
		if suspended(res) {
			return errContextOverflow
		}
		out.Truncated = res.Truncated
	}
}

func suspended(res *engine.Result) bool {
	return res != nil && res.State == engine.StateSuspended
}

// finish records the terminal status implied by how the loop ended. A run
// already closed elsewhere (cancel, steer) keeps its status.
func (o *Orchestrator) finish(ctx context.Context, rec *runs.Record, s *engine.Session, runErr error, logger *slog.Logger) *runs.Record {
	cause := context.Cause(ctx)
	wctx := context.WithoutCancel(ctx)
	var (
		final *runs.Record
		err   error
	)
	switch {
	case runErr == nil:
		final, _, err = o.registry.MarkCompleted(wctx, rec.ConversationID, rec.RunID, s.LastAssistantText())
	case errors.Is(cause, errRunTimedOut), errors.Is(cause, context.DeadlineExceeded):
		final, _, err = o.registry.MarkTimedOut(wctx, rec.ConversationID, rec.RunID, cause.Error())
	case cause != nil:
		final, _, err = o.registry.MarkCancelled(wctx, rec.ConversationID, rec.RunID, cause.Error())
	default:
		final, _, err = o.registry.MarkFailed(wctx, rec.ConversationID, rec.RunID, runErr.Error())
	}
	if err != nil {
		logger.Error("record subagent outcome", "error", err)
		final = rec.Clone()
		final.Status = runs.StatusFailed
		final.Error = err.Error()
	}
	return final
}

// processorFor builds the nested processor for def. Orchestration tools
// are offered only while the child could still delegate.
func (o *Orchestrator) processorFor(def agent.Definition, depth int) *engine.Processor {
	cfg := o.cfg.Processor
	if def.Model != "" {
		cfg.Model = def.Model
	}
	if def.Provider != "" {
		cfg.Provider = def.Provider
	}
	if def.System != "" {
		cfg.System = def.System
	}
	if def.Temperature > 0 {
		t := def.Temperature
		cfg.Temperature = &t
	}
	cfg.MaxSteps = def.MaxSteps

	opts := []engine.Option{
		engine.WithLogger(o.logger.With("subagent", def.Name)),
		engine.WithMetrics(o.metrics),
		engine.WithSleep(o.sleep),
	}
	if o.gate != nil {
		opts = append(opts, engine.WithGate(o.gate))
	}
	if o.bus != nil {
		opts = append(opts, engine.WithSink(engine.BusSink{Bus: o.bus}))
	}
	return engine.NewProcessor(o.gen, o.toolsFor(def, depth), cfg, opts...)
}

func (o *Orchestrator) toolsFor(def agent.Definition, depth int) *tools.Registry {
	base := o.tools.Filter(nil, ToolNames)
	if max := o.registry.Limits().MaxDepth; max <= 0 || depth < max {
		base = base.With(o.Tools()...)
	}
	return def.ToolSet(base)
}

func (o *Orchestrator) track(runID string, cancel context.CancelCauseFunc, s *engine.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if lr, ok := o.live[runID]; ok {
		lr.session = s
		return
	}
	o.live[runID] = &liveRun{cancel: cancel, session: s}
}

func (o *Orchestrator) untrack(runID string) {
	o.mu.Lock()
	delete(o.live, runID)
	delete(o.lastSteer, runID)
	o.mu.Unlock()
}

func (o *Orchestrator) liveSession(runID string) *engine.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if lr, ok := o.live[runID]; ok {
		return lr.session
	}
	return nil
}

func (o *Orchestrator) interrupt(runID string, cause error) bool {
	o.mu.Lock()
	lr, ok := o.live[runID]
	o.mu.Unlock()
	if ok && lr.cancel != nil {
		lr.cancel(cause)
	}
	return ok
}

// Live returns how many runs this orchestrator is currently executing.
func (o *Orchestrator) Live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}
