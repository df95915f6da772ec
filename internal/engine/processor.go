// Package engine runs the ReAct session processor. Progress is reported as
// a versioned event stream; tool failures are observations, not errors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentcore/internal/doomloop"
	"github.com/basket/agentcore/internal/llm"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/permission"
	"github.com/basket/agentcore/internal/pricing"
	"github.com/basket/agentcore/internal/retry"
	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/tokenutil"
	"github.com/basket/agentcore/internal/tools"
)

// Defaults applied by NewProcessor.
const (
	DefaultMaxSteps          = 25
	DefaultPermissionTimeout = 5 * time.Minute
	DefaultHumanTimeout      = 10 * time.Minute
)

// Config controls one processor.
type Config struct {
	Model       string
	Provider    string
	System      string
	Temperature *float64
	MaxTokens   int

	MaxSteps       int
	ContinueOnDeny bool
	// ContextLimit is the prompt size in tokens above which the loop
	// suspends with compact-needed. Zero derives it from the model.
	ContextLimit      int
	PermissionTimeout time.Duration
	HumanTimeout      time.Duration

	Retry             retry.Policy
	DoomLoopWindow    int
	DoomLoopThreshold int

	Limits  pricing.Limits
	Pricing *pricing.Table
}

// Option configures a Processor.
type Option func(*Processor)

// WithGate sets the permission gate. The default allows everything.
func WithGate(g permission.Gate) Option { return func(p *Processor) { p.gate = g } }

// WithHuman enables the human pseudo-tools.
func WithHuman(h HumanChannel) Option { return func(p *Processor) { p.human = h } }

// WithSink sets where events go.
func WithSink(s Sink) Option { return func(p *Processor) { p.sink = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option { return func(p *Processor) { p.tracer = t } }

// WithMetrics sets the metric instruments.
func WithMetrics(m *otel.Metrics) Option { return func(p *Processor) { p.metrics = m } }

// WithSleep replaces the retry sleep, for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(p *Processor) { p.sleep = fn }
}

// Processor runs the ReAct loop for sessions. One Processor may drive many
// sessions, but a session must not be processed concurrently.
type Processor struct {
	gen     llm.Generator
	tools   *tools.Registry
	cfg     Config
	gate    permission.Gate
	human   HumanChannel
	sink    Sink
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	sleep   func(context.Context, time.Duration) error
}

// NewProcessor creates a processor. reg may be nil for a tool-less loop.
func NewProcessor(gen llm.Generator, reg *tools.Registry, cfg Config, opts ...Option) *Processor {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = DefaultPermissionTimeout
	}
	if cfg.HumanTimeout <= 0 {
		cfg.HumanTimeout = DefaultHumanTimeout
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = ContextLimitForModel(cfg.Provider, cfg.Model) - reservedTokens
	}
	if reg == nil {
		reg = tools.NewRegistry()
	}
	p := &Processor{
		gen:   gen,
		tools: reg,
		cfg:   cfg,
		gate:  permission.Static(permission.Allow),
		sink:  discardSink{},
		sleep: retry.Sleep,
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.tracer = otel.Tracer(p.tracer)
	return p
}

// Config returns the effective configuration.
func (p *Processor) Config() Config { return p.cfg }

// Tools returns the tool registry.
func (p *Processor) Tools() *tools.Registry { return p.tools }

// Result summarizes one Process call. Completed tool results and cost are
// kept even when the loop ended in error.
type Result struct {
	SessionID    string
	State        State
	Steps        int
	FinishReason llm.FinishReason
	// Truncated is set when the final reply ended without a normal stop,
	// for example on the output token limit or a content filter.
	Truncated bool
	// Text is the final assistant text.
	Text string
	// Messages holds the messages committed during this call.
	Messages  []llm.Message
	ToolCalls int
	Usage     pricing.Usage
	Cost      decimal.Decimal
	TotalCost decimal.Decimal
	Err       *LoopError
}

var errCompactNeeded = errors.New("context limit reached")

// Process appends input to the session and runs steps until the model
// stops, the step budget runs out, an unrecoverable failure occurs or the
// context must be compacted. A terminal failure is returned as a
// *LoopError alongside a non-nil Result.
func (p *Processor) Process(ctx context.Context, s *Session, input ...llm.Message) (*Result, error) {
	if s == nil {
		return nil, errors.New("engine: nil session")
	}
	doom, tracker := s.ensure(p.cfg)
	costBefore := tracker.Total()
	for _, m := range input {
		m = m.Clone()
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		s.Messages = append(s.Messages, m)
	}
	base := len(s.Messages)

	ctx = shared.WithSessionID(ctx, s.ID)
	if s.RunID != "" {
		ctx = shared.WithRunID(ctx, s.RunID)
	}
	if s.ConversationID != "" {
		ctx = shared.WithConversationID(ctx, s.ConversationID)
	}
	ctx, span := otel.StartSpan(ctx, p.tracer, "processor.process",
		otel.AttrSessionID.String(s.ID),
		otel.AttrRunID.String(s.RunID),
		otel.AttrModel.String(p.cfg.Model),
	)
	p.metrics.ProcessorStarted(ctx)
	defer p.metrics.ProcessorFinished(ctx)

	logger := p.logger.With("session_id", s.ID, "run_id", s.RunID)
	p.emit(s, Event{Type: EventStart, Data: map[string]any{"model": p.cfg.Model}})

	res := &Result{SessionID: s.ID}
	finish := func(state State, lerr *LoopError) (*Result, error) {
		s.setState(state)
		res.State = state
		res.Messages = append([]llm.Message(nil), s.Messages[base:]...)
		for _, m := range res.Messages {
			res.Usage = res.Usage.Add(m.Usage)
			if m.Role == llm.RoleAssistant {
				res.ToolCalls += len(m.ToolCalls())
			}
		}
		res.Text = s.LastAssistantText()
		res.TotalCost = tracker.Total()
		res.Cost = res.TotalCost.Sub(costBefore)
		if lerr == nil {
			otel.EndSpan(span, nil)
			return res, nil
		}
		res.Err = lerr
		p.emit(s, Event{Type: EventError, Step: res.Steps, Error: lerr.Info()})
		if lerr.Code == CodeAborted {
			logger.Info("processor aborted", "step", res.Steps)
		} else {
			logger.Error("processor failed", "step", res.Steps, "code", lerr.Code, "error", lerr.Error())
		}
		otel.EndSpan(span, lerr)
		return res, lerr
	}

	for step := 1; ; step++ {
		if ctx.Err() != nil {
			return finish(StateAborted, abortErr(ctx))
		}
		if step > p.cfg.MaxSteps {
			return finish(StateError, loopErr(CodeMaxSteps, ErrMaxSteps, "exceeded %d steps", p.cfg.MaxSteps))
		}
		if err := tracker.Check(); err != nil {
			return finish(StateError, loopErr(CodeResource, err, "%v", err))
		}
		if size := p.promptSize(s); size > p.cfg.ContextLimit {
			p.emit(s, Event{Type: EventCompactNeeded, Step: step, Data: map[string]any{
				"estimated_tokens": size, "limit": p.cfg.ContextLimit,
			}})
			logger.Warn("context limit reached", "step", step, "tokens", size, "limit", p.cfg.ContextLimit)
			return finish(StateSuspended, nil)
		}

		res.Steps = step
		p.metrics.Step(ctx)
		p.emit(s, Event{Type: EventStepStart, Step: step})
		p.applySteer(s, step)

		reason, calls, lerr := p.runStep(ctx, s, step, doom, tracker)
		if lerr != nil {
			if errors.Is(lerr, errCompactNeeded) {
				p.emit(s, Event{Type: EventCompactNeeded, Step: step, Data: map[string]any{"reason": lerr.Message}})
				return finish(StateSuspended, nil)
			}
			if lerr.Code == CodeAborted {
				return finish(StateAborted, lerr)
			}
			return finish(StateError, lerr)
		}
		res.FinishReason = reason
		logger.Debug("processor step done", "step", step, "finish_reason", reason, "tool_calls", calls)
		if calls == 0 {
			usage := tracker.Usage()
			total := tracker.Total()
			turn := total.Sub(costBefore)
			ev := Event{Type: EventComplete, Step: step, FinishReason: reason,
				Usage: &usage, Cost: &turn, TotalCost: &total}
			if cutShort(reason) {
				res.Truncated = true
				ev.Data = map[string]any{"truncated": true}
				logger.Warn("reply ended without a stop", "step", step, "finish_reason", reason)
			}
			p.emit(s, ev)
			return finish(StateCompleted, nil)
		}
	}
}

// cutShort reports whether a reply without tool calls was cut off rather
// than finished.
func cutShort(reason llm.FinishReason) bool {
	return reason == llm.FinishLength || reason == llm.FinishContentFilter
}

// runStep performs one think/act/observe cycle and commits the assistant
// message. It returns the finish reason and how many tool calls ran.
func (p *Processor) runStep(ctx context.Context, s *Session, step int, doom *doomloop.Detector, tracker *pricing.Tracker) (llm.FinishReason, int, *LoopError) {
	ctx, span := otel.StartSpan(ctx, p.tracer, "processor.step", otel.AttrStep.Int(step))
	defer span.End()

	pm, lerr := p.think(ctx, s, step)
	if lerr != nil {
		return "", 0, lerr
	}

	cost, budgetErr := tracker.Record(pm.usage, p.cfg.Model)
	total := tracker.Total()
	usage := pm.usage
	p.emit(s, Event{Type: EventCostUpdate, Step: step, Usage: &usage, Cost: &cost.Total, TotalCost: &total})
	costF, _ := cost.Total.Float64()
	p.metrics.RecordCost(ctx, p.cfg.Model, costF)

	msg := llm.Message{
		ID:    uuid.NewString(),
		Role:  llm.RoleAssistant,
		Parts: pm.parts,
		Usage: pm.usage,
		Cost:  cost.Total,
	}
	calls := msg.ToolCalls()

	commit := func() {
		msg.CompletedAt = time.Now().UTC()
		s.Messages = append(s.Messages, msg.Clone())
	}

	if budgetErr != nil {
		for _, tc := range calls {
			skipCall(tc, "not executed: "+budgetErr.Error())
		}
		commit()
		return pm.finish, len(calls), loopErr(CodeResource, budgetErr, "%v", budgetErr)
	}

	for i, tc := range calls {
		if ctx.Err() != nil {
			return "", 0, abortErr(ctx)
		}
		if lerr := p.act(ctx, s, step, doom, tc); lerr != nil {
			if lerr.Code == CodeAborted {
				return "", 0, lerr
			}
			for _, rest := range calls[i+1:] {
				skipCall(rest, "not executed: loop stopped")
			}
			commit()
			return pm.finish, len(calls), lerr
		}
	}
	if ctx.Err() != nil {
		return "", 0, abortErr(ctx)
	}

	commit()
	p.emit(s, Event{Type: EventStepFinish, Step: step, FinishReason: pm.finish, Usage: &usage, Cost: &cost.Total})
	p.emit(s, Event{Type: EventStepEnd, Step: step})
	return pm.finish, len(calls), nil
}

// think opens the model stream, retrying transient failures. The partial
// message of a failed attempt is discarded.
func (p *Processor) think(ctx context.Context, s *Session, step int) (*pendingMessage, *LoopError) {
	req := p.request(s)
	for attempt := 1; ; attempt++ {
		s.setState(StateThinking)
		started := time.Now()
		sctx, span := otel.StartClientSpan(ctx, p.tracer, "llm.generate",
			otel.AttrModel.String(p.cfg.Model),
			otel.AttrAttempt.Int(attempt),
		)
		pm, err := p.stream(sctx, s, step, req)
		otel.EndSpan(span, err)
		p.metrics.RecordLLMCall(ctx, p.cfg.Model, time.Since(started), pm.usage.Total())
		if err == nil {
			return pm, nil
		}
		if ctx.Err() != nil {
			return nil, abortErr(ctx)
		}
		if errors.Is(err, pricing.ErrBudgetExceeded) {
			return nil, loopErr(CodeResource, err, "%v", err)
		}
		class := retry.Classify(err)
		if class == retry.ClassContextOverflow {
			return nil, &LoopError{Code: CodeResource, Message: err.Error(), Err: errCompactNeeded}
		}
		if !p.cfg.Retry.ShouldRetry(attempt, err) {
			return nil, loopErr(CodeCommunication, err, "model call failed after %d attempt(s): %v", attempt, err)
		}
		delay := p.cfg.Retry.CalculateDelay(attempt, err)
		s.setState(StateRetrying)
		p.metrics.Retry(ctx, string(class))
		p.logger.Warn("model call failed, retrying",
			"session_id", s.ID, "step", step, "attempt", attempt, "delay", delay, "class", class, "error", err)
		p.emit(s, Event{Type: EventRetry, Step: step, Attempt: attempt + 1, Delay: delay,
			Error: &ErrorInfo{Code: CodeCommunication, Message: err.Error()}})
		if err := p.sleep(ctx, delay); err != nil {
			return nil, abortErr(ctx)
		}
	}
}

func (p *Processor) request(s *Session) llm.Request {
	specs := p.tools.Specs()
	if p.human != nil {
		for _, h := range humanToolSpecs() {
			if _, taken := p.tools.Get(h.name); taken {
				continue
			}
			specs = append(specs, llm.ToolSpec{Name: h.name, Description: h.description, Parameters: h.params})
		}
	}
	msgs := make([]llm.Message, len(s.Messages))
	copy(msgs, s.Messages)
	return llm.Request{
		Model:       p.cfg.Model,
		System:      p.cfg.System,
		Messages:    msgs,
		Tools:       specs,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}
}

// stream consumes one model stream into a pending message.
func (p *Processor) stream(ctx context.Context, s *Session, step int, req llm.Request) (*pendingMessage, error) {
	pm := newPendingMessage()
	for ev, err := range p.gen.Generate(ctx, req) {
		if err != nil {
			return pm, err
		}
		switch ev.Kind {
		case llm.EventTextStart:
			pm.open(llm.PartText, ev.ID)
		case llm.EventTextDelta:
			pm.appendText(llm.PartText, ev.ID, ev.Text)
			p.emit(s, Event{Type: EventTextDelta, Step: step, PartID: ev.ID, Text: ev.Text})
		case llm.EventReasoningStart:
			pm.open(llm.PartReasoning, ev.ID)
		case llm.EventReasoningDelta:
			pm.appendText(llm.PartReasoning, ev.ID, ev.Text)
			p.emit(s, Event{Type: EventReasoningDelta, Step: step, PartID: ev.ID, Text: ev.Text})
		case llm.EventTextEnd, llm.EventReasoningEnd:
		case llm.EventToolCallStart:
			pm.toolStart(ev.ToolCallID, ev.ToolName)
		case llm.EventToolCallEnd:
			pm.toolEnd(ev.ToolCallID, ev.ToolName, ev.Input)
		case llm.EventUsage:
			pm.usage = ev.Usage
		case llm.EventFinish:
			pm.finish = ev.FinishReason
		case llm.EventError:
			if ev.Err != nil {
				return pm, ev.Err
			}
			return pm, errors.New("model stream reported an error")
		}
	}
	if err := ctx.Err(); err != nil {
		return pm, err
	}
	if pm.finish == "" {
		pm.finish = llm.FinishStop
		if pm.hasTools() {
			pm.finish = llm.FinishToolCalls
		}
	}
	return pm, nil
}

// act gates, executes and observes one tool call. Tool failures become
// observations; only aborts and denials with ContinueOnDeny unset are
// returned.
func (p *Processor) act(ctx context.Context, s *Session, step int, doom *doomloop.Detector, tc *llm.ToolCall) *LoopError {
	tc.ExecutionID = uuid.NewString()
	tc.Status = llm.ToolRunning
	tc.StartedAt = time.Now().UTC()
	s.setState(StateActing)
	p.emit(s, Event{Type: EventAct, Step: step, ToolCall: cloneCall(tc)})

	observe := func() {
		tc.EndedAt = time.Now().UTC()
		s.setState(StateObserving)
		p.emit(s, Event{Type: EventObserve, Step: step, ToolCall: cloneCall(tc)})
	}

	if p.human != nil && isHumanTool(tc.Tool) {
		if _, shadowed := p.tools.Get(tc.Tool); !shadowed {
			out := p.handleHuman(ctx, s, step, tc.Tool, tc.CallID, tc.Input)
			if ctx.Err() != nil {
				return abortErr(ctx)
			}
			if out.err != nil {
				failCall(tc, out.code, out.err)
			} else {
				tc.Status = llm.ToolCompleted
				tc.Output = out.output
			}
			observe()
			return nil
		}
	}

	tool, ok := p.tools.Get(tc.Tool)
	if !ok {
		failCall(tc, CodeValidation, fmt.Errorf("unknown tool %q", tc.Tool))
		observe()
		return nil
	}
	if err := p.tools.Validate(tc.Tool, tc.Input); err != nil {
		failCall(tc, CodeValidation, err)
		observe()
		return nil
	}

	perm, pattern := tools.PermissionFor(tool, tc.Input)
	action := p.gate.Evaluate(perm, pattern)
	reason := ""
	if action != permission.Deny && doom.ShouldIntervene(tc.Tool, tc.Input) {
		p.metrics.DoomLoop(ctx, tc.Tool)
		p.logger.Warn("doom loop detected", "session_id", s.ID, "tool", tc.Tool, "step", step)
		p.emit(s, Event{Type: EventDoomLoopDetected, Step: step, ToolCall: cloneCall(tc), Data: map[string]any{
			"threshold": doom.Threshold(),
			"hash":      doomloop.Hash(tc.Input),
		}})
		action, reason = permission.Ask, "doom_loop"
	}

	switch action {
	case permission.Deny:
		failCall(tc, CodePermission, fmt.Errorf("%w: %s %s", ErrPermissionDenied, perm, pattern))
		observe()
		return p.denied(tc)
	case permission.Ask:
		approved, err := p.askPermission(ctx, s, step, tc, perm, pattern, reason)
		if ctx.Err() != nil {
			return abortErr(ctx)
		}
		if !approved {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				failCall(tc, CodeTimeout, fmt.Errorf("timed out waiting for permission %s %s", perm, pattern))
			case reason == "doom_loop":
				failCall(tc, CodePermission, fmt.Errorf("%w: repeated identical call to %s blocked", ErrPermissionDenied, tc.Tool))
			default:
				failCall(tc, CodePermission, fmt.Errorf("%w: %s %s", ErrPermissionDenied, perm, pattern))
			}
			observe()
			return p.denied(tc)
		}
	}

	doom.Record(tc.Tool, tc.Input)

	tctx, span := otel.StartSpan(ctx, p.tracer, "tool.execute",
		otel.AttrToolName.String(tc.Tool),
		otel.AttrCallID.String(tc.CallID),
	)
	started := time.Now()
	res, err := p.runTool(tctx, tool, tc.Input)
	otel.EndSpan(span, err)
	p.metrics.RecordToolCall(ctx, tc.Tool, time.Since(started), err != nil)
	if ctx.Err() != nil {
		return abortErr(ctx)
	}

	tc.Output = res.Output
	tc.Metadata = res.Metadata
	if err != nil {
		failCall(tc, CodeExecution, err)
		p.logger.Info("tool failed", "session_id", s.ID, "tool", tc.Tool, "step", step, "error", err)
	} else {
		tc.Status = llm.ToolCompleted
	}
	observe()
	for _, se := range res.Events {
		p.emit(s, Event{Type: EventToolEvent, Step: step, Data: map[string]any{
			"tool":         tc.Tool,
			"execution_id": tc.ExecutionID,
			"event":        se.Type,
			"payload":      se.Data,
		}})
	}
	return nil
}

func (p *Processor) denied(tc *llm.ToolCall) *LoopError {
	if p.cfg.ContinueOnDeny {
		return nil
	}
	return loopErr(CodePermission, ErrPermissionDenied, "%s", tc.Error)
}

func (p *Processor) askPermission(ctx context.Context, s *Session, step int, tc *llm.ToolCall, perm, pattern, reason string) (bool, error) {
	s.setState(StateWaitingPermission)
	data := map[string]any{"permission": perm, "pattern": pattern}
	if reason != "" {
		data["reason"] = reason
	}
	p.emit(s, Event{Type: EventPermissionAsked, Step: step, ToolCall: cloneCall(tc), Data: data})

	wctx, cancel := context.WithTimeout(ctx, p.cfg.PermissionTimeout)
	approved, err := p.gate.Request(wctx, permission.Request{
		ID:         tc.ExecutionID,
		SessionID:  s.ID,
		RunID:      s.RunID,
		Permission: perm,
		Pattern:    pattern,
		Tool:       tc.Tool,
		CallID:     tc.CallID,
		Input:      tc.Input,
		Reason:     reason,
	})
	cancel()

	status := "rejected"
	switch {
	case approved:
		status = "approved"
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	p.emit(s, Event{Type: EventPermissionReplied, Step: step, ToolCall: cloneCall(tc), Data: map[string]any{
		"permission": perm, "pattern": pattern, "approved": approved, "status": status,
	}})
	return approved, err
}

func (p *Processor) runTool(ctx context.Context, t tools.Tool, args map[string]any) (res tools.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("tool panicked", "tool", t.Name(), "panic", r, "stack", string(debug.Stack()))
			res = tools.Result{}
			err = fmt.Errorf("tool %s panicked: %v", t.Name(), r)
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	return t.Execute(ctx, args)
}

func (p *Processor) applySteer(s *Session, step int) {
	for _, instr := range s.drainSteer() {
		m := llm.UserMessage("[Steering instruction] " + instr)
		m.ID = uuid.NewString()
		s.Messages = append(s.Messages, m)
		p.emit(s, Event{Type: EventSteerApplied, Step: step, Text: instr})
	}
}

// promptSize is the larger of the estimate and what the provider last
// reported.
func (p *Processor) promptSize(s *Session) int {
	est := tokenutil.EstimateMessages(s.Messages)
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.Role != llm.RoleAssistant || m.Usage.IsZero() {
			continue
		}
		reported := int(m.Usage.Input + m.Usage.CacheRead + m.Usage.CacheWrite + m.Usage.Output + m.Usage.Reasoning)
		if reported > est {
			return reported
		}
		break
	}
	return est
}

func (p *Processor) emit(s *Session, ev Event) {
	ev.SchemaVersion = SchemaVersion
	ev.Seq = s.seq.Add(1)
	ev.SessionID = s.ID
	ev.RunID = s.RunID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	p.sink.Emit(ev)
}

func abortErr(ctx context.Context) *LoopError {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return &LoopError{Code: CodeAborted, Message: "aborted: " + cause.Error(), Err: errors.Join(ErrAborted, cause)}
}

func failCall(tc *llm.ToolCall, code ErrorCode, err error) {
	tc.Status = llm.ToolError
	tc.Error = err.Error()
	if tc.Metadata == nil {
		tc.Metadata = map[string]any{}
	}
	tc.Metadata["error_code"] = string(code)
}

func skipCall(tc *llm.ToolCall, reason string) {
	if tc.Status == llm.ToolCompleted || tc.Status == llm.ToolError {
		return
	}
	tc.Status = llm.ToolError
	tc.Error = reason
}

func cloneCall(tc *llm.ToolCall) *llm.ToolCall {
	m := llm.Message{Parts: []llm.Part{{Kind: llm.PartToolCall, ToolCall: tc}}}.Clone()
	return m.Parts[0].ToolCall
}
