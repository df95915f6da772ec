package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/agentcore/internal/agent"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/engine"
	"github.com/basket/agentcore/internal/hooks"
	"github.com/basket/agentcore/internal/llm"
	"github.com/basket/agentcore/internal/llm/llmtest"
	"github.com/basket/agentcore/internal/runs"
	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/tools"
)

const testConv = "conv-1"

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func callerCtx() context.Context {
	ctx := shared.WithSessionID(context.Background(), "sess-1")
	return shared.WithConversationID(ctx, testConv)
}

func newTestOrchestrator(t *testing.T, gen llm.Generator, limits runs.Limits, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	b := bus.New()
	reg := runs.NewRegistry(nil, limits, runs.WithBus(b), runs.WithLogger(slog.New(slog.DiscardHandler)))
	if cfg.Processor.Model == "" {
		cfg.Processor.Model = "gpt-4o"
	}
	base := []Option{WithBus(b), WithSleep(noSleep), WithLogger(slog.New(slog.DiscardHandler))}
	o := New(reg, nil, gen, cfg, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

// blockUntilCancelled is a generator turn for runs that must stay live.
func blockUntilCancelled(ctx context.Context) llmtest.Turn {
	<-ctx.Done()
	return llmtest.Fail(ctx.Err())
}

func waitLive(t *testing.T, o *Orchestrator, runID string) {
	t.Helper()
	require.Eventually(t, func() bool { return o.liveSession(runID) != nil }, 2*time.Second, 5*time.Millisecond)
}

func TestDelegate_ReturnsSubagentSummary(t *testing.T) {
	gen := llmtest.Func(func(_ context.Context, req llm.Request) llmtest.Turn {
		return llmtest.Text("done: " + llmtest.LastUserText(req))
	})
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{})

	out, err := o.Delegate(callerCtx(), Task{Prompt: "write the docs"})
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Equal(t, "done: write the docs", out.Output)
	assert.Equal(t, agent.DefaultName, out.SubAgent)
	assert.Equal(t, 1, out.Steps)
	assert.Equal(t, int64(120), out.Usage.Total())
	assert.True(t, out.Cost.IsPositive())

	rec, err := o.Registry().Get(context.Background(), testConv, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, rec.Status)
	assert.Equal(t, "done: write the docs", rec.Result)
	assert.Equal(t, ModeDelegate, rec.MetaString(runs.MetaMode))
	assert.Equal(t, "sess-1", rec.Requester)
	assert.Equal(t, 1, rec.Depth)
	assert.Equal(t, rec.RunID, rec.RootRunID)
	assert.Zero(t, o.Live())
}

func TestDelegate_TruncatedReplyIsFlagged(t *testing.T) {
	gen := llmtest.Func(func(_ context.Context, _ llm.Request) llmtest.Turn {
		return llmtest.Turn{Events: llmtest.TextEvents("Step one: open the", llm.FinishLength)}
	})
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{})

	out, err := o.Delegate(callerCtx(), Task{Prompt: "write the install guide"})
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.True(t, out.Truncated)
	assert.Equal(t, true, outcomeMetadata(out)["truncated"])

	rec, err := o.Registry().Get(context.Background(), testConv, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, true, rec.Metadata[runs.MetaTruncated])

	rep := &Report{Mode: ModeParallel, Outcomes: []Outcome{out}}
	assert.Contains(t, rep.Text(), "completed (truncated)")
}

func TestDelegate_FailedRunIsReportedOnOutcome(t *testing.T) {
	gen := llmtest.NewScript(llmtest.Fail(errors.New("invalid api key")))
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{})

	out, err := o.Delegate(callerCtx(), Task{Prompt: "anything"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Error, "invalid api key")
	assert.Empty(t, out.Output)
}

func TestDelegate_AdmissionRejected(t *testing.T) {
	gen := llmtest.NewScript()
	o := newTestOrchestrator(t, gen, runs.Limits{MaxActivePerConversation: 1}, Config{})
	_, err := o.Registry().Create(context.Background(), runs.Spec{ConversationID: testConv, Task: "occupying"})
	require.NoError(t, err)

	out, err := o.Delegate(callerCtx(), Task{Prompt: "one too many"})
	var capErr *runs.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, runs.ScopeConversation, capErr.Scope)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Zero(t, gen.Calls(), "a rejected run must never reach the model")
}

func TestDelegate_UnknownSubagent(t *testing.T) {
	o := newTestOrchestrator(t, llmtest.NewScript(), runs.DefaultLimits(), Config{})
	_, err := o.Delegate(callerCtx(), Task{SubAgent: "ghost", Prompt: "x"})
	require.ErrorContains(t, err, `unknown subagent "ghost"`)
}

func TestDelegate_TimeoutMarksTimedOut(t *testing.T) {
	catalog, err := agent.NewCatalog(agent.Definition{Name: "slow", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	gen := llmtest.Func(func(ctx context.Context, _ llm.Request) llmtest.Turn { return blockUntilCancelled(ctx) })
	reg := runs.NewRegistry(nil, runs.DefaultLimits())
	o := New(reg, catalog, gen, Config{}, WithSleep(noSleep), WithLogger(slog.New(slog.DiscardHandler)))

	out, err := o.Delegate(callerCtx(), Task{SubAgent: "slow", Prompt: "never ends"})
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, out.Status)
	assert.Contains(t, out.Error, "timed out")
}

func TestDelegate_ContextLimitFailsRun(t *testing.T) {
	gen := llmtest.NewScript(llmtest.Text("never reached"))
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{Processor: engine.Config{ContextLimit: 1}})

	out, err := o.Delegate(callerCtx(), Task{Prompt: "summarise every file in the repository"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Error, "context limit reached")
	assert.Empty(t, out.Output)
	assert.Zero(t, out.Steps)
	assert.Zero(t, gen.Calls())

	rec, err := o.Registry().Get(context.Background(), testConv, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusFailed, rec.Status)
}

func TestSpawn_GoalModeStopsOnContextLimit(t *testing.T) {
	gen := llmtest.Func(func(context.Context, llm.Request) llmtest.Turn { return llmtest.Text("working") })
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{Processor: engine.Config{ContextLimit: 1}})

	run, err := o.Spawn(callerCtx(), Task{Prompt: "make the tests pass", Mode: agent.ModeGoal})
	require.NoError(t, err)
	final, err := o.Wait(context.Background(), testConv, run.RunID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "context limit reached")
	assert.Nil(t, final.Metadata[runs.MetaGoalIterations], "a suspended session never enters the goal loop")
}

func TestNestedDelegation_ToolsStopAtMaxDepth(t *testing.T) {
	var mu sync.Mutex
	toolsByTask := map[string][]string{}
	gen := llmtest.Func(func(_ context.Context, req llm.Request) llmtest.Turn {
		task := llmtest.LastUserText(req)
		var names []string
		for _, spec := range req.Tools {
			names = append(names, spec.Name)
		}
		mu.Lock()
		toolsByTask[task] = names
		mu.Unlock()

		last := req.Messages[len(req.Messages)-1]
		if calls := last.ToolCalls(); len(calls) > 0 {
			return llmtest.Text("parent saw: " + calls[0].Output)
		}
		if task == "top" {
			return llmtest.ToolCall(ToolDelegate, map[string]any{"task": "child"})
		}
		return llmtest.Text("child done")
	})
	o := newTestOrchestrator(t, gen, runs.Limits{MaxDepth: 2}, Config{})

	out, err := o.Delegate(callerCtx(), Task{Prompt: "top"})
	require.NoError(t, err)
	require.True(t, out.OK(), out.Error)
	assert.Equal(t, "parent saw: child done", out.Output)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, toolsByTask["top"], ToolDelegate)
	assert.NotContains(t, toolsByTask["child"], ToolDelegate, "depth 2 is the last level")

	recs, err := o.Registry().List(context.Background(), runs.Filter{ConversationID: testConv})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	var child *runs.Record
	for _, r := range recs {
		if r.Task == "child" {
			child = r
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, out.RunID, child.ParentRunID)
	assert.Equal(t, out.RunID, child.RootRunID)
	assert.Equal(t, 2, child.Depth)
	assert.Equal(t, out.RunID, child.Requester)
}

func TestChain_RunsInDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	gen := llmtest.Func(func(_ context.Context, req llm.Request) llmtest.Turn {
		p := llmtest.LastUserText(req)
		mu.Lock()
		prompts = append(prompts, p)
		n := len(prompts)
		mu.Unlock()
		return llmtest.Text("result-" + string(rune('0'+n)))
	})
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{})

	// Declared out of order on purpose.
	rep, err := o.Chain(callerCtx(), Plan{Name: "docs", Tasks: []Task{
		{ID: "3", Prompt: "publish {2.output}", DependsOn: []string{"2"}},
		{ID: "1", Prompt: "research"},
		{ID: "2", Prompt: "draft from {1.output}", DependsOn: []string{"1"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"research", "draft from result-1", "publish result-2"}, prompts)
	require.Len(t, rep.Outcomes, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{rep.Outcomes[0].TaskID, rep.Outcomes[1].TaskID, rep.Outcomes[2].TaskID})
	assert.Equal(t, 3, rep.Completed())
	assert.False(t, rep.Partial())
}

func TestChain_FailureBlocksDependents(t *testing.T) {
	gen := llmtest.Func(func(_ context.Context, req llm.Request) llmtest.Turn {
		if strings.Contains(llmtest.LastUserText(req), "step one") {
			return llmtest.Fail(errors.New("unsupported operation"))
		}
		return llmtest.Text("ok")
	})
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{})

	rep, err := o.Chain(callerCtx(), Plan{Tasks: []Task{
		{ID: "1", Prompt: "step one"},
		{ID: "2", Prompt: "step two", DependsOn: []string{"1"}},
		{ID: "3", Prompt: "step three", DependsOn: []string{"2"}},
	}})
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 3)

	one, _ := rep.Outcome("1")
	two, _ := rep.Outcome("2")
	three, _ := rep.Outcome("3")
	assert.Equal(t, StatusFailed, one.Status)
	assert.Equal(t, StatusBlocked, two.Status)
	assert.Equal(t, "blocked by dependency 1 (failed)", two.Error)
	assert.Equal(t, StatusBlocked, three.Status)
	assert.Equal(t, "blocked by dependency 2 (blocked)", three.Error)
	assert.Empty(t, two.RunID, "blocked tasks never create runs")
	assert.True(t, rep.Partial())
	assert.Contains(t, rep.Text(), "chain: 0/3 tasks completed (partial)")

	recs, err := o.Registry().List(context.Background(), runs.Filter{ConversationID: testConv})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestChain_RetriesWithErrorContext(t *testing.T) {
	gen := llmtest.NewScript(
		llmtest.Fail(errors.New("unsupported operation")),
		llmtest.Text("fixed"),
	)
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{})

	rep, err := o.Chain(callerCtx(), Plan{Tasks: []Task{{ID: "a", Prompt: "migrate", MaxRetries: 1}}})
	require.NoError(t, err)
	out, _ := rep.Outcome("a")
	assert.True(t, out.OK())
	assert.Equal(t, 2, out.Attempts)
	reqs := gen.Requests()
	require.Len(t, reqs, 2)
	retryPrompt := llmtest.LastUserText(reqs[1])
	assert.Contains(t, retryPrompt, "Original task: migrate")
	assert.Contains(t, retryPrompt, "unsupported operation")
}

func TestChain_InvalidPlan(t *testing.T) {
	o := newTestOrchestrator(t, llmtest.NewScript(), runs.DefaultLimits(), Config{})
	_, err := o.Chain(callerCtx(), Plan{Tasks: []Task{
		{ID: "a", Prompt: "x", DependsOn: []string{"b"}},
		{ID: "b", Prompt: "y", DependsOn: []string{"a"}},
	}})
	require.ErrorContains(t, err, "cycle detected")
}

func TestParallel_BoundedConcurrencyIsolatesFailures(t *testing.T) {
	var current, peak atomic.Int32
	gen := llmtest.Func(func(ctx context.Context, req llm.Request) llmtest.Turn {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-time.After(40 * time.Millisecond):
		case <-ctx.Done():
		}
		if strings.Contains(llmtest.LastUserText(req), "fail") {
			return llmtest.Fail(errors.New("tool exploded"))
		}
		return llmtest.Text("ok: " + llmtest.LastUserText(req))
	})
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{})

	tasks := []Task{
		{ID: "a", Prompt: "alpha"},
		{ID: "b", Prompt: "fail beta"},
		{ID: "c", Prompt: "gamma"},
		{ID: "d", Prompt: "fail delta"},
	}
	rep, err := o.Parallel(callerCtx(), tasks, 2)
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 4)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 2, rep.Completed())

	statuses := make([]string, 0, 4)
	for _, out := range rep.Outcomes {
		statuses = append(statuses, out.TaskID+"="+out.Status)
	}
	assert.Equal(t, []string{"a=completed", "b=failed", "c=completed", "d=failed"}, statuses)
	a, _ := rep.Outcome("a")
	assert.Equal(t, "ok: alpha", a.Output)
	assert.Contains(t, rep.Text(), "parallel: 2/4 tasks completed")
}

func TestParallel_AdmissionRejectionsAreOutcomes(t *testing.T) {
	release := make(chan struct{})
	gen := llmtest.Func(func(ctx context.Context, _ llm.Request) llmtest.Turn {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return llmtest.Text("ok")
	})
	o := newTestOrchestrator(t, gen, runs.Limits{MaxActivePerRequester: 1}, Config{})

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	rep, err := o.Parallel(callerCtx(), []Task{{Prompt: "a"}, {Prompt: "b"}}, 2)
	require.NoError(t, err)
	statuses := []string{rep.Outcomes[0].Status, rep.Outcomes[1].Status}
	slices.Sort(statuses)
	assert.Equal(t, []string{StatusCompleted, StatusRejected}, statuses)
}

type hookRecorder struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (h *hookRecorder) Name() string { return "recorder" }

func (h *hookRecorder) Handle(_ context.Context, ev hooks.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *hookRecorder) kinds() []hooks.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hooks.Kind
	for _, ev := range h.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestSpawn_DetachedRunAnnouncesOutcome(t *testing.T) {
	gen := llmtest.NewScript(llmtest.Text("background done"))
	rec := &hookRecorder{}
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{},
		WithHooks(hooks.NewDispatcher(slog.New(slog.DiscardHandler), nil, rec)))

	run, err := o.Spawn(callerCtx(), Task{Prompt: "index the repo"})
	require.NoError(t, err)
	assert.Equal(t, runs.StatusRunning, run.Status)

	final, err := o.Wait(context.Background(), testConv, run.RunID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, final.Status)
	assert.Equal(t, "background done", final.Result)

	require.Eventually(t, func() bool {
		r, err := o.Registry().Get(context.Background(), testConv, run.RunID)
		return err == nil && r.Metadata[runs.MetaAnnounce] != nil
	}, 2*time.Second, 5*time.Millisecond)
	r, _ := o.Registry().Get(context.Background(), testConv, run.RunID)
	ann := r.Metadata[runs.MetaAnnounce].(map[string]any)
	assert.Equal(t, "completed", ann["status"])
	assert.Equal(t, "background done", ann["summary"])
	assert.EqualValues(t, 1, r.MetaInt(runs.MetaAnnounceAttempts))
	assert.Empty(t, r.MetaString(runs.MetaAnnounceFailed))

	assert.Equal(t, []hooks.Kind{hooks.KindSpawning, hooks.KindSpawned, hooks.KindEnded}, rec.kinds())
}

// flakyStore fails announce writes.
type flakyStore struct {
	runs.Store
	mu       sync.Mutex
	failures int // -1 fails forever
	calls    int
}

func (s *flakyStore) MergeMetadata(ctx context.Context, conv, run string, md map[string]any) (*runs.Record, error) {
	if _, ok := md[runs.MetaAnnounce]; ok {
		s.mu.Lock()
		s.calls++
		fail := s.failures < 0 || s.calls <= s.failures
		s.mu.Unlock()
		if fail {
			return nil, errors.New("database is locked")
		}
	}
	return s.Store.MergeMetadata(ctx, conv, run, md)
}

func newAnnounceOrchestrator(t *testing.T, store runs.Store, sleeps *[]time.Duration) *Orchestrator {
	var mu sync.Mutex
	reg := runs.NewRegistry(store, runs.DefaultLimits())
	o := New(reg, nil, llmtest.NewScript(llmtest.Text("finished")), Config{},
		WithLogger(slog.New(slog.DiscardHandler)),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			*sleeps = append(*sleeps, d)
			mu.Unlock()
			return nil
		}))
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o
}

func TestSpawn_AnnounceRetriesWithBackoff(t *testing.T) {
	store := &flakyStore{Store: runs.NewMemoryStore(), failures: 2}
	var sleeps []time.Duration
	o := newAnnounceOrchestrator(t, store, &sleeps)

	run, err := o.Spawn(callerCtx(), Task{Prompt: "summarize"})
	require.NoError(t, err)
	_, err = o.Wait(context.Background(), testConv, run.RunID, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, o.Shutdown(context.Background()), "shutdown waits for the announce to settle")

	r, err := o.Registry().Get(context.Background(), testConv, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, r.Status)
	assert.NotNil(t, r.Metadata[runs.MetaAnnounce])
	assert.Equal(t, 3, r.MetaInt(runs.MetaAnnounceAttempts))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeps)
}

func TestSpawn_AnnounceGivesUpWithDiagnostic(t *testing.T) {
	store := &flakyStore{Store: runs.NewMemoryStore(), failures: -1}
	var sleeps []time.Duration
	o := newAnnounceOrchestrator(t, store, &sleeps)

	run, err := o.Spawn(callerCtx(), Task{Prompt: "summarize"})
	require.NoError(t, err)
	_, err = o.Wait(context.Background(), testConv, run.RunID, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, o.Shutdown(context.Background()))

	r, err := o.Registry().Get(context.Background(), testConv, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, r.Status, "a failed announce never changes the outcome")
	assert.Nil(t, r.Metadata[runs.MetaAnnounce])
	assert.Contains(t, r.MetaString(runs.MetaAnnounceFailed), "database is locked")
	assert.Equal(t, 6, r.MetaInt(runs.MetaAnnounceAttempts))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}, sleeps)
}

func TestSpawn_GoalModeIteratesUntilAchieved(t *testing.T) {
	gen := llmtest.NewScript(
		llmtest.Text("started on it"),
		llmtest.Text("still going"),
		llmtest.Text("all tests pass. "+engine.CompletionKeyword),
	)
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{})

	run, err := o.Spawn(callerCtx(), Task{Prompt: "make the tests pass", Mode: agent.ModeGoal})
	require.NoError(t, err)
	final, err := o.Wait(context.Background(), testConv, run.RunID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, final.Status)
	assert.Equal(t, 3, gen.Calls())
	assert.Equal(t, 3, final.MetaInt(runs.MetaGoalIterations))
}

func TestSpawn_GoalModeFailsClosed(t *testing.T) {
	gen := llmtest.Func(func(context.Context, llm.Request) llmtest.Turn { return llmtest.Text("maybe?") })
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{})

	run, err := o.Spawn(callerCtx(), Task{Prompt: "ship it", Mode: agent.ModeGoal})
	require.NoError(t, err)
	final, err := o.Wait(context.Background(), testConv, run.RunID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "goal not achieved after 3 iterations")
}

func TestCancel_CascadesToDescendantsAndLiveRun(t *testing.T) {
	gen := llmtest.Func(func(ctx context.Context, _ llm.Request) llmtest.Turn { return blockUntilCancelled(ctx) })
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{})
	ctx := callerCtx()

	run, err := o.Spawn(ctx, Task{Prompt: "long job"})
	require.NoError(t, err)
	waitLive(t, o, run.RunID)
	child, err := o.Registry().Create(ctx, runs.Spec{ConversationID: testConv, ParentRunID: run.RunID, Task: "child"})
	require.NoError(t, err)
	grandchild, err := o.Registry().Create(ctx, runs.Spec{ConversationID: testConv, ParentRunID: child.RunID, Task: "grandchild"})
	require.NoError(t, err)

	ids, err := o.Cancel(ctx, testConv, run.RunID, "user asked")
	require.NoError(t, err)
	assert.Equal(t, []string{grandchild.RunID, child.RunID, run.RunID}, ids)

	final, err := o.Wait(context.Background(), testConv, run.RunID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCancelled, final.Status)
	assert.Equal(t, "user asked", final.Error)
	require.Eventually(t, func() bool { return o.Live() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSteer_SoftReachesLiveLoop(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	var steered atomic.Value
	gen := llmtest.Func(func(ctx context.Context, req llm.Request) llmtest.Turn {
		if calls.Add(1) == 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return llmtest.Fail(ctx.Err())
			}
			return llmtest.ToolCall("echo", map[string]any{"text": "hi"})
		}
		steered.Store(llmtest.LastUserText(req))
		return llmtest.Text("adjusted")
	})
	echo := tools.FromFunc("echo", "Echo text.", nil, func(_ context.Context, args map[string]any) (string, error) {
		return strArg(args, "text"), nil
	})
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{SteerInterval: time.Hour},
		WithTools(tools.NewRegistry(echo)))
	sub := o.bus.Subscribe(bus.TopicRunSteered)
	defer o.bus.Unsubscribe(sub)

	run, err := o.Spawn(callerCtx(), Task{Prompt: "refactor"})
	require.NoError(t, err)
	waitLive(t, o, run.RunID)

	res, err := o.Steer(context.Background(), testConv, run.RunID, "focus on tests")
	require.NoError(t, err)
	assert.Equal(t, SteerSoft, res.Mode)
	_, err = o.Steer(context.Background(), testConv, run.RunID, "again")
	require.ErrorIs(t, err, ErrSteerRateLimited)

	close(release)
	final, err := o.Wait(context.Background(), testConv, run.RunID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, final.Status)
	assert.Equal(t, "[Steering instruction] focus on tests", steered.Load())
	assert.Equal(t, "focus on tests", final.MetaString(runs.MetaSteerPending))
	assert.Equal(t, 1, final.MetaInt(runs.MetaSteerCount))

	select {
	case ev := <-sub.Ch():
		e := ev.Payload.(bus.RunSteeredEvent)
		assert.Equal(t, run.RunID, e.RunID)
		assert.Equal(t, "soft", e.Mode)
	case <-time.After(time.Second):
		t.Fatal("expected a run.steered event")
	}

	_, err = o.Steer(context.Background(), testConv, run.RunID, "too late")
	require.ErrorContains(t, err, "already completed")
}

func TestSteer_RunNotLiveHereIsNotRateTracked(t *testing.T) {
	o := newTestOrchestrator(t, echoGenerator(), runs.DefaultLimits(), Config{SteerInterval: time.Hour})
	ctx := context.Background()

	// A running record with no session in this process, as after a restart.
	rec, err := o.registry.Create(ctx, runs.Spec{ConversationID: testConv, SubAgent: "general", Task: "index repo"})
	require.NoError(t, err)
	_, _, err = o.registry.MarkRunning(ctx, testConv, rec.RunID)
	require.NoError(t, err)

	_, err = o.Steer(ctx, testConv, rec.RunID, "skip vendor")
	require.NoError(t, err)
	_, err = o.Steer(ctx, testConv, rec.RunID, "skip testdata")
	require.NoError(t, err)

	o.mu.Lock()
	tracked := len(o.lastSteer)
	o.mu.Unlock()
	assert.Zero(t, tracked)

	final, err := o.registry.Get(ctx, testConv, rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, "skip testdata", final.MetaString(runs.MetaSteerPending))
	assert.Equal(t, 2, final.MetaInt(runs.MetaSteerCount))
}

func TestSteer_HardReplacesRun(t *testing.T) {
	gen := llmtest.Func(func(ctx context.Context, req llm.Request) llmtest.Turn {
		if strings.Contains(llmtest.LastUserText(req), "[STEER]") {
			return llmtest.Text("replacement done")
		}
		return blockUntilCancelled(ctx)
	})
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{SteerMode: SteerHard})

	run, err := o.Spawn(callerCtx(), Task{Prompt: "research go"})
	require.NoError(t, err)
	waitLive(t, o, run.RunID)

	res, err := o.Steer(context.Background(), testConv, run.RunID, "use primary sources")
	require.NoError(t, err)
	assert.Equal(t, SteerHard, res.Mode)
	require.NotEmpty(t, res.ReplacementID)

	old, err := o.Wait(context.Background(), testConv, run.RunID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCancelled, old.Status)
	assert.Equal(t, res.ReplacementID, old.MetaString(runs.MetaReplacedBy))

	next, err := o.Wait(context.Background(), testConv, res.ReplacementID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, next.Status)
	assert.Equal(t, "research go\n\n[STEER]\nuse primary sources", next.Task)
	assert.Equal(t, run.RunID, next.MetaString(runs.MetaSteeredFrom))
	assert.Equal(t, old.RootRunID, next.RootRunID)
	assert.Equal(t, old.Depth, next.Depth)
	assert.Equal(t, 1, next.MetaInt(runs.MetaSteerCount))
}

func TestShutdown_CancelsDetachedRuns(t *testing.T) {
	gen := llmtest.Func(func(ctx context.Context, _ llm.Request) llmtest.Turn { return blockUntilCancelled(ctx) })
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{})

	var ids []string
	for range 2 {
		run, err := o.Spawn(callerCtx(), Task{Prompt: "forever"})
		require.NoError(t, err)
		ids = append(ids, run.RunID)
	}
	for _, id := range ids {
		waitLive(t, o, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
	for _, id := range ids {
		r, err := o.Registry().Get(context.Background(), testConv, id)
		require.NoError(t, err)
		assert.Equal(t, runs.StatusCancelled, r.Status)
		assert.Equal(t, errShutdown.Error(), r.Error)
	}

	_, err := o.Spawn(callerCtx(), Task{Prompt: "late"})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestSpawn_RequiresConversation(t *testing.T) {
	o := newTestOrchestrator(t, llmtest.NewScript(), runs.DefaultLimits(), Config{})
	_, err := o.Spawn(context.Background(), Task{Prompt: "x"})
	require.ErrorContains(t, err, "conversation id missing")
}
