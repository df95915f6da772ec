package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/agentcore/internal/llm"
	"github.com/basket/agentcore/internal/llm/llmtest"
	"github.com/basket/agentcore/internal/runs"
	"github.com/basket/agentcore/internal/tools"
)

func toolByName(t *testing.T, o *Orchestrator, name string) tools.Tool {
	t.Helper()
	for _, tl := range o.Tools() {
		if tl.Name() == name {
			return tl
		}
	}
	t.Fatalf("tool %s not found", name)
	return nil
}

func echoGenerator() llm.Generator {
	return llmtest.Func(func(_ context.Context, req llm.Request) llmtest.Turn {
		return llmtest.Text("ok: " + llmtest.LastUserText(req))
	})
}

func TestTools_NamesMatchExported(t *testing.T) {
	o := newTestOrchestrator(t, echoGenerator(), runs.DefaultLimits(), Config{})
	var names []string
	for _, tl := range o.Tools() {
		names = append(names, tl.Name())
	}
	assert.Equal(t, ToolNames, names)
}

func TestTools_SubagentPermission(t *testing.T) {
	o := newTestOrchestrator(t, echoGenerator(), runs.DefaultLimits(), Config{})
	perm, pattern := tools.PermissionFor(toolByName(t, o, ToolDelegate), map[string]any{"task": "x"})
	assert.Equal(t, "subagent", perm)
	assert.Equal(t, "general", pattern)

	perm, pattern = tools.PermissionFor(toolByName(t, o, ToolSpawn), map[string]any{"subagent": "coder", "task": "x"})
	assert.Equal(t, "subagent", perm)
	assert.Equal(t, "coder", pattern)
}

func TestDelegateParallelTool(t *testing.T) {
	o := newTestOrchestrator(t, echoGenerator(), runs.DefaultLimits(), Config{})
	res, err := toolByName(t, o, ToolParallel).Execute(callerCtx(), map[string]any{
		"tasks": []any{
			map[string]any{"id": "a", "task": "first"},
			map[string]any{"id": "b", "task": "second"},
		},
		"max_concurrency": float64(2),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "parallel: 2/2 tasks completed")
	assert.Contains(t, res.Output, "ok: second")
	assert.Equal(t, 2, res.Metadata["completed"])
}

func TestDelegateChainTool_NamedPlan(t *testing.T) {
	plans := map[string]Plan{"pipeline": {Name: "pipeline", Tasks: []Task{
		{ID: "1", Prompt: "alpha"},
		{ID: "2", Prompt: "beta {1.output}", DependsOn: []string{"1"}},
	}}}
	o := newTestOrchestrator(t, echoGenerator(), runs.DefaultLimits(), Config{}, WithPlans(plans))

	res, err := toolByName(t, o, ToolChain).Execute(callerCtx(), map[string]any{"plan": "pipeline"})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "ok: beta ok: alpha")

	_, err = toolByName(t, o, ToolChain).Execute(callerCtx(), map[string]any{"plan": "missing"})
	assert.ErrorContains(t, err, `unknown plan "missing"`)
}

func TestDelegateChainTool_DefaultsMissingIDs(t *testing.T) {
	o := newTestOrchestrator(t, echoGenerator(), runs.DefaultLimits(), Config{})

	res, err := toolByName(t, o, ToolChain).Execute(callerCtx(), map[string]any{
		"tasks": []any{
			map[string]any{"task": "alpha"},
			map[string]any{"task": "beta {task-1.output}", "depends_on": []any{"task-1"}},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "ok: beta ok: alpha")
	assert.Equal(t, 2, res.Metadata["completed"])
}

func TestSpawnWaitListTools(t *testing.T) {
	o := newTestOrchestrator(t, echoGenerator(), runs.DefaultLimits(), Config{})
	ctx := callerCtx()

	res, err := toolByName(t, o, ToolSpawn).Execute(ctx, map[string]any{"task": "background"})
	require.NoError(t, err)
	var spawned struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Output), &spawned))
	require.NotEmpty(t, spawned.RunID)
	runID := spawned.RunID

	res, err = toolByName(t, o, ToolWait).Execute(ctx, map[string]any{"run_id": runID, "timeout_seconds": float64(2)})
	require.NoError(t, err)
	assert.Contains(t, res.Output, `"status":"completed"`)
	assert.Contains(t, res.Output, "ok: background")

	res, err = toolByName(t, o, ToolList).Execute(ctx, map[string]any{"status": "completed"})
	require.NoError(t, err)
	assert.Contains(t, res.Output, runID)
	assert.Contains(t, res.Output, `"available":["general"]`)
}

func TestCancelTool_UnknownRun(t *testing.T) {
	o := newTestOrchestrator(t, echoGenerator(), runs.DefaultLimits(), Config{})
	_, err := toolByName(t, o, ToolCancel).Execute(callerCtx(), map[string]any{"run_id": "nope"})
	assert.Error(t, err)
}

func TestWaiter_TimesOut(t *testing.T) {
	gen := llmtest.Func(func(ctx context.Context, _ llm.Request) llmtest.Turn { return blockUntilCancelled(ctx) })
	o := newTestOrchestrator(t, gen, runs.DefaultLimits(), Config{})
	run, err := o.Spawn(callerCtx(), Task{Prompt: "forever"})
	require.NoError(t, err)

	_, err = o.Wait(context.Background(), testConv, run.RunID, 50*time.Millisecond)
	assert.ErrorContains(t, err, "timeout waiting for run")
}
