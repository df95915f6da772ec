package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/agent"
	"github.com/basket/agentcore/internal/runs"
	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/tools"
)

// Delegation tool names.
const (
	ToolDelegate = "delegate_task"
	ToolParallel = "delegate_parallel"
	ToolChain    = "delegate_chain"
	ToolSpawn    = "spawn_subagent"
	ToolWait     = "wait_subagent"
	ToolList     = "list_subagents"
	ToolCancel   = "cancel_subagent"
	ToolSteer    = "steer_subagent"
)

// ToolNames lists every tool returned by Tools.
var ToolNames = []string{ToolDelegate, ToolParallel, ToolChain, ToolSpawn, ToolWait, ToolList, ToolCancel, ToolSteer}

var taskItemSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"id":          map[string]any{"type": "string", "description": "Label used to reference this task; defaults to task-N by position."},
		"subagent":    map[string]any{"type": "string", "description": "Subagent name; empty for the general subagent."},
		"task":        map[string]any{"type": "string", "description": "Self-contained instructions."},
		"depends_on":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"max_retries": map[string]any{"type": "integer", "minimum": 0, "maximum": 3},
	},
	"required": []any{"task"},
}

func runIDParams(extra map[string]any, required ...string) map[string]any {
	props := map[string]any{
		"run_id": map[string]any{"type": "string", "description": "Run id returned by spawn_subagent."},
	}
	for k, v := range extra {
		props[k] = v
	}
	req := []any{"run_id"}
	for _, r := range required {
		req = append(req, r)
	}
	return map[string]any{"type": "object", "properties": props, "required": req}
}

// Tools returns the delegation tools bound to this orchestrator.
func (o *Orchestrator) Tools() []tools.Tool {
	return []tools.Tool{
		tools.FromStructured(ToolDelegate,
			"Delegate a self-contained task to a subagent and wait for its summary. Available subagents: "+strings.Join(o.catalog.Names(), ", ")+".",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"subagent": map[string]any{"type": "string"},
					"task":     map[string]any{"type": "string"},
				},
				"required": []any{"task"},
			},
			o.delegateTool,
			tools.WithPermission(subagentPermission),
		),
		tools.FromStructured(ToolParallel,
			"Run independent tasks on subagents concurrently and return every outcome.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tasks":           map[string]any{"type": "array", "items": taskItemSchema, "minItems": 1},
					"max_concurrency": map[string]any{"type": "integer", "minimum": 1},
				},
				"required": []any{"tasks"},
			},
			o.parallelTool,
		),
		tools.FromStructured(ToolChain,
			"Run dependent tasks in order. Reference an earlier result with {task_id.output}. Pass either tasks or the name of a configured plan.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tasks": map[string]any{"type": "array", "items": taskItemSchema, "minItems": 1},
					"plan":  map[string]any{"type": "string"},
				},
			},
			o.chainTool,
		),
		tools.FromJSON(ToolSpawn,
			"Start a subagent in the background and return its run id immediately.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"subagent":     map[string]any{"type": "string"},
					"task":         map[string]any{"type": "string"},
					"session_mode": map[string]any{"type": "string", "enum": []any{"run", "goal"}},
				},
				"required": []any{"task"},
			},
			o.spawnTool,
			tools.WithPermission(subagentPermission),
		),
		tools.FromJSON(ToolWait,
			"Wait for a background subagent to finish and return its outcome.",
			runIDParams(map[string]any{
				"timeout_seconds": map[string]any{"type": "integer", "minimum": 1},
			}),
			o.waitTool,
		),
		tools.FromJSON(ToolList,
			"List subagent runs in this conversation and the subagents available.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{"type": "string", "enum": []any{"pending", "running", "completed", "failed", "cancelled", "timed_out"}},
				},
			},
			o.listTool,
		),
		tools.FromJSON(ToolCancel,
			"Cancel a subagent run and everything it started.",
			runIDParams(map[string]any{"reason": map[string]any{"type": "string"}}),
			o.cancelTool,
		),
		tools.FromJSON(ToolSteer,
			"Send new instructions to a running subagent.",
			runIDParams(map[string]any{"instruction": map[string]any{"type": "string"}}, "instruction"),
			o.steerTool,
		),
	}
}

func subagentPermission(args map[string]any) (string, string) {
	name := strArg(args, "subagent")
	if name == "" {
		name = agent.DefaultName
	}
	return "subagent", name
}

func (o *Orchestrator) delegateTool(ctx context.Context, args map[string]any) (tools.Structured, error) {
	out, err := o.Delegate(ctx, Task{SubAgent: strArg(args, "subagent"), Prompt: strArg(args, "task")})
	if err != nil {
		return tools.Structured{}, err
	}
	md := outcomeMetadata(out)
	if !out.OK() {
		return tools.Structured{Metadata: md}, fmt.Errorf("subagent %s %s: %s", out.SubAgent, out.Status, out.Summary())
	}
	return tools.Structured{Output: out.Output, Metadata: md}, nil
}

func (o *Orchestrator) parallelTool(ctx context.Context, args map[string]any) (tools.Structured, error) {
	tasks, err := decodeTasks(args["tasks"])
	if err != nil {
		return tools.Structured{}, err
	}
	rep, err := o.Parallel(ctx, tasks, intArg(args, "max_concurrency"))
	if err != nil {
		return tools.Structured{}, err
	}
	return reportResult(rep), nil
}

func (o *Orchestrator) chainTool(ctx context.Context, args map[string]any) (tools.Structured, error) {
	var plan Plan
	if name := strArg(args, "plan"); name != "" {
		p, ok := o.plans[name]
		if !ok {
			return tools.Structured{}, fmt.Errorf("unknown plan %q", name)
		}
		plan = p
	} else {
		tasks, err := decodeTasks(args["tasks"])
		if err != nil {
			return tools.Structured{}, err
		}
		plan = Plan{Name: "adhoc", Tasks: tasks}
	}
	rep, err := o.Chain(ctx, plan)
	if err != nil {
		return tools.Structured{}, err
	}
	return reportResult(rep), nil
}

func (o *Orchestrator) spawnTool(ctx context.Context, args map[string]any) (any, error) {
	rec, err := o.Spawn(ctx, Task{
		SubAgent: strArg(args, "subagent"),
		Prompt:   strArg(args, "task"),
		Mode:     agent.SessionMode(strArg(args, "session_mode")),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"run_id": rec.RunID, "subagent": rec.SubAgent, "status": string(rec.Status)}, nil
}

func (o *Orchestrator) waitTool(ctx context.Context, args map[string]any) (any, error) {
	timeout := time.Duration(intArg(args, "timeout_seconds")) * time.Second
	rec, err := o.Wait(ctx, conversationOf(ctx), strArg(args, "run_id"), timeout)
	if err != nil {
		return nil, err
	}
	return runView(rec), nil
}

func (o *Orchestrator) listTool(ctx context.Context, args map[string]any) (any, error) {
	f := runs.Filter{ConversationID: conversationOf(ctx)}
	if st := strArg(args, "status"); st != "" {
		f.Statuses = []runs.Status{runs.Status(st)}
	}
	recs, err := o.registry.List(ctx, f)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		views = append(views, runView(rec))
	}
	return map[string]any{"runs": views, "available": o.catalog.Names()}, nil
}

func (o *Orchestrator) cancelTool(ctx context.Context, args map[string]any) (any, error) {
	ids, err := o.Cancel(ctx, conversationOf(ctx), strArg(args, "run_id"), strArg(args, "reason"))
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return map[string]any{"cancelled": ids}, nil
}

func (o *Orchestrator) steerTool(ctx context.Context, args map[string]any) (any, error) {
	return o.Steer(ctx, conversationOf(ctx), strArg(args, "run_id"), strArg(args, "instruction"))
}

func conversationOf(ctx context.Context) string {
	if c := shared.ConversationID(ctx); c != "" {
		return c
	}
	return shared.SessionID(ctx)
}

func runView(rec *runs.Record) map[string]any {
	v := map[string]any{
		"run_id":   rec.RunID,
		"subagent": rec.SubAgent,
		"status":   string(rec.Status),
		"depth":    rec.Depth,
		"task":     truncate(rec.Task, 200),
	}
	if rec.ParentRunID != "" {
		v["parent_run_id"] = rec.ParentRunID
	}
	if rec.Result != "" {
		v["result"] = rec.Result
	}
	if rec.Error != "" {
		v["error"] = rec.Error
	}
	if by := rec.MetaString(runs.MetaReplacedBy); by != "" {
		v["replaced_by_run_id"] = by
	}
	return v
}

func outcomeMetadata(out Outcome) map[string]any {
	md := map[string]any{
		"run_id":   out.RunID,
		"subagent": out.SubAgent,
		"status":   out.Status,
		"steps":    out.Steps,
		"tokens":   out.Usage.Total(),
		"cost":     out.Cost.String(),
	}
	if out.Truncated {
		md["truncated"] = true
	}
	return md
}

func reportResult(rep *Report) tools.Structured {
	outcomes := make([]map[string]any, 0, len(rep.Outcomes))
	for _, o := range rep.Outcomes {
		md := outcomeMetadata(o)
		md["task_id"] = o.TaskID
		outcomes = append(outcomes, md)
	}
	return tools.Structured{
		Output: rep.Text(),
		Metadata: map[string]any{
			"mode":      rep.Mode,
			"completed": rep.Completed(),
			"total":     len(rep.Outcomes),
			"cost":      rep.Cost().String(),
			"outcomes":  outcomes,
		},
	}
}

// decodeTasks converts the tool's JSON task list into Tasks.
func decodeTasks(v any) ([]Task, error) {
	if v == nil {
		return nil, errors.New("tasks is required")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, errors.New("tasks is empty")
	}
	return tasks, nil
}

func strArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
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
