package coordinator

import (
	"context"
	"fmt"
	"slices"
)

// Chain runs a plan's tasks one at a time in dependency order. A task whose
// dependency did not complete is blocked, and so is everything downstream;
// the report then shows partial completion. {task_id.output} placeholders
// are filled from completed dependencies.
func (o *Orchestrator) Chain(ctx context.Context, plan Plan) (*Report, error) {
	plan.Tasks = withDefaultIDs(plan.Tasks)
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	order, err := topoSort(plan.Tasks)
	if err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	report := &Report{Mode: ModeChain}
	outputs := make(map[string]string)
	status := make(map[string]string)

	for _, t := range order {
		if reason := blockedBy(t, status); reason != "" {
			status[t.ID] = StatusBlocked
			report.Outcomes = append(report.Outcomes, Outcome{
				TaskID: t.ID, SubAgent: t.SubAgent, Status: StatusBlocked, Error: reason,
			})
			continue
		}
		if err := ctx.Err(); err != nil {
			status[t.ID] = StatusCancelled
			report.Outcomes = append(report.Outcomes, Outcome{
				TaskID: t.ID, SubAgent: t.SubAgent, Status: StatusCancelled, Error: "chain aborted: " + err.Error(),
			})
			continue
		}

		out := o.runChainTask(ctx, t, resolvePrompt(t.Prompt, outputs))
		status[t.ID] = out.Status
		if out.OK() {
			outputs[t.ID] = out.Output
		}
		report.Outcomes = append(report.Outcomes, out)
	}

	o.logger.Info("chain finished", "plan", plan.Name, "tasks", len(order),
		"completed", report.Completed(), "partial", report.Partial())
	return report, nil
}

// runChainTask delegates t, re-running it up to MaxRetries times with the
// previous error folded into the prompt.
func (o *Orchestrator) runChainTask(ctx context.Context, t Task, prompt string) Outcome {
	attempt := 1
	task := t
	task.Prompt = prompt
	for {
		out, err := o.delegate(ctx, task, ModeChain)
		out.Attempts = attempt
		if out.OK() || err != nil || attempt > t.MaxRetries || ctx.Err() != nil {
			return out
		}
		attempt++
		o.logger.Warn("chain task failed, retrying", "task_id", t.ID, "attempt", attempt, "error", out.Error)
		task.Prompt = buildRetryPrompt(prompt, out.Error, attempt)
	}
}

// blockedBy explains why t cannot run, or returns "" when all of its
// dependencies completed.
func blockedBy(t Task, status map[string]string) string {
	deps := slices.Clone(t.DependsOn)
	slices.Sort(deps)
	for _, dep := range deps {
		if st := status[dep]; st != StatusCompleted {
			return fmt.Sprintf("blocked by dependency %s (%s)", dep, st)
		}
	}
	return ""
}
