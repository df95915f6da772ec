package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/basket/agentcore/internal/llm"
)

// TaskStatus is the state of an externally tracked task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskFailed     TaskStatus = "failed"
)

// Task is one entry of a tracked task list.
type Task struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`
}

// TaskList exposes an externally maintained task list.
type TaskList interface {
	Tasks() []Task
}

// StaticTasks is a fixed TaskList.
type StaticTasks []Task

func (t StaticTasks) Tasks() []Task { return t }

// Goal evaluation sources.
const (
	GoalSourceTasks     = "tasks"
	GoalSourceSelfCheck = "self_check"
	GoalSourceHeuristic = "heuristic"
)

// GoalVerdict is the outcome of EvaluateGoal.
type GoalVerdict struct {
	Achieved bool
	Source   string
	Reason   string
}

// GoalOptions configures EvaluateGoal. With a Generator the self-check
// asks the model; without one a text heuristic is used.
type GoalOptions struct {
	Generator llm.Generator
	Model     string
}

// CompletionKeyword is the marker a subagent can print to declare its goal
// achieved.
const CompletionKeyword = "TASK_COMPLETE"

// EvaluateGoal decides whether the session achieved goal. The tracked task
// list wins when present; otherwise the model is asked or the final
// assistant message is inspected. Anything ambiguous is "not achieved".
func EvaluateGoal(ctx context.Context, goal string, s *Session, opts GoalOptions) GoalVerdict {
	if s.Tasks != nil {
		if tasks := s.Tasks.Tasks(); len(tasks) > 0 {
			return evaluateTasks(tasks)
		}
	}
	if opts.Generator != nil {
		return selfCheck(ctx, goal, s, opts)
	}
	return goalHeuristic(s.LastAssistantText())
}

func evaluateTasks(tasks []Task) GoalVerdict {
	var open, failed []string
	done := 0
	for _, t := range tasks {
		switch t.Status {
		case TaskCompleted:
			done++
		case TaskCancelled:
		case TaskFailed:
			failed = append(failed, t.ID)
		default:
			open = append(open, t.ID)
		}
	}
	switch {
	case len(failed) > 0:
		return GoalVerdict{Source: GoalSourceTasks, Reason: "failed tasks: " + strings.Join(failed, ", ")}
	case len(open) > 0:
		return GoalVerdict{Source: GoalSourceTasks, Reason: "open tasks: " + strings.Join(open, ", ")}
	case done == 0:
		return GoalVerdict{Source: GoalSourceTasks, Reason: "no task completed"}
	}
	return GoalVerdict{Achieved: true, Source: GoalSourceTasks, Reason: fmt.Sprintf("%d tasks completed", done)}
}

const selfCheckPrompt = `Goal: %s

Review the conversation above. Has the goal been fully achieved?
Answer on the first line with exactly ACHIEVED or NOT_ACHIEVED, then give a one-sentence reason.`

func selfCheck(ctx context.Context, goal string, s *Session, opts GoalOptions) GoalVerdict {
	msgs := make([]llm.Message, 0, len(s.Messages)+1)
	msgs = append(msgs, s.Messages...)
	msgs = append(msgs, llm.UserMessage(fmt.Sprintf(selfCheckPrompt, goal)))

	var sb strings.Builder
	for ev, err := range opts.Generator.Generate(ctx, llm.Request{Model: opts.Model, Messages: msgs}) {
		if err != nil {
			return GoalVerdict{Source: GoalSourceSelfCheck, Reason: "self-check failed: " + err.Error()}
		}
		switch ev.Kind {
		case llm.EventTextDelta:
			sb.WriteString(ev.Text)
		case llm.EventError:
			return GoalVerdict{Source: GoalSourceSelfCheck, Reason: "self-check failed"}
		}
	}
	answer := strings.TrimSpace(sb.String())
	first, rest, _ := strings.Cut(answer, "\n")
	first = strings.ToUpper(strings.TrimSpace(first))
	reason := strings.TrimSpace(rest)
	switch {
	case strings.HasPrefix(first, "NOT_ACHIEVED"), strings.HasPrefix(first, "NOT ACHIEVED"):
		return GoalVerdict{Source: GoalSourceSelfCheck, Reason: reason}
	case strings.HasPrefix(first, "ACHIEVED"):
		return GoalVerdict{Achieved: true, Source: GoalSourceSelfCheck, Reason: reason}
	}
	return GoalVerdict{Source: GoalSourceSelfCheck, Reason: "unclear self-check answer"}
}

var (
	negativeGoal = regexp.MustCompile(`(?i)\b(not (yet )?(done|complete|finished|achieved)|unable to|could ?n[o']t|can ?n[o']t|failed|still (need|needs|have|has) to|remaining|todo|next steps?|partially|blocked|incomplete|in progress)\b`)
	positiveGoal = regexp.MustCompile(`(?i)\b(task_complete|task (is )?complete|all (tasks|steps) (are )?(done|complete|completed)|goal (has been |is )?achieved|successfully (completed|finished|implemented)|completed successfully|done\.?$)`)
)

// goalHeuristic: any negative marker wins and silence means not achieved.
func goalHeuristic(text string) GoalVerdict {
	text = strings.TrimSpace(text)
	if text == "" {
		return GoalVerdict{Source: GoalSourceHeuristic, Reason: "no final answer"}
	}
	if strings.Contains(text, CompletionKeyword) {
		return GoalVerdict{Achieved: true, Source: GoalSourceHeuristic, Reason: "completion keyword"}
	}
	if m := negativeGoal.FindString(text); m != "" {
		return GoalVerdict{Source: GoalSourceHeuristic, Reason: fmt.Sprintf("final answer says %q", m)}
	}
	if positiveGoal.MatchString(text) {
		return GoalVerdict{Achieved: true, Source: GoalSourceHeuristic, Reason: "final answer reports completion"}
	}
	return GoalVerdict{Source: GoalSourceHeuristic, Reason: "no completion signal"}
}
