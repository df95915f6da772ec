package coordinator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/basket/agentcore/internal/agent"
)

// Task is one delegated unit of work. ID labels it inside a parallel batch
// or chain; DependsOn and MaxRetries only apply to chains and Mode only to
// detached runs.
type Task struct {
	ID         string            `json:"id,omitempty"`
	SubAgent   string            `json:"subagent,omitempty"`
	Prompt     string            `json:"task"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	Mode       agent.SessionMode `json:"session_mode,omitempty"`
}

// Plan is a dependency graph of tasks executed by Chain.
type Plan struct {
	Name  string
	Tasks []Task
}

// Validate checks that the plan is well-formed.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("plan has no tasks")
	}

	seen := make(map[string]bool)
	for _, t := range p.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task has empty ID")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task ID: %s", t.ID)
		}
		if strings.TrimSpace(t.Prompt) == "" {
			return fmt.Errorf("task %s has an empty prompt", t.ID)
		}
		seen[t.ID] = true
	}

	_, err := topoSort(p.Tasks)
	return err
}

// withDefaultIDs returns a copy of tasks where every task without an ID is
// named task-N after its 1-based position.
func withDefaultIDs(tasks []Task) []Task {
	tasks = slices.Clone(tasks)
	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = fmt.Sprintf("task-%d", i+1)
		}
	}
	return tasks
}

// topoSort orders tasks so every task follows its dependencies. Tasks with
// no pending dependencies keep their declared order (Kahn's algorithm,
// flattened wave by wave).
func topoSort(tasks []Task) ([]Task, error) {
	byID := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !byID[dep] {
				return nil, fmt.Errorf("task %s depends on nonexistent task %s", t.ID, dep)
			}
			if dep == t.ID {
				return nil, fmt.Errorf("task %s depends on itself", t.ID)
			}
		}
	}

	var order []Task
	processed := make(map[string]bool, len(tasks))
	for len(processed) < len(tasks) {
		var wave []Task
		for _, t := range tasks {
			if processed[t.ID] {
				continue
			}
			ready := true
			for _, dep := range t.DependsOn {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, t)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("cycle detected in plan dependencies")
		}
		for _, t := range wave {
			processed[t.ID] = true
		}
		order = append(order, wave...)
	}
	return order, nil
}

// resolvePrompt replaces {task_id.output} references with the output of
// completed tasks.
func resolvePrompt(template string, outputs map[string]string) string {
	resolved := template
	for id, out := range outputs {
		resolved = strings.ReplaceAll(resolved, "{"+id+".output}", out)
	}
	return resolved
}
