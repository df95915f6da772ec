package coordinator

import (
	"fmt"

	"github.com/basket/agentcore/internal/config"
)

// LoadPlansFromConfig converts configured chains into validated plans.
// Every task must name a known subagent (or none, for the default).
func LoadPlansFromConfig(configs []config.PlanConfig, knownSubAgents []string) (map[string]Plan, error) {
	plans := make(map[string]Plan)
	known := make(map[string]bool)
	for _, a := range knownSubAgents {
		known[a] = true
	}

	for _, pc := range configs {
		if pc.Name == "" {
			return nil, fmt.Errorf("plan has empty name")
		}
		if _, exists := plans[pc.Name]; exists {
			return nil, fmt.Errorf("duplicate plan name: %s", pc.Name)
		}

		plan := Plan{Name: pc.Name, Tasks: make([]Task, len(pc.Tasks))}
		for i, tc := range pc.Tasks {
			if tc.SubAgent != "" && !known[tc.SubAgent] {
				return nil, fmt.Errorf("plan %s task %s: unknown subagent %s", pc.Name, tc.ID, tc.SubAgent)
			}
			plan.Tasks[i] = Task{
				ID:         tc.ID,
				SubAgent:   tc.SubAgent,
				Prompt:     tc.Prompt,
				DependsOn:  tc.DependsOn,
				MaxRetries: tc.MaxRetries,
			}
		}

		if err := plan.Validate(); err != nil {
			return nil, fmt.Errorf("plan %s: %w", pc.Name, err)
		}
		plans[pc.Name] = plan
	}

	return plans, nil
}
