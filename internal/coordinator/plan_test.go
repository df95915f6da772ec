package coordinator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/agentcore/internal/config"
)

func taskIDs(tasks []Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func TestTopoSort(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []Task
		want    []string
		wantErr string
	}{
		{
			name:  "independent tasks keep declared order",
			tasks: []Task{{ID: "b"}, {ID: "a"}, {ID: "c"}},
			want:  []string{"b", "a", "c"},
		},
		{
			name: "diamond",
			tasks: []Task{
				{ID: "join", DependsOn: []string{"left", "right"}},
				{ID: "left", DependsOn: []string{"root"}},
				{ID: "right", DependsOn: []string{"root"}},
				{ID: "root"},
			},
			want: []string{"root", "left", "right", "join"},
		},
		{
			name:    "missing dependency",
			tasks:   []Task{{ID: "a", DependsOn: []string{"zz"}}},
			wantErr: "nonexistent task zz",
		},
		{
			name:    "self dependency",
			tasks:   []Task{{ID: "a", DependsOn: []string{"a"}}},
			wantErr: "depends on itself",
		},
		{
			name:    "cycle",
			tasks:   []Task{{ID: "a", DependsOn: []string{"b"}}, {ID: "b", DependsOn: []string{"a"}}},
			wantErr: "cycle detected",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := topoSort(tt.tasks)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, taskIDs(got))
		})
	}
}

func TestPlanValidate(t *testing.T) {
	cases := map[string]Plan{
		"no tasks":     {},
		"empty id":     {Tasks: []Task{{Prompt: "x"}}},
		"duplicate id": {Tasks: []Task{{ID: "a", Prompt: "x"}, {ID: "a", Prompt: "y"}}},
		"empty prompt": {Tasks: []Task{{ID: "a", Prompt: "  "}}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, p.Validate())
		})
	}

	ok := Plan{Tasks: []Task{{ID: "a", Prompt: "x"}, {ID: "b", Prompt: "{a.output}", DependsOn: []string{"a"}}}}
	assert.NoError(t, ok.Validate())
}

func TestResolvePrompt(t *testing.T) {
	got := resolvePrompt("compare {a.output} with {b.output}; ignore {c.output}",
		map[string]string{"a": "apples", "b": "pears"})
	assert.Equal(t, "compare apples with pears; ignore {c.output}", got)
}

func TestBuildRetryPrompt(t *testing.T) {
	p := buildRetryPrompt("fetch the page", "404 not found", 2)
	assert.Contains(t, p, "Original task: fetch the page")
	assert.Contains(t, p, "Error from attempt 1:\n404 not found")
	assert.True(t, strings.HasPrefix(p, "Your previous attempt"))
}

func TestLoadPlansFromConfig(t *testing.T) {
	configs := []config.PlanConfig{{
		Name: "release",
		Tasks: []config.PlanTaskConfig{
			{ID: "notes", SubAgent: "writer", Prompt: "draft release notes"},
			{ID: "review", Prompt: "review {notes.output}", DependsOn: []string{"notes"}, MaxRetries: 1},
		},
	}}
	plans, err := LoadPlansFromConfig(configs, []string{"general", "writer"})
	require.NoError(t, err)
	require.Contains(t, plans, "release")
	p := plans["release"]
	assert.Equal(t, []string{"notes", "review"}, taskIDs(p.Tasks))
	assert.Equal(t, 1, p.Tasks[1].MaxRetries)

	_, err = LoadPlansFromConfig(configs, []string{"general"})
	assert.ErrorContains(t, err, "unknown subagent writer")

	_, err = LoadPlansFromConfig(append(configs, configs[0]), []string{"general", "writer"})
	assert.ErrorContains(t, err, "duplicate plan name")

	_, err = LoadPlansFromConfig([]config.PlanConfig{{Name: "loop", Tasks: []config.PlanTaskConfig{
		{ID: "a", Prompt: "x", DependsOn: []string{"a"}},
	}}}, nil)
	assert.ErrorContains(t, err, "plan loop")
}
