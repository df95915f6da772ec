package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/firebase/genkit/go/ai"
)

func TestToGenkitMessages_PairsToolRequestsWithResponses(t *testing.T) {
	msgs := []Message{
		UserMessage("find the file"),
		{
			Role: RoleAssistant,
			Parts: []Part{
				{Kind: PartText, Text: "Looking."},
				{Kind: PartReasoning, Text: "skipped"},
				{Kind: PartToolCall, ToolCall: &ToolCall{
					CallID: "c1", Tool: "glob", Input: map[string]any{"pattern": "*.go"},
					Status: ToolCompleted, Output: "main.go",
				}},
			},
		},
	}
	out := toGenkitMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("expected user, model and tool messages, got %d", len(out))
	}
	if out[0].Role != ai.RoleUser || out[1].Role != ai.RoleModel || out[2].Role != ai.RoleTool {
		t.Fatalf("unexpected roles: %s %s %s", out[0].Role, out[1].Role, out[2].Role)
	}
	if len(out[1].Content) != 2 {
		t.Fatalf("reasoning parts must not be replayed, got %d parts", len(out[1].Content))
	}
	req := out[1].Content[1].ToolRequest
	if req == nil || req.Name != "glob" || req.Ref != "c1" {
		t.Fatalf("unexpected tool request %+v", req)
	}
	resp := out[2].Content[0].ToolResponse
	if resp == nil || resp.Ref != "c1" {
		t.Fatalf("unexpected tool response %+v", resp)
	}
}

func TestToGenkitMessages_SkipsEmptyText(t *testing.T) {
	out := toGenkitMessages([]Message{UserMessage(""), SystemMessage("be brief")})
	if len(out) != 1 || out[0].Role != ai.RoleSystem {
		t.Fatalf("expected only the system message, got %+v", out)
	}
}

func TestMapFinishReason(t *testing.T) {
	tests := []struct {
		reason string
		tools  bool
		want   FinishReason
	}{
		{"stop", false, FinishStop},
		{"stop", true, FinishToolCalls},
		{"length", false, FinishLength},
		{"blocked", false, FinishContentFilter},
		{"", true, FinishToolCalls},
		{"interrupted", false, FinishOther},
	}
	for _, tc := range tests {
		if got := mapFinishReason(tc.reason, tc.tools); got != tc.want {
			t.Errorf("mapFinishReason(%q, %v) = %s, want %s", tc.reason, tc.tools, got, tc.want)
		}
	}
}

func TestToInputMap(t *testing.T) {
	type in struct {
		Path string `json:"path"`
	}
	if got := toInputMap(in{Path: "x"}); got["path"] != "x" {
		t.Fatalf("struct input: %+v", got)
	}
	if got := toInputMap(nil); got == nil || len(got) != 0 {
		t.Fatalf("nil input: %+v", got)
	}
	if got := toInputMap("raw"); got["input"] != "raw" {
		t.Fatalf("scalar input: %+v", got)
	}
}

func TestDescribeTool_IncludesSchema(t *testing.T) {
	desc := describeTool(ToolSpec{
		Name:        "glob",
		Description: "Find files.",
		Parameters:  map[string]any{"type": "object"},
	})
	if !strings.HasPrefix(desc, "Find files.") || !strings.Contains(desc, `{"type":"object"}`) {
		t.Fatalf("unexpected description %q", desc)
	}
}

func TestModelNameForProvider(t *testing.T) {
	if got := ModelNameForProvider("anthropic", "claude-sonnet-4-5"); got != "anthropic/claude-sonnet-4-5" {
		t.Fatalf("got %q", got)
	}
	if got := ModelNameForProvider("google", "gemini-2.5-flash"); got != "googleai/gemini-2.5-flash" {
		t.Fatalf("got %q", got)
	}
	if got := ModelNameForProvider("openrouter", "x/y"); got != "x/y" {
		t.Fatalf("got %q", got)
	}
}

func TestNewGenkitGenerator_RequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewGenkitGenerator(context.Background(), GenkitConfig{Provider: "anthropic"}, nil)
	if !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v", err)
	}
}
