package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/tools"
)

func TestCatalog_AlwaysHasGeneral(t *testing.T) {
	c, err := NewCatalog()
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	d, err := c.Resolve("")
	if err != nil {
		t.Fatalf("resolve default: %v", err)
	}
	if d.Name != DefaultName || d.MaxSteps != defaultMaxSteps || d.Mode != ModeRun {
		t.Fatalf("unexpected general definition: %+v", d)
	}
}

func TestCatalog_NormalizesAndResolves(t *testing.T) {
	c, err := NewCatalog(Definition{Name: " Researcher ", Model: "gemini-2.5-flash", Mode: ModeGoal, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	d, err := c.Resolve("RESEARCHER")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Name != "researcher" || d.Timeout != time.Minute || d.MaxGoalIterations != defaultMaxGoalIterations {
		t.Fatalf("unexpected definition: %+v", d)
	}
	if got := strings.Join(c.Names(), ","); got != "general,researcher" {
		t.Fatalf("unexpected names %q", got)
	}

	_, err = c.Resolve("ghost")
	if err == nil || !strings.Contains(err.Error(), "available: general, researcher") {
		t.Fatalf("expected helpful unknown-subagent error, got %v", err)
	}
}

func TestCatalog_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"bad name", Definition{Name: "9lives"}},
		{"bad mode", Definition{Name: "x", Mode: "forever"}},
		{"bad temperature", Definition{Name: "x", Temperature: 3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewCatalog(tc.def); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if _, err := NewCatalog(Definition{Name: "a"}, Definition{Name: "a"}); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestCatalog_RegisterAndReplace(t *testing.T) {
	c, _ := NewCatalog()
	if err := c.Register(Definition{Name: "coder"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Register(Definition{Name: "coder"}); err == nil {
		t.Fatal("expected duplicate register to fail")
	}
	if err := c.Replace([]Definition{{Name: "reviewer"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, ok := c.Get("coder"); ok {
		t.Fatal("replace must drop definitions not in the new set")
	}
	if len(c.List()) != 2 {
		t.Fatalf("expected general+reviewer, got %d", len(c.List()))
	}
}

func TestDefinition_ToolSet(t *testing.T) {
	noop := func(context.Context, map[string]any) (string, error) { return "", nil }
	parent := tools.NewRegistry(
		tools.FromFunc("read_file", "", nil, noop),
		tools.FromFunc("write_file", "", nil, noop),
		tools.FromFunc("bash", "", nil, noop),
	)
	d := Definition{Name: "reader", Tools: []string{"*_file"}, DenyTools: []string{"write_*"}}
	got := strings.Join(d.ToolSet(parent).Names(), ",")
	if got != "read_file" {
		t.Fatalf("unexpected tool set %q", got)
	}
	if len(d.ToolSet(nil).Names()) != 0 {
		t.Fatal("nil parent yields an empty registry")
	}
}
