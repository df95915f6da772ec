package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/engine"
	"github.com/basket/agentcore/internal/runs"
)

func TestReadPrompt(t *testing.T) {
	got, err := readPrompt([]string{"summarise", "the", "diff"}, strings.NewReader("ignored"))
	if err != nil {
		t.Fatalf("args: %v", err)
	}
	if got != "summarise the diff" {
		t.Fatalf("args prompt = %q", got)
	}

	got, err = readPrompt(nil, strings.NewReader("  piped prompt\n"))
	if err != nil {
		t.Fatalf("stdin: %v", err)
	}
	if got != "piped prompt" {
		t.Fatalf("stdin prompt = %q", got)
	}

	if _, err := readPrompt(nil, strings.NewReader(" \n")); err == nil {
		t.Fatal("expected an error for empty stdin")
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "aborted", err: &engine.LoopError{Code: engine.CodeAborted}, want: 130},
		{name: "max steps", err: &engine.LoopError{Code: engine.CodeMaxSteps}, want: 3},
		{name: "budget", err: fmt.Errorf("wrapped: %w", &engine.LoopError{Code: engine.CodeResource}), want: 3},
		{name: "permission", err: &engine.LoopError{Code: engine.CodePermission}, want: 4},
		{name: "execution", err: &engine.LoopError{Code: engine.CodeExecution}, want: 1},
		{name: "plain", err: errors.New("boom"), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeFor(tt.err); got != tt.want {
				t.Fatalf("exitCodeFor = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestResolveRun(t *testing.T) {
	ctx := context.Background()
	reg := runs.NewRegistry(runs.NewMemoryStore(), runs.Limits{})
	for _, spec := range []runs.Spec{
		{RunID: "abc123", ConversationID: "conv-1", SubAgent: "researcher", Task: "a"},
		{RunID: "abd456", ConversationID: "conv-1", SubAgent: "coder", Task: "b"},
		{RunID: "xyz789", ConversationID: "conv-2", SubAgent: "coder", Task: "c"},
	} {
		if _, err := reg.Create(ctx, spec); err != nil {
			t.Fatalf("create %s: %v", spec.RunID, err)
		}
	}

	tests := []struct {
		name         string
		conversation string
		id           string
		want         string
		wantErr      bool
	}{
		{name: "exact id", id: "abd456", want: "abd456"},
		{name: "unique prefix", id: "abc", want: "abc123"},
		{name: "prefix across conversations", id: "xy", want: "xyz789"},
		{name: "exact id in conversation", conversation: "conv-2", id: "xyz789", want: "xyz789"},
		{name: "ambiguous prefix", id: "ab", wantErr: true},
		{name: "wrong conversation", conversation: "conv-2", id: "abc", wantErr: true},
		{name: "no match", id: "nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := resolveRun(ctx, reg, tt.conversation, tt.id)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got run %s", rec.RunID)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveRun: %v", err)
			}
			if rec.RunID != tt.want {
				t.Fatalf("run = %s, want %s", rec.RunID, tt.want)
			}
		})
	}

	_, err := resolveRun(ctx, reg, "", "nope")
	if !errors.Is(err, runs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// execute runs the root command against a temporary home.
func execute(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvPrefix+"_HOME", home)
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append([]string{"--home", home, "--env-file", filepath.Join(home, "missing.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigInit(t *testing.T) {
	home := t.TempDir()

	out, err := execute(t, home, "config", "init")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, "wrote") {
		t.Fatalf("output = %q", out)
	}
	cfg, err := config.LoadFile(config.ConfigPath(home))
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if len(cfg.Agents) != len(config.StarterAgents()) {
		t.Fatalf("agents = %d, want %d", len(cfg.Agents), len(config.StarterAgents()))
	}

	if _, err := execute(t, home, "config", "init"); err == nil {
		t.Fatal("second init without --force should fail")
	}
	if _, err := execute(t, home, "config", "init", "--force"); err != nil {
		t.Fatalf("init --force: %v", err)
	}
}

func TestConfigCheck_JSON(t *testing.T) {
	home := t.TempDir()
	if _, err := execute(t, home, "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}

	// The network and API key checks depend on the machine, so only the
	// report shape is asserted.
	out, err := execute(t, home, "config", "check", "--json")
	var ee *exitError
	if err != nil && !errors.As(err, &ee) {
		t.Fatalf("config check: %v", err)
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &diag); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(diag.Results) == 0 {
		t.Fatal("no check results")
	}
}

func TestRunsCommands(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("runs:\n  sweep_schedule: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvPrefix+"_HOME", home)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	h, err := openStore(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	reg := runs.NewRegistry(h.Store, runs.Limits{})
	parent, err := reg.Create(ctx, runs.Spec{RunID: "parent-0001", ConversationID: "conv-1", SubAgent: "researcher", Task: "survey"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Create(ctx, runs.Spec{RunID: "child-0001", ConversationID: "conv-1", SubAgent: "coder", Task: "patch", ParentRunID: parent.RunID}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Create(ctx, runs.Spec{RunID: "other-0001", ConversationID: "conv-2", SubAgent: "coder", Task: "elsewhere"}); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, home, "runs", "list", "--conversation", "conv-1")
	if err != nil {
		t.Fatalf("runs list: %v", err)
	}
	if !strings.Contains(out, "researcher") || !strings.Contains(out, "coder") || strings.Contains(out, "elsewhere") {
		t.Fatalf("runs list output:\n%s", out)
	}

	out, err = execute(t, home, "runs", "list", "--status", "bogus")
	if err == nil {
		t.Fatalf("expected an invalid status error, got:\n%s", out)
	}

	out, err = execute(t, home, "runs", "show", "other")
	if err != nil {
		t.Fatalf("runs show: %v", err)
	}
	var rec runs.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("show output is not JSON: %v\n%s", err, out)
	}
	if rec.RunID != "other-0001" {
		t.Fatalf("show resolved %s", rec.RunID)
	}

	out, err = execute(t, home, "runs", "show", "child", "--events")
	if err != nil {
		t.Fatalf("runs show --events: %v", err)
	}
	var withEvents struct {
		RunID  string `json:"run_id"`
		Events []struct {
			StateTo string `json:"state_to"`
		} `json:"events"`
	}
	if err := json.Unmarshal([]byte(out), &withEvents); err != nil {
		t.Fatalf("show --events output is not JSON: %v\n%s", err, out)
	}
	if withEvents.RunID != "child-0001" || len(withEvents.Events) != 1 || withEvents.Events[0].StateTo != "pending" {
		t.Fatalf("show --events = %+v", withEvents)
	}

	backup := filepath.Join(t.TempDir(), "backup.db")
	if _, err := execute(t, home, "runs", "backup", backup); err != nil {
		t.Fatalf("runs backup: %v", err)
	}
	if _, err := os.Stat(backup); err != nil {
		t.Fatalf("backup not written: %v", err)
	}

	out, err = execute(t, home, "runs", "cancel", "parent")
	if err != nil {
		t.Fatalf("runs cancel: %v", err)
	}
	if !strings.Contains(out, "cancelled parent-0001") || !strings.Contains(out, "cancelled child-0001") {
		t.Fatalf("cancel output:\n%s", out)
	}

	out, err = execute(t, home, "runs", "list", "--active", "--json")
	if err != nil {
		t.Fatalf("runs list --active: %v", err)
	}
	var active []*runs.Record
	if err := json.Unmarshal([]byte(out), &active); err != nil {
		t.Fatalf("list output is not JSON: %v\n%s", err, out)
	}
	if len(active) != 1 || active[0].RunID != "other-0001" {
		t.Fatalf("active runs after cancel = %+v", active)
	}
}
