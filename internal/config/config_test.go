package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/pricing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FromAgentcoreHome(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("llm:\n  provider: anthropic\n  model: claude-sonnet-4\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGENTCORE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %s, got %s", home, cfg.HomeDir)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.Model != "claude-sonnet-4" {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.NeedsInit {
		t.Fatal("NeedsInit should be false when config.yaml exists")
	}
}

func TestLoadFile_NeedsInitWhenMissing(t *testing.T) {
	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsInit {
		t.Fatal("expected NeedsInit for a missing config.yaml")
	}
}

func TestLoadFile_DefaultsApplied(t *testing.T) {
	cfg, err := config.LoadFile(writeConfig(t, "log_level: debug\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Provider != "google" {
		t.Errorf("provider = %q, want google", cfg.LLM.Provider)
	}
	if cfg.Runs.Store.Backend != config.StoreSQLite || cfg.Runs.Store.Path != "runs.db" {
		t.Errorf("unexpected store defaults: %+v", cfg.Runs.Store)
	}
	if cfg.Subagents.SteerMode != config.SteerSoft {
		t.Errorf("steer mode = %q, want soft", cfg.Subagents.SteerMode)
	}
	p := cfg.Subagents.Announce.Policy()
	if p.InitialDelay != 2*time.Second || p.MaxDelay != 2*time.Minute || p.MaxAttempts != 6 {
		t.Errorf("unexpected announce policy: %+v", p)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestLoadFile_ParsesSections(t *testing.T) {
	body := `
llm:
  provider: openai
  model: gpt-4o
retry:
  initial_delay: 500ms
  max_attempts: 2
doom_loop:
  window: 6
  threshold: 2
cost:
  max_per_call: "0.50"
  max_per_session: "$5"
  pricing:
    in-house-model:
      input: "1.00"
      output: "2.00"
runs:
  max_active_per_conversation: 3
  retention: 48h
  sweep_schedule: "*/30 * * * *"
  store:
    backend: postgres
    dsn: postgres://localhost/agentcore
subagents:
  max_depth: 2
  steer_mode: hard
agents:
  - name: Reviewer
    description: reviews diffs
    timeout: 2m
    tools: ["read_*"]
plans:
  - name: release
    tasks:
      - id: notes
        task: write notes
      - id: check
        task: check {notes.output}
        depends_on: [notes]
`
	cfg, err := config.LoadFile(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Retry.Policy(); got.InitialDelay != 500*time.Millisecond || got.MaxAttempts != 2 {
		t.Errorf("retry policy = %+v", got)
	}
	limits := cfg.Limits()
	if limits.MaxActivePerConversation != 3 || limits.MaxDepth != 2 || limits.Retention != 48*time.Hour {
		t.Errorf("limits = %+v", limits)
	}
	cost, err := cfg.CostLimits()
	if err != nil {
		t.Fatalf("cost limits: %v", err)
	}
	if cost.MaxCostPerCall.String() != "0.5" || cost.MaxCostPerSession.String() != "5" {
		t.Errorf("cost limits = %s / %s", cost.MaxCostPerCall, cost.MaxCostPerSession)
	}
	table, err := cfg.PricingTable()
	if err != nil || table == nil {
		t.Fatalf("pricing table: %v", err)
	}
	cost1M := table.Calculate(pricing.Usage{Input: 1_000_000}, "in-house-model").Total
	if cost1M.String() != "1" {
		t.Errorf("override price for 1M input tokens = %s, want 1", cost1M)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Name != "reviewer" || cfg.Agents[0].Timeout != 2*time.Minute {
		t.Errorf("agents = %+v", cfg.Agents)
	}
	if len(cfg.Plans) != 1 || len(cfg.Plans[0].Tasks) != 2 || cfg.Plans[0].Tasks[1].DependsOn[0] != "notes" {
		t.Errorf("plans = %+v", cfg.Plans)
	}
	if cfg.Subagents.SteerMode != config.SteerHard {
		t.Errorf("steer mode = %q", cfg.Subagents.SteerMode)
	}
}

func TestLoadFile_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "llm:\n  model: gemini-2.5-pro\nsubagents:\n  max_concurrency: 2\n")
	t.Setenv("AGENTCORE_LLM_MODEL", "gemini-2.5-flash")
	t.Setenv("AGENTCORE_SUBAGENTS_MAX_CONCURRENCY", "8")
	t.Setenv("AGENTCORE_RUNS_STORE_BACKEND", "memory")
	t.Setenv("AGENTCORE_SUBAGENTS_ANNOUNCE_MAX_ATTEMPTS", "3")

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Model != "gemini-2.5-flash" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.Subagents.MaxConcurrency != 8 {
		t.Errorf("max concurrency = %d", cfg.Subagents.MaxConcurrency)
	}
	if cfg.Runs.Store.Backend != config.StoreMemory {
		t.Errorf("backend = %q", cfg.Runs.Store.Backend)
	}
	if cfg.Subagents.Announce.MaxAttempts != 3 {
		t.Errorf("announce attempts = %d", cfg.Subagents.Announce.MaxAttempts)
	}
}

func TestLoadFile_ProviderKeyFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	cfg, err := config.LoadFile(writeConfig(t, "llm:\n  provider: anthropic\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-ant-test" {
		t.Fatalf("api key = %q", cfg.LLM.APIKey)
	}

	t.Setenv("AGENTCORE_LLM_API_KEY", "explicit")
	cfg, err = config.LoadFile(writeConfig(t, "llm:\n  provider: anthropic\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "explicit" {
		t.Fatalf("AGENTCORE_LLM_API_KEY should win, got %q", cfg.LLM.APIKey)
	}
}

func TestNormalizeProviderName(t *testing.T) {
	cfg, err := config.LoadFile(writeConfig(t, "llm:\n  provider: Gemini\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("provider = %q, want google", cfg.LLM.Provider)
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	body := `
llm:
  provider: ollama
processor:
  temperature: 3
cost:
  max_per_call: lots
runs:
  store:
    backend: postgres
subagents:
  steer_mode: sideways
agents:
  - name: "9bad"
`
	_, err := config.LoadFile(writeConfig(t, body))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		`llm.provider "ollama"`,
		"processor.temperature",
		"cost.max_per_call",
		"runs.store.dsn is required",
		"subagents.steer_mode",
		"agents:",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestSave_RoundTripsThroughLoad(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Agents = config.StarterAgents()
	cfg.Subagents.MaxDepth = 2
	if err := config.Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := config.LoadFile(config.ConfigPath(cfg.HomeDir))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Agents) != 3 || loaded.Subagents.MaxDepth != 2 {
		t.Fatalf("unexpected reload: agents=%d depth=%d", len(loaded.Agents), loaded.Subagents.MaxDepth)
	}
	if loaded.Fingerprint() != cfg.Fingerprint() {
		t.Fatalf("fingerprint changed across save: %s vs %s", loaded.Fingerprint(), cfg.Fingerprint())
	}
}

func TestResolvePath(t *testing.T) {
	cfg := config.Default("/srv/agentcore")
	if got := cfg.ResolvePath("runs.db"); got != "/srv/agentcore/runs.db" {
		t.Errorf("relative path = %s", got)
	}
	if got := cfg.ResolvePath("/tmp/x.db"); got != "/tmp/x.db" {
		t.Errorf("absolute path = %s", got)
	}
}

func TestAvailableProviders(t *testing.T) {
	for _, env := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY"} {
		t.Setenv(env, "")
	}
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	got := config.AvailableProviders()
	if len(got) != 1 || got[0] != "openrouter" {
		t.Fatalf("available = %v", got)
	}
}
