package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/basket/agentcore/internal/agent"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/pricing"
	"github.com/basket/agentcore/internal/retry"
	"github.com/basket/agentcore/internal/runs"
)

// EnvPrefix prefixes every environment override, e.g. AGENTCORE_LLM_MODEL.
const EnvPrefix = "AGENTCORE"

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Steer policies.
const (
	SteerSoft = "soft"
	SteerHard = "hard"
)

// LLMConfig selects the model provider.
type LLMConfig struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible", "openrouter".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key" envconfig:"api_key"`

	// Used by openai_compatible.
	CompatibleProvider string `yaml:"compatible_provider" envconfig:"compatible_provider"`
	BaseURL            string `yaml:"base_url" envconfig:"base_url"`
}

// ProcessorConfig tunes the session loop.
type ProcessorConfig struct {
	System         string  `yaml:"system"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens" envconfig:"max_tokens"`
	MaxSteps       int     `yaml:"max_steps" envconfig:"max_steps"`
	ContinueOnDeny bool    `yaml:"continue_on_deny" envconfig:"continue_on_deny"`

	// ContextLimit overrides the model-derived prompt ceiling in tokens.
	ContextLimit  int            `yaml:"context_limit" envconfig:"context_limit"`
	ContextLimits map[string]int `yaml:"context_limits" ignored:"true"`

	PermissionTimeout time.Duration `yaml:"permission_timeout" envconfig:"permission_timeout"`
	HumanTimeout      time.Duration `yaml:"human_timeout" envconfig:"human_timeout"`
}

// RetryConfig is the YAML form of retry.Policy.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" envconfig:"initial_delay"`
	Factor       float64       `yaml:"factor"`
	MaxDelay     time.Duration `yaml:"max_delay" envconfig:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts" envconfig:"max_attempts"`
}

// Policy converts to a retry.Policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		InitialDelay: r.InitialDelay,
		Factor:       r.Factor,
		MaxDelay:     r.MaxDelay,
		MaxAttempts:  r.MaxAttempts,
	}
}

// DoomLoopConfig configures repeated tool call detection.
type DoomLoopConfig struct {
	Window    int `yaml:"window"`
	Threshold int `yaml:"threshold"`
}

// PriceConfig is a per-million-token price override in USD.
type PriceConfig struct {
	Input      string `yaml:"input"`
	Output     string `yaml:"output"`
	Reasoning  string `yaml:"reasoning"`
	CacheRead  string `yaml:"cache_read"`
	CacheWrite string `yaml:"cache_write"`
}

// CostConfig holds spending ceilings and price overrides. Amounts are
// decimal strings so YAML never rounds them through float64.
type CostConfig struct {
	MaxPerCall    string                 `yaml:"max_per_call" envconfig:"max_per_call"`
	MaxPerSession string                 `yaml:"max_per_session" envconfig:"max_per_session"`
	Pricing       map[string]PriceConfig `yaml:"pricing" ignored:"true"`
}

// StoreConfig selects the run store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Path is the file or SQLite database path, relative to the home dir.
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
	// CacheTTL wraps the backend in a read-through cache when positive.
	CacheTTL time.Duration `yaml:"cache_ttl" envconfig:"cache_ttl"`
}

// RunsConfig configures the run registry.
type RunsConfig struct {
	MaxActivePerConversation int           `yaml:"max_active_per_conversation" envconfig:"max_active_per_conversation"`
	MaxActivePerRequester    int           `yaml:"max_active_per_requester" envconfig:"max_active_per_requester"`
	MaxActivePerLineage      int           `yaml:"max_active_per_lineage" envconfig:"max_active_per_lineage"`
	Retention                time.Duration `yaml:"retention"`
	// SweepSchedule is a cron expression; empty disables the sweeper.
	SweepSchedule string      `yaml:"sweep_schedule" envconfig:"sweep_schedule"`
	Store         StoreConfig `yaml:"store"`
}

// SubagentsConfig configures orchestration.
type SubagentsConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency" envconfig:"max_concurrency"`
	MaxDepth       int           `yaml:"max_depth" envconfig:"max_depth"`
	SteerMode      string        `yaml:"steer_mode" envconfig:"steer_mode"`
	SteerInterval  time.Duration `yaml:"steer_interval" envconfig:"steer_interval"`
	WaitTimeout    time.Duration `yaml:"wait_timeout" envconfig:"wait_timeout"`
	GoalSelfCheck  bool          `yaml:"goal_self_check" envconfig:"goal_self_check"`
	Announce       RetryConfig   `yaml:"announce"`
}

// KafkaConfig publishes lifecycle events to a topic when Brokers is set.
type KafkaConfig struct {
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic"`
}

// HooksConfig configures lifecycle hooks.
type HooksConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

// SandboxConfig runs the exec tool inside a docker container.
type SandboxConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb" envconfig:"memory_mb"`
	Network  string `yaml:"network"`
}

// ToolsConfig configures the built-in workspace tools.
type ToolsConfig struct {
	// Workspace confines file and exec tools; empty means the working directory.
	Workspace string        `yaml:"workspace"`
	Sandbox   SandboxConfig `yaml:"sandbox"`
}

// PlanConfig defines a named chain in config.yaml.
type PlanConfig struct {
	Name  string           `yaml:"name"`
	Tasks []PlanTaskConfig `yaml:"tasks"`
}

// PlanTaskConfig is one task of a configured chain.
type PlanTaskConfig struct {
	ID         string   `yaml:"id"`
	SubAgent   string   `yaml:"subagent"`
	Prompt     string   `yaml:"task"`
	DependsOn  []string `yaml:"depends_on"`
	MaxRetries int      `yaml:"max_retries"`
}

type Config struct {
	HomeDir string `yaml:"-" ignored:"true"`

	LogLevel string `yaml:"log_level" envconfig:"log_level"`
	// PermissionsFile holds permission rules, relative to the home dir.
	PermissionsFile string `yaml:"permissions_file" envconfig:"permissions_file"`

	LLM       LLMConfig       `yaml:"llm"`
	Processor ProcessorConfig `yaml:"processor"`
	Retry     RetryConfig     `yaml:"retry"`
	DoomLoop  DoomLoopConfig  `yaml:"doom_loop" envconfig:"doom_loop"`
	Cost      CostConfig      `yaml:"cost"`
	Runs      RunsConfig      `yaml:"runs"`
	Subagents SubagentsConfig `yaml:"subagents"`
	Hooks     HooksConfig     `yaml:"hooks"`
	Tools     ToolsConfig     `yaml:"tools"`
	OTel      otel.Config     `yaml:"otel" ignored:"true"`

	Agents []agent.Definition `yaml:"agents" ignored:"true"`
	Plans  []PlanConfig       `yaml:"plans" ignored:"true"`

	// NeedsInit is set when config.yaml does not exist yet.
	NeedsInit bool `yaml:"-" ignored:"true"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:        "info",
		PermissionsFile: "policy.yaml",
		LLM:             LLMConfig{Provider: "google", Model: "gemini-2.5-flash"},
		Processor: ProcessorConfig{
			MaxSteps:          50,
			PermissionTimeout: 5 * time.Minute,
			HumanTimeout:      10 * time.Minute,
		},
		Retry: RetryConfig{
			InitialDelay: 2 * time.Second,
			Factor:       2,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  4,
		},
		DoomLoop: DoomLoopConfig{Window: 10, Threshold: 3},
		Runs: RunsConfig{
			MaxActivePerConversation: runs.DefaultMaxActivePerConversation,
			MaxActivePerRequester:    runs.DefaultMaxActivePerRequester,
			MaxActivePerLineage:      runs.DefaultMaxActivePerLineage,
			Retention:                runs.DefaultRetention,
			SweepSchedule:            "@every 1h",
			Store:                    StoreConfig{Backend: StoreSQLite, Path: "runs.db"},
		},
		Subagents: SubagentsConfig{
			MaxConcurrency: 4,
			MaxDepth:       runs.DefaultMaxDepth,
			SteerMode:      SteerSoft,
			SteerInterval:  2 * time.Second,
			WaitTimeout:    5 * time.Minute,
			Announce: RetryConfig{
				InitialDelay: 2 * time.Second,
				Factor:       2,
				MaxDelay:     2 * time.Minute,
				MaxAttempts:  6,
			},
		},
		Hooks: HooksConfig{Timeout: 5 * time.Second, Kafka: KafkaConfig{Topic: "agentcore.subagents"}},
		Tools: ToolsConfig{Sandbox: SandboxConfig{Image: "golang:alpine", MemoryMB: 512, Network: "none"}},
		OTel:  otel.Config{Exporter: "otlp", ServiceName: "agentcore", SampleRate: 1},
	}
}

// HomeDir returns $AGENTCORE_HOME or ~/.agentcore.
func HomeDir() string {
	if override := os.Getenv(EnvPrefix + "_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentcore")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from HomeDir, creating the directory if needed.
func Load() (Config, error) {
	home := HomeDir()
	if err := os.MkdirAll(home, 0o755); err != nil {
		return Config{HomeDir: home}, fmt.Errorf("create agentcore home: %w", err)
	}
	return LoadFile(ConfigPath(home))
}

// LoadFile reads the config at path; its directory becomes the home dir.
// A missing file yields the defaults with NeedsInit set. Environment
// overrides are applied after the file, then the result is validated.
func LoadFile(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg.NeedsInit = true
	case err != nil:
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	case len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = ProviderAPIKey(cfg.LLM.Provider)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	d := defaultConfig()
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.PermissionsFile == "" {
		cfg.PermissionsFile = d.PermissionsFile
	}
	if cfg.Processor.MaxSteps <= 0 {
		cfg.Processor.MaxSteps = d.Processor.MaxSteps
	}
	if cfg.DoomLoop.Window <= 0 {
		cfg.DoomLoop.Window = d.DoomLoop.Window
	}
	if cfg.DoomLoop.Threshold <= 0 {
		cfg.DoomLoop.Threshold = d.DoomLoop.Threshold
	}
	if cfg.Runs.Store.Backend == "" {
		cfg.Runs.Store.Backend = d.Runs.Store.Backend
	}
	cfg.Runs.Store.Backend = strings.ToLower(cfg.Runs.Store.Backend)
	if cfg.Runs.Store.Path == "" {
		if cfg.Runs.Store.Backend == StoreFile {
			cfg.Runs.Store.Path = "runs.json"
		} else {
			cfg.Runs.Store.Path = d.Runs.Store.Path
		}
	}
	if cfg.Subagents.MaxConcurrency <= 0 {
		cfg.Subagents.MaxConcurrency = d.Subagents.MaxConcurrency
	}
	if cfg.Subagents.SteerMode == "" {
		cfg.Subagents.SteerMode = d.Subagents.SteerMode
	}
	if cfg.Hooks.Kafka.Topic == "" {
		cfg.Hooks.Kafka.Topic = d.Hooks.Kafka.Topic
	}
	for i := range cfg.Agents {
		cfg.Agents[i].Normalize()
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains(KnownProviders, c.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.provider %q is not one of %s", c.LLM.Provider, strings.Join(KnownProviders, ", ")))
	}
	if c.LLM.Provider == "openai_compatible" && c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required for openai_compatible"))
	}
	if c.Processor.Temperature < 0 || c.Processor.Temperature > 2 {
		errs = append(errs, fmt.Errorf("processor.temperature %v out of range [0, 2]", c.Processor.Temperature))
	}
	if c.Retry.Factor != 0 && c.Retry.Factor < 1 {
		errs = append(errs, fmt.Errorf("retry.factor %v must be >= 1", c.Retry.Factor))
	}
	if c.DoomLoop.Threshold > c.DoomLoop.Window {
		errs = append(errs, fmt.Errorf("doom_loop.threshold (%d) exceeds doom_loop.window (%d)", c.DoomLoop.Threshold, c.DoomLoop.Window))
	}
	if _, err := c.CostLimits(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.PricingTable(); err != nil {
		errs = append(errs, err)
	}
	switch c.Runs.Store.Backend {
	case StoreMemory, StoreFile, StoreSQLite:
	case StorePostgres:
		if c.Runs.Store.DSN == "" {
			errs = append(errs, errors.New("runs.store.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("runs.store.backend %q is not one of memory, file, sqlite, postgres", c.Runs.Store.Backend))
	}
	if c.Subagents.SteerMode != SteerSoft && c.Subagents.SteerMode != SteerHard {
		errs = append(errs, fmt.Errorf("subagents.steer_mode %q must be soft or hard", c.Subagents.SteerMode))
	}
	if c.Tools.Sandbox.Enabled && c.Tools.Sandbox.Image == "" {
		errs = append(errs, errors.New("tools.sandbox.image is required when the sandbox is enabled"))
	}
	if c.Subagents.MaxDepth < 0 {
		errs = append(errs, errors.New("subagents.max_depth must not be negative"))
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("agents: %w", err))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("agents: duplicate subagent %q", a.Name))
		}
		seen[a.Name] = true
	}
	return errors.Join(errs...)
}

// Limits returns the registry admission limits.
func (c Config) Limits() runs.Limits {
	return runs.Limits{
		MaxActivePerConversation: c.Runs.MaxActivePerConversation,
		MaxActivePerRequester:    c.Runs.MaxActivePerRequester,
		MaxActivePerLineage:      c.Runs.MaxActivePerLineage,
		MaxDepth:                 c.Subagents.MaxDepth,
		Retention:                c.Runs.Retention,
	}
}

// CostLimits parses the spending ceilings. Empty strings mean no ceiling.
func (c Config) CostLimits() (pricing.Limits, error) {
	var l pricing.Limits
	var err error
	if l.MaxCostPerCall, err = parseUSD("cost.max_per_call", c.Cost.MaxPerCall); err != nil {
		return l, err
	}
	if l.MaxCostPerSession, err = parseUSD("cost.max_per_session", c.Cost.MaxPerSession); err != nil {
		return l, err
	}
	return l, nil
}

// PricingTable returns the built-in table with configured overrides, or
// nil when nothing is overridden.
func (c Config) PricingTable() (*pricing.Table, error) {
	if len(c.Cost.Pricing) == 0 {
		return nil, nil
	}
	overrides := make(map[string]pricing.ModelPricing, len(c.Cost.Pricing))
	for model, p := range c.Cost.Pricing {
		var mp pricing.ModelPricing
		fields := []struct {
			name string
			raw  string
			dst  *decimal.Decimal
		}{
			{"input", p.Input, &mp.Input},
			{"output", p.Output, &mp.Output},
			{"reasoning", p.Reasoning, &mp.Reasoning},
			{"cache_read", p.CacheRead, &mp.CacheRead},
			{"cache_write", p.CacheWrite, &mp.CacheWrite},
		}
		for _, f := range fields {
			v, err := parseUSD("cost.pricing."+model+"."+f.name, f.raw)
			if err != nil {
				return nil, err
			}
			*f.dst = v
		}
		overrides[model] = mp
	}
	return pricing.NewTable(overrides, pricing.ModelPricing{}), nil
}

func parseUSD(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "$")
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid amount %q", field, raw)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s: amount must not be negative", field)
	}
	return d, nil
}

// ResolvePath makes p absolute against the home dir.
func (c Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// Fingerprint returns a stable hash of the settings that affect runs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "llm=%s/%s|steps=%d|retry=%v|doom=%d/%d|cost=%s/%s|store=%s|steer=%s|depth=%d|agents=%d",
		c.LLM.Provider, c.LLM.Model, c.Processor.MaxSteps, c.Retry, c.DoomLoop.Window, c.DoomLoop.Threshold,
		c.Cost.MaxPerCall, c.Cost.MaxPerSession, c.Runs.Store.Backend, c.Subagents.SteerMode,
		c.Subagents.MaxDepth, len(c.Agents))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Save writes cfg to config.yaml in its home dir.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create agentcore home: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}

// Default returns the built-in configuration rooted at homeDir.
func Default(homeDir string) Config {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	return cfg
}
