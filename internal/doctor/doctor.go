// Package doctor backs `agentcore config check`: it loads nothing itself
// and only probes what a Config points at.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/cron"
	"github.com/basket/agentcore/internal/permission"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/runs"
	"github.com/basket/agentcore/internal/tools"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return run(ctx, cfg, version, []check{
		checkConfig,
		checkAPIKey,
		checkRunStore,
		checkPermissions,
		checkSweepSchedule,
		checkSandbox,
		checkNetwork,
	})
}

func run(ctx context.Context, cfg *config.Config, version string, checks []check) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, using defaults", Detail: "Run `agentcore config init` to write one"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  fmt.Sprintf("fingerprint=%s, agents=%d, plans=%d", cfg.Fingerprint(), len(cfg.Agents), len(cfg.Plans)),
	}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider := cfg.LLM.Provider
	if cfg.LLM.APIKey != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("Key configured for %s", provider)}
	}
	if provider == "openai_compatible" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: "openai_compatible endpoint without api_key"}
	}
	detail := ""
	if avail := config.AvailableProviders(); len(avail) > 0 {
		detail = "Keys found for: " + strings.Join(avail, ", ")
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusWarn,
		Message: fmt.Sprintf("No API key for provider %s", provider),
		Detail:  detail,
	}
}

func checkRunStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Run Store", Status: StatusSkip, Message: "Config missing"}
	}
	sc := cfg.Runs.Store
	h, err := persistence.Open(ctx, persistence.Options{
		Backend: sc.Backend,
		Path:    cfg.ResolvePath(sc.Path),
		DSN:     sc.DSN,
	})
	if err != nil {
		return CheckResult{Name: "Run Store", Status: StatusFail, Message: fmt.Sprintf("Open %s store failed", sc.Backend), Detail: err.Error()}
	}
	defer h.Close()

	active, err := h.Store.List(ctx, runs.Filter{Statuses: runs.ActiveStatuses})
	if err != nil {
		return CheckResult{Name: "Run Store", Status: StatusFail, Message: "Query failed", Detail: err.Error()}
	}
	res := CheckResult{Name: "Run Store", Status: StatusPass, Message: fmt.Sprintf("%s store ready, %d active runs", sc.Backend, len(active))}
	if sc.Backend == config.StoreMemory {
		res.Status = StatusWarn
		res.Detail = "memory backend loses runs on exit"
	}
	return res
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: "Home dir unwritable", Detail: err.Error()}
	}
	_ = os.Remove(testFile)

	path := cfg.ResolvePath(cfg.PermissionsFile)
	rules, err := permission.Load(path)
	if err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: "Permission rules invalid", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Permissions",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d rules, default %s", len(rules.Rules), rules.Default),
		Detail:  fmt.Sprintf("file=%s, version=%s", path, rules.Version()),
	}
}

func checkSweepSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sweeper", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Runs.SweepSchedule == "" {
		return CheckResult{Name: "Sweeper", Status: StatusWarn, Message: "Sweeper disabled; finished runs are kept forever"}
	}
	next, err := cron.NextRunTime(cfg.Runs.SweepSchedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Sweeper", Status: StatusFail, Message: fmt.Sprintf("Invalid schedule %q", cfg.Runs.SweepSchedule), Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Sweeper",
		Status:  StatusPass,
		Message: fmt.Sprintf("Next sweep at %s", next.Format(time.RFC3339)),
		Detail:  fmt.Sprintf("retention=%s", cfg.Runs.Retention),
	}
}

func checkSandbox(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Tools.Sandbox.Enabled {
		return CheckResult{Name: "Sandbox", Status: StatusSkip, Message: "Sandbox disabled, exec runs on the host"}
	}
	sb := cfg.Tools.Sandbox
	exec, err := tools.NewDockerExecutor(sb.Image, sb.MemoryMB, sb.Network, cfg.Tools.Workspace)
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: "Docker client unavailable", Detail: err.Error()}
	}
	defer exec.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: "Docker not ready", Detail: err.Error()}
	}
	return CheckResult{Name: "Sandbox", Status: StatusPass, Message: fmt.Sprintf("Docker ready with image %s", sb.Image)}
}

var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

func providerHost(cfg *config.Config) string {
	if cfg.LLM.BaseURL != "" {
		if u, err := url.Parse(cfg.LLM.BaseURL); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if host, ok := providerHosts[cfg.LLM.Provider]; ok {
		return host
	}
	return providerHosts["google"]
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	host := providerHost(cfg)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.LLM.Provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", cfg.LLM.Provider, addrs),
	}
}
