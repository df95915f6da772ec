package engine

import (
	"strings"
	"sync"
)

// reservedTokens is kept free for the system prompt, tool schemas and the
// response when deriving a processor's context limit.
const reservedTokens = 10_000

var (
	overridesMu           sync.RWMutex
	contextLimitOverrides map[string]int
)

// SetContextLimitOverrides sets config-driven context limit overrides,
// keyed by "provider/model" or by model alone.
func SetContextLimitOverrides(m map[string]int) {
	overridesMu.Lock()
	defer overridesMu.Unlock()
	contextLimitOverrides = make(map[string]int, len(m))
	for k, v := range m {
		contextLimitOverrides[strings.ToLower(strings.TrimSpace(k))] = v
	}
}

// ContextLimitForModel returns the token limit for a given provider+model.
// Falls back to conservative defaults when model is unknown.
func ContextLimitForModel(provider, model string) int {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(model, "/"); i >= 0 {
		if provider == "" {
			provider = model[:i]
		}
		model = model[i+1:]
	}

	overridesMu.RLock()
	if v, ok := contextLimitOverrides[provider+"/"+model]; ok {
		overridesMu.RUnlock()
		return v
	}
	if v, ok := contextLimitOverrides[model]; ok {
		overridesMu.RUnlock()
		return v
	}
	overridesMu.RUnlock()

	switch model {
	case "gemini-2.5-flash", "gemini-2.5-pro", "gemini-2.5-flash-lite", "gemini-2.0-flash":
		return 1_048_576
	case "gpt-4.1", "gpt-4.1-mini":
		return 1_047_576
	case "gpt-5", "gpt-5-mini":
		return 400_000
	case "gpt-4o", "gpt-4o-mini":
		return 128_000
	case "o3", "o4-mini":
		return 200_000
	}

	switch {
	case strings.HasPrefix(model, "gemini-"):
		return 1_048_576
	case strings.HasPrefix(model, "claude-"):
		return 200_000
	case strings.HasPrefix(model, "gpt-4"):
		return 128_000
	}

	switch provider {
	case "google", "googleai":
		return 1_048_576
	case "anthropic":
		return 200_000
	}
	return 128_000
}
