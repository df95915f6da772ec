package config

import "os"

// KnownProviders lists the accepted llm.provider values.
var KnownProviders = []string{"google", "anthropic", "openai", "openai_compatible", "openrouter"}

var providerKeyEnv = map[string]string{
	"google":     "GEMINI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// ProviderAPIKey returns the provider's conventional API key variable,
// e.g. ANTHROPIC_API_KEY. Google also accepts GOOGLE_API_KEY.
func ProviderAPIKey(provider string) string {
	if env, ok := providerKeyEnv[provider]; ok {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	if provider == "google" {
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

// AvailableProviders returns the providers with an API key in the
// environment.
func AvailableProviders() []string {
	var out []string
	for _, p := range KnownProviders {
		if ProviderAPIKey(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
