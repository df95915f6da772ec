package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing fragments that tend to leak into
// tool inputs, provider errors and event payloads.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Provider keys: Google (AIza...), Anthropic (sk-ant-...), OpenAI (sk-...).
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`sk-(proj-)?[A-Za-z0-9]{32,}`),
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep the key prefix when the pattern captured one.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 && submatch[1] != "" {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// IsSensitiveKey reports whether a variable or attribute name looks like it
// holds a credential.
func IsSensitiveKey(key string) bool {
	keyLower := strings.ToLower(strings.TrimSpace(key))
	if keyLower == "" {
		return false
	}
	for _, sensitive := range []string{"api_key", "apikey", "secret", "password", "credential", "authorization", "bearer"} {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	// "token" alone would catch token counters such as input_tokens.
	return keyLower == "token" || strings.HasSuffix(keyLower, "_token") || strings.HasSuffix(keyLower, "-token")
}

// RedactEnvValue returns the placeholder when key looks secret.
func RedactEnvValue(key, value string) string {
	if IsSensitiveKey(key) {
		return redactedPlaceholder
	}
	return value
}
