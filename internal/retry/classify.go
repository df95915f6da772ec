package retry

import (
	"errors"
	"strings"

	"github.com/basket/agentcore/internal/pricing"
)

// Class categorizes provider errors.
type Class string

const (
	// ClassAuth indicates authentication/authorization failures (401, invalid key).
	ClassAuth Class = "auth"

	// ClassRateLimit indicates rate limiting or quota exhaustion (429).
	ClassRateLimit Class = "rate_limit"

	// ClassTimeout indicates request timeout or deadline exceeded.
	ClassTimeout Class = "timeout"

	// ClassBilling indicates billing, payment or local budget issues.
	ClassBilling Class = "billing"

	// ClassContextOverflow indicates the prompt exceeded the model's context window.
	ClassContextOverflow Class = "context_overflow"

	// ClassUnknown is the default for unrecognized errors.
	ClassUnknown Class = "unknown"
)

// Classify categorizes an error by HTTP status when one is carried, then by
// known message patterns.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, pricing.ErrBudgetExceeded) {
		return ClassBilling
	}
	switch statusOf(err) {
	case 401, 403:
		return ClassAuth
	case 429:
		return ClassRateLimit
	case 402:
		return ClassBilling
	case 408, 504:
		return ClassTimeout
	case 413:
		return ClassContextOverflow
	}

	msg := strings.ToLower(err.Error())

	// Context overflow first: "maximum context length ... tokens" would
	// otherwise read as a rate or quota problem.
	if containsAny(msg, "context_length", "context length", "token limit", "max tokens",
		"maximum context", "context window", "prompt is too long") {
		return ClassContextOverflow
	}
	if containsAny(msg, "401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403") {
		return ClassAuth
	}
	if containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests") {
		return ClassRateLimit
	}
	if containsAny(msg, "deadline exceeded", "timeout", "timed out") {
		return ClassTimeout
	}
	if containsAny(msg, "billing", "payment", "insufficient funds", "credit balance") {
		return ClassBilling
	}
	return ClassUnknown
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
