package pricing

import (
	"encoding/json"
	"math"
	"strconv"
)

// Usage is the canonical token usage record. Input excludes cache reads and
// writes; Output excludes reasoning tokens.
type Usage struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	Reasoning  int64 `json:"reasoning,omitempty"`
	CacheRead  int64 `json:"cache_read,omitempty"`
	CacheWrite int64 `json:"cache_write,omitempty"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		Input:      u.Input + o.Input,
		Output:     u.Output + o.Output,
		Reasoning:  u.Reasoning + o.Reasoning,
		CacheRead:  u.CacheRead + o.CacheRead,
		CacheWrite: u.CacheWrite + o.CacheWrite,
	}
}

// Total is the sum of all token counts.
func (u Usage) Total() int64 {
	return u.Input + u.Output + u.Reasoning + u.CacheRead + u.CacheWrite
}

// IsZero reports whether no tokens were counted.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// NormalizeUsage converts a provider usage payload into a canonical Usage.
//
// Recognised shapes:
//   - OpenAI chat: prompt_tokens (includes cached), completion_tokens
//     (includes reasoning), prompt_tokens_details.cached_tokens,
//     completion_tokens_details.reasoning_tokens
//   - OpenAI responses: input_tokens / output_tokens with
//     input_tokens_details and output_tokens_details
//   - Anthropic: input_tokens (excludes cache), output_tokens,
//     cache_read_input_tokens, cache_creation_input_tokens
//   - Google: promptTokenCount (includes cached), candidatesTokenCount,
//     thoughtsTokenCount, cachedContentTokenCount
//   - canonical: input, output, reasoning, cache_read, cache_write
func NormalizeUsage(raw map[string]any) Usage {
	if len(raw) == 0 {
		return Usage{}
	}
	switch {
	case has(raw, "promptTokenCount") || has(raw, "candidatesTokenCount"):
		cached := intField(raw, "cachedContentTokenCount")
		return Usage{
			Input:     clampSub(intField(raw, "promptTokenCount"), cached),
			Output:    intField(raw, "candidatesTokenCount"),
			Reasoning: intField(raw, "thoughtsTokenCount"),
			CacheRead: cached,
		}
	case has(raw, "prompt_tokens") || has(raw, "completion_tokens"):
		cached := intField(nested(raw, "prompt_tokens_details"), "cached_tokens")
		reasoning := intField(nested(raw, "completion_tokens_details"), "reasoning_tokens")
		return Usage{
			Input:     clampSub(intField(raw, "prompt_tokens"), cached),
			Output:    clampSub(intField(raw, "completion_tokens"), reasoning),
			Reasoning: reasoning,
			CacheRead: cached,
		}
	case has(raw, "input_tokens_details") || has(raw, "output_tokens_details"):
		cached := intField(nested(raw, "input_tokens_details"), "cached_tokens")
		reasoning := intField(nested(raw, "output_tokens_details"), "reasoning_tokens")
		return Usage{
			Input:     clampSub(intField(raw, "input_tokens"), cached),
			Output:    clampSub(intField(raw, "output_tokens"), reasoning),
			Reasoning: reasoning,
			CacheRead: cached,
		}
	case has(raw, "input_tokens") || has(raw, "output_tokens") || has(raw, "cache_read_input_tokens"):
		return Usage{
			Input:      intField(raw, "input_tokens"),
			Output:     intField(raw, "output_tokens"),
			CacheRead:  intField(raw, "cache_read_input_tokens"),
			CacheWrite: intField(raw, "cache_creation_input_tokens"),
		}
	default:
		return Usage{
			Input:      intField(raw, "input"),
			Output:     intField(raw, "output"),
			Reasoning:  intField(raw, "reasoning"),
			CacheRead:  intField(raw, "cache_read"),
			CacheWrite: intField(raw, "cache_write"),
		}
	}
}

func has(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func nested(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func intField(m map[string]any, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		if math.IsNaN(v) || v < 0 {
			return 0
		}
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func clampSub(a, b int64) int64 {
	if b > a {
		return 0
	}
	return a - b
}
