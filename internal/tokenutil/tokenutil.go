// Package tokenutil estimates prompt sizes when the provider has not yet
// reported usage.
package tokenutil

import (
	"encoding/json"
	"strings"

	"github.com/basket/agentcore/internal/llm"
)

// perMessageOverhead approximates role and framing tokens per message.
const perMessageOverhead = 4

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// EstimateMessages estimates the prompt size of msgs, counting text,
// reasoning, tool inputs and tool outputs.
func EstimateMessages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		for _, p := range m.Parts {
			switch p.Kind {
			case llm.PartText, llm.PartReasoning:
				total += EstimateTokens(p.Text)
			case llm.PartToolCall:
				if p.ToolCall == nil {
					continue
				}
				total += EstimateTokens(p.ToolCall.Tool)
				if len(p.ToolCall.Input) > 0 {
					if data, err := json.Marshal(p.ToolCall.Input); err == nil {
						total += EstimateTokens(string(data))
					}
				}
				total += EstimateTokens(p.ToolCall.Output)
				total += EstimateTokens(p.ToolCall.Error)
			}
		}
	}
	return total
}
