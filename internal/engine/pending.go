package engine

import (
	"fmt"

	"github.com/basket/agentcore/internal/llm"
	"github.com/basket/agentcore/internal/pricing"
)

// pendingMessage folds stream events into the assistant message of the
// step in progress. Nothing here is visible to the session until commit.
type pendingMessage struct {
	parts  []llm.Part
	byID   map[string]int
	calls  map[string]int
	usage  pricing.Usage
	finish llm.FinishReason
}

func newPendingMessage() *pendingMessage {
	return &pendingMessage{byID: make(map[string]int), calls: make(map[string]int)}
}

func partKey(kind llm.PartKind, id string) string { return string(kind) + "/" + id }

func (pm *pendingMessage) open(kind llm.PartKind, id string) int {
	key := partKey(kind, id)
	if idx, ok := pm.byID[key]; ok {
		return idx
	}
	pm.parts = append(pm.parts, llm.Part{Kind: kind})
	idx := len(pm.parts) - 1
	pm.byID[key] = idx
	return idx
}

func (pm *pendingMessage) appendText(kind llm.PartKind, id, text string) {
	idx := pm.open(kind, id)
	pm.parts[idx].Text += text
}

func (pm *pendingMessage) toolStart(callID, name string) *llm.ToolCall {
	if callID == "" {
		callID = fmt.Sprintf("call-%d", len(pm.calls)+1)
	}
	if idx, ok := pm.calls[callID]; ok {
		tc := pm.parts[idx].ToolCall
		if name != "" {
			tc.Tool = name
		}
		return tc
	}
	tc := &llm.ToolCall{CallID: callID, Tool: name, Status: llm.ToolPending}
	pm.parts = append(pm.parts, llm.Part{Kind: llm.PartToolCall, ToolCall: tc})
	pm.calls[callID] = len(pm.parts) - 1
	return tc
}

func (pm *pendingMessage) toolEnd(callID, name string, input map[string]any) {
	if callID == "" {
		for i := len(pm.parts) - 1; i >= 0; i-- {
			if tc := pm.parts[i].ToolCall; tc != nil && tc.Input == nil {
				callID = tc.CallID
				break
			}
		}
	}
	tc := pm.toolStart(callID, name)
	if input == nil {
		input = map[string]any{}
	}
	tc.Input = input
}

func (pm *pendingMessage) hasTools() bool { return len(pm.calls) > 0 }
