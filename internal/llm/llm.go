// Package llm defines the streaming model primitive consumed by the session
// processor, plus a genkit-backed implementation.
package llm

import (
	"context"
	"iter"

	"github.com/basket/agentcore/internal/pricing"
)

// EventKind enumerates provider stream events.
type EventKind string

const (
	EventTextStart      EventKind = "text-start"
	EventTextDelta      EventKind = "text-delta"
	EventTextEnd        EventKind = "text-end"
	EventReasoningStart EventKind = "reasoning-start"
	EventReasoningDelta EventKind = "reasoning-delta"
	EventReasoningEnd   EventKind = "reasoning-end"
	EventToolCallStart  EventKind = "tool-call-start"
	EventToolCallEnd    EventKind = "tool-call-end"
	EventUsage          EventKind = "usage"
	EventFinish         EventKind = "finish"
	EventError          EventKind = "error"
)

// FinishReason explains why the model stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishOther         FinishReason = "other"
)

// StreamEvent is one element of a model stream. Which fields are set
// depends on Kind.
type StreamEvent struct {
	Kind EventKind

	// ID identifies the text or reasoning part a start/delta/end belongs to.
	ID   string
	Text string

	// Tool call fields, set on tool-call-start and tool-call-end. Input is
	// only complete on tool-call-end.
	ToolCallID string
	ToolName   string
	Input      map[string]any

	Usage        pricing.Usage
	FinishReason FinishReason
	Err          error
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one model call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Temperature *float64
	MaxTokens   int
}

// Generator opens a model stream. The returned sequence is lazy, ends after
// a finish or error event, and cannot be restarted. A failure is reported
// either as an EventError or as a non-nil error; consumers treat both the
// same way.
type Generator interface {
	Generate(ctx context.Context, req Request) iter.Seq2[StreamEvent, error]
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) iter.Seq2[StreamEvent, error]

func (f GeneratorFunc) Generate(ctx context.Context, req Request) iter.Seq2[StreamEvent, error] {
	return f(ctx, req)
}
