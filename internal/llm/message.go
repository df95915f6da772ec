package llm

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basket/agentcore/internal/pricing"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartKind discriminates message parts.
type PartKind string

const (
	PartText      PartKind = "text"
	PartReasoning PartKind = "reasoning"
	PartToolCall  PartKind = "tool_call"
)

// Part is one ordered element of a message.
type Part struct {
	Kind     PartKind  `json:"kind"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// ToolCallStatus tracks a tool call through execution.
type ToolCallStatus string

const (
	ToolPending   ToolCallStatus = "pending"
	ToolRunning   ToolCallStatus = "running"
	ToolCompleted ToolCallStatus = "completed"
	ToolError     ToolCallStatus = "error"
)

// ToolCall is a tool invocation requested by the model. CallID comes from
// the provider and may repeat across retried steps; ExecutionID is minted
// per execution and pairs the act and observe events.
type ToolCall struct {
	CallID      string         `json:"call_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Tool        string         `json:"tool"`
	Status      ToolCallStatus `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      string         `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	EndedAt     time.Time      `json:"ended_at,omitempty"`
}

// Message is one conversation entry. The processor appends messages and
// never mutates them after commit.
type Message struct {
	ID          string          `json:"id"`
	Role        Role            `json:"role"`
	Parts       []Part          `json:"parts"`
	Usage       pricing.Usage   `json:"usage,omitempty"`
	Cost        decimal.Decimal `json:"cost"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Text concatenates the text parts of m.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool-call parts of m in order.
func (m Message) ToolCalls() []*ToolCall {
	var out []*ToolCall
	for _, p := range m.Parts {
		if p.Kind == PartToolCall && p.ToolCall != nil {
			out = append(out, p.ToolCall)
		}
	}
	return out
}

// Clone returns a deep copy of m so committed messages cannot be changed
// through shared part pointers.
func (m Message) Clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		out.Parts[i] = p
		if p.ToolCall != nil {
			tc := *p.ToolCall
			tc.Input = cloneMap(p.ToolCall.Input)
			tc.Metadata = cloneMap(p.ToolCall.Metadata)
			out.Parts[i].ToolCall = &tc
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// UserMessage builds a single-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Kind: PartText, Text: text}}}
}

// SystemMessage builds a single-text system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{{Kind: PartText, Text: text}}}
}

// AssistantMessage builds a single-text assistant message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{{Kind: PartText, Text: text}}}
}
