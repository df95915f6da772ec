package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/basket/agentcore/internal/llm"
	"github.com/basket/agentcore/internal/pricing"
)

// SchemaVersion versions the event vocabulary. New event types and fields
// may be added without a bump; renames and removals require one.
const SchemaVersion = 1

// EventType names a processor event.
type EventType string

const (
	EventStart                 EventType = "start"
	EventStepStart             EventType = "step-start"
	EventStepEnd               EventType = "step-end"
	EventTextDelta             EventType = "text-delta"
	EventReasoningDelta        EventType = "reasoning-delta"
	EventAct                   EventType = "act"
	EventObserve               EventType = "observe"
	EventToolEvent             EventType = "tool-event"
	EventCostUpdate            EventType = "cost-update"
	EventStepFinish            EventType = "step-finish"
	EventRetry                 EventType = "retry"
	EventDoomLoopDetected      EventType = "doom-loop-detected"
	EventPermissionAsked       EventType = "permission-asked"
	EventPermissionReplied     EventType = "permission-replied"
	EventClarificationAsked    EventType = "clarification-asked"
	EventClarificationAnswered EventType = "clarification-answered"
	EventDecisionAsked         EventType = "decision-asked"
	EventDecisionAnswered      EventType = "decision-answered"
	EventEnvVarAsked           EventType = "env-var-asked"
	EventEnvVarProvided        EventType = "env-var-provided"
	EventSteerApplied          EventType = "steer-applied"
	EventCompactNeeded         EventType = "compact-needed"
	EventComplete              EventType = "complete"
	EventError                 EventType = "error"
)

// EventTypes lists the vocabulary in declaration order.
var EventTypes = []EventType{
	EventStart, EventStepStart, EventStepEnd, EventTextDelta, EventReasoningDelta,
	EventAct, EventObserve, EventToolEvent, EventCostUpdate, EventStepFinish, EventRetry,
	EventDoomLoopDetected, EventPermissionAsked, EventPermissionReplied,
	EventClarificationAsked, EventClarificationAnswered, EventDecisionAsked,
	EventDecisionAnswered, EventEnvVarAsked, EventEnvVarProvided, EventSteerApplied,
	EventCompactNeeded, EventComplete, EventError,
}

// Event is one element of the processor's public event stream. Which
// optional fields are set depends on Type.
type Event struct {
	Type          EventType `json:"type"`
	SchemaVersion int       `json:"schema_version"`
	Seq           int64     `json:"seq"`
	SessionID     string    `json:"session_id"`
	RunID         string    `json:"run_id,omitempty"`
	Step          int       `json:"step,omitempty"`
	At            time.Time `json:"at"`

	// text-delta, reasoning-delta
	PartID string `json:"part_id,omitempty"`
	Text   string `json:"text,omitempty"`

	// act, observe, permission and human events
	ToolCall *llm.ToolCall `json:"tool_call,omitempty"`

	// cost-update, step-finish, complete
	Usage        *pricing.Usage   `json:"usage,omitempty"`
	Cost         *decimal.Decimal `json:"cost,omitempty"`
	TotalCost    *decimal.Decimal `json:"total_cost,omitempty"`
	FinishReason llm.FinishReason `json:"finish_reason,omitempty"`

	// retry
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`

	// error
	Error *ErrorInfo `json:"error,omitempty"`

	// Data carries type-specific payloads: side-channel tool events,
	// questions and answers, doom-loop details.
	Data map[string]any `json:"data,omitempty"`
}

// ErrorInfo is the machine-readable part of an error event.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Sink receives processor events in order. Emit must not block for long;
// it runs on the processor goroutine.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans events out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

type discardSink struct{}

func (discardSink) Emit(Event) {}
