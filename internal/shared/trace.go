package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type conversationIDKey struct{}
type sessionIDKey struct{}
type runIDKey struct{}
type rootRunIDKey struct{}
type requesterKey struct{}
type delegationDepthKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithConversationID attaches the conversation that owns the current turn.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationIDKey{}, conversationID)
}

// ConversationID extracts conversation_id from context. Returns "" if absent.
func ConversationID(ctx context.Context) string {
	if v, ok := ctx.Value(conversationIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches the subagent run executing the current loop.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" at the top level.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithRootRunID attaches the lineage root of the current run.
func WithRootRunID(ctx context.Context, rootRunID string) context.Context {
	return context.WithValue(ctx, rootRunIDKey{}, rootRunID)
}

// RootRunID extracts the lineage root. Returns "" at the top level.
func RootRunID(ctx context.Context) string {
	if v, ok := ctx.Value(rootRunIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRequester attaches the requester key used for per-requester admission.
func WithRequester(ctx context.Context, requester string) context.Context {
	return context.WithValue(ctx, requesterKey{}, requester)
}

// Requester extracts the requester key. Returns "" if absent.
func Requester(ctx context.Context) string {
	if v, ok := ctx.Value(requesterKey{}).(string); ok {
		return v
	}
	return ""
}

// WithDelegationDepth attaches the delegation depth of the current loop.
func WithDelegationDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, delegationDepthKey{}, depth)
}

// DelegationDepth extracts the delegation depth (0 for the top-level loop).
func DelegationDepth(ctx context.Context) int {
	if v, ok := ctx.Value(delegationDepthKey{}).(int); ok {
		return v
	}
	return 0
}
