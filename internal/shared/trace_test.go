package shared

import (
	"context"
	"testing"
)

func TestDelegationDepth_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := DelegationDepth(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	ctx = WithDelegationDepth(ctx, 2)
	if got := DelegationDepth(ctx); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	ctx = WithDelegationDepth(ctx, 3)
	if got := DelegationDepth(ctx); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestTraceID_DefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx := WithTraceID(context.Background(), "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestLineageKeys(t *testing.T) {
	ctx := WithConversationID(context.Background(), "conv")
	ctx = WithRunID(ctx, "run")
	ctx = WithRootRunID(ctx, "root")
	ctx = WithRequester(ctx, "user:1")
	ctx = WithSessionID(ctx, "sess")

	if ConversationID(ctx) != "conv" || RunID(ctx) != "run" || RootRunID(ctx) != "root" {
		t.Fatalf("lineage keys not propagated: %q %q %q", ConversationID(ctx), RunID(ctx), RootRunID(ctx))
	}
	if Requester(ctx) != "user:1" || SessionID(ctx) != "sess" {
		t.Fatalf("requester/session not propagated: %q %q", Requester(ctx), SessionID(ctx))
	}
	if RunID(context.Background()) != "" {
		t.Fatal("expected empty run id on bare context")
	}
}
