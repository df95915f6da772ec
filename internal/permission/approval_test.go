package permission

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestApprovalManager_RespondUnblocksWait(t *testing.T) {
	created := make(chan Pending, 1)
	m := NewApprovalManager(func(p Pending) { created <- p })

	done := make(chan bool, 1)
	go func() {
		ok, err := m.Request(context.Background(), Request{Permission: "bash", Pattern: "ls", Tool: "bash"})
		if err != nil {
			t.Errorf("request: %v", err)
		}
		done <- ok
	}()

	p := <-created
	if len(m.List()) != 1 {
		t.Fatalf("expected one pending ask")
	}
	if err := m.Respond(p.Request.ID, true); err != nil {
		t.Fatalf("respond: %v", err)
	}
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected approval")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return")
	}
	if len(m.List()) != 0 {
		t.Fatal("resolved ask must be removed")
	}
	if err := m.Respond(p.Request.ID, true); !errors.Is(err, ErrNoPending) {
		t.Fatalf("expected ErrNoPending for resolved ask, got %v", err)
	}
}

func TestApprovalManager_WaitTimesOut(t *testing.T) {
	m := NewApprovalManager(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err := m.Request(ctx, Request{Permission: "bash"})
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout rejection, got ok=%v err=%v", ok, err)
	}
	if len(m.List()) != 0 {
		t.Fatal("timed out ask must be removed")
	}
}

func TestPolicy_RequestWithoutApprover(t *testing.T) {
	p := NewPolicy(Default(), nil)
	ok, err := p.Request(context.Background(), Request{Permission: "bash"})
	if ok || !errors.Is(err, ErrNoApprover) {
		t.Fatalf("expected ErrNoApprover, got ok=%v err=%v", ok, err)
	}
}

func TestPolicy_ReloadFromFileKeepsRulesOnError(t *testing.T) {
	p := NewPolicy(RuleSet{Default: Allow}, nil)
	if err := p.ReloadFromFile("/nonexistent/dir/permissions.yaml"); err != nil {
		t.Fatalf("missing file should load defaults: %v", err)
	}
	if p.Evaluate("bash", "ls") != Ask {
		t.Fatal("expected default rules after reload")
	}
	p.Reload(RuleSet{Default: Deny})
	if p.Evaluate("bash", "ls") != Deny {
		t.Fatal("expected reloaded rules")
	}
}

func TestStatic(t *testing.T) {
	if Static(Allow).Evaluate("x", "y") != Allow {
		t.Fatal("static allow")
	}
	if ok, _ := Static(Deny).Request(context.Background(), Request{}); ok {
		t.Fatal("static deny must reject asks")
	}
}
