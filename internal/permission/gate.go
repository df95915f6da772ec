package permission

import (
	"context"
	"errors"
	"sync"

	"github.com/basket/agentcore/internal/audit"
)

// ErrNoApprover is returned by Request when asks cannot be answered.
var ErrNoApprover = errors.New("no approver configured")

// Request describes a call awaiting an ask decision.
type Request struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Permission string         `json:"permission"`
	Pattern    string         `json:"pattern"`
	Tool       string         `json:"tool"`
	CallID     string         `json:"call_id,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	// Reason is set when the ask was not produced by a rule, such as a
	// doom-loop intervention.
	Reason string `json:"reason,omitempty"`
}

// Gate is consulted by the processor before every tool execution.
type Gate interface {
	Evaluate(permission, pattern string) Action
	// Request resolves an ask. It returns false with a nil error for a
	// rejection and ctx.Err() when the wait timed out.
	Request(ctx context.Context, req Request) (bool, error)
}

// Static answers every evaluation with the same action and rejects asks.
type Static Action

func (s Static) Evaluate(string, string) Action { return Action(s) }

func (s Static) Request(context.Context, Request) (bool, error) {
	return Action(s) == Allow, nil
}

// Policy is the live Gate: a reloadable rule set plus an optional approval
// manager. Decisions are written to the audit log.
type Policy struct {
	mu        sync.RWMutex
	rules     RuleSet
	approvals *ApprovalManager
}

// NewPolicy creates a gate. approvals may be nil, in which case asks fail
// with ErrNoApprover.
func NewPolicy(rules RuleSet, approvals *ApprovalManager) *Policy {
	return &Policy{rules: rules, approvals: approvals}
}

// Evaluate implements Gate.
func (p *Policy) Evaluate(permission, pattern string) Action {
	p.mu.RLock()
	rules := p.rules
	p.mu.RUnlock()
	action := rules.Evaluate(permission, pattern)
	if action != Ask {
		audit.Record(context.Background(), string(action), permission, pattern, "rule", rules.Version())
	}
	return action
}

// Request implements Gate.
func (p *Policy) Request(ctx context.Context, req Request) (bool, error) {
	p.mu.RLock()
	version := p.rules.Version()
	p.mu.RUnlock()
	if p.approvals == nil {
		audit.Record(ctx, "deny", req.Permission, req.Pattern, "no approver", version)
		return false, ErrNoApprover
	}
	ok, err := p.approvals.Request(ctx, req)
	decision, reason := "deny", "rejected"
	switch {
	case err != nil:
		reason = "approval wait: " + err.Error()
	case ok:
		decision, reason = "allow", "approved"
	}
	if req.Reason != "" {
		reason = req.Reason + ": " + reason
	}
	audit.Record(ctx, decision, req.Permission, req.Pattern, reason, version)
	return ok, err
}

// Reload swaps the rule set.
func (p *Policy) Reload(rules RuleSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = rules
}

// ReloadFromFile replaces the rules only when path parses and validates.
// On error the previous rules stay active.
func (p *Policy) ReloadFromFile(path string) error {
	rs, err := Load(path)
	if err != nil {
		return err
	}
	p.Reload(rs)
	return nil
}

// Rules returns the active rule set.
func (p *Policy) Rules() RuleSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rules
}

// Approvals returns the approval manager, if any.
func (p *Policy) Approvals() *ApprovalManager { return p.approvals }
