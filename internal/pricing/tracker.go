package pricing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrBudgetExceeded matches any *BudgetExceededError via errors.Is.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Budget scopes.
const (
	ScopeCall    = "call"
	ScopeSession = "session"
)

// BudgetExceededError reports a crossed cost ceiling. It is fatal for the
// call that crossed it and never retryable.
type BudgetExceededError struct {
	Scope  string
	Amount decimal.Decimal
	Limit  decimal.Decimal
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded: $%s > $%s", e.Scope, e.Amount.String(), e.Limit.String())
}

func (e *BudgetExceededError) Is(target error) bool {
	return target == ErrBudgetExceeded
}

// Limits are the spending ceilings enforced by a Tracker. Zero disables a
// ceiling.
type Limits struct {
	MaxCostPerCall    decimal.Decimal
	MaxCostPerSession decimal.Decimal
}

// Tracker accumulates cost for one session.
type Tracker struct {
	mu     sync.Mutex
	table  *Table
	limits Limits
	total  decimal.Decimal
	usage  Usage
	calls  int
}

// NewTracker creates a tracker. A nil table uses the built-in prices.
func NewTracker(table *Table, limits Limits) *Tracker {
	if table == nil {
		table = defaultTable
	}
	return &Tracker{table: table, limits: limits, total: decimal.Zero}
}

// Record prices one call and adds it to the session totals. The cost is
// always accumulated; the error is non-nil when this call crossed the
// per-call ceiling or pushed the session over its ceiling.
func (t *Tracker) Record(usage Usage, model string) (Cost, error) {
	cost := t.table.Calculate(usage, model)

	t.mu.Lock()
	defer t.mu.Unlock()
	before := t.total
	t.total = t.total.Add(cost.Total)
	t.usage = t.usage.Add(usage)
	t.calls++

	if lim := t.limits.MaxCostPerCall; lim.IsPositive() && cost.Total.GreaterThan(lim) {
		return cost, &BudgetExceededError{Scope: ScopeCall, Amount: cost.Total, Limit: lim}
	}
	if lim := t.limits.MaxCostPerSession; lim.IsPositive() &&
		t.total.GreaterThan(lim) && !before.GreaterThan(lim) {
		return cost, &BudgetExceededError{Scope: ScopeSession, Amount: t.total, Limit: lim}
	}
	return cost, nil
}

// Check reports whether the session is already over its ceiling, so callers
// can refuse new work before spending more.
func (t *Tracker) Check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lim := t.limits.MaxCostPerSession; lim.IsPositive() && t.total.GreaterThan(lim) {
		return &BudgetExceededError{Scope: ScopeSession, Amount: t.total, Limit: lim}
	}
	return nil
}

// Total returns the accumulated session cost.
func (t *Tracker) Total() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Usage returns the accumulated token usage.
func (t *Tracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Calls returns how many calls were recorded since the last reset.
func (t *Tracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Reset zeroes the session totals.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = decimal.Zero
	t.usage = Usage{}
	t.calls = 0
}
