package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basket/agentcore/internal/pricing"
	"github.com/basket/agentcore/internal/runs"
)

// Outcome statuses. Run-backed outcomes reuse the run status; rejected and
// blocked tasks never created a run.
const (
	StatusCompleted = string(runs.StatusCompleted)
	StatusFailed    = string(runs.StatusFailed)
	StatusCancelled = string(runs.StatusCancelled)
	StatusTimedOut  = string(runs.StatusTimedOut)
	StatusRejected  = "rejected"
	StatusBlocked   = "blocked"
)

// Outcome is the result of one delegated task.
type Outcome struct {
	TaskID   string          `json:"task_id,omitempty"`
	RunID    string          `json:"run_id,omitempty"`
	SubAgent string          `json:"subagent"`
	Status   string          `json:"status"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Steps    int             `json:"steps,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
	Usage    pricing.Usage   `json:"usage,omitzero"`
	Cost     decimal.Decimal `json:"cost"`
	Duration time.Duration   `json:"duration_ns,omitempty"`

	// Truncated marks a completed reply that hit the output limit or a
	// content filter.
	Truncated bool `json:"truncated,omitempty"`
}

// OK reports whether the task completed.
func (o Outcome) OK() bool { return o.Status == StatusCompleted }

// Summary is the output of a completed task or the reason it did not.
func (o Outcome) Summary() string {
	if o.OK() {
		return o.Output
	}
	if o.Error != "" {
		return o.Error
	}
	return o.Status
}

// Report aggregates the outcomes of a parallel batch or chain, in
// execution order for chains and input order for parallel batches.
type Report struct {
	Mode     string    `json:"mode"`
	Outcomes []Outcome `json:"outcomes"`
}

// Completed counts completed outcomes.
func (r *Report) Completed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Partial reports whether any task did not complete.
func (r *Report) Partial() bool {
	return r.Completed() < len(r.Outcomes)
}

// Usage sums token usage over every outcome.
func (r *Report) Usage() pricing.Usage {
	var u pricing.Usage
	for _, o := range r.Outcomes {
		u = u.Add(o.Usage)
	}
	return u
}

// Cost sums cost over every outcome.
func (r *Report) Cost() decimal.Decimal {
	total := decimal.Zero
	for _, o := range r.Outcomes {
		total = total.Add(o.Cost)
	}
	return total
}

// Outcome returns the outcome for a task id.
func (r *Report) Outcome(taskID string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.TaskID == taskID {
			return o, true
		}
	}
	return Outcome{}, false
}

// Text renders the combined report handed back to the delegating model.
func (r *Report) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d/%d tasks completed", r.Mode, r.Completed(), len(r.Outcomes))
	if r.Partial() {
		sb.WriteString(" (partial)")
	}
	sb.WriteString("\n")
	for _, o := range r.Outcomes {
		status := o.Status
		if o.OK() && o.Truncated {
			status += " (truncated)"
		}
		fmt.Fprintf(&sb, "\n## %s [%s] %s\n%s\n", o.TaskID, o.SubAgent, status, o.Summary())
	}
	return sb.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
