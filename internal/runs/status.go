// Package runs is the registry of subagent runs: durable records, guarded
// state transitions and admission control over pluggable stores.
package runs

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
		StatusTimedOut:  {},
	},
}

// ActiveStatuses are the statuses counted by admission control.
var ActiveStatuses = []Status{StatusPending, StatusRunning}

// TerminalStatuses are the statuses a run never leaves.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// predecessors returns the statuses that may transition to to.
func predecessors(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusRunning} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Active reports whether s counts against admission caps.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Active() || s.Terminal()
}

// ParseStatus accepts a status name in any case; "timed-out" is accepted
// for timed_out.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return st, nil
	}
	return "", fmt.Errorf("unknown run status %q", s)
}
