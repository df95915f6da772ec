package runs

import (
	"errors"
	"fmt"
)

// ErrCapacity matches any *CapacityError via errors.Is.
var ErrCapacity = errors.New("run capacity exceeded")

// ErrDepthExceeded rejects a creation nested deeper than the configured
// delegation depth.
var ErrDepthExceeded = errors.New("max delegation depth exceeded")

// Admission scopes.
const (
	ScopeConversation = "conversation"
	ScopeRequester    = "requester"
	ScopeLineage      = "lineage"
)

// CapacityError reports which admission cap rejected a creation.
type CapacityError struct {
	Scope  string
	Key    string
	Active int
	Limit  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("run admission rejected: %s %q has %d/%d active runs", e.Scope, e.Key, e.Active, e.Limit)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}
