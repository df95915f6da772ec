// Package tools defines the capability interface the session processor
// executes, adapters for the shapes tool implementations return, and a
// registry with JSON Schema argument validation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is a capability offered to the model.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema of the argument object.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Permissioned is implemented by tools that gate on something more
// specific than their name, such as a file path or shell command.
type Permissioned interface {
	Permission(args map[string]any) (permission, pattern string)
}

// SideEvent is an event a tool wants surfaced on the processor's event
// stream, merged in order right after the tool's observation.
type SideEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Result is a tool's observation.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Events   []SideEvent    `json:"events,omitempty"`
}

// PermissionFor returns the permission and pattern the gate evaluates for
// a call to t. Tools that do not implement Permissioned gate on their name
// with the "*" pattern.
func PermissionFor(t Tool, args map[string]any) (string, string) {
	if p, ok := t.(Permissioned); ok {
		perm, pattern := p.Permission(args)
		if perm == "" {
			perm = t.Name()
		}
		if pattern == "" {
			pattern = "*"
		}
		return perm, pattern
	}
	return t.Name(), "*"
}

// Normalize converts the value a legacy tool returned into a Result:
// strings become the output, {output, metadata} maps keep both, and any
// other value is rendered as JSON.
func Normalize(v any) Result {
	switch r := v.(type) {
	case nil:
		return Result{}
	case Result:
		return r
	case *Result:
		if r == nil {
			return Result{}
		}
		return *r
	case string:
		return Result{Output: r}
	case []byte:
		return Result{Output: string(r)}
	case map[string]any:
		if out, ok := r["output"]; ok {
			res := Result{Output: stringify(out)}
			if md, ok := r["metadata"].(map[string]any); ok {
				res.Metadata = md
			}
			return res
		}
	}
	return Result{Output: stringify(v)}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
