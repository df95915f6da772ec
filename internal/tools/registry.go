package tools

import (
	"fmt"
	"path"
	"sync"

	"github.com/basket/agentcore/internal/llm"
)

// Registry holds the tools offered to one processor, in registration order.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	order     []string
	validator *Validator
}

// NewRegistry builds a registry from ts. Duplicate names panic, as they
// are a programming error at wiring time.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool), validator: NewValidator()}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds t. It fails if a tool with the same name exists.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tools: empty tool name")
	}
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tools: duplicate tool %q", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get returns the tool named name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Specs returns the catalogue sent to the model.
func (r *Registry) Specs() []llm.ToolSpec {
	ts := r.List()
	out := make([]llm.ToolSpec, 0, len(ts))
	for _, t := range ts {
		out = append(out, llm.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}
	return out
}

// Filter returns a registry holding the tools whose names match an allow
// pattern (all tools when allow is empty) and no deny pattern. Patterns use
// path.Match syntax.
func (r *Registry) Filter(allow, deny []string) *Registry {
	out := &Registry{tools: make(map[string]Tool), validator: r.validator}
	for _, t := range r.List() {
		name := t.Name()
		if len(allow) > 0 && !matchAny(allow, name) {
			continue
		}
		if matchAny(deny, name) {
			continue
		}
		out.tools[name] = t
		out.order = append(out.order, name)
	}
	return out
}

// With returns a copy of r with extra tools added. Tools whose name is
// already present are skipped.
func (r *Registry) With(extra ...Tool) *Registry {
	out := r.Filter(nil, nil)
	for _, t := range extra {
		if _, ok := out.tools[t.Name()]; ok {
			continue
		}
		out.tools[t.Name()] = t
		out.order = append(out.order, t.Name())
	}
	return out
}

// Validate checks args against the schema of the named tool.
func (r *Registry) Validate(name string, args map[string]any) error {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("tools: unknown tool %q", name)
	}
	return r.validator.Validate(t, args)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
