package tools

import "context"

// Option customises an adapted tool.
type Option func(*funcTool)

// WithPermission makes the adapted tool gate on a derived permission and
// pattern instead of its name.
func WithPermission(fn func(args map[string]any) (string, string)) Option {
	return func(t *funcTool) { t.permission = fn }
}

type funcTool struct {
	name        string
	description string
	params      map[string]any
	exec        func(ctx context.Context, args map[string]any) (Result, error)
	permission  func(args map[string]any) (string, string)
}

func (t *funcTool) Name() string               { return t.name }
func (t *funcTool) Description() string        { return t.description }
func (t *funcTool) Parameters() map[string]any { return t.params }

func (t *funcTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	return t.exec(ctx, args)
}

func (t *funcTool) Permission(args map[string]any) (string, string) {
	if t.permission == nil {
		return t.name, "*"
	}
	return t.permission(args)
}

func newFuncTool(name, description string, params map[string]any, exec func(context.Context, map[string]any) (Result, error), opts []Option) Tool {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	t := &funcTool{name: name, description: description, params: params, exec: exec}
	for _, o := range opts {
		o(t)
	}
	return t
}

// New adapts a function that already returns a Result.
func New(name, description string, params map[string]any, fn func(ctx context.Context, args map[string]any) (Result, error), opts ...Option) Tool {
	return newFuncTool(name, description, params, fn, opts)
}

// FromFunc adapts a tool that returns plain text.
func FromFunc(name, description string, params map[string]any, fn func(ctx context.Context, args map[string]any) (string, error), opts ...Option) Tool {
	return newFuncTool(name, description, params, func(ctx context.Context, args map[string]any) (Result, error) {
		out, err := fn(ctx, args)
		return Result{Output: out}, err
	}, opts)
}

// Structured is the {output, metadata} shape.
type Structured struct {
	Output   string
	Metadata map[string]any
}

// FromStructured adapts a tool that returns output plus metadata.
func FromStructured(name, description string, params map[string]any, fn func(ctx context.Context, args map[string]any) (Structured, error), opts ...Option) Tool {
	return newFuncTool(name, description, params, func(ctx context.Context, args map[string]any) (Result, error) {
		out, err := fn(ctx, args)
		return Result{Output: out.Output, Metadata: out.Metadata}, err
	}, opts)
}

// FromJSON adapts a tool that returns an arbitrary JSON value. The value is
// passed through Normalize.
func FromJSON(name, description string, params map[string]any, fn func(ctx context.Context, args map[string]any) (any, error), opts ...Option) Tool {
	return newFuncTool(name, description, params, func(ctx context.Context, args map[string]any) (Result, error) {
		out, err := fn(ctx, args)
		return Normalize(out), err
	}, opts)
}
