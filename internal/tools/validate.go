package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError reports arguments that do not satisfy a tool's schema.
type ValidationError struct {
	Tool string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validator compiles tool parameter schemas once and validates call
// arguments against them.
type Validator struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*jsonschema.Schema)}
}

// Validate checks args against t.Parameters(). Tools without a schema
// accept anything.
func (v *Validator) Validate(t Tool, args map[string]any) error {
	schema, err := v.compile(t)
	if err != nil {
		return &ValidationError{Tool: t.Name(), Err: err}
	}
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so numbers become json.Number, which the
	// validator requires.
	inst, err := toJSONValue(args)
	if err != nil {
		return &ValidationError{Tool: t.Name(), Err: err}
	}
	if err := schema.Validate(inst); err != nil {
		return &ValidationError{Tool: t.Name(), Err: err}
	}
	return nil
}

func (v *Validator) compile(t Tool) (*jsonschema.Schema, error) {
	params := t.Parameters()
	if len(params) == 0 {
		return nil, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.schemas[t.Name()]; ok {
		return s, nil
	}
	doc, err := toJSONValue(params)
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	url := t.Name() + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.schemas[t.Name()] = s
	return s, nil
}

func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}
