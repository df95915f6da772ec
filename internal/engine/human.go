package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Built-in human pseudo-tools. They are offered only when a HumanChannel
// is configured and are handled by the processor rather than executed.
const (
	ToolAskClarification = "ask_clarification"
	ToolRequestDecision  = "request_decision"
	ToolRequestEnvVar    = "request_env_var"
)

// ErrHumanUnavailable is returned by channels that cannot reach a person.
var ErrHumanUnavailable = errors.New("no human available")

// ClarificationRequest asks a free-form question.
type ClarificationRequest struct {
	SessionID string
	CallID    string
	Question  string
	Context   string
}

// DecisionRequest asks the human to pick one of Options.
type DecisionRequest struct {
	SessionID string
	CallID    string
	Question  string
	Options   []string
}

// EnvVarRequest asks for a secret or setting by name.
type EnvVarRequest struct {
	SessionID string
	CallID    string
	Name      string
	Reason    string
}

// HumanChannel answers the human pseudo-tools. Implementations block until
// answered or ctx is done.
type HumanChannel interface {
	AskClarification(ctx context.Context, req ClarificationRequest) (string, error)
	RequestDecision(ctx context.Context, req DecisionRequest) (string, error)
	RequestEnvVar(ctx context.Context, req EnvVarRequest) (string, error)
}

var envVarName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func isHumanTool(name string) bool {
	switch name {
	case ToolAskClarification, ToolRequestDecision, ToolRequestEnvVar:
		return true
	}
	return false
}

func humanToolSpecs() []toolSpec {
	return []toolSpec{
		{
			name:        ToolAskClarification,
			description: "Ask the user a clarifying question when the request is ambiguous. Blocks until the user answers.",
			params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{"type": "string", "description": "The question to ask"},
					"context":  map[string]any{"type": "string", "description": "Why the answer is needed"},
				},
				"required": []any{"question"},
			},
		},
		{
			name:        ToolRequestDecision,
			description: "Ask the user to choose between options before continuing.",
			params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{"type": "string"},
					"options": map[string]any{
						"type":     "array",
						"items":    map[string]any{"type": "string"},
						"minItems": 2,
					},
				},
				"required": []any{"question", "options"},
			},
		},
		{
			name:        ToolRequestEnvVar,
			description: "Ask the user to provide an environment variable, such as a credential. The value is stored on the session and never shown.",
			params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":   map[string]any{"type": "string", "description": "Variable name, e.g. GITHUB_TOKEN"},
					"reason": map[string]any{"type": "string"},
				},
				"required": []any{"name"},
			},
		},
	}
}

type toolSpec struct {
	name        string
	description string
	params      map[string]any
}

// humanOutcome is the observation produced by a human pseudo-tool.
type humanOutcome struct {
	output string
	err    error
	code   ErrorCode
}

func (p *Processor) handleHuman(ctx context.Context, s *Session, step int, tcName, callID string, input map[string]any) humanOutcome {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.HumanTimeout)
	defer cancel()

	switch tcName {
	case ToolAskClarification:
		q := stringArg(input, "question")
		if q == "" {
			return humanOutcome{err: errors.New("question is required"), code: CodeValidation}
		}
		s.setState(StateWaitingClarification)
		p.emit(s, Event{Type: EventClarificationAsked, Step: step, Data: map[string]any{
			"call_id": callID, "question": q, "context": stringArg(input, "context"),
		}})
		answer, err := p.human.AskClarification(waitCtx, ClarificationRequest{
			SessionID: s.ID, CallID: callID, Question: q, Context: stringArg(input, "context"),
		})
		if err != nil {
			return humanWaitFailed(ctx, "clarification", err)
		}
		p.emit(s, Event{Type: EventClarificationAnswered, Step: step, Data: map[string]any{
			"call_id": callID, "answer": answer,
		}})
		return humanOutcome{output: "User answered: " + answer}

	case ToolRequestDecision:
		q := stringArg(input, "question")
		opts := stringsArg(input, "options")
		if q == "" || len(opts) < 2 {
			return humanOutcome{err: errors.New("question and at least two options are required"), code: CodeValidation}
		}
		s.setState(StateWaitingDecision)
		p.emit(s, Event{Type: EventDecisionAsked, Step: step, Data: map[string]any{
			"call_id": callID, "question": q, "options": opts,
		}})
		choice, err := p.human.RequestDecision(waitCtx, DecisionRequest{
			SessionID: s.ID, CallID: callID, Question: q, Options: opts,
		})
		if err != nil {
			return humanWaitFailed(ctx, "decision", err)
		}
		p.emit(s, Event{Type: EventDecisionAnswered, Step: step, Data: map[string]any{
			"call_id": callID, "choice": choice,
		}})
		return humanOutcome{output: "User chose: " + choice}

	case ToolRequestEnvVar:
		name := strings.TrimSpace(stringArg(input, "name"))
		if !envVarName.MatchString(name) {
			return humanOutcome{err: fmt.Errorf("invalid variable name %q", name), code: CodeValidation}
		}
		s.setState(StateWaitingEnvVar)
		p.emit(s, Event{Type: EventEnvVarAsked, Step: step, Data: map[string]any{
			"call_id": callID, "name": name, "reason": stringArg(input, "reason"),
		}})
		value, err := p.human.RequestEnvVar(waitCtx, EnvVarRequest{
			SessionID: s.ID, CallID: callID, Name: name, Reason: stringArg(input, "reason"),
		})
		if err != nil {
			return humanWaitFailed(ctx, "environment variable", err)
		}
		s.SetEnv(name, value)
		p.emit(s, Event{Type: EventEnvVarProvided, Step: step, Data: map[string]any{
			"call_id": callID, "name": name,
		}})
		return humanOutcome{output: fmt.Sprintf("Environment variable %s was provided and stored on the session.", name)}
	}
	return humanOutcome{err: fmt.Errorf("unknown human tool %q", tcName), code: CodeInternal}
}

func humanWaitFailed(parent context.Context, what string, err error) humanOutcome {
	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return humanOutcome{err: fmt.Errorf("timed out waiting for %s", what), code: CodeTimeout}
	}
	return humanOutcome{err: fmt.Errorf("waiting for %s: %w", what, err), code: CodeExecution}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func stringsArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
