// Package llmtest provides scripted llm.Generator implementations for tests.
package llmtest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/basket/agentcore/internal/llm"
	"github.com/basket/agentcore/internal/pricing"
)

// ErrScriptExhausted is returned when a Script receives more calls than it
// has turns.
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Turn is the canned response to one Generate call. Events are replayed in
// order; if Err is set it is returned after the events.
type Turn struct {
	Events []llm.StreamEvent
	Err    error
}

// Script replays one Turn per Generate call and records every request.
type Script struct {
	mu       sync.Mutex
	turns    []Turn
	requests []llm.Request
}

// NewScript creates a script from turns.
func NewScript(turns ...Turn) *Script {
	return &Script{turns: turns}
}

// Append adds turns to the end of the script.
func (s *Script) Append(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
}

// Requests returns the requests received so far.
func (s *Script) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns how many times Generate was called.
func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Generate implements llm.Generator.
func (s *Script) Generate(ctx context.Context, req llm.Request) iter.Seq2[llm.StreamEvent, error] {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var turn Turn
	ok := len(s.turns) > 0
	if ok {
		turn = s.turns[0]
		s.turns = s.turns[1:]
	}
	s.mu.Unlock()

	if !ok {
		return Replay(ctx, Turn{Err: ErrScriptExhausted})
	}
	return Replay(ctx, turn)
}

// Replay turns a Turn into a stream, stopping early when ctx is done.
func Replay(ctx context.Context, turn Turn) iter.Seq2[llm.StreamEvent, error] {
	return func(yield func(llm.StreamEvent, error) bool) {
		for _, ev := range turn.Events {
			if err := ctx.Err(); err != nil {
				yield(llm.StreamEvent{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if turn.Err != nil {
			yield(llm.StreamEvent{}, turn.Err)
		}
	}
}

// Func adapts a function returning a Turn into a Generator. It is handy
// when the response depends on the request, such as nested subagents.
type Func func(ctx context.Context, req llm.Request) Turn

func (f Func) Generate(ctx context.Context, req llm.Request) iter.Seq2[llm.StreamEvent, error] {
	return Replay(ctx, f(ctx, req))
}

// DefaultUsage is the usage reported by the helpers below.
var DefaultUsage = pricing.Usage{Input: 100, Output: 20}

// Text is a turn that streams text word by word and finishes with "stop".
func Text(text string) Turn {
	return Turn{Events: TextEvents(text, llm.FinishStop)}
}

// TextEvents streams text followed by usage and a finish event.
func TextEvents(text string, reason llm.FinishReason) []llm.StreamEvent {
	id := "text-1"
	evs := []llm.StreamEvent{{Kind: llm.EventTextStart, ID: id}}
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		evs = append(evs, llm.StreamEvent{Kind: llm.EventTextDelta, ID: id, Text: w})
	}
	evs = append(evs,
		llm.StreamEvent{Kind: llm.EventTextEnd, ID: id},
		llm.StreamEvent{Kind: llm.EventUsage, Usage: DefaultUsage},
		llm.StreamEvent{Kind: llm.EventFinish, FinishReason: reason},
	)
	return evs
}

// Call describes one tool call in a ToolCalls turn.
type Call struct {
	ID    string
	Tool  string
	Input map[string]any
}

// ToolCalls is a turn requesting the given tool calls.
func ToolCalls(calls ...Call) Turn {
	var evs []llm.StreamEvent
	for i, c := range calls {
		id := c.ID
		if id == "" {
			id = fmt.Sprintf("call-%d", i+1)
		}
		evs = append(evs,
			llm.StreamEvent{Kind: llm.EventToolCallStart, ToolCallID: id, ToolName: c.Tool},
			llm.StreamEvent{Kind: llm.EventToolCallEnd, ToolCallID: id, ToolName: c.Tool, Input: c.Input},
		)
	}
	evs = append(evs,
		llm.StreamEvent{Kind: llm.EventUsage, Usage: DefaultUsage},
		llm.StreamEvent{Kind: llm.EventFinish, FinishReason: llm.FinishToolCalls},
	)
	return Turn{Events: evs}
}

// ToolCall is a turn requesting a single tool call.
func ToolCall(tool string, input map[string]any) Turn {
	return ToolCalls(Call{Tool: tool, Input: input})
}

// Fail is a turn that fails before producing any event.
func Fail(err error) Turn {
	return Turn{Err: err}
}

// FailAfterText streams partial text and then fails, the shape of a
// connection dropped mid-response.
func FailAfterText(text string, err error) Turn {
	return Turn{
		Events: []llm.StreamEvent{
			{Kind: llm.EventTextStart, ID: "text-1"},
			{Kind: llm.EventTextDelta, ID: "text-1", Text: text},
		},
		Err: err,
	}
}

// LastUserText returns the text of the last user message of req.
func LastUserText(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Text()
		}
	}
	return ""
}
