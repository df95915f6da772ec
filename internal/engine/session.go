package engine

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/basket/agentcore/internal/doomloop"
	"github.com/basket/agentcore/internal/llm"
	"github.com/basket/agentcore/internal/pricing"
)

// State is the processor's position in its control loop.
type State string

const (
	StateIdle                 State = "IDLE"
	StateThinking             State = "THINKING"
	StateActing               State = "ACTING"
	StateObserving            State = "OBSERVING"
	StateWaitingPermission    State = "WAITING_PERMISSION"
	StateWaitingClarification State = "WAITING_CLARIFICATION"
	StateWaitingDecision      State = "WAITING_DECISION"
	StateWaitingEnvVar        State = "WAITING_ENV_VAR"
	StateRetrying             State = "RETRYING"
	StateCompleted            State = "COMPLETED"
	StateError                State = "ERROR"
	StateSuspended            State = "SUSPENDED"
	StateAborted              State = "ABORTED"
)

// Terminal reports whether s ends a Process call.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateError, StateSuspended, StateAborted:
		return true
	}
	return false
}

// Session is one conversation driven by a processor. Messages grows as
// steps commit; everything else is safe for concurrent use so supervisors
// can steer a live session.
type Session struct {
	ID             string
	ConversationID string
	RunID          string

	// Tasks is the externally tracked task list consulted by EvaluateGoal.
	Tasks TaskList

	Messages []llm.Message

	seq atomic.Int64

	mu      sync.Mutex
	state   State
	env     map[string]string
	steer   []string
	doom    *doomloop.Detector
	tracker *pricing.Tracker
}

// NewSession creates an idle session.
func NewSession(id string) *Session {
	return &Session{ID: id, state: StateIdle}
}

// State returns the current loop state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return StateIdle
	}
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Steer queues an instruction the loop applies at its next step boundary.
func (s *Session) Steer(instruction string) {
	if instruction == "" {
		return
	}
	s.mu.Lock()
	s.steer = append(s.steer, instruction)
	s.mu.Unlock()
}

func (s *Session) drainSteer() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.steer
	s.steer = nil
	return out
}

// SetEnv stores an environment value provided by a human. Values never
// appear in events.
func (s *Session) SetEnv(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.env == nil {
		s.env = make(map[string]string)
	}
	s.env[name] = value
}

// Env returns a provided environment value.
func (s *Session) Env(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.env[name]
	return v, ok
}

// EnvNames returns the names of provided environment values, sorted.
func (s *Session) EnvNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.env))
	for k := range s.env {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Tracker returns the session's cost tracker, or nil before the first
// Process call.
func (s *Session) Tracker() *pricing.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker
}

// LastAssistantText returns the text of the most recent assistant message.
func (s *Session) LastAssistantText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.RoleAssistant {
			if t := s.Messages[i].Text(); t != "" {
				return t
			}
		}
	}
	return ""
}

func (s *Session) ensure(cfg Config) (*doomloop.Detector, *pricing.Tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doom == nil {
		s.doom = doomloop.New(cfg.DoomLoopWindow, cfg.DoomLoopThreshold)
	}
	if s.tracker == nil {
		s.tracker = pricing.NewTracker(cfg.Pricing, cfg.Limits)
	}
	return s.doom, s.tracker
}
