package engine

import (
	"sync"

	"github.com/basket/agentcore/internal/bus"
)

// BusSink publishes events on the in-process bus under
// bus.TopicProcessorPrefix + event type.
type BusSink struct {
	Bus *bus.Bus
}

func (b BusSink) Emit(e Event) {
	if b.Bus == nil {
		return
	}
	b.Bus.Publish(bus.TopicProcessorPrefix+string(e.Type), e)
}

// Recorder keeps every event in memory. Nested processors use it to build
// summaries; tests use it to assert ordering.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
