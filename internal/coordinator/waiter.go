package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/runs"
)

// Waiter tracks run completion via bus events with polling fallback.
type Waiter struct {
	eventBus *bus.Bus // nil for polling-only mode
	registry *runs.Registry
}

// NewWaiter creates a run completion waiter. eventBus can be nil.
func NewWaiter(eventBus *bus.Bus, registry *runs.Registry) *Waiter {
	return &Waiter{eventBus: eventBus, registry: registry}
}

// Wait blocks until the run reaches a terminal status or the timeout
// expires.
func (w *Waiter) Wait(ctx context.Context, conversationID, runID string, timeout time.Duration) (*runs.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe before the first check so a transition in between is not missed.
	var sub *bus.Subscription
	if w.eventBus != nil {
		sub = w.eventBus.Subscribe(bus.TopicRunStateChanged)
		defer w.eventBus.Unsubscribe(sub)
	}

	rec, err := w.checkTerminal(ctx, conversationID, runID)
	if err != nil || rec != nil {
		return rec, err
	}

	// Events give low latency; the slow ticker covers runs finished by
	// another process sharing the store.
	tickerInterval := 1 * time.Second
	if w.eventBus == nil {
		tickerInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	var events <-chan bus.Event
	if sub != nil {
		events = sub.Ch()
	}
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for run %s: %w", runID, ctx.Err())

		case <-ticker.C:
			rec, err := w.checkTerminal(ctx, conversationID, runID)
			if err != nil || rec != nil {
				return rec, err
			}

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !isEventForRun(event, runID) {
				continue
			}
			rec, err := w.checkTerminal(ctx, conversationID, runID)
			if err != nil || rec != nil {
				return rec, err
			}
		}
	}
}

func isEventForRun(event bus.Event, runID string) bool {
	e, ok := event.Payload.(bus.RunStateChangedEvent)
	return ok && e.RunID == runID
}

// WaitForAll waits for several runs. A failure to wait on one run does not
// stop the others.
func (w *Waiter) WaitForAll(ctx context.Context, conversationID string, runIDs []string, timeout time.Duration) (map[string]*runs.Record, error) {
	results := make(map[string]*runs.Record)
	var mu sync.Mutex
	var wg sync.WaitGroup
	errCh := make(chan error, len(runIDs))

	for _, id := range runIDs {
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			rec, err := w.Wait(ctx, conversationID, runID, timeout)
			if err != nil {
				errCh <- fmt.Errorf("run %s: %w", runID, err)
				return
			}
			mu.Lock()
			results[runID] = rec
			mu.Unlock()
		}(id)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return results, fmt.Errorf("%d runs failed: %v", len(errs), errs[0])
	}
	return results, nil
}

// checkTerminal returns the run when it is terminal and nil while it is
// still active.
func (w *Waiter) checkTerminal(ctx context.Context, conversationID, runID string) (*runs.Record, error) {
	rec, err := w.registry.Get(ctx, conversationID, runID)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	if !rec.Status.Terminal() {
		return nil, nil
	}
	return rec, nil
}
