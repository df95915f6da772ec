package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/agentcore/internal/agent"
	"github.com/basket/agentcore/internal/runs"
)

// Spawn registers a running run and executes it in the background. The
// returned record is the run as admitted; completion is observable through
// Wait, the registry or lifecycle hooks.
func (o *Orchestrator) Spawn(ctx context.Context, t Task) (*runs.Record, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}
	rec, def, err := o.start(ctx, t, ModeSpawn)
	if err != nil {
		return nil, err
	}
	if err := o.launch(ctx, rec, def); err != nil {
		return nil, err
	}
	return rec, nil
}

// launch runs rec on its own goroutine, detached from the caller's
// cancellation but keeping its values.
func (o *Orchestrator) launch(ctx context.Context, rec *runs.Record, def agent.Definition) error {
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel(errShutdown)
		_, _, _ = o.registry.MarkCancelled(runCtx, rec.ConversationID, rec.RunID, errShutdown.Error())
		return ErrShuttingDown
	}
	o.live[rec.RunID] = &liveRun{cancel: cancel}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer cancel(nil)
		out := o.drive(runCtx, rec, def, true)
		o.announce(context.WithoutCancel(runCtx), rec, out)
	}()
	return nil
}

// announce persists the outcome of a detached run into its metadata,
// retrying with capped backoff. When every attempt fails the run is tagged
// announce_failed instead.
func (o *Orchestrator) announce(ctx context.Context, rec *runs.Record, out Outcome) {
	summary := map[string]any{
		"status":     out.Status,
		"summary":    truncate(out.Summary(), 2000),
		"steps":      out.Steps,
		"tokens":     out.Usage.Total(),
		"usage":      out.Usage,
		"cost":       out.Cost.String(),
		"elapsed_ms": out.Duration.Milliseconds(),
	}
	policy := o.cfg.Announce
	logger := o.logger.With("run_id", rec.RunID, "conversation_id", rec.ConversationID)

	var lastErr error
	attempt := 1
	for ; ; attempt++ {
		_, err := o.registry.AttachMetadata(ctx, rec.ConversationID, rec.RunID, map[string]any{
			runs.MetaAnnounce:         summary,
			runs.MetaAnnounceAttempts: attempt,
		})
		if err == nil {
			return
		}
		lastErr = err
		if attempt >= policy.MaxAttempts {
			break
		}
		delay := policy.CalculateDelay(attempt, nil)
		logger.Warn("announce failed, retrying", "attempt", attempt, "delay", delay.String(), "error", err)
		if err := o.sleep(ctx, delay); err != nil {
			break
		}
	}

	o.metrics.AnnounceFailed(ctx)
	logger.Error("announce gave up", "attempts", attempt, "error", lastErr)
	if _, err := o.registry.AttachMetadata(ctx, rec.ConversationID, rec.RunID, map[string]any{
		runs.MetaAnnounceFailed:   lastErr.Error(),
		runs.MetaAnnounceAttempts: attempt,
	}); err != nil {
		logger.Error("record announce failure", "error", err)
	}
}

// Cancel cancels runID and every active descendant, interrupting the ones
// executing here. It returns the ids that were cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, conversationID, runID, reason string) ([]string, error) {
	if reason == "" {
		reason = errCancelledRun.Error()
	}
	ids, err := o.registry.CancelTree(ctx, conversationID, runID, reason)
	for _, id := range ids {
		o.interrupt(id, errors.New(reason))
	}
	if len(ids) > 0 {
		o.logger.Info("runs cancelled", "run_id", runID, "conversation_id", conversationID,
			"count", len(ids), "reason", reason)
	}
	return ids, err
}

// Wait blocks until the run is terminal or timeout elapses. A zero timeout
// uses the configured default.
func (o *Orchestrator) Wait(ctx context.Context, conversationID, runID string, timeout time.Duration) (*runs.Record, error) {
	if timeout <= 0 {
		timeout = o.cfg.WaitTimeout
	}
	return o.waiter.Wait(ctx, conversationID, runID, timeout)
}

// Shutdown stops accepting detached runs, cancels everything executing
// here and waits for background goroutines until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, lr := range o.live {
		if lr.cancel != nil {
			lr.cancel(errShutdown)
		}
	}
	n := len(o.live)
	o.mu.Unlock()
	o.logger.Info("orchestrator shutting down", "live_runs", n)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
