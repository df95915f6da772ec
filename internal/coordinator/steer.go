package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/runs"
)

// SteerResult reports how a steer was applied.
type SteerResult struct {
	RunID         string    `json:"run_id"`
	Mode          SteerMode `json:"mode"`
	ReplacementID string    `json:"replacement_run_id,omitempty"`
}

// Steer redirects an active run. In soft mode the instruction is recorded
// on the run and queued for the live loop's next step; in hard mode the run
// is cancelled and a replacement with the instruction appended takes its
// place in the same lineage.
func (o *Orchestrator) Steer(ctx context.Context, conversationID, runID, instruction string) (*SteerResult, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, errors.New("steer: instruction is empty")
	}
	rec, err := o.registry.Get(ctx, conversationID, runID)
	if err != nil {
		return nil, fmt.Errorf("steer: %w", err)
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("steer: run %s is already %s", runID, rec.Status)
	}
	if err := o.allowSteer(runID); err != nil {
		return nil, err
	}

	var res *SteerResult
	if o.cfg.SteerMode == SteerHard {
		res, err = o.steerHard(ctx, rec, instruction)
	} else {
		res, err = o.steerSoft(ctx, rec, instruction)
	}
	if err != nil {
		return nil, err
	}
	if o.bus != nil {
		o.bus.Publish(bus.TopicRunSteered, bus.RunSteeredEvent{
			RunID:          runID,
			ConversationID: conversationID,
			Mode:           string(res.Mode),
			ReplacedBy:     res.ReplacementID,
		})
	}
	o.logger.Info("run steered", "run_id", runID, "conversation_id", conversationID,
		"mode", res.Mode, "replacement_run_id", res.ReplacementID)
	return res, nil
}

func (o *Orchestrator) allowSteer(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	if last, ok := o.lastSteer[runID]; ok {
		if wait := o.cfg.SteerInterval - now.Sub(last); wait > 0 {
			return fmt.Errorf("%w: run %s, retry in %s", ErrSteerRateLimited, runID, wait.Round(time.Millisecond))
		}
	}
	// Only runs driven by this process are untracked on finish.
	if _, ok := o.live[runID]; ok {
		o.lastSteer[runID] = now
	}
	return nil
}

func (o *Orchestrator) steerSoft(ctx context.Context, rec *runs.Record, instruction string) (*SteerResult, error) {
	if s := o.liveSession(rec.RunID); s != nil {
		s.Steer(instruction)
	}
	_, err := o.registry.AttachMetadata(ctx, rec.ConversationID, rec.RunID, map[string]any{
		runs.MetaSteerPending: instruction,
		runs.MetaSteerCount:   rec.MetaInt(runs.MetaSteerCount) + 1,
		runs.MetaLastSteerAt:  o.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("steer: %w", err)
	}
	return &SteerResult{RunID: rec.RunID, Mode: SteerSoft}, nil
}

// steerHard replaces the run. The replacement runs detached whatever mode
// the original was started in.
func (o *Orchestrator) steerHard(ctx context.Context, rec *runs.Record, instruction string) (*SteerResult, error) {
	def, err := o.catalog.Resolve(rec.SubAgent)
	if err != nil {
		return nil, fmt.Errorf("steer: %w", err)
	}
	if _, err := o.Cancel(ctx, rec.ConversationID, rec.RunID, "steered: replaced by a new run"); err != nil {
		return nil, fmt.Errorf("steer: cancel %s: %w", rec.RunID, err)
	}

	md := runs.CloneMetadata(rec.Metadata)
	if md == nil {
		md = make(map[string]any)
	}
	for _, k := range []string{runs.MetaSteerPending, runs.MetaAnnounce, runs.MetaAnnounceAttempts, runs.MetaAnnounceFailed, runs.MetaCancelReason} {
		delete(md, k)
	}
	md[runs.MetaSteeredFrom] = rec.RunID
	md[runs.MetaSteerCount] = rec.MetaInt(runs.MetaSteerCount) + 1
	md[runs.MetaLastSteerAt] = o.now().UTC().Format(time.RFC3339Nano)

	spec := runs.Spec{
		ConversationID: rec.ConversationID,
		SubAgent:       rec.SubAgent,
		Task:           fmt.Sprintf("%s\n\n[STEER]\n%s", rec.Task, instruction),
		Requester:      rec.Requester,
		ParentRunID:    rec.ParentRunID,
		RootRunID:      rec.RootRunID,
		Depth:          rec.Depth,
		Metadata:       md,
	}
	next, err := o.registry.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("steer: create replacement: %w", err)
	}
	if _, err := o.registry.AttachMetadata(ctx, rec.ConversationID, rec.RunID, map[string]any{
		runs.MetaReplacedBy: next.RunID,
	}); err != nil {
		return nil, fmt.Errorf("steer: link replacement: %w", err)
	}
	running, won, err := o.registry.MarkRunning(ctx, next.ConversationID, next.RunID)
	if err != nil {
		return nil, fmt.Errorf("steer: start replacement: %w", err)
	}
	if !won {
		return nil, fmt.Errorf("steer: replacement %s was %s before it started", next.RunID, running.Status)
	}
	if err := o.launch(ctx, running, def); err != nil {
		return nil, err
	}
	return &SteerResult{RunID: rec.RunID, Mode: SteerHard, ReplacementID: next.RunID}, nil
}
