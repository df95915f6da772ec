package coordinator

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Parallel runs tasks concurrently, at most maxConcurrency at a time (the
// configured default when non-positive). A failing task never cancels its
// siblings; every task gets an outcome, in input order.
func (o *Orchestrator) Parallel(ctx context.Context, tasks []Task, maxConcurrency int) (*Report, error) {
	if len(tasks) == 0 {
		return nil, errors.New("parallel: no tasks")
	}
	if maxConcurrency <= 0 {
		maxConcurrency = o.cfg.MaxConcurrency
	}
	tasks = withDefaultIDs(tasks)

	report := &Report{Mode: ModeParallel, Outcomes: make([]Outcome, len(tasks))}
	sem := semaphore.NewWeighted(int64(maxConcurrency))
	var g errgroup.Group
	for i, t := range tasks {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				report.Outcomes[i] = Outcome{TaskID: t.ID, SubAgent: t.SubAgent, Status: StatusCancelled, Error: err.Error()}
				return nil
			}
			defer sem.Release(1)
			// Admission failures are recorded on the outcome.
			out, _ := o.delegate(ctx, t, ModeParallel)
			report.Outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info("parallel delegation finished", "tasks", len(tasks),
		"completed", report.Completed(), "max_concurrency", maxConcurrency)
	return report, nil
}
