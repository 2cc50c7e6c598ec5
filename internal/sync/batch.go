package sync

import (
	"context"
	"log/slog"
	"sync"
)

// Syncer processes one repository target. *Workflow is the production
// implementation.
type Syncer interface {
	Run(ctx context.Context, target Target) Result
}

// Runner processes a batch of independent repository targets with a bounded
// number of concurrent pipelines. Pipelines share no mutable state: each gets
// its own workspace clone and its own credential. Cancellation stops starting
// new repositories; in-flight pipelines run to completion.
type Runner struct {
	workflow Syncer
	workers  int
	logger   *slog.Logger
}

// NewRunner creates a batch runner. workers < 1 is treated as 1.
func NewRunner(workflow Syncer, workers int, logger *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{workflow: workflow, workers: workers, logger: logger}
}

// Run processes all targets and returns one Result per started target, in
// input order. Targets not started due to cancellation are omitted.
func (r *Runner) Run(ctx context.Context, targets []Target) []Result {
	results := make([]Result, len(targets))
	started := make([]bool, len(targets))

	sem := make(chan struct{}, r.workers)
	var wg sync.WaitGroup

schedule:
	for i, target := range targets {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			r.logger.Warn("cancelled, not starting remaining repositories",
				"remaining", len(targets)-i)
			break schedule
		}

		started[i] = true
		wg.Add(1)
		go func(i int, target Target) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.workflow.Run(ctx, target)
		}(i, target)
	}

	wg.Wait()

	out := make([]Result, 0, len(targets))
	for i := range targets {
		if started[i] {
			out = append(out, results[i])
		}
	}
	return out
}
