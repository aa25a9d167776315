package pipeline

import (
	"sync"

	"go.uber.org/zap"
)

// Runner executes background tasks with a concurrency ceiling. Senders
// run through it so a burst of claimed batches cannot spawn unbounded
// goroutines.
type Runner struct {
	sem chan struct{}
	wg  sync.WaitGroup
	log *zap.SugaredLogger
}

// NewRunner returns a runner allowing at most limit concurrent tasks.
func NewRunner(limit int, logger *zap.SugaredLogger) *Runner {
	if limit <= 0 {
		limit = 1
	}
	return &Runner{sem: make(chan struct{}, limit), log: logger}
}

// Go schedules fn as an independent task, waiting for a free slot before
// running it. The scheduling call never blocks. Task errors are logged,
// not returned: background failures must never reach the execution
// context that scheduled them.
func (r *Runner) Go(name string, fn func() error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sem <- struct{}{}
		defer func() { <-r.sem }()
		if err := fn(); err != nil {
			r.log.Errorw("background task failed", "task", name, "error", err)
		}
	}()
}

// Wait blocks until every scheduled task has finished.
func (r *Runner) Wait() { r.wg.Wait() }
