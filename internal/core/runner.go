package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Runner executes pipeline runs on their own goroutines with a bound on how
// many are in flight
type Runner struct {
	processor Processor
	sem       *semaphore.Weighted
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type runOutcome struct {
	result *Result
	err    error
}

// NewRunner bounds concurrency to maxConcurrent runs. A zero timeout leaves
// runs limited only by the caller's context.
func NewRunner(processor Processor, maxConcurrent int64, timeout time.Duration, logger *slog.Logger) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Runner{
		processor: processor,
		sem:       semaphore.NewWeighted(maxConcurrent),
		timeout:   timeout,
		logger:    logger,
	}
}

// Run processes source with spec and waits for the result. If ctx ends or the
// run timeout fires first, Run returns that context's error right away; the
// abandoned run stops at its next stage boundary and any final artifact it
// still produced is removed.
func (r *Runner) Run(ctx context.Context, source string, spec Spec) (*Result, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRunnerClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.wg.Done()
		return nil, fmt.Errorf("waiting for a pipeline slot: %w", err)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if r.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	handoff := make(chan runOutcome)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		defer cancel()

		result, err := r.processor.Process(runCtx, source, spec)

		select {
		case handoff <- runOutcome{result: result, err: err}:
		case <-runCtx.Done():
			r.abandon(source, result)
		}
	}()

	select {
	case out := <-handoff:
		return out.result, out.err
	case <-runCtx.Done():
		err := runCtx.Err()
		if ctx.Err() == nil {
			r.logger.Warn("RUNNER: Run timed out", "source", source, "timeout", r.timeout)
		}
		return nil, err
	}
}

// abandon removes the output of a run nobody is waiting for.
func (r *Runner) abandon(source string, result *Result) {
	if result == nil || result.Output == "" || result.Output == source {
		return
	}
	if err := os.Remove(result.Output); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("RUNNER: Failed to remove abandoned output", "run_id", result.RunID, "path", result.Output, "error", err)
		return
	}
	r.logger.Info("RUNNER: Removed output of abandoned run", "run_id", result.RunID, "path", result.Output)
}

// Close rejects new runs and waits for in-flight ones to finish.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.wg.Wait()
}
