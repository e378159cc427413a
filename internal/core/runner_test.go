package core

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProcessor writes an output file after release is closed
type stubProcessor struct {
	release  chan struct{}
	started  chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32

	// finish even when the run context ends, like a stage already underway
	ignoreCancel bool
}

func newStubProcessor() *stubProcessor {
	return &stubProcessor{
		release: make(chan struct{}),
		started: make(chan struct{}, 64),
	}
}

func (s *stubProcessor) Process(ctx context.Context, source string, spec Spec) (*Result, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	s.started <- struct{}{}

	if s.ignoreCancel {
		<-s.release
	} else {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	output := source + ".out"
	if err := os.WriteFile(output, []byte("done"), 0o644); err != nil {
		return nil, err
	}
	return &Result{RunID: "stub", Source: source, Output: output}, nil
}

func TestRunnerReturnsResult(t *testing.T) {
	pipeline, _ := newTestPipeline()
	runner := NewRunner(pipeline, 2, 0, discardLogger())
	defer runner.Close()
	source := writeSource(t, "run.png", 8, 8)

	result, err := runner.Run(context.Background(), source, Spec{Filters: []string{"invert"}})
	require.NoError(t, err)
	assert.FileExists(t, result.Output)
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	stub := newStubProcessor()
	runner := NewRunner(stub, 2, 0, discardLogger())
	dir := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := runner.Run(context.Background(), filepath.Join(dir, string(rune('a'+i))), Spec{Filters: []string{"x"}})
			assert.NoError(t, err)
		}(i)
	}

	<-stub.started
	<-stub.started
	select {
	case <-stub.started:
		t.Fatal("third run started while two were in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(stub.release)
	wg.Wait()
	runner.Close()

	assert.Equal(t, int32(2), stub.peak.Load())
}

func TestRunnerAbandonedRunRemovesOutput(t *testing.T) {
	stub := newStubProcessor()
	stub.ignoreCancel = true
	runner := NewRunner(stub, 1, 0, discardLogger())
	source := filepath.Join(t.TempDir(), "abandoned.png")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(ctx, source, Spec{Filters: []string{"x"}})
		done <- err
	}()

	<-stub.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(stub.release)
	runner.Close()

	assert.NoFileExists(t, source+".out")
}

func TestRunnerTimeout(t *testing.T) {
	stub := newStubProcessor()
	runner := NewRunner(stub, 1, 20*time.Millisecond, discardLogger())
	defer runner.Close()

	_, err := runner.Run(context.Background(), filepath.Join(t.TempDir(), "slow.png"), Spec{Filters: []string{"x"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunnerTimeoutDoesNotWaitForRunningStage(t *testing.T) {
	stub := newStubProcessor()
	stub.ignoreCancel = true
	runner := NewRunner(stub, 1, 20*time.Millisecond, discardLogger())
	source := filepath.Join(t.TempDir(), "stuck.png")

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), source, Spec{Filters: []string{"x"}})
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after its timeout")
	}

	close(stub.release)
	runner.Close()

	assert.NoFileExists(t, source+".out")
}

func TestRunnerWaitingForSlotHonoursContext(t *testing.T) {
	stub := newStubProcessor()
	runner := NewRunner(stub, 1, 0, discardLogger())
	dir := t.TempDir()

	go runner.Run(context.Background(), filepath.Join(dir, "first.png"), Spec{Filters: []string{"x"}})
	<-stub.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := runner.Run(ctx, filepath.Join(dir, "second.png"), Spec{Filters: []string{"x"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(stub.release)
	runner.Close()
}

func TestRunnerRejectsAfterClose(t *testing.T) {
	runner := NewRunner(newStubProcessor(), 1, 0, discardLogger())
	runner.Close()

	_, err := runner.Run(context.Background(), "x.png", Spec{Filters: []string{"x"}})
	assert.ErrorIs(t, err, ErrRunnerClosed)
}
