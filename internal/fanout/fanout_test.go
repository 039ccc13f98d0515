package fanout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/covecare/voicebook/internal/cliniko"
)

func testEngine(maxConcurrency, maxRetries int) *Engine {
	return New(Config{
		MaxConcurrency: maxConcurrency,
		DefaultTimeout: time.Second,
		MaxRetries:     maxRetries,
		BackoffBase:    5 * time.Millisecond,
	})
}

func TestExecutePreservesOrder(t *testing.T) {
	e := testEngine(4, 0)
	tasks := make([]Task[int], 10)
	for i := range tasks {
		n := i
		tasks[i] = Task[int]{
			Name: "t",
			Run:  func(ctx context.Context) (int, error) { return n * n, nil },
		}
	}
	results := Execute(context.Background(), e, tasks)
	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}
	for i, r := range results {
		if !r.OK() || r.Value != i*i {
			t.Fatalf("result %d = %+v", i, r)
		}
		if r.Attempts != 1 {
			t.Fatalf("result %d took %d attempts", i, r.Attempts)
		}
	}
}

func TestExecuteBoundsConcurrency(t *testing.T) {
	e := testEngine(3, 0)
	var inFlight, peak atomic.Int32
	tasks := make([]Task[struct{}], 20)
	for i := range tasks {
		tasks[i] = Task[struct{}]{
			Name: "t",
			Run: func(ctx context.Context) (struct{}, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return struct{}{}, nil
			},
		}
	}
	Execute(context.Background(), e, tasks)
	if got := peak.Load(); got > 3 {
		t.Fatalf("observed %d concurrent tasks, bound is 3", got)
	}
}

func TestTransientErrorsRetryWithBackoff(t *testing.T) {
	e := testEngine(2, 2)
	var calls atomic.Int32
	tasks := []Task[string]{{
		Name: "flaky",
		Run: func(ctx context.Context) (string, error) {
			if calls.Add(1) < 3 {
				return "", &cliniko.APIError{Status: 503, Class: cliniko.ClassTransient, Op: "test"}
			}
			return "ok", nil
		},
	}}
	results := Execute(context.Background(), e, tasks)
	r := results[0]
	if !r.OK() || r.Value != "ok" {
		t.Fatalf("expected eventual success, got %+v", r)
	}
	if r.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", r.Attempts)
	}
}

func TestConflictIsNeverRetried(t *testing.T) {
	e := testEngine(2, 5)
	var calls atomic.Int32
	tasks := []Task[string]{{
		Name: "conflict",
		Run: func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "", &cliniko.APIError{Status: 409, Class: cliniko.ClassConflict, Op: "test"}
		},
	}}
	results := Execute(context.Background(), e, tasks)
	r := results[0]
	if r.OK() {
		t.Fatal("expected failure")
	}
	if r.Class != cliniko.ClassConflict {
		t.Fatalf("class = %s", r.Class)
	}
	if calls.Load() != 1 {
		t.Fatalf("conflict was retried %d times", calls.Load()-1)
	}
}

func TestPermanentIsNeverRetried(t *testing.T) {
	e := testEngine(2, 5)
	var calls atomic.Int32
	tasks := []Task[string]{{
		Name: "bad-request",
		Run: func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "", &cliniko.APIError{Status: 422, Class: cliniko.ClassPermanent, Op: "test"}
		},
	}}
	Execute(context.Background(), e, tasks)
	if calls.Load() != 1 {
		t.Fatalf("permanent error was retried %d times", calls.Load()-1)
	}
}

func TestPerTaskTimeoutReportedAfterAllAttempts(t *testing.T) {
	e := New(Config{
		MaxConcurrency: 2,
		DefaultTimeout: 20 * time.Millisecond,
		MaxRetries:     1,
		BackoffBase:    time.Millisecond,
	})
	var calls atomic.Int32
	tasks := []Task[string]{{
		Name: "slow",
		Run: func(ctx context.Context) (string, error) {
			calls.Add(1)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}}
	results := Execute(context.Background(), e, tasks)
	r := results[0]
	if r.OK() {
		t.Fatal("expected timeout failure")
	}
	if r.Class != cliniko.ClassTimeout {
		t.Fatalf("class = %s, want timeout", r.Class)
	}
	if r.Attempts != 2 {
		t.Fatalf("expected both attempts consumed, got %d", r.Attempts)
	}
}

func TestBatchDeadlineCancelsRemainingTasks(t *testing.T) {
	e := testEngine(1, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	block := func(ctx context.Context) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
			return "late", nil
		}
	}
	tasks := []Task[string]{
		{Name: "a", Run: block},
		{Name: "b", Run: block},
		{Name: "c", Run: block},
	}
	results := Execute(ctx, e, tasks)
	var cancelled int
	for _, r := range results {
		if r.Err != nil && (r.Class == cliniko.ClassCancelled || r.Class == cliniko.ClassTimeout) {
			cancelled++
		}
	}
	if cancelled == 0 {
		t.Fatalf("expected cancelled results, got %+v", results)
	}
}

func TestEmptyBatch(t *testing.T) {
	e := testEngine(4, 1)
	results := Execute[int](context.Background(), e, nil)
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestClassifyPlainError(t *testing.T) {
	if cliniko.Classify(errors.New("boom")) != cliniko.ClassTransient {
		t.Fatal("plain errors should classify transient")
	}
}

func TestProgressiveTimeout(t *testing.T) {
	near, far := 8*time.Second, 20*time.Second
	if ProgressiveTimeout(0, near, far) != near {
		t.Fatal("day 0 should use the near timeout")
	}
	if ProgressiveTimeout(2, near, far) != near {
		t.Fatal("day 2 should use the near timeout")
	}
	if ProgressiveTimeout(4, near, far) != 14*time.Second {
		t.Fatal("mid-range days should use the midpoint")
	}
	if ProgressiveTimeout(10, near, far) != far {
		t.Fatal("day 10 should use the far timeout")
	}
}
