package fanout

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/covecare/voicebook/internal/cliniko"
	"github.com/covecare/voicebook/pkg/logging"
)

// Task is one unit of fan-out work. Timeout, when set, overrides the
// engine default for every attempt of this task.
type Task[T any] struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) (T, error)
}

// Result carries the outcome of one task. Exactly one of Value/Err is
// meaningful, discriminated by Err; Class explains a failure in the
// upstream taxonomy.
type Result[T any] struct {
	Name     string
	Value    T
	Err      error
	Class    cliniko.ErrorClass
	Duration time.Duration
	Attempts int
}

// OK reports whether the task produced a value.
func (r *Result[T]) OK() bool { return r.Err == nil }

// Metrics receives per-task observations.
type Metrics interface {
	ObserveFanoutTask(outcome string, seconds float64)
}

// Engine executes task batches under a concurrency bound with retry on
// transient upstream failures. Admission to the upstream rate budget
// happens inside the tasks themselves (the client acquires per call),
// so a retry re-enters the queue like any fresh call.
type Engine struct {
	maxConcurrency int64
	defaultTimeout time.Duration
	maxRetries     int
	backoffBase    time.Duration
	logger         *logging.Logger
	metrics        Metrics
	tracer         trace.Tracer
}

// Config parameterizes an Engine.
type Config struct {
	MaxConcurrency int
	DefaultTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	Logger         *logging.Logger
	Metrics        Metrics
}

// New builds a fan-out engine.
func New(cfg Config) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 12
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 20 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Engine{
		maxConcurrency: int64(cfg.MaxConcurrency),
		defaultTimeout: cfg.DefaultTimeout,
		maxRetries:     cfg.MaxRetries,
		backoffBase:    cfg.BackoffBase,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		tracer:         otel.Tracer("voicebook/fanout"),
	}
}

// Execute runs the batch and returns results in task order, one per
// task. The context carries the batch-wide deadline; on expiry,
// unfinished tasks come back as cancelled rather than aborting the
// batch. Execute never panics the batch on a single task failure.
func Execute[T any](ctx context.Context, e *Engine, tasks []Task[T]) []Result[T] {
	results := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return results
	}

	ctx, span := e.tracer.Start(ctx, "fanout.execute",
		trace.WithAttributes(attribute.Int("task_count", len(tasks))))
	defer span.End()

	sem := semaphore.NewWeighted(e.maxConcurrency)
	var wg sync.WaitGroup
	for i := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Batch deadline hit while queueing; everything not yet
			// started is cancelled.
			for j := i; j < len(tasks); j++ {
				results[j] = Result[T]{Name: tasks[j].Name, Err: ctx.Err(), Class: cliniko.ClassCancelled}
			}
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = runTask(ctx, e, tasks[i])
		}(i)
	}
	wg.Wait()
	return results
}

func runTask[T any](ctx context.Context, e *Engine, task Task[T]) (res Result[T]) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	res = Result[T]{Name: task.Name}
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		observeResult(e, &res)
	}()

	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		value, err := task.Run(attemptCtx)
		cancel()

		if err == nil {
			res.Value = value
			res.Err = nil
			res.Class = ""
			return res
		}

		res.Err = err
		res.Class = cliniko.Classify(err)
		// The batch context going away trumps the per-attempt class.
		if ctx.Err() != nil {
			res.Class = cliniko.ClassCancelled
			return res
		}
		// conflict and permanent never retry; timeout retries without
		// backoff (the attempt already burned its budget) and is only
		// reported once every attempt has timed out.
		retryable := res.Class.Retryable() || res.Class == cliniko.ClassTimeout
		if !retryable || attempt >= e.maxRetries {
			return res
		}
		if res.Class == cliniko.ClassTimeout {
			continue
		}

		backoff := e.backoffBase * (1 << attempt)
		e.logger.Debug("fanout task retrying",
			"task", task.Name,
			"attempt", attempt+1,
			"class", string(res.Class),
			"backoff_ms", backoff.Milliseconds(),
		)
		select {
		case <-ctx.Done():
			res.Class = cliniko.ClassCancelled
			res.Err = ctx.Err()
			return res
		case <-time.After(backoff):
		}
	}
}

// observeResult records metrics for a finished task.
func observeResult[T any](e *Engine, res *Result[T]) {
	if e.metrics == nil {
		return
	}
	outcome := "ok"
	if res.Err != nil {
		outcome = string(res.Class)
	}
	e.metrics.ObserveFanoutTask(outcome, res.Duration.Seconds())
}

// ProgressiveTimeout picks a per-task timeout by how far out the probed
// date lies: near dates usually answer from cache, far dates more often
// pay for an upstream call.
func ProgressiveTimeout(daysAhead int, near, far time.Duration) time.Duration {
	switch {
	case daysAhead <= 2:
		return near
	case daysAhead < 7:
		return (near + far) / 2
	default:
		return far
	}
}
