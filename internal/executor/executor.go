// Package executor implements the execution harness: it invokes a task's
// registered Execute capability under a timeout race, retries retriable
// failures with capped exponential backoff, attempts a best-effort Rollback
// on fatal failure, and guarantees at most one Execute in flight per task id
// at any time.
//
// Task data is split from behavior: a task carries only an executor key, and
// a capability registry maps keys to implementations, so persistence stores
// the key rather than code.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskengine/internal/model"
	"github.com/swarmguard/taskengine/internal/resilience"
)

// DefaultTimeout is the per-task timeout absent an override.
const DefaultTimeout = 5 * time.Minute

// CleanupGrace is the window a cancelled Execute gets to release its own
// resources before the harness forces cleanup.
const CleanupGrace = 5 * time.Second

const (
	backoffBase = 1 * time.Second
	backoffMax  = 30 * time.Second
)

// RetriableError marks an execution failure the harness should retry,
// rather than marking the task terminally failed.
type RetriableError struct{ Err error }

func (e *RetriableError) Error() string { return e.Err.Error() }
func (e *RetriableError) Unwrap() error { return e.Err }

// Retriable wraps err so the harness retries it per policy.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &RetriableError{Err: err}
}

func isRetriable(err error) bool {
	var r *RetriableError
	return errors.As(err, &r)
}

// Capability is the abstract, externally-supplied unit of work a task
// invokes. Implementations may additionally
// satisfy Validator and Rollbacker.
type Capability interface {
	Execute(ctx context.Context, task model.Task) (output map[string]interface{}, nextTasks []model.Task, err error)
}

// CapabilityFunc adapts a plain function to a Capability.
type CapabilityFunc func(ctx context.Context, task model.Task) (map[string]interface{}, []model.Task, error)

func (f CapabilityFunc) Execute(ctx context.Context, task model.Task) (map[string]interface{}, []model.Task, error) {
	return f(ctx, task)
}

// Validator is an optional capability extension checking pre-conditions
// before Execute runs.
type Validator interface {
	Validate(ctx context.Context, task model.Task) error
}

// Rollbacker is an optional capability extension invoked best-effort after a
// fatal (non-retriable, retries-exhausted) failure.
type Rollbacker interface {
	Rollback(ctx context.Context, task model.Task) error
}

// Registry maps a task's ExecutorKey to the capability implementing it, so
// persistence only ever needs to store the key, not code.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry { return &Registry{caps: make(map[string]Capability)} }

// Register binds an executor key to a capability implementation.
func (r *Registry) Register(key string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[key] = c
}

// ErrUnknownExecutor is returned when a task names an executor key with no
// registered capability.
var ErrUnknownExecutor = errors.New("executor: unknown executor key")

func (r *Registry) lookup(key string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[key]
	if !ok {
		return nil, ErrUnknownExecutor
	}
	return c, nil
}

// ResultCache caches a task's output keyed by a content hash of its
// definition, honored only for tasks marked Cacheable.
type ResultCache interface {
	Get(key string) (map[string]interface{}, bool)
	Put(key string, output map[string]interface{})
}

// CacheKey hashes the cacheable fields of a task (executor key, params)
// so identical submissions hit the same cache entry (dag_engine.go
// generateCacheKey, generalized from whole-task hashing to the fields that
// actually determine a deterministic result).
func CacheKey(t model.Task) string {
	data, _ := json.Marshal(struct {
		ExecutorKey string                 `json:"executor_key"`
		Params      map[string]interface{} `json:"params"`
	}{t.ExecutorKey, t.Params})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Harness runs tasks through their capability with timeout, retry,
// cancellation, and rollback, guaranteeing one Execute in flight per task id.
type Harness struct {
	registry *Registry
	cache    ResultCache
	tracer   trace.Tracer

	durationHist metric.Float64Histogram
	retryCounter metric.Int64Counter
	failCounter  metric.Int64Counter
	leakCounter  metric.Int64Counter

	mu      sync.Mutex
	inFlight map[string]context.CancelFunc
}

// New builds an executor harness. meter/tracer may be no-ops in tests.
func New(registry *Registry, cache ResultCache, meter metric.Meter, tracer trace.Tracer) *Harness {
	h := &Harness{registry: registry, cache: cache, tracer: tracer, inFlight: make(map[string]context.CancelFunc)}
	if meter != nil {
		h.durationHist, _ = meter.Float64Histogram("taskengine_executor_duration_ms")
		h.retryCounter, _ = meter.Int64Counter("taskengine_executor_retries_total")
		h.failCounter, _ = meter.Int64Counter("taskengine_executor_failures_total")
		h.leakCounter, _ = meter.Int64Counter("taskengine_executor_resource_leaks_total")
	}
	return h
}

// Outcome is the harness's terminal verdict for one Run call.
type Outcome struct {
	Record    model.ExecutionRecord
	Output    map[string]interface{}
	NextTasks []model.Task
	Status    model.Status // StatusCompleted, StatusPending (retry), or StatusFailed
	Err       error
	Leaked    bool // true if cancellation forced resource cleanup past the grace window
}

// Run executes one attempt of task.Execute, honoring the task's timeout and
// the task's current RetryCount/MaxRetries, and returns the resulting
// terminal or retry verdict. Run never lets a panic escape: a panicking
// capability is converted into a fatal ExecutionRecord.
func (h *Harness) Run(ctx context.Context, task model.Task) Outcome {
	if task.Cacheable && h.cache != nil {
		if out, ok := h.cache.Get(CacheKey(task)); ok {
			return Outcome{
				Record: model.ExecutionRecord{TaskID: task.ID, ExecutionID: uuid.NewString(), StartTime: time.Now(), EndTime: time.Now(), Status: model.StatusCompleted, Attempt: task.RetryCount + 1},
				Output: out, Status: model.StatusCompleted,
			}
		}
	}

	capImpl, err := h.registry.lookup(task.ExecutorKey)
	if err != nil {
		return h.fatal(task, err)
	}
	if v, ok := capImpl.(Validator); ok {
		if err := v.Validate(ctx, task); err != nil {
			return h.fatal(task, fmt.Errorf("precondition failed: %w", err))
		}
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	h.registerInFlight(task.ID, cancel)
	defer h.clearInFlight(task.ID)

	ctxSpan, span := h.tracer.Start(execCtx, "executor.run",
		trace.WithAttributes(attribute.String("task_id", task.ID), attribute.String("executor_key", task.ExecutorKey)))
	defer span.End()

	start := time.Now()
	output, next, runErr := h.safeExecute(ctxSpan, capImpl, task)
	end := time.Now()
	duration := end.Sub(start)

	if h.durationHist != nil {
		h.durationHist.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attribute.String("task_id", task.ID)))
	}

	record := model.ExecutionRecord{
		TaskID: task.ID, ExecutionID: uuid.NewString(),
		StartTime: start, EndTime: end, Duration: duration,
		Attempt: task.RetryCount + 1,
	}

	if runErr == nil {
		record.Status = model.StatusCompleted
		if task.Cacheable && h.cache != nil {
			h.cache.Put(CacheKey(task), output)
		}
		return Outcome{Record: record, Output: output, NextTasks: next, Status: model.StatusCompleted}
	}

	leaked := errors.Is(execCtx.Err(), context.DeadlineExceeded) && !h.cleanedUpInTime(task.ID)

	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	retriable := isRetriable(runErr) || timedOut
	if timedOut && task.TimeoutFatal {
		retriable = false
	}

	if retriable && task.RetryCount+1 < task.MaxRetries {
		if h.retryCounter != nil {
			h.retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", task.ID)))
		}
		record.Status = model.StatusPending
		record.Error = runErr.Error()
		return Outcome{Record: record, Status: model.StatusPending, Err: runErr, Leaked: leaked}
	}

	record.Status = model.StatusFailed
	record.Error = runErr.Error()
	if h.failCounter != nil {
		h.failCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", task.ID)))
	}
	if rb, ok := capImpl.(Rollbacker); ok {
		rbCtx, rbCancel := context.WithTimeout(context.Background(), CleanupGrace)
		_ = rb.Rollback(rbCtx, task)
		rbCancel()
	}
	if leaked && h.leakCounter != nil {
		h.leakCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", task.ID)))
	}
	return Outcome{Record: record, Status: model.StatusFailed, Err: runErr, Leaked: leaked}
}

// cleanedUpInTime is a hook point for capabilities that signal their own
// cleanup completion; the harness has no visibility into a capability's
// internal teardown, so absent such a signal it conservatively assumes
// cleanup did not finish within the grace window on a cancellation.
func (h *Harness) cleanedUpInTime(string) bool { return false }

func (h *Harness) safeExecute(ctx context.Context, c Capability, task model.Task) (output map[string]interface{}, next []model.Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor: capability panic: %v", r)
		}
	}()
	return c.Execute(ctx, task)
}

func (h *Harness) fatal(task model.Task, err error) Outcome {
	now := time.Now()
	return Outcome{
		Record: model.ExecutionRecord{TaskID: task.ID, ExecutionID: uuid.NewString(), StartTime: now, EndTime: now, Status: model.StatusFailed, Error: err.Error(), Attempt: task.RetryCount + 1},
		Status: model.StatusFailed, Err: err,
	}
}

func (h *Harness) registerInFlight(taskID string, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight[taskID] = cancel
}

func (h *Harness) clearInFlight(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inFlight, taskID)
}

// Cancel delivers a cancellation signal to a task's in-flight Execute, if
// any; idempotent, a no-op when nothing is in flight.
func (h *Harness) Cancel(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cancel, ok := h.inFlight[taskID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// InFlight reports whether a task currently has an Execute running, the
// ordering guarantee the harness enforces.
func (h *Harness) InFlight(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.inFlight[taskID]
	return ok
}

// Backoff exposes the harness's retry delay schedule for callers (the Queue
// Core) that re-enter a task to pending and must wait before re-admitting it.
func Backoff(attempt int) time.Duration {
	return resilience.Backoff(attempt, backoffBase, backoffMax)
}
