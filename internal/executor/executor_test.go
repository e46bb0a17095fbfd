package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/swarmguard/taskengine/internal/model"
)

func newHarness(reg *Registry, cache ResultCache) *Harness {
	return New(reg, cache, nil, nooptrace.NewTracerProvider().Tracer("test"))
}

type mapCache struct {
	mu sync.Mutex
	m  map[string]map[string]interface{}
}

func newMapCache() *mapCache { return &mapCache{m: make(map[string]map[string]interface{})} }

func (c *mapCache) Get(key string) (map[string]interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *mapCache) Put(key string, out map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = out
}

func TestRunSuccess(t *testing.T) {
	reg := NewRegistry()
	reg.Register("ok", CapabilityFunc(func(ctx context.Context, task model.Task) (map[string]interface{}, []model.Task, error) {
		return map[string]interface{}{"answer": 42}, nil, nil
	}))
	h := newHarness(reg, nil)

	out := h.Run(context.Background(), model.Task{ID: "t1", ExecutorKey: "ok", MaxRetries: 3})
	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.Equal(t, 42, out.Output["answer"])
	assert.Equal(t, model.StatusCompleted, out.Record.Status)
	assert.Equal(t, 1, out.Record.Attempt)
}

func TestRunRetriableErrorYieldsRetryVerdict(t *testing.T) {
	reg := NewRegistry()
	reg.Register("flaky", CapabilityFunc(func(ctx context.Context, task model.Task) (map[string]interface{}, []model.Task, error) {
		return nil, nil, Retriable(errors.New("transient"))
	}))
	h := newHarness(reg, nil)

	out := h.Run(context.Background(), model.Task{ID: "t1", ExecutorKey: "flaky", MaxRetries: 3})
	assert.Equal(t, model.StatusPending, out.Status)
	assert.Error(t, out.Err)
}

func TestRunRetriesExhaustedYieldsFailed(t *testing.T) {
	reg := NewRegistry()
	reg.Register("flaky", CapabilityFunc(func(ctx context.Context, task model.Task) (map[string]interface{}, []model.Task, error) {
		return nil, nil, Retriable(errors.New("transient"))
	}))
	h := newHarness(reg, nil)

	// RetryCount 2 with MaxRetries 3 means this is the final attempt
	out := h.Run(context.Background(), model.Task{ID: "t1", ExecutorKey: "flaky", MaxRetries: 3, RetryCount: 2})
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, 3, out.Record.Attempt)
}

type rollbackCap struct {
	mu         sync.Mutex
	rolledBack bool
}

func (r *rollbackCap) Execute(ctx context.Context, task model.Task) (map[string]interface{}, []model.Task, error) {
	return nil, nil, errors.New("fatal")
}

func (r *rollbackCap) Rollback(ctx context.Context, task model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolledBack = true
	return nil
}

func TestFatalErrorTriggersRollback(t *testing.T) {
	reg := NewRegistry()
	cap := &rollbackCap{}
	reg.Register("fatal", cap)
	h := newHarness(reg, nil)

	out := h.Run(context.Background(), model.Task{ID: "t1", ExecutorKey: "fatal", MaxRetries: 3})
	assert.Equal(t, model.StatusFailed, out.Status)
	cap.mu.Lock()
	assert.True(t, cap.rolledBack)
	cap.mu.Unlock()
}

func TestTimeoutIsRetriable(t *testing.T) {
	reg := NewRegistry()
	reg.Register("slow", CapabilityFunc(func(ctx context.Context, task model.Task) (map[string]interface{}, []model.Task, error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}))
	h := newHarness(reg, nil)

	out := h.Run(context.Background(), model.Task{ID: "t1", ExecutorKey: "slow", MaxRetries: 3, Timeout: 20 * time.Millisecond})
	assert.Equal(t, model.StatusPending, out.Status)
}

func TestFatalTimeoutFailsImmediately(t *testing.T) {
	reg := NewRegistry()
	reg.Register("slow", CapabilityFunc(func(ctx context.Context, task model.Task) (map[string]interface{}, []model.Task, error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}))
	h := newHarness(reg, nil)

	out := h.Run(context.Background(), model.Task{ID: "t1", ExecutorKey: "slow", MaxRetries: 3, Timeout: 20 * time.Millisecond, TimeoutFatal: true})
	assert.Equal(t, model.StatusFailed, out.Status)
}

func TestPanickingCapabilityIsContained(t *testing.T) {
	reg := NewRegistry()
	reg.Register("boom", CapabilityFunc(func(ctx context.Context, task model.Task) (map[string]interface{}, []model.Task, error) {
		panic("kaboom")
	}))
	h := newHarness(reg, nil)

	out := h.Run(context.Background(), model.Task{ID: "t1", ExecutorKey: "boom", MaxRetries: 1})
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Contains(t, out.Err.Error(), "panic")
}

func TestUnknownExecutorKey(t *testing.T) {
	h := newHarness(NewRegistry(), nil)
	out := h.Run(context.Background(), model.Task{ID: "t1", ExecutorKey: "nope", MaxRetries: 3})
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrUnknownExecutor)
}

func TestCacheableTaskSkipsExecution(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	reg.Register("cached", CapabilityFunc(func(ctx context.Context, task model.Task) (map[string]interface{}, []model.Task, error) {
		calls++
		return map[string]interface{}{"n": calls}, nil, nil
	}))
	h := newHarness(reg, newMapCache())

	task := model.Task{ID: "t1", ExecutorKey: "cached", Cacheable: true, MaxRetries: 3, Params: map[string]interface{}{"k": "v"}}
	first := h.Run(context.Background(), task)
	second := h.Run(context.Background(), task)

	require.Equal(t, model.StatusCompleted, first.Status)
	require.Equal(t, model.StatusCompleted, second.Status)
	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Output["n"], second.Output["n"])
}

func TestCancelInterruptsExecution(t *testing.T) {
	reg := NewRegistry()
	started := make(chan struct{})
	reg.Register("waits", CapabilityFunc(func(ctx context.Context, task model.Task) (map[string]interface{}, []model.Task, error) {
		close(started)
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}))
	h := newHarness(reg, nil)

	done := make(chan Outcome, 1)
	go func() {
		done <- h.Run(context.Background(), model.Task{ID: "t1", ExecutorKey: "waits", MaxRetries: 1})
	}()
	<-started
	require.True(t, h.InFlight("t1"))
	require.True(t, h.Cancel("t1"))

	select {
	case out := <-done:
		assert.Equal(t, model.StatusFailed, out.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.False(t, h.InFlight("t1"))
	assert.False(t, h.Cancel("t1"))
}

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(tc.attempt), "attempt %d", tc.attempt)
	}
}
