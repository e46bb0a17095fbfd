package taskengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskengine/internal/graph"
	"github.com/swarmguard/taskengine/internal/model"
)

func noopCapability() Capability {
	return CapabilityFunc(func(ctx context.Context, task Task) (map[string]interface{}, []Task, error) {
		return map[string]interface{}{"ok": true}, nil, nil
	})
}

// newBareEngine builds an engine with no persistence and no background
// loops; tests drive admission with Tick.
func newBareEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(Config{OptimizerSchedule: "off"})
	require.NoError(t, err)
	return eng
}

func waitForState(t *testing.T, eng *Engine, id string, want model.Status) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		eng.Tick(context.Background())
		if view, ok := eng.Status(id); ok && view.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	view, _ := eng.Status(id)
	t.Fatalf("task %s never reached %s (now %s)", id, want, view.State)
}

func TestSubmitAndExecuteWithDependency(t *testing.T) {
	eng := newBareEngine(t)
	eng.RegisterCapability("noop", noopCapability())

	sub := eng.Subscribe(lifecycleKinds()...)
	defer sub.Close()

	a, err := eng.Submit("A", "first", SubmitOptions{ExecutorKey: "noop", EstimatedDuration: time.Second})
	require.NoError(t, err)
	b, err := eng.Submit("B", "second", SubmitOptions{
		ExecutorKey:  "noop",
		Dependencies: []model.TaskDependency{{DependsOn: a, Type: model.EdgeBlocks}},
	})
	require.NoError(t, err)

	waitForState(t, eng, a, model.StatusCompleted)
	waitForState(t, eng, b, model.StatusCompleted)

	viewA, _ := eng.Status(a)
	viewB, _ := eng.Status(b)
	require.NotNil(t, viewA.Task.CompletedAt)
	require.NotNil(t, viewB.Task.StartedAt)
	assert.False(t, viewB.Task.StartedAt.Before(*viewA.Task.CompletedAt))
}

func lifecycleKinds() []EventKind {
	return []EventKind{"task_submitted", "task_started", "task_completed"}
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	eng := newBareEngine(t)
	eng.RegisterCapability("noop", noopCapability())

	a, _ := eng.Submit("A", "", SubmitOptions{ExecutorKey: "noop"})
	b, _ := eng.Submit("B", "", SubmitOptions{ExecutorKey: "noop"})

	_, err := eng.AddDependency(a, b, model.EdgeBlocks, false)
	require.NoError(t, err)
	_, err = eng.AddDependency(b, a, model.EdgeBlocks, false)
	require.Error(t, err)

	var cycleErr *graph.ErrCycleWouldForm
	require.ErrorAs(t, err, &cycleErr)
	assert.Contains(t, cycleErr.Path, a)
	assert.Contains(t, cycleErr.Path, b)
}

func TestCancelIsIdempotent(t *testing.T) {
	eng := newBareEngine(t)
	eng.RegisterCapability("noop", noopCapability())

	id, _ := eng.Submit("X", "", SubmitOptions{ExecutorKey: "noop"})
	require.True(t, eng.Cancel(id, "first"))
	require.True(t, eng.Cancel(id, "second"))

	view, ok := eng.Status(id)
	require.True(t, ok)
	assert.Equal(t, model.StatusCancelled, view.State)
	assert.Equal(t, "first", view.Task.FailureReason)
}

func TestSequenceIsLinearExtension(t *testing.T) {
	eng := newBareEngine(t)
	eng.RegisterCapability("noop", noopCapability())

	a, _ := eng.Submit("A", "", SubmitOptions{ExecutorKey: "noop"})
	b, _ := eng.Submit("B", "", SubmitOptions{
		ExecutorKey:  "noop",
		Dependencies: []model.TaskDependency{{DependsOn: a, Type: model.EdgeBlocks}},
	})

	for _, algo := range []Algorithm{AlgorithmPriority, AlgorithmDependencyAware, AlgorithmResourceOptimal, AlgorithmHybrid} {
		seq := eng.Sequence(algo)
		require.Len(t, seq.TaskIDs, 2, "algorithm %s", algo)
		assert.Equal(t, []string{a, b}, seq.TaskIDs, "algorithm %s", algo)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	eng, err := New(Config{WorkDir: t.TempDir(), OptimizerSchedule: "off", SnapshotCompress: true})
	require.NoError(t, err)
	eng.RegisterCapability("noop", noopCapability())

	var ids []string
	for _, title := range []string{"one", "two", "three"} {
		id, err := eng.Submit(title, "", SubmitOptions{ExecutorKey: "noop", Priority: model.PriorityHigh})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	snapID, err := eng.Snapshot(model.SnapshotManual)
	require.NoError(t, err)

	// mutate past the snapshot point, then roll back
	extra, err := eng.Submit("extra", "", SubmitOptions{ExecutorKey: "noop"})
	require.NoError(t, err)
	require.NoError(t, eng.Restore(snapID))

	for _, id := range ids {
		view, ok := eng.Status(id)
		require.True(t, ok)
		assert.Equal(t, model.StatusPending, view.State)
		assert.Equal(t, model.PriorityHigh, view.Task.Base)
	}
	_, ok := eng.Status(extra)
	assert.False(t, ok, "post-snapshot task must not survive restore")
}

func TestEventsAreDelivered(t *testing.T) {
	eng := newBareEngine(t)
	eng.RegisterCapability("noop", noopCapability())

	sub := eng.Subscribe("task_completed")
	defer sub.Close()

	id, _ := eng.Submit("X", "", SubmitOptions{ExecutorKey: "noop"})
	waitForState(t, eng, id, model.StatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, ok := sub.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, EventKind("task_completed"), ev.Kind)
	assert.Equal(t, id, ev.TaskID)
}

func TestBreakdownHookSubmitsSubtasks(t *testing.T) {
	eng, err := New(Config{
		OptimizerSchedule: "off",
		Breakdown: func(ctx context.Context, task Task) ([]SubmitOptions, error) {
			return []SubmitOptions{
				{Title: task.Title + "/1", ExecutorKey: task.ExecutorKey},
				{Title: task.Title + "/2", ExecutorKey: task.ExecutorKey},
			}, nil
		},
	})
	require.NoError(t, err)
	eng.RegisterCapability("noop", noopCapability())

	parent, _ := eng.Submit("big", "", SubmitOptions{ExecutorKey: "noop"})
	subIDs, err := eng.Breakdown(context.Background(), parent)
	require.NoError(t, err)
	require.Len(t, subIDs, 2)
	for _, id := range subIDs {
		_, ok := eng.Status(id)
		assert.True(t, ok)
	}
}

func TestBreakdownDefaultIsNoop(t *testing.T) {
	eng := newBareEngine(t)
	eng.RegisterCapability("noop", noopCapability())
	id, _ := eng.Submit("big", "", SubmitOptions{ExecutorKey: "noop"})

	subIDs, err := eng.Breakdown(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, subIDs)
}

func TestCrashRecoveryAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	// first session: two tasks complete, three hang mid-flight
	eng1, err := New(Config{
		WorkDir:           dir,
		SessionID:         "session-one",
		OptimizerSchedule: "off",
		HeartbeatInterval: time.Hour, // never refresh, so the record goes stale
		TickInterval:      10 * time.Millisecond,
	})
	require.NoError(t, err)
	eng1.RegisterCapability("fast", noopCapability())
	eng1.RegisterCapability("hangs", CapabilityFunc(func(ctx context.Context, task Task) (map[string]interface{}, []Task, error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}))
	require.NoError(t, eng1.Start(context.Background()))

	var fastIDs, hungIDs []string
	for i := 0; i < 2; i++ {
		id, err := eng1.Submit("fast", "", SubmitOptions{ExecutorKey: "fast"})
		require.NoError(t, err)
		fastIDs = append(fastIDs, id)
	}
	for _, id := range fastIDs {
		waitForState(t, eng1, id, model.StatusCompleted)
	}
	for i := 0; i < 3; i++ {
		id, err := eng1.Submit("hung", "", SubmitOptions{ExecutorKey: "hangs"})
		require.NoError(t, err)
		hungIDs = append(hungIDs, id)
	}
	for _, id := range hungIDs {
		waitForState(t, eng1, id, model.StatusRunning)
	}

	_, err = eng1.Snapshot(model.SnapshotManual)
	require.NoError(t, err)

	// the process dies here without a graceful shutdown; its heartbeat
	// record ages past the second session's crash threshold
	time.Sleep(300 * time.Millisecond)

	eng2, err := New(Config{
		WorkDir:           dir,
		SessionID:         "session-two",
		OptimizerSchedule: "off",
		SessionTimeout:    50 * time.Millisecond,
		CrashTimeout:      50 * time.Millisecond,
		TickInterval:      10 * time.Millisecond,
	})
	require.NoError(t, err)
	eng2.RegisterCapability("fast", noopCapability())
	eng2.RegisterCapability("hangs", noopCapability()) // completes promptly this time
	require.NoError(t, eng2.Start(context.Background()))

	// restored: completed work stays completed, interrupted work reruns
	for _, id := range fastIDs {
		view, ok := eng2.Status(id)
		require.True(t, ok, "completed task lost in recovery")
		assert.Equal(t, model.StatusCompleted, view.State)
	}
	for _, id := range hungIDs {
		waitForState(t, eng2, id, model.StatusCompleted)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng2.Shutdown(ctx))
}
