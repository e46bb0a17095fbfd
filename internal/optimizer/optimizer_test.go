package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskengine/internal/model"
	"github.com/swarmguard/taskengine/internal/resourcemgr"
)

type fakeView struct {
	tasks map[string]model.Task
}

func (f fakeView) AllTasks() map[string]model.Task { return f.tasks }
func (f fakeView) RunningCount() int               { return 0 }

func TestAnalyzeEmptyQueue(t *testing.T) {
	o := New(fakeView{tasks: map[string]model.Task{}}, nil, nil)
	report := o.Analyze()
	assert.Zero(t, report.TaskCount)
	assert.Empty(t, report.Recommendations)
	assert.Equal(t, report, o.Latest())
}

func TestAnalyzeFlagsStarvedTasks(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour)
	o := New(fakeView{tasks: map[string]model.Task{
		"t1": {ID: "t1", Status: model.StatusPending, CreatedAt: old},
	}}, nil, nil)

	report := o.Analyze()
	require.Len(t, report.Recommendations, 1)
	assert.Equal(t, "starved_tasks", report.Recommendations[0].Code)
}

func TestAnalyzeFlagsHighFailureRate(t *testing.T) {
	tasks := map[string]model.Task{
		"f1": {ID: "f1", Status: model.StatusFailed},
		"f2": {ID: "f2", Status: model.StatusFailed},
		"c1": {ID: "c1", Status: model.StatusCompleted},
	}
	o := New(fakeView{tasks: tasks}, nil, nil)
	report := o.Analyze()

	codes := make([]string, 0, len(report.Recommendations))
	for _, r := range report.Recommendations {
		codes = append(codes, r.Code)
	}
	assert.Contains(t, codes, "high_failure_rate")
}

func TestAnalyzeFlagsSaturatedPool(t *testing.T) {
	pools := resourcemgr.New([]resourcemgr.PoolConfig{{Type: "cpu", Capacity: 2}})
	require.NoError(t, pools.Allocate([]model.ResourceRequirement{{Type: "cpu", Units: 2}}))

	o := New(fakeView{tasks: map[string]model.Task{
		"t1": {ID: "t1", Status: model.StatusPending, CreatedAt: time.Now()},
	}}, pools, nil)
	report := o.Analyze()

	codes := make([]string, 0, len(report.Recommendations))
	for _, r := range report.Recommendations {
		codes = append(codes, r.Code)
	}
	assert.Contains(t, codes, "pool_saturated")
}

func TestAnalyzeFlagsEstimateDrift(t *testing.T) {
	o := New(fakeView{tasks: map[string]model.Task{
		"c1": {ID: "c1", Status: model.StatusCompleted, EstimatedDuration: time.Second, ActualDuration: 5 * time.Second},
	}}, nil, nil)
	report := o.Analyze()
	require.Len(t, report.Recommendations, 1)
	assert.Equal(t, "estimate_drift", report.Recommendations[0].Code)
}
