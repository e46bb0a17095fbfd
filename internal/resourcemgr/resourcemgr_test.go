package resourcemgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskengine/internal/model"
)

func newTestManager() *Manager {
	return New([]PoolConfig{
		{Type: "cpu", Capacity: 4},
		{Type: "memory", Capacity: 8},
	})
}

func reqs(pairs ...interface{}) []model.ResourceRequirement {
	var out []model.ResourceRequirement
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, model.ResourceRequirement{Type: pairs[i].(string), Units: int64(pairs[i+1].(int))})
	}
	return out
}

func TestAllocateAndRelease(t *testing.T) {
	m := newTestManager()
	r := reqs("cpu", 2, "memory", 4)

	require.True(t, m.CanAdmit(r))
	require.NoError(t, m.Allocate(r))
	assert.Equal(t, 0.5, m.Availability("cpu"))
	assert.Equal(t, 0.5, m.Availability("memory"))

	m.Release(r)
	assert.Equal(t, 1.0, m.Availability("cpu"))
	assert.Equal(t, 1.0, m.Availability("memory"))
}

func TestAllocateIsAtomicAcrossPools(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Allocate(reqs("memory", 7)))

	// cpu has room but memory doesn't; nothing may be taken from cpu
	err := m.Allocate(reqs("cpu", 1, "memory", 4))
	require.ErrorIs(t, err, ErrInsufficientCapacity)
	assert.Equal(t, 1.0, m.Availability("cpu"))
}

func TestAllocateUnknownPool(t *testing.T) {
	m := newTestManager()
	assert.ErrorIs(t, m.Allocate(reqs("gpu", 1)), ErrUnknownPool)
	assert.False(t, m.CanAdmit(reqs("gpu", 1)))
}

func TestOverAllocationNeverExceedsCapacity(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Allocate(reqs("cpu", 4)))
	assert.False(t, m.CanAdmit(reqs("cpu", 1)))
	assert.ErrorIs(t, m.Allocate(reqs("cpu", 1)), ErrInsufficientCapacity)

	for _, s := range m.Snapshot() {
		assert.LessOrEqual(t, s.Allocated, s.Capacity)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager()
	r := reqs("cpu", 3)
	require.NoError(t, m.Allocate(r))
	m.Release(r)
	m.Release(r) // double release must not create phantom capacity
	assert.Equal(t, 1.0, m.Availability("cpu"))
	assert.False(t, m.CanAdmit(reqs("cpu", 5)))
}

func TestFitScoresByTightestPool(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Allocate(reqs("cpu", 3)))

	task := model.Task{RequiredResources: reqs("cpu", 1, "memory", 1)}
	assert.InDelta(t, 0.25, m.Fit(task), 1e-9)

	free := model.Task{}
	assert.Equal(t, 1.0, m.Fit(free))
}

func TestRateLimitedPool(t *testing.T) {
	m := New([]PoolConfig{{
		Type: "network", Capacity: 100,
		RateLimited: true, FillRate: 0.0001, WindowDur: time.Hour, MaxPerWindow: 2,
	}})

	require.NoError(t, m.Allocate(reqs("network", 1)))
	require.NoError(t, m.Allocate(reqs("network", 1)))
	// window cap of 2 reached; capacity remains but admission throttles
	assert.ErrorIs(t, m.Allocate(reqs("network", 1)), ErrInsufficientCapacity)
}
