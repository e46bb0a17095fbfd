package sessions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskengine/internal/model"
)

func newTestRegistry() (*Registry, *time.Time) {
	now := time.Unix(100000, 0)
	r := New(DefaultConfig(), nil)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRegisterAndHeartbeat(t *testing.T) {
	r, _ := newTestRegistry()
	s := r.Register("s1", "agent-1")
	assert.Equal(t, model.SessionActive, s.Status)

	got, ok := r.Heartbeat("s1")
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Operations)

	_, ok = r.Heartbeat("ghost")
	assert.False(t, ok)
}

func TestSweepMarksInactiveThenCrashed(t *testing.T) {
	r, now := newTestRegistry()
	r.Register("s1", "agent-1")

	// within timeout: stays active
	*now = now.Add(10 * time.Minute)
	assert.Empty(t, r.Sweep())
	s, _ := r.Get("s1")
	assert.Equal(t, model.SessionActive, s.Status)

	// past session timeout: inactive
	*now = now.Add(25 * time.Minute)
	assert.Empty(t, r.Sweep())
	s, _ = r.Get("s1")
	assert.Equal(t, model.SessionInactive, s.Status)

	// past crash threshold: crashed, reported exactly once
	*now = now.Add(15 * time.Minute)
	crashed := r.Sweep()
	assert.Equal(t, []string{"s1"}, crashed)
	assert.Empty(t, r.Sweep())
	s, _ = r.Get("s1")
	assert.Equal(t, model.SessionCrashed, s.Status)
}

func TestTerminatedSessionExemptFromSweep(t *testing.T) {
	r, now := newTestRegistry()
	r.Register("s1", "agent-1")
	r.Terminate("s1")

	*now = now.Add(24 * time.Hour)
	assert.Empty(t, r.Sweep())
	s, _ := r.Get("s1")
	assert.Equal(t, model.SessionTerminated, s.Status)
}

func TestHeartbeatReactivatesInactive(t *testing.T) {
	r, now := newTestRegistry()
	r.Register("s1", "agent-1")
	*now = now.Add(35 * time.Minute)
	r.Sweep()

	got, ok := r.Heartbeat("s1")
	require.True(t, ok)
	assert.Equal(t, model.SessionActive, got.Status)
}

func TestExclusiveOwnership(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Acquire("t1", "s1", "a1", model.OwnershipExclusive, time.Hour))

	err := r.Acquire("t1", "s2", "a2", model.OwnershipExclusive, time.Hour)
	var owned ErrAlreadyOwned
	require.ErrorAs(t, err, &owned)
	assert.Equal(t, "s1", owned.HolderSession)

	// same session re-acquires (lease extension)
	assert.NoError(t, r.Acquire("t1", "s1", "a1", model.OwnershipExclusive, time.Hour))

	r.Release("t1")
	assert.NoError(t, r.Acquire("t1", "s2", "a2", model.OwnershipExclusive, time.Hour))
}

func TestExpiredLeaseCanBeTakenOver(t *testing.T) {
	r, now := newTestRegistry()
	require.NoError(t, r.Acquire("t1", "s1", "a1", model.OwnershipExclusive, time.Minute))

	*now = now.Add(2 * time.Minute)
	assert.NoError(t, r.Acquire("t1", "s2", "a2", model.OwnershipExclusive, time.Minute))
}

func TestReleaseAllFor(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Acquire("t1", "s1", "a1", model.OwnershipExclusive, time.Hour))
	require.NoError(t, r.Acquire("t2", "s1", "a1", model.OwnershipExclusive, time.Hour))
	require.NoError(t, r.Acquire("t3", "s2", "a2", model.OwnershipExclusive, time.Hour))

	freed := r.ReleaseAllFor("s1")
	assert.ElementsMatch(t, []string{"t1", "t2"}, freed)

	_, ok := r.Owner("t3")
	assert.True(t, ok)
	_, ok = r.Owner("t1")
	assert.False(t, ok)
}

func TestCounters(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register("s1", "agent-1")
	r.RecordTaskProcessed("s1")
	r.RecordTaskProcessed("s1")
	r.RecordError("s1")

	s, _ := r.Get("s1")
	assert.Equal(t, int64(2), s.TasksProcessed)
	assert.Equal(t, int64(1), s.Errors)
}
