package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoHistoryMeansNotOK(t *testing.T) {
	tr := NewTracker()
	_, ok := tr.SuccessRate("missing")
	assert.False(t, ok)
}

func TestRateReflectsOutcomes(t *testing.T) {
	tr := NewTracker()
	tr.Record("k", true)
	tr.Record("k", true)
	tr.Record("k", false)
	tr.Record("k", true)

	rate, ok := tr.SuccessRate("k")
	require.True(t, ok)
	assert.InDelta(t, 0.75, rate, 1e-9)
}

func TestWindowEvictsOldest(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < WindowSize; i++ {
		tr.Record("k", false)
	}
	rate, ok := tr.SuccessRate("k")
	require.True(t, ok)
	assert.Zero(t, rate)

	// fill the whole window with successes; old failures age out
	for i := 0; i < WindowSize; i++ {
		tr.Record("k", true)
	}
	rate, _ = tr.SuccessRate("k")
	assert.Equal(t, 1.0, rate)
}

func TestEmptyKeyIgnored(t *testing.T) {
	tr := NewTracker()
	tr.Record("", true)
	_, ok := tr.SuccessRate("")
	assert.False(t, ok)
}

func TestKeysAreIndependent(t *testing.T) {
	tr := NewTracker()
	tr.Record("good", true)
	tr.Record("bad", false)

	good, _ := tr.SuccessRate("good")
	bad, _ := tr.SuccessRate("bad")
	assert.Equal(t, 1.0, good)
	assert.Zero(t, bad)
}
