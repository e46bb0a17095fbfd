// Package history tracks recent execution outcomes per executor key, giving
// the priority engine its execution-history factor without any learned model
// behind it.
package history

import "sync"

// WindowSize bounds how many recent outcomes are kept per key.
const WindowSize = 20

type ring struct {
	outcomes []bool
	next     int
	filled   bool
}

func (r *ring) add(ok bool) {
	if len(r.outcomes) < WindowSize {
		r.outcomes = append(r.outcomes, ok)
		return
	}
	r.outcomes[r.next] = ok
	r.next = (r.next + 1) % WindowSize
	r.filled = true
}

func (r *ring) rate() (float64, bool) {
	if len(r.outcomes) == 0 {
		return 0, false
	}
	good := 0
	for _, ok := range r.outcomes {
		if ok {
			good++
		}
	}
	return float64(good) / float64(len(r.outcomes)), true
}

// Tracker is a bounded per-key outcome window.
type Tracker struct {
	mu    sync.Mutex
	rings map[string]*ring
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{rings: make(map[string]*ring)}
}

// Record appends one outcome for an executor key.
func (t *Tracker) Record(executorKey string, success bool) {
	if executorKey == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rings[executorKey]
	if !ok {
		r = &ring{}
		t.rings[executorKey] = r
	}
	r.add(success)
}

// SuccessRate reports the fraction of recent outcomes for a key that
// succeeded; ok is false when the key has no history yet.
func (t *Tracker) SuccessRate(executorKey string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rings[executorKey]
	if !ok {
		return 0, false
	}
	return r.rate()
}
