// Package resourcemgr implements the typed resource pool manager: named
// pools with fixed capacity, admission checks, allocation, and release, with
// an invariant that allocated never exceeds capacity. Pools can optionally
// cap their allocation rate on top of capacity.
package resourcemgr

import (
	"errors"
	"sync"
	"time"

	"github.com/swarmguard/taskengine/internal/model"
	"github.com/swarmguard/taskengine/internal/resilience"
)

// ErrUnknownPool is returned for operations on a pool that was never registered.
var ErrUnknownPool = errors.New("unknown resource pool")

// ErrInsufficientCapacity is returned by Allocate when a pool cannot satisfy
// the requested units even after admission passed CanAdmit (a race between
// check and allocate); callers should treat it as "retry later".
var ErrInsufficientCapacity = errors.New("insufficient capacity")

// PoolConfig declares one named resource pool at registration time.
type PoolConfig struct {
	Type        string
	Capacity    int64
	RateLimited bool
	// FillRate/WindowDur/MaxPerWindow are only used when RateLimited is true.
	FillRate     float64
	WindowDur    time.Duration
	MaxPerWindow int64
}

type pool struct {
	capacity  int64
	allocated int64
	limiter   *resilience.RateLimiter
}

// Manager owns every registered resource pool and enforces the
// allocated<=capacity invariant under a single mutex; pools are small in
// number so a single lock contends far less than the gain from splitting it.
type Manager struct {
	mu    sync.Mutex
	pools map[string]*pool
}

// New builds a resource manager with the given pool configuration.
func New(configs []PoolConfig) *Manager {
	m := &Manager{pools: make(map[string]*pool, len(configs))}
	for _, c := range configs {
		p := &pool{capacity: c.Capacity}
		if c.RateLimited {
			p.limiter = resilience.NewRateLimiter(c.Capacity, c.FillRate, c.WindowDur, c.MaxPerWindow)
		}
		m.pools[c.Type] = p
	}
	return m
}

// CanAdmit reports whether every resource a task requires currently has
// enough free capacity, without reserving anything.
func (m *Manager) CanAdmit(reqs []model.ResourceRequirement) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range reqs {
		p, ok := m.pools[r.Type]
		if !ok {
			return false
		}
		if p.capacity-p.allocated < r.Units {
			return false
		}
	}
	return true
}

// Allocate reserves units from every pool a task requires, atomically: if
// any single pool cannot satisfy its share, nothing is allocated. Rate
// limited pools additionally consume from their token bucket; a throttled
// pool fails the whole allocation.
func (m *Manager) Allocate(reqs []model.ResourceRequirement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range reqs {
		p, ok := m.pools[r.Type]
		if !ok {
			return ErrUnknownPool
		}
		if p.capacity-p.allocated < r.Units {
			return ErrInsufficientCapacity
		}
	}
	for i, r := range reqs {
		p := m.pools[r.Type]
		if p.limiter != nil && !p.limiter.AllowN(r.Units) {
			// roll back only what this call already counted
			m.releaseLocked(reqs[:i])
			return ErrInsufficientCapacity
		}
		p.allocated += r.Units
	}
	return nil
}

// Release returns units to every pool a completed or failed task held.
func (m *Manager) Release(reqs []model.ResourceRequirement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(reqs)
}

func (m *Manager) releaseLocked(reqs []model.ResourceRequirement) {
	for _, r := range reqs {
		p, ok := m.pools[r.Type]
		if !ok {
			continue
		}
		p.allocated -= r.Units
		if p.allocated < 0 {
			p.allocated = 0
		}
	}
}

// Availability reports the free fraction (0..1) of a pool's capacity; an
// unknown pool reports 0 (fully unavailable) so priority scoring backs off
// rather than assuming free capacity it can't verify.
func (m *Manager) Availability(resourceType string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[resourceType]
	if !ok || p.capacity <= 0 {
		return 0
	}
	free := p.capacity - p.allocated
	if free < 0 {
		free = 0
	}
	return float64(free) / float64(p.capacity)
}

// Fit scores how well a task's resource requirements currently fit, as the
// minimum per-pool availability fraction across everything it needs; tasks
// requiring nothing fit perfectly.
func (m *Manager) Fit(t model.Task) float64 {
	if len(t.RequiredResources) == 0 {
		return 1
	}
	min := 1.0
	for _, r := range t.RequiredResources {
		if a := m.Availability(r.Type); a < min {
			min = a
		}
	}
	return min
}

// Stats is a point-in-time snapshot of one pool's utilization.
type Stats struct {
	Type      string
	Capacity  int64
	Allocated int64
}

// Snapshot returns utilization stats for every registered pool.
func (m *Manager) Snapshot() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Stats, 0, len(m.pools))
	for t, p := range m.pools {
		out = append(out, Stats{Type: t, Capacity: p.capacity, Allocated: p.allocated})
	}
	return out
}
